// internal/driver/reglo/reglo_driver.go
package reglo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plateflo/internal/driver/base"
	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/pkg/driver"
)

// ErrNotRegloDigital means the device at the address is not a Reglo Digital.
var ErrNotRegloDigital = errors.New("device is not a Reglo Digital")

// Capabilities lists what every Reglo Digital supports.
var Capabilities = []model.Capability{
	model.CapabilityPump,
	model.CapabilityFlowRate,
	model.CapabilityDisplay,
	model.CapabilityStatus,
}

// State is what the driver knows about the pump beyond what it can query.
// Fields change only when the pump acknowledges the command.
type State struct {
	Direction driver.PumpDirection `json:"direction,omitempty"`
	Mode      driver.PumpMode      `json:"mode,omitempty"`
	Flow      *decimal.Decimal     `json:"flow,omitempty"`
}

// Driver implements driver.DeviceDriver and driver.PumpDriver for the
// Ismatec Reglo Digital peristaltic pump.
type Driver struct {
	*base.Driver

	mutex   sync.RWMutex
	address int
	state   State
}

var _ driver.PumpDriver = (*Driver)(nil)

// NewDriver creates a Reglo Digital driver for the pump at device.Address.
func NewDriver(device *model.Device, transport *protocol.Transport, retrier *protocol.Retrier, logger *zap.Logger) (driver.DeviceDriver, error) {
	if device.Kind != model.DeviceKindRegloDigital {
		return nil, fmt.Errorf("reglo driver cannot serve %s devices", device.Kind)
	}
	if err := validateAddress(device.Address); err != nil {
		return nil, err
	}
	info := &driver.DeviceInfo{
		Model:        "Reglo Digital",
		Capabilities: Capabilities,
		Manufacturer: "Ismatec",
	}
	return &Driver{
		Driver:  base.New(device, transport, retrier, logger, info),
		address: device.Address,
	}, nil
}

// Connect opens the transport, selects flow-rate mode and checks the pump
// name.
func (d *Driver) Connect(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	if err := d.Open(ctx); err != nil {
		return err
	}
	addr := d.Address()

	attempt, err := d.Retrier.Do(ctx, newRequest(ackFraming, cmdModeFlow, addr), protocol.AcceptToken(tokenPass))
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("failed to set flow-rate mode: %w", err)
	}
	if attempt.Outcome == protocol.OutcomeError {
		err := fmt.Errorf("no pump answering at address %d on %s", addr, d.Transport.Port())
		d.Logger.LogConnection("connect", false, err)
		return err
	}

	payload, attempt, err := d.Retrier.Query(ctx, newRequest(queryFraming, cmdGetName, addr))
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("failed to query pump name: %w", err)
	}
	name := strings.TrimSpace(string(payload))
	if attempt.Outcome != protocol.OutcomePass || !strings.Contains(name, nameMarker) {
		err := fmt.Errorf("%w: address %d answered %q", ErrNotRegloDigital, addr, name)
		d.Logger.LogConnection("connect", false, err)
		return err
	}

	d.mutex.Lock()
	d.state = State{Mode: driver.ModeFlowRate}
	d.mutex.Unlock()
	d.MarkConnected(name)

	d.Logger.Info("Reglo Digital connected", zap.Int("address", addr), zap.String("name", name))
	return nil
}

// Address returns the pump address commands are sent to.
func (d *Driver) Address() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// State returns a copy of the tracked pump state.
func (d *Driver) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.state
}

// Ping queries the run state. Overload still counts as a live pump.
func (d *Driver) Ping(ctx context.Context) error {
	state, err := d.GetRunState(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if state == driver.RunStateUnknown {
		return fmt.Errorf("ping failed: no run state")
	}
	return nil
}

// Start runs the pump.
func (d *Driver) Start(ctx context.Context) (protocol.Outcome, error) {
	return d.passFail(ctx, cmdStart)
}

// Stop halts the pump.
func (d *Driver) Stop(ctx context.Context) (protocol.Outcome, error) {
	return d.passFail(ctx, cmdStop)
}

// SetDirection sets the rotor direction. The pump cannot report direction,
// so the driver remembers it, but only once the pump has acknowledged.
func (d *Driver) SetDirection(ctx context.Context, dir driver.PumpDirection) (protocol.Outcome, error) {
	var format string
	switch dir {
	case driver.DirectionClockwise:
		format = cmdClockwise
	case driver.DirectionCounterClockwise:
		format = cmdCounterClock
	default:
		return protocol.OutcomeError, fmt.Errorf("invalid direction %q, use CW or CCW", dir)
	}

	outcome, err := d.passFail(ctx, format)
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.Direction = dir
		d.mutex.Unlock()
	}
	return outcome, err
}

// SetMode selects flow-rate (mL/min) or RPM speed control.
func (d *Driver) SetMode(ctx context.Context, mode driver.PumpMode) (protocol.Outcome, error) {
	var format string
	switch mode {
	case driver.ModeFlowRate:
		format = cmdModeFlow
	case driver.ModeRPM:
		format = cmdModeRPM
	default:
		return protocol.OutcomeError, fmt.Errorf("invalid mode %q, use FLOW or RPM", mode)
	}

	outcome, err := d.passFail(ctx, format)
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.Mode = mode
		d.mutex.Unlock()
	}
	return outcome, err
}

// SetFlow sets the flow rate in mL/min.
func (d *Driver) SetFlow(ctx context.Context, flow float64) (protocol.Outcome, error) {
	outcome, _, err := d.SetFlowRate(ctx, decimal.NewFromFloat(flow))
	return outcome, err
}

// SetFlowRate sets the flow rate in mL/min and returns the rate the pump
// reports back. The pump clamps to its maximum, so a reply more than 10%
// away from flow is a Fail.
func (d *Driver) SetFlowRate(ctx context.Context, flow decimal.Decimal) (protocol.Outcome, decimal.Decimal, error) {
	wire, err := EncodeFlow(flow)
	if err != nil {
		return protocol.OutcomeError, decimal.Zero, err
	}

	attempt, err := d.Command(ctx, newRequest(queryFraming, cmdSetFlow, d.Address(), wire), acceptFlow(flow))
	if err != nil {
		return protocol.OutcomeError, decimal.Zero, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		if attempt.Outcome == protocol.OutcomeFail {
			d.Logger.Warn("Pump refused flow rate",
				zap.String("requested", flow.String()),
				zap.ByteString("reply", attempt.Payload),
			)
		}
		return attempt.Outcome, decimal.Zero, nil
	}

	actual, _ := ParseFlow(attempt.Payload)
	d.mutex.Lock()
	d.state.Flow = &actual
	d.mutex.Unlock()
	return protocol.OutcomePass, actual, nil
}

// GetFlow returns the current flow set point in mL/min.
func (d *Driver) GetFlow(ctx context.Context) (float64, protocol.Outcome, error) {
	flow, outcome, err := d.GetFlowRate(ctx)
	return flow.InexactFloat64(), outcome, err
}

// GetFlowRate returns the current flow set point in mL/min.
func (d *Driver) GetFlowRate(ctx context.Context) (decimal.Decimal, protocol.Outcome, error) {
	payload, attempt, err := d.Query(ctx, newRequest(queryFraming, cmdGetFlow, d.Address()))
	if err != nil {
		return decimal.Zero, protocol.OutcomeError, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		return decimal.Zero, attempt.Outcome, nil
	}
	flow, err := ParseFlow(payload)
	if err != nil {
		d.Logger.Error("Bad flow reply", zap.ByteString("reply", payload))
		return decimal.Zero, protocol.OutcomeFail, nil
	}
	return flow, protocol.OutcomePass, nil
}

// GetCalFlow returns the calibrated flow at maximum speed, mL/min.
func (d *Driver) GetCalFlow(ctx context.Context) (decimal.Decimal, protocol.Outcome, error) {
	payload, attempt, err := d.Query(ctx, newRequest(queryFraming, cmdGetCalFlow, d.Address()))
	if err != nil {
		return decimal.Zero, protocol.OutcomeError, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		return decimal.Zero, attempt.Outcome, nil
	}
	flow, err := ParseFlow(payload)
	if err != nil {
		d.Logger.Error("Bad calibrated flow reply", zap.ByteString("reply", payload))
		return decimal.Zero, protocol.OutcomeFail, nil
	}
	return flow, protocol.OutcomePass, nil
}

// SetCalFlow sets the calibrated flow at maximum speed, mL/min.
func (d *Driver) SetCalFlow(ctx context.Context, flow decimal.Decimal) (protocol.Outcome, error) {
	wire, err := EncodeFlow(flow)
	if err != nil {
		return protocol.OutcomeError, err
	}
	return d.ack(ctx, newRequest(ackFraming, cmdSetCalFlow, d.Address(), wire))
}

// SetTubing sets the tubing inner diameter, snapped to the nearest
// calibrated size, and returns the size used.
func (d *Driver) SetTubing(ctx context.Context, diameter decimal.Decimal) (protocol.Outcome, decimal.Decimal, error) {
	if !diameter.IsPositive() {
		return protocol.OutcomeError, decimal.Zero, fmt.Errorf("tubing diameter must be positive, got %s", diameter)
	}
	snapped := NearestTubing(diameter)
	if !snapped.Equal(diameter) {
		d.Logger.Info("Tubing diameter is not a calibrated size, using nearest",
			zap.String("requested", diameter.String()),
			zap.String("used", snapped.StringFixed(2)),
		)
	}
	outcome, err := d.ack(ctx, newRequest(ackFraming, cmdSetTubing, d.Address(), tubingCode(snapped)))
	return outcome, snapped, err
}

// SetAddress moves the pump to a new address. Later commands use it once
// the pump acknowledges.
func (d *Driver) SetAddress(ctx context.Context, addr int) (protocol.Outcome, error) {
	if err := validateAddress(addr); err != nil {
		return protocol.OutcomeError, err
	}
	outcome, err := d.ack(ctx, newRequest(ackFraming, cmdSetAddress, d.Address(), addr))
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.address = addr
		d.mutex.Unlock()
	}
	return outcome, err
}

// DisplayText puts remote control mode on and shows up to four characters.
func (d *Driver) DisplayText(ctx context.Context, text string) (protocol.Outcome, error) {
	if len(text) > DisplayWidth {
		d.Logger.Warn("Display text too long, truncating", zap.String("text", text))
		text = text[:DisplayWidth]
	}
	if _, err := d.passFail(ctx, cmdDisplayRem); err != nil {
		return protocol.OutcomeError, err
	}
	return d.ack(ctx, newRequest(ackFraming, cmdDisplayText, d.Address(), text))
}

// RestoreDisplay returns the panel to manual mode, clearing custom text.
func (d *Driver) RestoreDisplay(ctx context.Context) (protocol.Outcome, error) {
	return d.passFail(ctx, cmdDisplayMan)
}

// Name queries the pump model and firmware string.
func (d *Driver) Name(ctx context.Context) (string, protocol.Outcome, error) {
	payload, attempt, err := d.Query(ctx, newRequest(queryFraming, cmdGetName, d.Address()))
	if err != nil {
		return "", protocol.OutcomeError, err
	}
	return strings.TrimSpace(string(payload)), attempt.Outcome, nil
}

// GetRunState asks whether the rotor is turning. A '#' reply followed by a
// second '#' to the name query means motor overload.
func (d *Driver) GetRunState(ctx context.Context) (driver.RunState, error) {
	attempt, err := d.Command(ctx, newRequest(ackFraming, cmdRunState, d.Address()), protocol.AcceptAny)
	if err != nil {
		return driver.RunStateUnknown, err
	}

	switch string(attempt.Payload) {
	case tokenRunning:
		return driver.RunStateRunning, nil
	case tokenStopped:
		return driver.RunStateStopped, nil
	case tokenFail:
		check, err := d.Command(ctx, newRequest(queryFraming, cmdGetName, d.Address()), protocol.AcceptAny)
		if err != nil {
			return driver.RunStateUnknown, err
		}
		if strings.TrimSpace(string(check.Payload)) == tokenFail {
			d.Logger.Error("Pump motor overload")
			return driver.RunStateOverload, nil
		}
	}
	return driver.RunStateUnknown, nil
}

// GetPumpStatus takes a status snapshot. Flow is nil when it could not be
// read, direction is the last acknowledged one.
func (d *Driver) GetPumpStatus(ctx context.Context) (*driver.PumpStatus, error) {
	status := &driver.PumpStatus{Timestamp: time.Now()}

	runState, err := d.GetRunState(ctx)
	if err != nil {
		return nil, err
	}
	status.RunState = runState

	flow, outcome, err := d.GetFlow(ctx)
	if err != nil {
		return nil, err
	}
	if outcome == protocol.OutcomePass {
		status.Flow = &flow
	}
	status.Direction = d.State().Direction
	return status, nil
}

func (d *Driver) passFail(ctx context.Context, format string) (protocol.Outcome, error) {
	return d.ack(ctx, newRequest(ackFraming, format, d.Address()))
}

func (d *Driver) ack(ctx context.Context, req protocol.Request) (protocol.Outcome, error) {
	attempt, err := d.Command(ctx, req, protocol.AcceptToken(tokenPass))
	if err != nil {
		return protocol.OutcomeError, err
	}
	return attempt.Outcome, nil
}
