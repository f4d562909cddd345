// internal/driver/icc/icc_driver.go
package icc

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

// ErrNotRegloICC means the device at the address is not a Reglo ICC.
var ErrNotRegloICC = errors.New("device is not a Reglo ICC")

// Capabilities lists what every Reglo ICC supports.
var Capabilities = []model.Capability{
	model.CapabilityPump,
	model.CapabilityFlowRate,
	model.CapabilityDisplay,
	model.CapabilityStatus,
}

// ChannelState is the last known state of one pump channel.
type ChannelState struct {
	RunState  driver.RunState      `json:"run_state"`
	Direction driver.PumpDirection `json:"direction,omitempty"`
	Flow      *decimal.Decimal     `json:"flow,omitempty"`
}

// State is what the driver knows about the pump. Fields change only when the
// pump acknowledges or answers.
type State struct {
	Direction         driver.PumpDirection `json:"direction,omitempty"`
	Mode              driver.PumpMode      `json:"mode,omitempty"`
	Flow              *decimal.Decimal     `json:"flow,omitempty"`
	MaxFlow           *decimal.Decimal     `json:"max_flow,omitempty"`
	ChannelAddressing bool                 `json:"channel_addressing"`
	Channels          map[int]ChannelState `json:"channels,omitempty"`
	UpdatedAt         time.Time            `json:"updated_at,omitempty"`
}

// Driver implements driver.DeviceDriver and driver.PumpDriver for the
// Ismatec Reglo ICC, a peristaltic pump with independently driven channels.
type Driver struct {
	*base.Driver

	mutex    sync.RWMutex
	address  int
	channels int
	state    State
}

var _ driver.PumpDriver = (*Driver)(nil)

// NewDriver creates a Reglo ICC driver for the pump at device.Address. The
// channel count comes from the "channels" connection setting, default 4.
func NewDriver(device *model.Device, transport *protocol.Transport, retrier *protocol.Retrier, logger *zap.Logger) (driver.DeviceDriver, error) {
	if device.Kind != model.DeviceKindRegloICC {
		return nil, fmt.Errorf("icc driver cannot serve %s devices", device.Kind)
	}
	if err := validateAddress(device.Address); err != nil {
		return nil, err
	}
	channels, err := channelCount(device.ConnectionConfig)
	if err != nil {
		return nil, err
	}
	info := &driver.DeviceInfo{
		Model:        fmt.Sprintf("Reglo ICC (%d channel)", channels),
		Capabilities: Capabilities,
		Manufacturer: "Ismatec",
	}
	return &Driver{
		Driver:   base.New(device, transport, retrier, logger, info),
		address:  device.Address,
		channels: channels,
	}, nil
}

func channelCount(config model.JSONObject) (int, error) {
	raw, ok := config["channels"]
	if !ok {
		return DefaultChannels, nil
	}
	var n int
	switch v := raw.(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
		if float64(n) != v {
			return 0, fmt.Errorf("channels must be a whole number, got %v", v)
		}
	default:
		return 0, fmt.Errorf("channels must be a number, got %T", raw)
	}
	if n < 1 || n > MaxChannels {
		return 0, fmt.Errorf("invalid channel count %d, must be 1-%d", n, MaxChannels)
	}
	return n, nil
}

// Connect opens the transport, turns channel addressing off, checks the pump
// name, reads the maximum flow and selects flow-rate mode. Channel states
// are read last; failing to read them does not fail the connect.
func (d *Driver) Connect(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	if err := d.Open(ctx); err != nil {
		return err
	}
	addr := d.address

	attempt, err := d.Retrier.Do(ctx, newRequest(ackFraming, cmdAddressing, addr, 0), protocol.AcceptToken(tokenPass))
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("failed to turn off channel addressing: %w", err)
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
		err := fmt.Errorf("%w: address %d answered %q", ErrNotRegloICC, addr, name)
		d.Logger.LogConnection("connect", false, err)
		return err
	}

	var maxFlow *decimal.Decimal
	payload, attempt, err = d.Retrier.Query(ctx, newRequest(queryFraming, cmdGetMaxFlow, addr))
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("failed to query maximum flow: %w", err)
	}
	if attempt.Outcome == protocol.OutcomePass {
		if flow, err := ParseMaxFlow(payload); err == nil {
			maxFlow = &flow
		}
	}
	if maxFlow == nil {
		d.Logger.Warn("Maximum flow unknown, requests will not be clamped", zap.ByteString("reply", payload))
	}

	attempt, err = d.Retrier.Do(ctx, newRequest(ackFraming, cmdModeFlow, addr), protocol.AcceptToken(tokenPass))
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("failed to set flow-rate mode: %w", err)
	}
	mode := driver.ModeFlowRate
	if attempt.Outcome != protocol.OutcomePass {
		mode = ""
	}

	d.mutex.Lock()
	d.state = State{Mode: mode, MaxFlow: maxFlow, Channels: make(map[int]ChannelState, d.channels)}
	d.mutex.Unlock()
	d.MarkConnected(name)

	if _, err := d.RefreshChannels(ctx); err != nil {
		d.Logger.Warn("Failed to read channel states", zap.Error(err))
	}

	d.Logger.Info("Reglo ICC connected",
		zap.Int("address", addr),
		zap.String("name", name),
		zap.Int("channels", d.channels),
	)
	return nil
}

// Address returns the pump address commands are sent to.
func (d *Driver) Address() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.address
}

// Channels returns the number of pump channels.
func (d *Driver) Channels() int {
	return d.channels
}

// State returns a copy of the tracked pump state.
func (d *Driver) State() State {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	s := d.state
	s.Channels = make(map[int]ChannelState, len(d.state.Channels))
	for ch, cs := range d.state.Channels {
		s.Channels[ch] = cs
	}
	return s
}

// Ping queries the pump-wide run state.
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

// SetChannelAddressing switches between pump-wide commands (off) and
// commands addressed to single channels (on).
func (d *Driver) SetChannelAddressing(ctx context.Context, on bool) (protocol.Outcome, error) {
	mode := 0
	if on {
		mode = 1
	}
	outcome, err := d.ack(ctx, newRequest(ackFraming, cmdAddressing, d.Address(), mode))
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.ChannelAddressing = on
		d.mutex.Unlock()
		d.Logger.Debug("Channel addressing changed", zap.Bool("on", on))
	}
	return outcome, err
}

// pumpWide turns channel addressing off if it was left on.
func (d *Driver) pumpWide(ctx context.Context) (protocol.Outcome, error) {
	if !d.State().ChannelAddressing {
		return protocol.OutcomePass, nil
	}
	return d.SetChannelAddressing(ctx, false)
}

// withChannel runs fn with channel addressing on and turns it off again. If
// addressing cannot be turned on, fn does not run.
func (d *Driver) withChannel(ctx context.Context, channel int, fn func() (protocol.Outcome, error)) (protocol.Outcome, error) {
	if err := d.validateChannel(channel); err != nil {
		return protocol.OutcomeError, err
	}
	outcome, err := d.SetChannelAddressing(ctx, true)
	if err != nil || outcome != protocol.OutcomePass {
		return outcome, err
	}

	outcome, err = fn()

	restored, restoreErr := d.SetChannelAddressing(ctx, false)
	if restoreErr == nil && restored != protocol.OutcomePass {
		d.Logger.Warn("Channel addressing left on", zap.Int("channel", channel), zap.String("outcome", restored.String()))
	}
	if err == nil {
		err = restoreErr
	}
	return outcome, err
}

func (d *Driver) validateChannel(channel int) error {
	if channel < 1 || channel > d.channels {
		return fmt.Errorf("invalid channel %d, must be 1-%d", channel, d.channels)
	}
	return nil
}

// Start runs every channel with a non-zero flow rate.
func (d *Driver) Start(ctx context.Context) (protocol.Outcome, error) {
	outcome, err := d.pumpWideAck(ctx, cmdStart)
	if err == nil && outcome == protocol.OutcomePass {
		d.Logger.Info("Pump started")
	}
	return outcome, err
}

// Stop halts every channel.
func (d *Driver) Stop(ctx context.Context) (protocol.Outcome, error) {
	outcome, err := d.pumpWideAck(ctx, cmdStop)
	if err == nil && outcome != protocol.OutcomePass {
		d.Logger.Warn("Pump stop not confirmed", zap.String("outcome", outcome.String()))
	}
	return outcome, err
}

// StartChannel runs one channel.
func (d *Driver) StartChannel(ctx context.Context, channel int) (protocol.Outcome, error) {
	return d.channelRun(ctx, channel, cmdChanStart, driver.RunStateRunning)
}

// StopChannel halts one channel.
func (d *Driver) StopChannel(ctx context.Context, channel int) (protocol.Outcome, error) {
	return d.channelRun(ctx, channel, cmdChanStop, driver.RunStateStopped)
}

func (d *Driver) channelRun(ctx context.Context, channel int, format string, runState driver.RunState) (protocol.Outcome, error) {
	outcome, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		return d.ack(ctx, newRequest(ackFraming, format, channel, d.Address()))
	})
	if err == nil && outcome == protocol.OutcomePass {
		d.updateChannel(channel, func(cs *ChannelState) { cs.RunState = runState })
		d.Logger.Info("Channel run state changed", zap.Int("channel", channel), zap.String("run_state", runState.String()))
	}
	return outcome, err
}

// SetDirection sets the direction of every channel.
func (d *Driver) SetDirection(ctx context.Context, dir driver.PumpDirection) (protocol.Outcome, error) {
	format, err := directionCommand(dir, cmdClockwise, cmdCounterClock)
	if err != nil {
		return protocol.OutcomeError, err
	}
	outcome, err := d.pumpWideAck(ctx, format)
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.Direction = dir
		for ch, cs := range d.state.Channels {
			cs.Direction = dir
			d.state.Channels[ch] = cs
		}
		d.mutex.Unlock()
	} else if err == nil {
		d.Logger.Error("Failed to set pump direction", zap.String("direction", string(dir)))
	}
	return outcome, err
}

// SetChannelDirection sets the direction of one channel.
func (d *Driver) SetChannelDirection(ctx context.Context, channel int, dir driver.PumpDirection) (protocol.Outcome, error) {
	format, err := directionCommand(dir, cmdChanClockwise, cmdChanCounter)
	if err != nil {
		return protocol.OutcomeError, err
	}
	outcome, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		return d.ack(ctx, newRequest(ackFraming, format, channel, d.Address()))
	})
	if err == nil && outcome == protocol.OutcomePass {
		d.updateChannel(channel, func(cs *ChannelState) { cs.Direction = dir })
	} else if err == nil {
		d.Logger.Error("Failed to set channel direction", zap.Int("channel", channel), zap.String("direction", string(dir)))
	}
	return outcome, err
}

func directionCommand(dir driver.PumpDirection, cw, ccw string) (string, error) {
	switch dir {
	case driver.DirectionClockwise:
		return cw, nil
	case driver.DirectionCounterClockwise:
		return ccw, nil
	}
	return "", fmt.Errorf("invalid direction %q, use CW or CCW", dir)
}

// GetDirection asks the pump for its direction.
func (d *Driver) GetDirection(ctx context.Context) (driver.PumpDirection, protocol.Outcome, error) {
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return "", outcome, err
	}
	dir, outcome, err := d.queryDirection(ctx, newRequest(queryFraming, cmdGetDirection, d.Address()))
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.Direction = dir
		d.mutex.Unlock()
	}
	return dir, outcome, err
}

// GetChannelDirection asks the pump for the direction of one channel.
func (d *Driver) GetChannelDirection(ctx context.Context, channel int) (driver.PumpDirection, protocol.Outcome, error) {
	var dir driver.PumpDirection
	outcome, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		var (
			outcome protocol.Outcome
			err     error
		)
		dir, outcome, err = d.queryDirection(ctx, newRequest(queryFraming, cmdChanDirection, channel, d.Address()))
		return outcome, err
	})
	if err == nil && outcome == protocol.OutcomePass {
		d.updateChannel(channel, func(cs *ChannelState) { cs.Direction = dir })
	}
	return dir, outcome, err
}

func (d *Driver) queryDirection(ctx context.Context, req protocol.Request) (driver.PumpDirection, protocol.Outcome, error) {
	payload, attempt, err := d.Query(ctx, req)
	if err != nil {
		return "", protocol.OutcomeError, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		return "", attempt.Outcome, nil
	}
	switch strings.TrimSpace(string(payload)) {
	case tokenCW:
		return driver.DirectionClockwise, protocol.OutcomePass, nil
	case tokenCCW:
		return driver.DirectionCounterClockwise, protocol.OutcomePass, nil
	}
	d.Logger.Error("Bad direction reply", zap.ByteString("reply", payload))
	return "", protocol.OutcomeFail, nil
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

	outcome, err := d.pumpWideAck(ctx, format)
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.Mode = mode
		d.mutex.Unlock()
	}
	return outcome, err
}

// GetMaxFlow asks the pump for its calibrated maximum flow in mL/min. Later
// flow requests above it are clamped.
func (d *Driver) GetMaxFlow(ctx context.Context) (decimal.Decimal, protocol.Outcome, error) {
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return decimal.Zero, outcome, err
	}
	payload, attempt, err := d.Query(ctx, newRequest(queryFraming, cmdGetMaxFlow, d.Address()))
	if err != nil {
		return decimal.Zero, protocol.OutcomeError, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		return decimal.Zero, attempt.Outcome, nil
	}
	flow, err := ParseMaxFlow(payload)
	if err != nil {
		d.Logger.Error("Bad maximum flow reply", zap.ByteString("reply", payload))
		return decimal.Zero, protocol.OutcomeFail, nil
	}
	d.mutex.Lock()
	d.state.MaxFlow = &flow
	d.mutex.Unlock()
	return flow, protocol.OutcomePass, nil
}

// clampFlow validates flow and scales requests above the maximum flow down
// to 90% of it.
func (d *Driver) clampFlow(flow decimal.Decimal) (decimal.Decimal, error) {
	if !flow.IsPositive() {
		return decimal.Zero, fmt.Errorf("flow rate must be positive, got %s", flow)
	}
	maxFlow := d.State().MaxFlow
	if maxFlow == nil || flow.LessThanOrEqual(*maxFlow) {
		return flow, nil
	}
	clamped := maxFlow.Mul(maxFlowHeadroom)
	d.Logger.Info("Flow above maximum, clamping",
		zap.String("requested", flow.String()),
		zap.String("used", clamped.String()),
	)
	return clamped, nil
}

// SetFlow sets the pump-wide flow rate in mL/min.
func (d *Driver) SetFlow(ctx context.Context, flow float64) (protocol.Outcome, error) {
	outcome, _, err := d.SetFlowRate(ctx, decimal.NewFromFloat(flow))
	return outcome, err
}

// SetFlowRate sets the pump-wide flow rate in mL/min and returns the rate
// the pump reports back. A reply more than 10% away from the request is a
// Fail.
func (d *Driver) SetFlowRate(ctx context.Context, flow decimal.Decimal) (protocol.Outcome, decimal.Decimal, error) {
	flow, err := d.clampFlow(flow)
	if err != nil {
		return protocol.OutcomeError, decimal.Zero, err
	}
	wire, err := EncodeFlow(flow)
	if err != nil {
		return protocol.OutcomeError, decimal.Zero, err
	}
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return outcome, decimal.Zero, err
	}

	outcome, actual, err := d.sendFlow(ctx, newRequest(queryFraming, cmdSetFlow, d.Address(), wire), flow)
	if err == nil && outcome == protocol.OutcomePass {
		d.mutex.Lock()
		d.state.Flow = &actual
		d.mutex.Unlock()
		d.Logger.Info("Flow rate set", zap.String("flow", actual.String()))
	}
	return outcome, actual, err
}

// SetChannelFlow sets the flow rate of one channel in mL/min.
func (d *Driver) SetChannelFlow(ctx context.Context, channel int, flow decimal.Decimal) (protocol.Outcome, decimal.Decimal, error) {
	flow, err := d.clampFlow(flow)
	if err != nil {
		return protocol.OutcomeError, decimal.Zero, err
	}
	wire, err := EncodeFlow(flow)
	if err != nil {
		return protocol.OutcomeError, decimal.Zero, err
	}

	var actual decimal.Decimal
	outcome, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		var (
			outcome protocol.Outcome
			err     error
		)
		outcome, actual, err = d.sendFlow(ctx, newRequest(queryFraming, cmdChanSetFlow, channel, wire), flow)
		return outcome, err
	})
	if err == nil && outcome == protocol.OutcomePass {
		d.updateChannel(channel, func(cs *ChannelState) { cs.Flow = &actual })
		d.Logger.Info("Channel flow rate set", zap.Int("channel", channel), zap.String("flow", actual.String()))
	}
	return outcome, actual, err
}

func (d *Driver) sendFlow(ctx context.Context, req protocol.Request, flow decimal.Decimal) (protocol.Outcome, decimal.Decimal, error) {
	attempt, err := d.Command(ctx, req, acceptFlow(flow))
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
	return protocol.OutcomePass, actual, nil
}

// GetFlow returns the pump-wide flow set point in mL/min.
func (d *Driver) GetFlow(ctx context.Context) (float64, protocol.Outcome, error) {
	flow, outcome, err := d.GetFlowRate(ctx)
	return flow.InexactFloat64(), outcome, err
}

// GetFlowRate returns the pump-wide flow set point in mL/min.
func (d *Driver) GetFlowRate(ctx context.Context) (decimal.Decimal, protocol.Outcome, error) {
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return decimal.Zero, outcome, err
	}
	return d.queryFlow(ctx, newRequest(queryFraming, cmdGetFlow, d.Address()))
}

// GetChannelFlow returns the flow set point of one channel in mL/min. The
// query carries no pump address, so it is unreliable with several pumps on
// one line.
func (d *Driver) GetChannelFlow(ctx context.Context, channel int) (decimal.Decimal, protocol.Outcome, error) {
	var flow decimal.Decimal
	outcome, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		var (
			outcome protocol.Outcome
			err     error
		)
		flow, outcome, err = d.queryFlow(ctx, newRequest(queryFraming, cmdChanGetFlow, channel))
		return outcome, err
	})
	if err == nil && outcome == protocol.OutcomePass {
		d.updateChannel(channel, func(cs *ChannelState) { cs.Flow = &flow })
	}
	return flow, outcome, err
}

func (d *Driver) queryFlow(ctx context.Context, req protocol.Request) (decimal.Decimal, protocol.Outcome, error) {
	payload, attempt, err := d.Query(ctx, req)
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

// GetRunState asks whether any channel is turning.
func (d *Driver) GetRunState(ctx context.Context) (driver.RunState, error) {
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return driver.RunStateUnknown, err
	}
	return d.queryRunState(ctx, newRequest(ackFraming, cmdRunState, d.Address()))
}

// GetChannelRunState asks whether one channel is turning.
func (d *Driver) GetChannelRunState(ctx context.Context, channel int) (driver.RunState, error) {
	state := driver.RunStateUnknown
	_, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		var err error
		state, err = d.queryRunState(ctx, newRequest(ackFraming, cmdChanRunState, channel, d.Address()))
		return protocol.OutcomePass, err
	})
	if err == nil && state != driver.RunStateUnknown {
		d.updateChannel(channel, func(cs *ChannelState) { cs.RunState = state })
	}
	return state, err
}

func (d *Driver) queryRunState(ctx context.Context, req protocol.Request) (driver.RunState, error) {
	attempt, err := d.Command(ctx, req, protocol.AcceptAny)
	if err != nil {
		return driver.RunStateUnknown, err
	}
	switch string(attempt.Payload) {
	case tokenRunning:
		return driver.RunStateRunning, nil
	case tokenStopped:
		return driver.RunStateStopped, nil
	}
	return driver.RunStateUnknown, nil
}

// ChannelStatus reads run state, direction and flow of one channel in a
// single addressing window.
func (d *Driver) ChannelStatus(ctx context.Context, channel int) (ChannelState, error) {
	cs := ChannelState{RunState: driver.RunStateUnknown}
	addr := d.Address()
	_, err := d.withChannel(ctx, channel, func() (protocol.Outcome, error) {
		state, err := d.queryRunState(ctx, newRequest(ackFraming, cmdChanRunState, channel, addr))
		if err != nil {
			return protocol.OutcomeError, err
		}
		cs.RunState = state

		dir, outcome, err := d.queryDirection(ctx, newRequest(queryFraming, cmdChanDirection, channel, addr))
		if err != nil {
			return protocol.OutcomeError, err
		}
		if outcome == protocol.OutcomePass {
			cs.Direction = dir
		}

		flow, outcome, err := d.queryFlow(ctx, newRequest(queryFraming, cmdChanGetFlow, channel))
		if err != nil {
			return protocol.OutcomeError, err
		}
		if outcome == protocol.OutcomePass {
			cs.Flow = &flow
		}
		return protocol.OutcomePass, nil
	})
	if err != nil {
		return cs, err
	}

	d.mutex.Lock()
	if d.state.Channels == nil {
		d.state.Channels = make(map[int]ChannelState, d.channels)
	}
	d.state.Channels[channel] = cs
	d.mutex.Unlock()
	return cs, nil
}

// RefreshChannels reads the status of every channel and stamps the state.
func (d *Driver) RefreshChannels(ctx context.Context) (map[int]ChannelState, error) {
	out := make(map[int]ChannelState, d.channels)
	for ch := 1; ch <= d.channels; ch++ {
		cs, err := d.ChannelStatus(ctx, ch)
		if err != nil {
			return out, fmt.Errorf("channel %d: %w", ch, err)
		}
		out[ch] = cs
	}
	d.mutex.Lock()
	d.state.UpdatedAt = time.Now()
	d.mutex.Unlock()
	return out, nil
}

// GetPumpStatus takes a pump-wide snapshot. Flow is nil when it could not be
// read, direction is the last known one.
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

// DisplayText puts remote control mode on and shows up to 15 characters.
func (d *Driver) DisplayText(ctx context.Context, text string) (protocol.Outcome, error) {
	if len(text) > DisplayWidth {
		d.Logger.Warn("Display text too long, truncating", zap.String("text", text))
		text = text[:DisplayWidth]
	}
	if _, err := d.pumpWideAck(ctx, cmdDisplayRem); err != nil {
		return protocol.OutcomeError, err
	}
	return d.ack(ctx, newRequest(ackFraming, cmdDisplayText, d.Address(), text))
}

// RestoreDisplay returns the panel to manual mode, clearing custom text.
func (d *Driver) RestoreDisplay(ctx context.Context) (protocol.Outcome, error) {
	return d.pumpWideAck(ctx, cmdDisplayMan)
}

// Name queries the pump model and firmware string.
func (d *Driver) Name(ctx context.Context) (string, protocol.Outcome, error) {
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return "", outcome, err
	}
	payload, attempt, err := d.Query(ctx, newRequest(queryFraming, cmdGetName, d.Address()))
	if err != nil {
		return "", protocol.OutcomeError, err
	}
	return strings.TrimSpace(string(payload)), attempt.Outcome, nil
}

func (d *Driver) updateChannel(channel int, update func(*ChannelState)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.state.Channels == nil {
		d.state.Channels = make(map[int]ChannelState, d.channels)
	}
	cs, ok := d.state.Channels[channel]
	if !ok {
		cs.RunState = driver.RunStateUnknown
	}
	update(&cs)
	d.state.Channels[channel] = cs
}

// pumpWideAck sends a pass/fail command addressed to the whole pump.
func (d *Driver) pumpWideAck(ctx context.Context, format string) (protocol.Outcome, error) {
	if outcome, err := d.pumpWide(ctx); err != nil || outcome != protocol.OutcomePass {
		return outcome, err
	}
	return d.ack(ctx, newRequest(ackFraming, format, d.Address()))
}

func (d *Driver) ack(ctx context.Context, req protocol.Request) (protocol.Outcome, error) {
	attempt, err := d.Command(ctx, req, protocol.AcceptToken(tokenPass))
	if err != nil {
		return protocol.OutcomeError, err
	}
	return attempt.Outcome, nil
}
