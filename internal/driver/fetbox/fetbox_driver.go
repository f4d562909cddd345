// internal/driver/fetbox/fetbox_driver.go
package fetbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"plateflo/internal/driver/base"
	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/pkg/driver"
)

// ErrNotFETbox means the device on the port did not identify as a FETbox.
var ErrNotFETbox = errors.New("device is not a FETbox")

// Driver implements driver.DeviceDriver and driver.SwitchDriver for the
// FETbox MOSFET controller.
type Driver struct {
	*base.Driver

	mutex sync.RWMutex
	id    int
}

var _ driver.SwitchDriver = (*Driver)(nil)

// Capabilities lists what every FETbox supports.
var Capabilities = []model.Capability{
	model.CapabilitySwitch,
	model.CapabilityPWM,
	model.CapabilityDigitalIO,
	model.CapabilityAnalogIO,
}

// NewDriver creates a FETbox driver on transport. The device is not
// contacted until Connect.
func NewDriver(device *model.Device, transport *protocol.Transport, retrier *protocol.Retrier, logger *zap.Logger) (driver.DeviceDriver, error) {
	if device.Kind != model.DeviceKindFETbox {
		return nil, fmt.Errorf("fetbox driver cannot serve %s devices", device.Kind)
	}
	info := &driver.DeviceInfo{
		Model:        "FETbox",
		Capabilities: Capabilities,
		Manufacturer: "PlateFlo",
	}
	return &Driver{
		Driver: base.New(device, transport, retrier, logger, info),
		id:     -1,
	}, nil
}

// Connect opens the transport and validates the device identity.
func (d *Driver) Connect(ctx context.Context) error {
	if d.IsConnected() {
		return nil
	}
	if err := d.Open(ctx); err != nil {
		return err
	}

	payload, attempt, err := d.Retrier.Query(ctx, newRequest(cmdGetID))
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("failed to query FETbox id: %w", err)
	}
	if attempt.Outcome != protocol.OutcomePass {
		err := fmt.Errorf("%w: no reply to id query on %s", ErrNotFETbox, d.Transport.Port())
		d.Logger.LogConnection("connect", false, err)
		return err
	}
	id, err := parseID(payload)
	if err != nil {
		d.Logger.LogConnection("connect", false, err)
		return fmt.Errorf("device on %s: %w", d.Transport.Port(), err)
	}

	d.mutex.Lock()
	d.id = id
	d.mutex.Unlock()
	d.MarkConnected(idPrefix + strconv.Itoa(id))

	d.Logger.Info("FETbox connected", zap.Int("fetbox_id", id))
	return nil
}

// ID returns the firmware ID read at Connect, or -1 before.
func (d *Driver) ID() int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.id
}

// Identify queries the firmware ID.
func (d *Driver) Identify(ctx context.Context) (int, error) {
	payload, attempt, err := d.Query(ctx, newRequest(cmdGetID))
	if err != nil {
		return -1, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		return -1, fmt.Errorf("no reply to id query (%s)", attempt.Outcome)
	}
	return parseID(payload)
}

// Ping sends the heartbeat, which the firmware always acknowledges.
func (d *Driver) Ping(ctx context.Context) error {
	outcome, err := d.Heartbeat(ctx)
	if err != nil {
		return fmt.Errorf("ping failed: %w", err)
	}
	if outcome != protocol.OutcomePass {
		return fmt.Errorf("ping failed: heartbeat %s", outcome)
	}
	return nil
}

// Heartbeat confirms the board is responsive.
func (d *Driver) Heartbeat(ctx context.Context) (protocol.Outcome, error) {
	return d.ack(ctx, newRequest(cmdHeartbeat))
}

// EnableChannel drives MOSFET channel 1-5 fully on.
func (d *Driver) EnableChannel(ctx context.Context, channel int) (protocol.Outcome, error) {
	if err := validateChannel(channel); err != nil {
		return protocol.OutcomeError, err
	}
	// the firmware numbers channels from zero for enable and disable
	return d.ack(ctx, newRequest(cmdEnable, channel-1))
}

// DisableChannel switches MOSFET channel 1-5 off.
func (d *Driver) DisableChannel(ctx context.Context, channel int) (protocol.Outcome, error) {
	if err := validateChannel(channel); err != nil {
		return protocol.OutcomeError, err
	}
	return d.ack(ctx, newRequest(cmdDisable, channel-1))
}

// SetPWM sets channel 1-5 to an 8-bit duty cycle.
func (d *Driver) SetPWM(ctx context.Context, channel, pwm int) (protocol.Outcome, error) {
	if err := validateChannel(channel); err != nil {
		return protocol.OutcomeError, err
	}
	if err := validatePWM(pwm); err != nil {
		return protocol.OutcomeError, err
	}
	return d.ack(ctx, newRequest(cmdPWM, channel, pwm))
}

// HitHold pulses channel fully on, then holds it at duty (0-1) to spare
// solenoid coils.
func (d *Driver) HitHold(ctx context.Context, channel int, duty float64) (protocol.Outcome, error) {
	if math.IsNaN(duty) || math.IsInf(duty, 0) {
		return protocol.OutcomeError, fmt.Errorf("invalid duty cycle %v, must be 0.0-1.0", duty)
	}
	return d.HitHoldDuty(ctx, channel, decimal.NewFromFloat(duty))
}

// HitHoldDuty is HitHold with an exact duty cycle.
func (d *Driver) HitHoldDuty(ctx context.Context, channel int, duty decimal.Decimal) (protocol.Outcome, error) {
	if err := validateChannel(channel); err != nil {
		return protocol.OutcomeError, err
	}
	pwm, err := dutyToPWM(duty)
	if err != nil {
		return protocol.OutcomeError, err
	}
	return d.ack(ctx, newRequest(cmdHitHold, channel, pwm))
}

// DigitalRead reads pin 2-13 or A0-A5, returning 0 or 1.
func (d *Driver) DigitalRead(ctx context.Context, pin int) (int, protocol.Outcome, error) {
	if !isDigitalPin(pin) {
		return -1, protocol.OutcomeError, fmt.Errorf("%s is not a digital pin, use 2-13 or A0-A5", PinName(pin))
	}
	return d.read(ctx, newRequest(cmdDigRead, pin), pin)
}

// DigitalWrite sets pin 2-13 or A0-A5 high (1) or low (0). Any reply counts
// as success.
func (d *Driver) DigitalWrite(ctx context.Context, pin, value int) (protocol.Outcome, error) {
	if !isDigitalPin(pin) {
		return protocol.OutcomeError, fmt.Errorf("%s is not a digital pin, use 2-13 or A0-A5", PinName(pin))
	}
	if value != 0 && value != 1 {
		return protocol.OutcomeError, fmt.Errorf("invalid digital value %d, must be 0 or 1", value)
	}
	_, attempt, err := d.Query(ctx, newRequest(cmdDigWrite, pin, value))
	if err != nil {
		return protocol.OutcomeError, err
	}
	return attempt.Outcome, nil
}

// AnalogRead reads A0-A7, returning a 10-bit value.
func (d *Driver) AnalogRead(ctx context.Context, pin int) (int, protocol.Outcome, error) {
	if !isAnalogPin(pin) {
		return -1, protocol.OutcomeError, fmt.Errorf("%s is not an analog pin, use A0-A7", PinName(pin))
	}
	return d.read(ctx, newRequest(cmdAnaRead, pin), pin)
}

// AnalogWrite writes an 8-bit PWM value to pin 3, 5, 6, 9, 10 or 11.
func (d *Driver) AnalogWrite(ctx context.Context, pin, value int) (protocol.Outcome, error) {
	if !isPWMPin(pin) {
		return protocol.OutcomeError, fmt.Errorf("pin %d is not PWM capable, use one of %v", pin, pwmPins)
	}
	if err := validatePWM(value); err != nil {
		return protocol.OutcomeError, err
	}
	if pin != unroutedPWMPin {
		d.Logger.Warn("analogWrite drives a MOSFET output", zap.Int("pin", pin))
	}
	return d.ack(ctx, newRequest(cmdAnaWrite, pin, value))
}

func (d *Driver) ack(ctx context.Context, req protocol.Request) (protocol.Outcome, error) {
	attempt, err := d.Command(ctx, req, protocol.AcceptContains(ackToken))
	if err != nil {
		return protocol.OutcomeError, err
	}
	return attempt.Outcome, nil
}

// read runs a pin query. A reply that is not an integer counts as Fail.
func (d *Driver) read(ctx context.Context, req protocol.Request, pin int) (int, protocol.Outcome, error) {
	payload, attempt, err := d.Query(ctx, req)
	if err != nil {
		return -1, protocol.OutcomeError, err
	}
	if attempt.Outcome != protocol.OutcomePass {
		return -1, attempt.Outcome, nil
	}
	value, err := parseReading(payload)
	if err != nil {
		d.Logger.Error("Bad pin reading",
			zap.String("pin", PinName(pin)),
			zap.ByteString("reply", payload),
		)
		return -1, protocol.OutcomeFail, nil
	}
	return value, protocol.OutcomePass, nil
}

// ExecuteOperation executes a device operation
func (d *Driver) ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*driver.OperationResult, error) {
	startTime := d.Begin(operation)

	var (
		outcome protocol.Outcome
		data    = map[string]interface{}{}
		err     error
	)

	switch operation.OperationType {
	case model.OperationTypeIdentify:
		var payload []byte
		var attempt *protocol.Attempt
		if payload, attempt, err = d.Query(ctx, newRequest(cmdGetID)); err == nil {
			outcome = attempt.Outcome
			if outcome == protocol.OutcomePass {
				if id, perr := parseID(payload); perr != nil {
					outcome = protocol.OutcomeFail
				} else {
					data["fetbox_id"] = id
				}
			}
		}
	case model.OperationTypeHeartbeat:
		outcome, err = d.Heartbeat(ctx)
	case model.OperationTypeEnableChannel, model.OperationTypeDisableChannel:
		var req model.ChannelOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		if operation.OperationType == model.OperationTypeEnableChannel {
			outcome, err = d.EnableChannel(ctx, req.Channel)
		} else {
			outcome, err = d.DisableChannel(ctx, req.Channel)
		}
		data["channel"] = req.Channel
	case model.OperationTypeSetPWM:
		var req model.PWMOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		outcome, err = d.SetPWM(ctx, req.Channel, req.PWM)
		data["channel"], data["pwm"] = req.Channel, req.PWM
	case model.OperationTypeHitHold:
		var req model.HitHoldOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		duty := DefaultDuty
		if req.Duty != nil {
			duty = *req.Duty
		}
		outcome, err = d.HitHoldDuty(ctx, req.Channel, duty)
		data["channel"], data["duty"] = req.Channel, duty.String()
	case model.OperationTypeDigitalRead, model.OperationTypeAnalogRead,
		model.OperationTypeDigitalWrite, model.OperationTypeAnalogWrite:
		var req model.PinOperationData
		if err = operation.DecodeData(&req); err != nil {
			return nil, err
		}
		pin, perr := pinFromJSON(req.Pin)
		if perr != nil {
			return nil, perr
		}
		data["pin"] = PinName(pin)
		switch operation.OperationType {
		case model.OperationTypeDigitalRead:
			var value int
			value, outcome, err = d.DigitalRead(ctx, pin)
			data["value"] = value
		case model.OperationTypeAnalogRead:
			var value int
			value, outcome, err = d.AnalogRead(ctx, pin)
			data["value"] = value
		case model.OperationTypeDigitalWrite:
			outcome, err = d.DigitalWrite(ctx, pin, req.Value)
			data["value"] = req.Value
		default:
			outcome, err = d.AnalogWrite(ctx, pin, req.Value)
			data["value"] = req.Value
		}
	default:
		return nil, fmt.Errorf("unsupported operation: %s", operation.OperationType)
	}

	if base.IsArgumentError(err) {
		return nil, err
	}
	return d.Finish(operation, outcome, data, err, startTime)
}

// pinFromJSON accepts 13 or "A3".
func pinFromJSON(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("pin is required")
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return 0, fmt.Errorf("invalid pin %s", string(raw))
	}
	return ParsePin(name)
}
