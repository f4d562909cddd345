// internal/driver/fetbox/fetbox_driver_test.go
package fetbox

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/internal/protocol/serial"
	"plateflo/internal/simulator"
	"plateflo/pkg/driver"
)

type fixture struct {
	sim    *simulator.FETbox
	port   *serial.SimPort
	driver *Driver
}

func newFixture(t *testing.T, responder serial.SimResponder, sim *simulator.FETbox) *fixture {
	t.Helper()

	port := serial.NewSimPort(responder)
	transport, err := protocol.NewTransport(&serial.Config{
		Port:       "sim-fetbox",
		BaudRate:   115200,
		Timeout:    50 * time.Millisecond,
		DisableDTR: true,
	}, zap.NewNop(), protocol.WithOpener(port.Opener()))
	require.NoError(t, err)
	t.Cleanup(func() { transport.Close() })

	dev := model.NewDevice(model.DeviceKindFETbox, "sim-fetbox")
	drv, err := NewDriver(dev, transport, nil, zap.NewNop())
	require.NoError(t, err)
	return &fixture{sim: sim, port: port, driver: drv.(*Driver)}
}

func connected(t *testing.T, id int) *fixture {
	t.Helper()
	sim := simulator.NewFETbox(id)
	f := newFixture(t, sim.Responder(), sim)
	require.NoError(t, f.driver.Connect(context.Background()))
	return f
}

func TestNewDriverRejectsOtherKinds(t *testing.T) {
	port := serial.NewSimPort(nil)
	transport, err := protocol.NewTransport(&serial.Config{Port: "x", BaudRate: 9600, Timeout: time.Second}, nil, protocol.WithOpener(port.Opener()))
	require.NoError(t, err)

	_, err = NewDriver(model.NewDevice(model.DeviceKindRegloDigital, "x"), transport, nil, nil)
	assert.Error(t, err)
}

func TestConnectValidatesIdentity(t *testing.T) {
	f := connected(t, 3)

	assert.True(t, f.driver.IsConnected())
	assert.Equal(t, 3, f.driver.ID())
	assert.False(t, f.port.DTR(), "DTR must stay low so the board does not reset")

	info, err := f.driver.GetDeviceInfo()
	require.NoError(t, err)
	assert.Equal(t, "fetbox3", info.Identity)
	assert.Equal(t, model.DeviceKindFETbox, info.Kind)
	assert.Equal(t, "sim-fetbox", info.Port)
}

func TestConnectRejectsOtherDevice(t *testing.T) {
	f := newFixture(t, func([]byte) []serial.SimChunk {
		return serial.Reply("REGLO Digital 1.09\n")
	}, nil)

	err := f.driver.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotFETbox)
	assert.False(t, f.driver.IsConnected())
}

func TestConnectSilentPort(t *testing.T) {
	f := newFixture(t, nil, nil)

	err := f.driver.Connect(context.Background())
	require.ErrorIs(t, err, ErrNotFETbox)
	assert.Len(t, f.port.Written(), protocol.DefaultMaxAttempts)
}

func TestCommandsBeforeConnect(t *testing.T) {
	sim := simulator.NewFETbox(1)
	f := newFixture(t, sim.Responder(), sim)

	_, err := f.driver.EnableChannel(context.Background(), 1)
	assert.Error(t, err)
	assert.Empty(t, f.port.Written())
}

func TestChannelCommands(t *testing.T) {
	f := connected(t, 1)
	ctx := context.Background()

	outcome, err := f.driver.EnableChannel(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 255, f.sim.Channel(2))

	outcome, err = f.driver.SetPWM(ctx, 4, 128)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 128, f.sim.Channel(4))

	outcome, err = f.driver.HitHold(ctx, 5, 0.25)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 64, f.sim.Channel(5))
	assert.True(t, f.sim.HitHold(5))

	outcome, err = f.driver.DisableChannel(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 0, f.sim.Channel(2))

	written := f.port.Written()
	assert.Equal(t, []string{"@#\n", "@H1\n", "@S4128\n", "@V5064\n", "@I1\n"}, toStrings(written))
}

func TestArgumentValidation(t *testing.T) {
	f := connected(t, 1)
	ctx := context.Background()
	before := len(f.port.Written())

	_, err := f.driver.EnableChannel(ctx, 0)
	assert.Error(t, err)
	_, err = f.driver.DisableChannel(ctx, 6)
	assert.Error(t, err)
	_, err = f.driver.SetPWM(ctx, 1, 256)
	assert.Error(t, err)
	_, err = f.driver.HitHold(ctx, 1, 1.5)
	assert.Error(t, err)
	_, err = f.driver.HitHold(ctx, 1, math.NaN())
	assert.Error(t, err)
	_, err = f.driver.HitHoldDuty(ctx, 1, decimal.RequireFromString("-0.1"))
	assert.Error(t, err)
	_, _, err = f.driver.DigitalRead(ctx, 1)
	assert.Error(t, err)
	_, err = f.driver.DigitalWrite(ctx, 20, 1)
	assert.Error(t, err, "A6 is analog input only")
	_, err = f.driver.DigitalWrite(ctx, 4, 2)
	assert.Error(t, err)
	_, _, err = f.driver.AnalogRead(ctx, 13)
	assert.Error(t, err)
	_, err = f.driver.AnalogWrite(ctx, 4, 10)
	assert.Error(t, err)

	assert.Len(t, f.port.Written(), before, "invalid arguments must not reach the wire")
}

func TestPinIO(t *testing.T) {
	f := connected(t, 1)
	ctx := context.Background()

	f.sim.SetPin(7, 1)
	value, outcome, err := f.driver.DigitalRead(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 1, value)

	a2, err := ParsePin("A2")
	require.NoError(t, err)
	f.sim.SetAnalog(a2, 512)
	value, outcome, err = f.driver.AnalogRead(ctx, a2)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 512, value)

	outcome, err = f.driver.DigitalWrite(ctx, a2, 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)
	assert.Equal(t, 1, f.sim.Pin(a2))

	outcome, err = f.driver.AnalogWrite(ctx, 11, 200)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomePass, outcome)

	written := toStrings(f.port.Written())
	assert.Contains(t, written, "@D07\n")
	assert.Contains(t, written, "@A16\n")
	assert.Contains(t, written, "@E161\n")
	assert.Contains(t, written, "@B11200\n")
}

func TestMissingAckIsFail(t *testing.T) {
	f := connected(t, 1)
	f.sim.Garble(true)

	outcome, err := f.driver.EnableChannel(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, protocol.OutcomeFail, outcome)

	metrics, err := f.driver.GetHealthMetrics()
	require.NoError(t, err)
	assert.Equal(t, int64(1), metrics.ErrorCount)
}

func TestPing(t *testing.T) {
	f := connected(t, 1)
	require.NoError(t, f.driver.Ping(context.Background()))

	f.sim.Silence(true)
	assert.Error(t, f.driver.Ping(context.Background()))
}

func TestExecuteOperation(t *testing.T) {
	f := connected(t, 4)
	ctx := context.Background()

	op := model.NewOperation(f.driver.Device.ID, model.OperationTypeSetPWM, model.JSONObject{"channel": 3, "pwm": 90})
	result, err := f.driver.ExecuteOperation(ctx, op)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)
	assert.Equal(t, model.OperationStatusSuccess, op.Status)
	assert.NotNil(t, op.CompletedAt)
	assert.Equal(t, 90, f.sim.Channel(3))

	op = model.NewOperation(f.driver.Device.ID, model.OperationTypeIdentify, nil)
	result, err = f.driver.ExecuteOperation(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Data["fetbox_id"])

	op = model.NewOperation(f.driver.Device.ID, model.OperationTypeHitHold, model.JSONObject{"channel": 1})
	result, err = f.driver.ExecuteOperation(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, "0.5", result.Data["duty"])
	assert.Equal(t, 128, f.sim.Channel(1))

	f.sim.SetAnalog(14, 33)
	op = model.NewOperation(f.driver.Device.ID, model.OperationTypeAnalogRead, model.JSONObject{"pin": "A0"})
	result, err = f.driver.ExecuteOperation(ctx, op)
	require.NoError(t, err)
	assert.Equal(t, 33, result.Data["value"])
	assert.Equal(t, "A0", result.Data["pin"])

	op = model.NewOperation(f.driver.Device.ID, model.OperationTypeSetPWM, model.JSONObject{"channel": 9, "pwm": 1})
	_, err = f.driver.ExecuteOperation(ctx, op)
	assert.Error(t, err)

	op = model.NewOperation(f.driver.Device.ID, model.OperationTypePumpStart, nil)
	_, err = f.driver.ExecuteOperation(ctx, op)
	assert.Error(t, err)
}

func TestExecuteOperationNoResponse(t *testing.T) {
	f := connected(t, 1)
	f.sim.Silence(true)

	op := model.NewOperation(f.driver.Device.ID, model.OperationTypeHeartbeat, nil)
	result, err := f.driver.ExecuteOperation(context.Background(), op)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, protocol.OutcomeError, result.Outcome)
	assert.Equal(t, "NO_RESPONSE", result.ErrorCode)
	assert.Equal(t, protocol.DefaultMaxAttempts, result.Attempts)
	assert.Equal(t, model.OperationStatusError, op.Status)
}

type recordingHandler struct {
	connected    []string
	disconnected []string
	completed    []*driver.OperationResult
}

func (h *recordingHandler) OnDeviceConnected(id string) { h.connected = append(h.connected, id) }
func (h *recordingHandler) OnDeviceDisconnected(id, _ string) {
	h.disconnected = append(h.disconnected, id)
}
func (h *recordingHandler) OnDeviceError(string, error) {}
func (h *recordingHandler) OnOperationCompleted(_, _ string, r *driver.OperationResult) {
	h.completed = append(h.completed, r)
}
func (h *recordingHandler) OnStatusChanged(string, model.DeviceStatus, model.DeviceStatus) {}

func TestEventHandler(t *testing.T) {
	sim := simulator.NewFETbox(2)
	f := newFixture(t, sim.Responder(), sim)
	h := &recordingHandler{}
	f.driver.SetEventHandler(h)

	ctx := context.Background()
	require.NoError(t, f.driver.Connect(ctx))
	_, err := f.driver.ExecuteOperation(ctx, model.NewOperation(f.driver.Device.ID, model.OperationTypeHeartbeat, nil))
	require.NoError(t, err)
	require.NoError(t, f.driver.Disconnect(ctx))

	id := f.driver.Device.ID.String()
	assert.Equal(t, []string{id}, h.connected)
	assert.Equal(t, []string{id}, h.disconnected)
	require.Len(t, h.completed, 1)
	assert.True(t, h.completed[0].Success)

	status, err := f.driver.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOffline, status.Status)
}

func TestParsePin(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"A0", 14, false},
		{"a7", 21, false},
		{"13", 13, false},
		{"A8", 0, true},
		{"B2", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParsePin(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, "A3", PinName(17))
	assert.Equal(t, "9", PinName(9))
}

func toStrings(b [][]byte) []string {
	out := make([]string, len(b))
	for i := range b {
		out[i] = string(b[i])
	}
	return out
}

func TestDutyToPWM(t *testing.T) {
	tests := []struct {
		duty string
		want int
	}{
		{"0", 0},
		{"1", 255},
		{"0.5", 128},
		{"0.25", 64},
		// 76.5 exactly; binary floating point lands just below it
		{"0.3", 77},
		{"0.7", 179},
	}
	for _, tt := range tests {
		t.Run(tt.duty, func(t *testing.T) {
			got, err := dutyToPWM(decimal.RequireFromString(tt.duty))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := dutyToPWM(decimal.RequireFromString("1.01"))
	assert.Error(t, err)
}

func TestHitHoldExactDuty(t *testing.T) {
	f := connected(t, 1)
	ctx := context.Background()

	op := model.NewOperation(f.driver.Device.ID, model.OperationTypeHitHold, model.JSONObject{"channel": 3, "duty": "0.3"})
	result, err := f.driver.ExecuteOperation(ctx, op)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "0.3", result.Data["duty"])
	assert.Equal(t, 77, f.sim.Channel(3))
	assert.Contains(t, toStrings(f.port.Written()), "@V3077\n")
}
