// internal/service/service_test.go
package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"plateflo/internal/config"
	internalDriver "plateflo/internal/driver"
	"plateflo/internal/model"
	"plateflo/internal/repository"
	"plateflo/internal/scheduler"
	"plateflo/internal/simulator"
)

func testConfig() *config.Config {
	return &config.Config{
		Serial: config.SerialConfig{DataBits: 8, StopBits: 1, Parity: "none", QueueSize: 10, StallMargin: 1.5, MaxAttempts: 3},
		FETbox: config.FETboxConfig{BaudRate: 115200, Timeout: 50 * time.Millisecond, ProbeTimeout: 30 * time.Millisecond, DisableDTR: true},
		Reglo:  config.RegloConfig{BaudRate: 9600, Timeout: 50 * time.Millisecond, ProbeTimeout: 30 * time.Millisecond, Addresses: []int{1, 2, 3}},
		Discovery: config.DiscoveryConfig{
			ScanTimeout: 5 * time.Second,
		},
		Device: config.DeviceConfig{
			OperationTimeout:   2 * time.Second,
			OperationRetention: time.Hour,
		},
		Scheduler: config.SchedulerConfig{Tick: 5 * time.Millisecond},
	}
}

type recorder struct {
	mu     sync.Mutex
	events []*model.DeviceEvent
}

func (r *recorder) Publish(event *model.DeviceEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) types() []model.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.EventType
	}
	return out
}

type env struct {
	bench      *simulator.Bench
	events     *recorder
	devices    *DeviceService
	operations *OperationService
}

func newEnv(t *testing.T, cfg *config.Config) *env {
	t.Helper()
	logger := zap.NewNop()
	registry := internalDriver.NewRegistry(logger)
	internalDriver.RegisterDefaultDrivers(registry, logger)

	bench := simulator.NewBench()
	events := &recorder{}
	ds := NewDeviceService(
		repository.NewDeviceRepository(logger),
		repository.NewOperationRepository(logger),
		registry, cfg, logger,
		WithOpener(bench.Opener(nil)),
		WithPublisher(events),
	)
	t.Cleanup(func() { ds.Shutdown(context.Background()) })

	return &env{
		bench:      bench,
		events:     events,
		devices:    ds,
		operations: NewOperationService(ds.operationRepo, ds, cfg, logger),
	}
}

func (e *env) connect(t *testing.T, kind model.DeviceKind, port string, address int) *model.Device {
	t.Helper()
	ctx := context.Background()
	device, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: kind, Port: port, Address: address})
	require.NoError(t, err)
	device, err = e.devices.ConnectDevice(ctx, device.ID)
	require.NoError(t, err)
	return device
}

func TestRegisterDevice_Validation(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	tests := []struct {
		name string
		req  RegisterDeviceRequest
	}{
		{"missing port", RegisterDeviceRequest{Kind: model.DeviceKindFETbox}},
		{"missing kind", RegisterDeviceRequest{Port: "sim://fetbox/1"}},
		{"unsupported kind", RegisterDeviceRequest{Kind: model.DeviceKind("SYRINGE"), Port: "sim://reglo/1", Address: 1}},
		{"icc address", RegisterDeviceRequest{Kind: model.DeviceKindRegloICC, Port: "sim://icc/1", Address: 9}},
		{"pump address", RegisterDeviceRequest{Kind: model.DeviceKindRegloDigital, Port: "sim://reglo/1", Address: 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.devices.RegisterDevice(ctx, &tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://fetbox/1"})
	require.NoError(t, err)
	_, err = e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://fetbox/1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConnectFETbox(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/3", 0)
	assert.Equal(t, model.DeviceStatusOnline, device.Status)
	assert.Equal(t, "fetbox3", device.Identity)
	assert.Contains(t, device.Capabilities, model.CapabilityPWM)
	assert.True(t, e.devices.InUse("sim://fetbox/3"))
	assert.Equal(t, 1, e.devices.ConnectedCount())

	// Connecting again is a no-op.
	_, err := e.devices.ConnectDevice(ctx, device.ID)
	require.NoError(t, err)

	port, err := e.bench.Port("sim://fetbox/3")
	require.NoError(t, err)
	assert.Equal(t, []byte("@#\n"), port.Written()[0])
	assert.False(t, port.DTR())

	assert.Contains(t, e.events.types(), model.EventDeviceConnected)
	assert.Contains(t, e.events.types(), model.EventTransportState)

	require.NoError(t, e.devices.DisconnectDevice(ctx, device.ID))
	stored, err := e.devices.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusOffline, stored.Status)
	assert.False(t, e.devices.InUse("sim://fetbox/3"))
	assert.Contains(t, e.events.types(), model.EventDeviceDisconnected)
}

func TestConnectFailureRecordsError(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	device, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://empty"})
	require.NoError(t, err)

	_, err = e.devices.ConnectDevice(ctx, device.ID)
	require.Error(t, err)

	stored, err := e.devices.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, model.DeviceStatusError, stored.Status)
	require.NotNil(t, stored.ErrorInfo)
	assert.Equal(t, 1, stored.ErrorInfo.ErrorCount)
	assert.False(t, e.devices.InUse("sim://empty"))
}

func TestPumpsShareLine(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	pump1 := e.connect(t, model.DeviceKindRegloDigital, "sim://reglo/1,2", 1)
	pump2 := e.connect(t, model.DeviceKindRegloDigital, "sim://reglo/1,2", 2)
	assert.Equal(t, 1, e.devices.lines.Size())

	// A FETbox cannot join a pump bus.
	fetbox, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://reglo/1,2"})
	require.NoError(t, err)
	_, err = e.devices.ConnectDevice(ctx, fetbox.ID)
	assert.ErrorIs(t, err, ErrPortInUse)

	require.NoError(t, e.devices.DisconnectDevice(ctx, pump1.ID))
	assert.True(t, e.devices.InUse("sim://reglo/1,2"))

	_, result, err := e.operations.ExecuteOperation(ctx, pump2.ID, &ExecuteOperationRequest{OperationType: model.OperationTypePumpStart})
	require.NoError(t, err)
	assert.True(t, result.Success)

	require.NoError(t, e.devices.DisconnectDevice(ctx, pump2.ID))
	assert.False(t, e.devices.InUse("sim://reglo/1,2"))
}

func TestRegloICCChannelOperations(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	pump := e.connect(t, model.DeviceKindRegloICC, "sim://icc/1", 1)
	assert.Equal(t, model.DeviceStatusOnline, pump.Status)
	assert.Contains(t, pump.Identity, "ICC")

	_, result, err := e.operations.ExecuteOperation(ctx, pump.ID, &ExecuteOperationRequest{
		OperationType: model.OperationTypeSetFlow,
		OperationData: map[string]interface{}{"flow": "1.5", "channel": 2},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "1.5", result.Data["flow"])

	_, result, err = e.operations.ExecuteOperation(ctx, pump.ID, &ExecuteOperationRequest{
		OperationType: model.OperationTypePumpStart,
		OperationData: map[string]interface{}{"channel": 2},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	_, _, err = e.operations.ExecuteOperation(ctx, pump.ID, &ExecuteOperationRequest{
		OperationType: model.OperationTypePumpStart,
		OperationData: map[string]interface{}{"channel": 9},
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestConcurrentPumpOperations(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()

	pumps := []*model.Device{
		e.connect(t, model.DeviceKindRegloDigital, "sim://reglo/1,2", 1),
		e.connect(t, model.DeviceKindRegloDigital, "sim://reglo/1,2", 2),
	}

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(pump *model.Device) {
			defer wg.Done()
			_, result, err := e.operations.ExecuteOperation(ctx, pump.ID, &ExecuteOperationRequest{OperationType: model.OperationTypeGetFlow})
			if err == nil && !result.Success {
				err = assert.AnError
			}
			errs <- err
		}(pumps[i%2])
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestExecuteOperation(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/2", 0)

	op, result, err := e.operations.ExecuteOperation(ctx, device.ID, &ExecuteOperationRequest{
		OperationType: model.OperationTypeEnableChannel,
		OperationData: map[string]interface{}{"channel": 2},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)

	stored, err := e.operations.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OperationStatusSuccess, stored.Status)
	assert.NotNil(t, stored.CompletedAt)

	port, err := e.bench.Port("sim://fetbox/2")
	require.NoError(t, err)
	written := port.Written()
	assert.Equal(t, []byte("@H1\n"), written[len(written)-1])

	stats, err := e.devices.GetDeviceStats(ctx, device.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Operations.TotalOperations)
	require.NotNil(t, stats.Transport)
	assert.True(t, stats.Transport.IsConnected)
	assert.Contains(t, e.events.types(), model.EventOperationCompleted)
}

func TestExecuteOperation_Errors(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/2", 0)

	t.Run("missing type", func(t *testing.T) {
		_, _, err := e.operations.ExecuteOperation(ctx, device.ID, &ExecuteOperationRequest{})
		assert.ErrorIs(t, err, ErrInvalidRequest)
	})

	t.Run("bad channel", func(t *testing.T) {
		op, result, err := e.operations.ExecuteOperation(ctx, device.ID, &ExecuteOperationRequest{
			OperationType: model.OperationTypeEnableChannel,
			OperationData: map[string]interface{}{"channel": 9},
		})
		assert.ErrorIs(t, err, ErrInvalidRequest)
		assert.Nil(t, result)
		assert.Equal(t, model.OperationStatusError, op.Status)
	})

	t.Run("unknown device", func(t *testing.T) {
		_, _, err := e.operations.ExecuteOperation(ctx, uuid.New(), &ExecuteOperationRequest{OperationType: model.OperationTypeHeartbeat})
		assert.ErrorIs(t, err, ErrDeviceNotFound)
	})

	t.Run("disconnected", func(t *testing.T) {
		other, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://fetbox/4"})
		require.NoError(t, err)
		op, _, err := e.operations.ExecuteOperation(ctx, other.ID, &ExecuteOperationRequest{OperationType: model.OperationTypeHeartbeat})
		assert.ErrorIs(t, err, ErrDeviceNotConnected)
		assert.Equal(t, model.OperationStatusCancelled, op.Status)
	})
}

func TestDeleteDevice(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/1", 0)

	assert.ErrorIs(t, e.devices.DeleteDevice(ctx, device.ID), ErrDeviceOnline)
	require.NoError(t, e.devices.DisconnectDevice(ctx, device.ID))
	require.NoError(t, e.devices.DeleteDevice(ctx, device.ID))

	_, err := e.devices.GetDevice(ctx, device.ID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)
	assert.ErrorIs(t, e.devices.DeleteDevice(ctx, device.ID), ErrDeviceNotFound)
}

func TestPingDevice(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/1", 0)

	result, err := e.devices.PingDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.True(t, result.Success)

	stored, err := e.devices.GetDevice(ctx, device.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastPing)

	_, err = e.devices.PingDevice(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestHealthLoopReconnects(t *testing.T) {
	cfg := testConfig()
	cfg.Device.HealthCheckInterval = 20 * time.Millisecond
	e := newEnv(t, cfg)
	ctx := context.Background()
	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/6", 0)

	port, err := e.bench.Port("sim://fetbox/6")
	require.NoError(t, err)
	port.Unplug()

	status := func() model.DeviceStatus {
		d, err := e.devices.GetDevice(ctx, device.ID)
		require.NoError(t, err)
		return d.Status
	}
	assert.Eventually(t, func() bool { return status() == model.DeviceStatusError }, 2*time.Second, 10*time.Millisecond)

	port.Replug()
	assert.Eventually(t, func() bool { return status() == model.DeviceStatusOnline }, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, e.events.types(), model.EventTransportLost)
}

func TestListDevicesAndStats(t *testing.T) {
	e := newEnv(t, testConfig())
	ctx := context.Background()
	e.connect(t, model.DeviceKindFETbox, "sim://fetbox/1", 0)
	_, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindRegloDigital, Port: "sim://reglo/1", Address: 1})
	require.NoError(t, err)

	devices, pagination, err := e.devices.ListDevices(ctx, &repository.DeviceFilter{Page: 1, PerPage: 1})
	require.NoError(t, err)
	assert.Len(t, devices, 1)
	assert.Equal(t, 2, pagination.Total)
	assert.Equal(t, 2, pagination.TotalPages)

	stats, err := e.devices.GetServiceStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConnectedDevices)
	assert.Equal(t, 2, stats.Devices.TotalDevices)
	assert.Contains(t, stats.Lines, "sim://fetbox/1")
}

func newDiscovery(e *env, cfg *config.Config) *DiscoveryService {
	noPorts := func() ([]*enumerator.PortDetails, error) { return nil, nil }
	return NewDiscoveryService(e.devices, cfg, zap.NewNop(), WithPortLister(noPorts))
}

func TestAutoConnect(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery.SimulatedPorts = []string{"sim://fetbox/5", "sim://reglo/1,2", "sim://empty"}
	e := newEnv(t, cfg)
	ctx := context.Background()
	discovery := newDiscovery(e, cfg)

	result, err := discovery.AutoConnect(ctx)
	require.NoError(t, err)
	assert.Len(t, result.Scan.Devices, 3)
	assert.Len(t, result.Connected, 3)
	assert.Empty(t, result.Failed)
	assert.Equal(t, 3, e.devices.ConnectedCount())
	assert.Same(t, result.Scan, discovery.LastScan())

	// Ports held by connected devices are not probed again.
	again, err := discovery.AutoConnect(ctx)
	require.NoError(t, err)
	assert.Empty(t, again.Scan.Devices)
	assert.Equal(t, 3, e.devices.ConnectedCount())
}

func TestAutoConnectRejectsDuplicateFETboxIDs(t *testing.T) {
	cfg := testConfig()
	cfg.Discovery.SimulatedPorts = []string{"sim://fetbox/5", "sim://fetbox/05"}
	e := newEnv(t, cfg)
	discovery := newDiscovery(e, cfg)

	result, err := discovery.AutoConnect(context.Background())
	assert.ErrorIs(t, err, ErrInvalidRequest)
	require.NotNil(t, result)
	assert.NotEmpty(t, result.Scan.Warning)
	assert.Equal(t, 0, e.devices.ConnectedCount())
}

func TestScheduleOperation(t *testing.T) {
	cfg := testConfig()
	e := newEnv(t, cfg)
	ctx := context.Background()
	device := e.connect(t, model.DeviceKindFETbox, "sim://fetbox/1", 0)

	sched := scheduler.New(zap.NewNop())
	schedules := NewScheduleService(sched, e.operations, cfg, zap.NewNop())

	at := time.Now().Add(time.Minute)
	event, err := schedules.Schedule(ctx, &ScheduleRequest{
		DeviceID:      device.ID,
		OperationType: model.OperationTypeSetPWM,
		OperationData: map[string]interface{}{"channel": 1, "pwm": 128},
		At:            &at,
	})
	require.NoError(t, err)
	assert.Len(t, schedules.Pending(), 1)

	assert.Equal(t, 0, sched.Monitor(ctx, time.Now()))
	assert.Equal(t, 1, sched.Monitor(ctx, at))

	history := schedules.History()
	require.Len(t, history, 1)
	assert.Equal(t, event.ID, history[0].ID)
	assert.Empty(t, history[0].Error)

	port, err := e.bench.Port("sim://fetbox/1")
	require.NoError(t, err)
	written := port.Written()
	assert.Equal(t, []byte("@S1128\n"), written[len(written)-1])
}

func TestScheduleFailureIsRecorded(t *testing.T) {
	cfg := testConfig()
	e := newEnv(t, cfg)
	ctx := context.Background()
	device, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://fetbox/1"})
	require.NoError(t, err)

	sched := scheduler.New(zap.NewNop())
	schedules := NewScheduleService(sched, e.operations, cfg, zap.NewNop())

	event, err := schedules.Schedule(ctx, &ScheduleRequest{DeviceID: device.ID, OperationType: model.OperationTypeHeartbeat, Interval: "1s"})
	require.NoError(t, err)

	sched.Monitor(ctx, event.Due)
	history := schedules.History()
	require.Len(t, history, 1)
	assert.True(t, strings.Contains(history[0].Error, "not connected"))
	// The recurring event stays queued.
	assert.Len(t, schedules.Pending(), 1)
	require.NoError(t, schedules.Cancel(event.ID))
	assert.ErrorIs(t, schedules.Cancel(event.ID), ErrEventNotFound)
}

func TestScheduleValidation(t *testing.T) {
	cfg := testConfig()
	e := newEnv(t, cfg)
	ctx := context.Background()
	device, err := e.devices.RegisterDevice(ctx, &RegisterDeviceRequest{Kind: model.DeviceKindFETbox, Port: "sim://fetbox/1"})
	require.NoError(t, err)
	schedules := NewScheduleService(scheduler.New(nil), e.operations, cfg, zap.NewNop())

	at := time.Now()
	tests := []struct {
		name string
		req  ScheduleRequest
	}{
		{"no timing", ScheduleRequest{}},
		{"two timings", ScheduleRequest{At: &at, Interval: "1s"}},
		{"bad interval", ScheduleRequest{Interval: "soon"}},
		{"start and delay", ScheduleRequest{Interval: "1s", StartAt: &at, Delay: "1s"}},
		{"bad daily", ScheduleRequest{Daily: "25:00"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			req.DeviceID = device.ID
			req.OperationType = model.OperationTypeHeartbeat
			_, err := schedules.Schedule(ctx, &req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	daily, err := schedules.Schedule(ctx, &ScheduleRequest{DeviceID: device.ID, OperationType: model.OperationTypeHeartbeat, Daily: "08:30"})
	require.NoError(t, err)
	assert.Equal(t, 8, daily.Due.Hour())
	assert.Equal(t, 30, daily.Due.Minute())

	id, err := schedules.ScheduleMaintenance()
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.Len(t, schedules.Pending(), 2)
}
