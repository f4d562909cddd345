// internal/driver/base/base.go
package base

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/internal/utils"
	"plateflo/pkg/driver"
)

// ErrNotConnected is returned for device commands before Connect succeeds.
var ErrNotConnected = errors.New("device not connected")

// slowResponse is the response time above which the health score is docked.
const slowResponse = time.Second

// Driver holds what every serial driver shares: the transport and retry
// contract, logging, health metrics and event delivery. Concrete drivers
// embed it and add Connect, Ping and ExecuteOperation.
//
// The transport is owned by whoever created it. Disconnect does not close it,
// since several pumps may share one port.
type Driver struct {
	Device    *model.Device
	Transport *protocol.Transport
	Retrier   *protocol.Retrier
	Logger    *utils.DeviceLogger

	mutex         sync.RWMutex
	eventHandler  driver.EventHandler
	isConnected   bool
	lastPing      time.Time
	healthMetrics *driver.HealthMetrics
	deviceInfo    *driver.DeviceInfo
	connectedAt   time.Time
	uptime        time.Duration
	createdAt     time.Time
	lastAttempt   *protocol.Attempt
}

// New creates the shared driver state for device.
func New(device *model.Device, transport *protocol.Transport, retrier *protocol.Retrier, logger *zap.Logger, info *driver.DeviceInfo) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retrier == nil {
		retrier = protocol.NewRetrier(transport, protocol.DefaultMaxAttempts)
	}
	info.Kind = device.Kind
	info.Port = transport.Port()
	info.Address = device.Address

	return &Driver{
		Device:        device,
		Transport:     transport,
		Retrier:       retrier,
		Logger:        utils.NewDeviceLogger(logger, device.ID.String(), string(device.Kind), transport.Port()),
		healthMetrics: &driver.HealthMetrics{HealthScore: 0},
		deviceInfo:    info,
		createdAt:     time.Now(),
	}
}

// Open opens the transport. Opening an already open transport is a no-op.
func (d *Driver) Open(ctx context.Context) error {
	startTime := time.Now()
	if err := d.Transport.Open(ctx); err != nil {
		d.updateHealthMetrics(false, time.Since(startTime))
		d.Logger.LogConnection("open", false, err)
		return fmt.Errorf("failed to open %s: %w", d.Transport.Port(), err)
	}
	return nil
}

// MarkConnected records a successful Connect and notifies the event handler.
func (d *Driver) MarkConnected(identity string) {
	d.mutex.Lock()
	d.isConnected = true
	d.lastPing = time.Now()
	d.connectedAt = d.lastPing
	d.deviceInfo.Identity = identity
	handler := d.eventHandler
	d.mutex.Unlock()

	d.Logger.LogConnection("connect", true, nil)
	if handler != nil {
		handler.OnDeviceConnected(d.Device.ID.String())
	}
}

// Disconnect marks the driver offline.
func (d *Driver) Disconnect(ctx context.Context) error {
	d.markDisconnected("manual disconnect")
	return nil
}

func (d *Driver) markDisconnected(reason string) {
	d.mutex.Lock()
	if !d.isConnected {
		d.mutex.Unlock()
		return
	}
	d.isConnected = false
	d.uptime += time.Since(d.connectedAt)
	handler := d.eventHandler
	d.mutex.Unlock()

	d.Logger.LogConnection("disconnect", true, nil)
	if handler != nil {
		handler.OnDeviceDisconnected(d.Device.ID.String(), reason)
	}
}

// IsConnected returns connection status
func (d *Driver) IsConnected() bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	return d.isConnected && d.Transport.IsOpen()
}

// GetDeviceInfo returns device information
func (d *Driver) GetDeviceInfo() (*driver.DeviceInfo, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	info := *d.deviceInfo
	return &info, nil
}

// GetCapabilities returns device capabilities
func (d *Driver) GetCapabilities() []model.Capability {
	return d.deviceInfo.Capabilities
}

// GetStatus returns current device status
func (d *Driver) GetStatus() (*driver.DeviceStatus, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	status := &driver.DeviceStatus{
		Status:       model.DeviceStatusOffline,
		LastResponse: d.lastPing,
		WorkerState:  d.Transport.WorkerState(),
	}
	if d.isConnected && d.Transport.IsOpen() {
		status.Status = model.DeviceStatusOnline
		status.IsReady = true
	} else if d.isConnected {
		// connected once, transport since lost or stalled
		status.Status = model.DeviceStatusError
		status.HasError = true
		status.ErrorCode = "TRANSPORT_DOWN"
		status.ErrorMessage = "transport is not open"
	}
	return status, nil
}

// GetHealthMetrics returns health metrics
func (d *Driver) GetHealthMetrics() (*driver.HealthMetrics, error) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	metrics := *d.healthMetrics
	lifetime := time.Since(d.createdAt)
	up := d.uptime
	if d.isConnected {
		up += time.Since(d.connectedAt)
	}
	if lifetime > 0 {
		metrics.UptimePercent = 100 * float64(up) / float64(lifetime)
	}
	return &metrics, nil
}

// GetTransportStats returns the transport counters.
func (d *Driver) GetTransportStats() protocol.ProtocolStats {
	return d.Transport.Stats()
}

// SetEventHandler sets event handler
func (d *Driver) SetEventHandler(handler driver.EventHandler) {
	d.mutex.Lock()
	d.eventHandler = handler
	d.mutex.Unlock()
}

// Close marks the driver offline.
func (d *Driver) Close() error {
	return d.Disconnect(context.Background())
}

// Command sends req under the retry contract and accepts via accept.
func (d *Driver) Command(ctx context.Context, req protocol.Request, accept protocol.Acceptor) (*protocol.Attempt, error) {
	if err := d.ready(); err != nil {
		return nil, err
	}
	startTime := time.Now()
	attempt, err := d.Retrier.Do(ctx, req, accept)
	d.record(attempt, err, time.Since(startTime))
	return attempt, err
}

// Query sends req and returns the first non-empty complete payload.
func (d *Driver) Query(ctx context.Context, req protocol.Request) ([]byte, *protocol.Attempt, error) {
	if err := d.ready(); err != nil {
		return nil, nil, err
	}
	startTime := time.Now()
	payload, attempt, err := d.Retrier.Query(ctx, req)
	d.record(attempt, err, time.Since(startTime))
	return payload, attempt, err
}

// ready refuses commands before Connect. The connect handshake itself goes
// through the Retrier directly.
func (d *Driver) ready() error {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	if !d.isConnected {
		return ErrNotConnected
	}
	return nil
}

func (d *Driver) record(attempt *protocol.Attempt, err error, elapsed time.Duration) {
	success := err == nil && attempt != nil && attempt.Outcome == protocol.OutcomePass
	d.updateHealthMetrics(success, elapsed)

	d.mutex.Lock()
	d.lastAttempt = attempt
	d.mutex.Unlock()

	if success {
		d.mutex.Lock()
		d.lastPing = time.Now()
		d.mutex.Unlock()
		return
	}
	if err != nil && protocol.IsTerminal(err) {
		d.notifyError(err)
	}
}

func (d *Driver) notifyError(err error) {
	d.mutex.RLock()
	handler := d.eventHandler
	d.mutex.RUnlock()
	if handler != nil {
		handler.OnDeviceError(d.Device.ID.String(), err)
	}
}

// updateHealthMetrics updates device health metrics
func (d *Driver) updateHealthMetrics(success bool, responseTime time.Duration) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	m := d.healthMetrics
	m.TotalOperations++
	m.ResponseTime = responseTime
	now := time.Now()
	if success {
		m.LastSuccessTime = &now
	} else {
		m.ErrorCount++
		m.LastErrorTime = &now
	}
	m.SuccessRate = float64(m.TotalOperations-m.ErrorCount) / float64(m.TotalOperations)

	m.HealthScore = int(m.SuccessRate * 100)
	if responseTime > slowResponse {
		m.HealthScore -= 10
	}
	if m.HealthScore < 0 {
		m.HealthScore = 0
	}
}

// Begin marks op as processing and returns its start time. Operations on a
// driver must not overlap between Begin and Finish.
func (d *Driver) Begin(op *model.DeviceOperation) time.Time {
	d.mutex.Lock()
	d.lastAttempt = nil
	d.mutex.Unlock()
	op.Status = model.OperationStatusProcessing
	return time.Now()
}

// Finish turns the outcome of op into an operation result, stamping op as
// well. The attempt count is that of the last command sent.
func (d *Driver) Finish(op *model.DeviceOperation, outcome protocol.Outcome, data map[string]interface{}, err error, startTime time.Time) (*driver.OperationResult, error) {
	duration := time.Since(startTime)
	if err != nil {
		outcome = protocol.OutcomeError
	}
	result := &driver.OperationResult{
		Success:   err == nil && outcome == protocol.OutcomePass,
		Outcome:   outcome,
		Data:      data,
		Duration:  duration.String(),
		Timestamp: time.Now(),
	}

	d.mutex.RLock()
	if d.lastAttempt != nil {
		result.Attempts = d.lastAttempt.Attempts
	}
	handler := d.eventHandler
	d.mutex.RUnlock()
	op.Attempts = result.Attempts

	d.Logger.LogOperation(string(op.OperationType), duration, outcome, err)

	switch {
	case err != nil:
		result.ErrorCode = errorCode(err)
		result.ErrorMessage = err.Error()
		op.Complete(model.OperationStatusError, err)
	case outcome == protocol.OutcomeFail:
		result.ErrorCode = "DEVICE_REJECTED"
		result.ErrorMessage = "device did not acknowledge the command"
		op.Complete(model.OperationStatusFailed, nil)
	case outcome == protocol.OutcomeError:
		result.ErrorCode = "NO_RESPONSE"
		result.ErrorMessage = "device did not respond"
		op.Complete(model.OperationStatusError, nil)
	default:
		op.Complete(model.OperationStatusSuccess, nil)
	}
	op.Result = model.JSONObject(data)

	if handler != nil {
		handler.OnOperationCompleted(d.Device.ID.String(), op.ID.String(), result)
	}
	return result, err
}

// IsArgumentError reports whether err came from validating an operation
// before anything was sent.
func IsArgumentError(err error) bool {
	return err != nil && !protocol.IsTerminal(err) && !errors.Is(err, ErrNotConnected)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, protocol.ErrDesynchronized):
		return "DESYNCHRONIZED"
	case errors.Is(err, protocol.ErrConnectionLost):
		return "CONNECTION_LOST"
	case errors.Is(err, protocol.ErrTransportStalled):
		return "TRANSPORT_STALLED"
	case errors.Is(err, protocol.ErrNotOpen), errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	default:
		return "INVALID_OPERATION"
	}
}
