// internal/service/device_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"plateflo/internal/config"
	internalDriver "plateflo/internal/driver"
	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/internal/protocol/serial"
	"plateflo/internal/repository"
	"plateflo/internal/utils"
	"plateflo/pkg/driver"
)

// managedDevice is a connected driver and the line it talks through
type managedDevice struct {
	driver driver.DeviceDriver
	line   *line
	events *deviceEvents
	stop   context.CancelFunc
	done   chan struct{}
}

// ServiceOption customizes a DeviceService
type ServiceOption func(*DeviceService)

// WithPublisher sets where device and transport events go
func WithPublisher(publisher EventPublisher) ServiceOption {
	return func(ds *DeviceService) {
		if publisher != nil {
			ds.publisher = publisher
		}
	}
}

// WithMetrics exports transport metrics through observer
func WithMetrics(observer *protocol.MetricsObserver) ServiceOption {
	return func(ds *DeviceService) {
		ds.metrics = observer
	}
}

// WithOpener replaces how serial ports are claimed
func WithOpener(opener serial.Opener) ServiceOption {
	return func(ds *DeviceService) {
		ds.opener = opener
	}
}

// WithTransportEvents publishes every serial exchange, not only failures
func WithTransportEvents(exchanges bool) ServiceOption {
	return func(ds *DeviceService) {
		ds.exchangeEvents = exchanges
	}
}

// DeviceService handles device management business logic
type DeviceService struct {
	deviceRepo    repository.DeviceRepository
	operationRepo repository.OperationRepository
	registry      *internalDriver.Registry
	config        *config.Config
	logger        *utils.ServiceLogger

	publisher      EventPublisher
	exchangeEvents bool
	eventObserver  *EventObserver
	transportLog   *utils.TransportLogger
	metrics        *protocol.MetricsObserver
	opener         serial.Opener

	lines      *xsync.MapOf[string, *line]
	linesMutex sync.Mutex
	devices    *xsync.MapOf[uuid.UUID, *managedDevice]
	// connectMutex serializes connect and disconnect
	connectMutex sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDeviceService creates a new device service instance
func NewDeviceService(
	deviceRepo repository.DeviceRepository,
	operationRepo repository.OperationRepository,
	registry *internalDriver.Registry,
	config *config.Config,
	logger *zap.Logger,
	opts ...ServiceOption,
) *DeviceService {
	ctx, cancel := context.WithCancel(context.Background())
	ds := &DeviceService{
		deviceRepo:    deviceRepo,
		operationRepo: operationRepo,
		registry:      registry,
		config:        config,
		logger:        utils.NewServiceLogger(logger, "device-service"),
		publisher:     nopPublisher{},
		transportLog:  utils.NewTransportLogger(logger),
		lines:         xsync.NewMapOf[string, *line](),
		devices:       xsync.NewMapOf[uuid.UUID, *managedDevice](),
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(ds)
	}
	ds.eventObserver = NewEventObserver(ds.publisher, ds.exchangeEvents)
	return ds
}

// RegisterDevice records a device without connecting it
func (ds *DeviceService) RegisterDevice(ctx context.Context, req *RegisterDeviceRequest) (*model.Device, error) {
	if err := ds.validateRegisterRequest(req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	device := model.NewDevice(req.Kind, req.Port)
	device.Name = req.Name
	device.Address = req.Address
	device.ConnectionConfig = model.JSONObject(req.ConnectionConfig)
	if device.Name == "" {
		device.Name = defaultName(device)
	}

	if err := ds.deviceRepo.Create(ctx, device); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	ds.logger.Info("Device registered successfully",
		zap.String("device_id", device.ID.String()),
		zap.String("device_kind", string(device.Kind)),
		zap.String("port", device.Port),
		zap.Int("address", device.Address),
	)
	return device, nil
}

// ConnectDevice opens the device's line and connects its driver. Connecting
// a connected device is a no-op.
func (ds *DeviceService) ConnectDevice(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	ds.connectMutex.Lock()
	defer ds.connectMutex.Unlock()

	device, err := ds.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := ds.devices.Load(id); ok {
		return device, nil
	}

	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, id.String(), string(device.Kind), device.Port)
	ds.setStatus(ctx, device, model.DeviceStatusConnecting)

	l, err := ds.acquireLine(device)
	if err != nil {
		deviceLogger.LogConnection("acquire_line", false, err)
		ds.recordError(ctx, device, err)
		return nil, err
	}

	driverInstance, err := ds.registry.CreateDriver(device, l.transport, l.retrier)
	if err != nil {
		ds.releaseLine(l)
		deviceLogger.LogConnection("create_driver", false, err)
		ds.recordError(ctx, device, err)
		return nil, fmt.Errorf("%w: %w", ErrUnsupportedKind, err)
	}
	events := &deviceEvents{publisher: ds.publisher, port: device.Port}
	driverInstance.SetEventHandler(events)

	connectCtx, cancel := context.WithTimeout(ctx, ds.config.Device.OperationTimeout)
	defer cancel()

	err = l.with(connectCtx, func() error {
		return driverInstance.Connect(connectCtx)
	})
	if err != nil {
		ds.releaseLine(l)
		ds.recordError(ctx, device, err)
		return nil, fmt.Errorf("failed to connect to device: %w", err)
	}

	now := time.Now()
	if info, _ := driverInstance.GetDeviceInfo(); info != nil {
		device.Identity = info.Identity
	}
	device.Capabilities = driverInstance.GetCapabilities()
	device.LastPing = &now
	device.ErrorInfo = nil
	old := device.Status
	device.Status = model.DeviceStatusOnline
	if err := ds.deviceRepo.Update(ctx, device); err != nil {
		deviceLogger.Error("Failed to update device after connection", zap.Error(err))
	}
	events.OnStatusChanged(id.String(), old, device.Status)

	md := &managedDevice{driver: driverInstance, line: l, events: events, done: make(chan struct{})}
	var monitorCtx context.Context
	monitorCtx, md.stop = context.WithCancel(ds.ctx)
	ds.devices.Store(id, md)
	go ds.monitorHealth(monitorCtx, id, md)

	return device, nil
}

// DisconnectDevice disconnects a device and releases its line
func (ds *DeviceService) DisconnectDevice(ctx context.Context, id uuid.UUID) error {
	ds.connectMutex.Lock()
	defer ds.connectMutex.Unlock()

	device, err := ds.GetDevice(ctx, id)
	if err != nil {
		return err
	}

	md, ok := ds.devices.LoadAndDelete(id)
	if !ok {
		return nil
	}
	md.stop()
	<-md.done

	md.line.mutex.Lock()
	if err := md.driver.Disconnect(ctx); err != nil {
		ds.logger.Warn("Driver disconnect failed", zap.String("device_id", id.String()), zap.Error(err))
	}
	md.line.mutex.Unlock()
	ds.releaseLine(md.line)

	ds.setStatus(ctx, device, model.DeviceStatusOffline)
	return nil
}

// GetDevice retrieves device information
func (ds *DeviceService) GetDevice(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	device, err := ds.deviceRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return nil, err
	}
	return device, nil
}

// ListDevices retrieves devices with filtering
func (ds *DeviceService) ListDevices(ctx context.Context, filter *repository.DeviceFilter) ([]*model.Device, *PaginationResult, error) {
	if filter == nil {
		filter = &repository.DeviceFilter{}
	}
	devices, total, err := ds.deviceRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list devices: %w", err)
	}

	pagination := &PaginationResult{Total: total, Page: filter.Page, PerPage: filter.PerPage}
	if filter.PerPage > 0 {
		pagination.TotalPages = (total + filter.PerPage - 1) / filter.PerPage
	}
	return devices, pagination, nil
}

// DeleteDevice removes a disconnected device
func (ds *DeviceService) DeleteDevice(ctx context.Context, id uuid.UUID) error {
	if _, ok := ds.devices.Load(id); ok {
		return ErrDeviceOnline
	}
	if err := ds.deviceRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
		}
		return fmt.Errorf("failed to delete device: %w", err)
	}
	return nil
}

// WithDriver runs fn with exclusive use of the device's line
func (ds *DeviceService) WithDriver(ctx context.Context, id uuid.UUID, fn func(driver.DeviceDriver) error) error {
	md, ok := ds.devices.Load(id)
	if !ok {
		if _, err := ds.GetDevice(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrDeviceNotConnected, id)
	}
	return md.line.with(ctx, func() error {
		return fn(md.driver)
	})
}

// PingDevice checks that a connected device answers
func (ds *DeviceService) PingDevice(ctx context.Context, id uuid.UUID) (*PingResult, error) {
	start := time.Now()
	err := ds.WithDriver(ctx, id, func(d driver.DeviceDriver) error {
		return d.Ping(ctx)
	})
	if errors.Is(err, ErrDeviceNotFound) || errors.Is(err, ErrDeviceNotConnected) {
		return nil, err
	}

	result := &PingResult{DeviceID: id, Success: err == nil, ResponseTime: time.Since(start).String()}
	if err != nil {
		result.Error = err.Error()
	} else if pingErr := ds.deviceRepo.UpdateLastPing(ctx, id, time.Now()); pingErr != nil {
		ds.logger.Warn("Failed to record ping", zap.Error(pingErr))
	}
	return result, nil
}

// GetDeviceStats returns the driver, transport and operation statistics of a device
func (ds *DeviceService) GetDeviceStats(ctx context.Context, id uuid.UUID) (*DeviceStats, error) {
	device, err := ds.GetDevice(ctx, id)
	if err != nil {
		return nil, err
	}
	stats := &DeviceStats{Device: device}

	if md, ok := ds.devices.Load(id); ok {
		stats.Info, _ = md.driver.GetDeviceInfo()
		stats.Status, _ = md.driver.GetStatus()
		stats.Health, _ = md.driver.GetHealthMetrics()
		transport := md.driver.GetTransportStats()
		stats.Transport = &transport
	}

	if stats.Operations, err = ds.operationRepo.GetOperationStats(ctx, &id); err != nil {
		return nil, err
	}
	return stats, nil
}

// GetServiceStats summarizes devices and lines
func (ds *DeviceService) GetServiceStats(ctx context.Context) (*ServiceStats, error) {
	devices, err := ds.deviceRepo.GetDeviceStats(ctx)
	if err != nil {
		return nil, err
	}
	operations, err := ds.operationRepo.GetOperationStats(ctx, nil)
	if err != nil {
		return nil, err
	}

	stats := &ServiceStats{Devices: devices, Operations: operations, Lines: map[string]protocol.ProtocolStats{}}
	ds.lines.Range(func(port string, l *line) bool {
		stats.Lines[port] = l.transport.Stats()
		return true
	})
	stats.ConnectedDevices = ds.devices.Size()
	return stats, nil
}

// ConnectedCount returns the number of connected devices
func (ds *DeviceService) ConnectedCount() int {
	return ds.devices.Size()
}

// Shutdown disconnects every device and stops background work
func (ds *DeviceService) Shutdown(ctx context.Context) {
	var ids []uuid.UUID
	ds.devices.Range(func(id uuid.UUID, _ *managedDevice) bool {
		ids = append(ids, id)
		return true
	})
	for _, id := range ids {
		if err := ds.DisconnectDevice(ctx, id); err != nil {
			ds.logger.Warn("Failed to disconnect device on shutdown", zap.String("device_id", id.String()), zap.Error(err))
		}
	}
	ds.cancel()
	ds.logger.LogServiceStop("shutdown")
}

// monitorHealth pings the device periodically and reconnects it when its
// transport session has ended.
func (ds *DeviceService) monitorHealth(ctx context.Context, id uuid.UUID, md *managedDevice) {
	defer close(md.done)

	interval := ds.config.Device.HealthCheckInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ds.checkHealth(ctx, id, md)
		}
	}
}

func (ds *DeviceService) checkHealth(ctx context.Context, id uuid.UUID, md *managedDevice) {
	checkCtx, cancel := context.WithTimeout(ctx, ds.config.Device.OperationTimeout)
	defer cancel()

	device, err := ds.GetDevice(checkCtx, id)
	if err != nil {
		return
	}
	deviceLogger := utils.NewDeviceLogger(ds.logger.Logger, id.String(), string(device.Kind), device.Port)

	start := time.Now()
	err = md.line.with(checkCtx, func() error {
		if !md.driver.IsConnected() {
			deviceLogger.Warn("Device transport down, reconnecting")
			if err := md.driver.Connect(checkCtx); err != nil {
				return err
			}
		}
		return md.driver.Ping(checkCtx)
	})
	if ctx.Err() != nil {
		return
	}

	elapsed := time.Since(start)
	metrics, _ := md.driver.GetHealthMetrics()
	if metrics == nil {
		metrics = &driver.HealthMetrics{}
	}
	deviceLogger.LogHealth(err == nil, elapsed, metrics.ErrorCount)

	if err != nil {
		ds.recordError(checkCtx, device, err)
		return
	}
	if err := ds.deviceRepo.UpdateLastPing(checkCtx, id, time.Now()); err != nil {
		deviceLogger.Warn("Failed to record ping", zap.Error(err))
	}
	ds.setStatus(checkCtx, device, model.DeviceStatusOnline)
	ds.publisher.Publish(model.NewEvent(model.EventHealthUpdate, id, model.SeverityInfo, model.JSONObject{
		"health_score":  metrics.HealthScore,
		"response_time": elapsed.String(),
	}))
}

// setStatus stores a status change and announces it
func (ds *DeviceService) setStatus(ctx context.Context, device *model.Device, status model.DeviceStatus) {
	old := device.Status
	if old == status {
		return
	}
	device.Status = status
	if err := ds.deviceRepo.UpdateStatus(ctx, device.ID, status); err != nil {
		ds.logger.Error("Failed to update device status", zap.Error(err))
		return
	}
	(&deviceEvents{publisher: ds.publisher, port: device.Port}).OnStatusChanged(device.ID.String(), old, status)
}

// recordError updates device with error information
func (ds *DeviceService) recordError(ctx context.Context, device *model.Device, err error) {
	old := device.Status
	device.RecordError(err, protocol.IsTerminal(err))
	device.Status = model.DeviceStatusError
	if updateErr := ds.deviceRepo.Update(ctx, device); updateErr != nil {
		ds.logger.Error("Failed to update device error", zap.Error(updateErr))
	}
	if old != device.Status {
		(&deviceEvents{publisher: ds.publisher, port: device.Port}).OnStatusChanged(device.ID.String(), old, device.Status)
	}
}

// validateRegisterRequest validates device registration request
func (ds *DeviceService) validateRegisterRequest(req *RegisterDeviceRequest) error {
	if req.Port == "" {
		return fmt.Errorf("port is required")
	}
	if req.Kind == "" {
		return fmt.Errorf("kind is required")
	}
	if !ds.registry.IsSupported(req.Kind) {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if family(req.Kind) == "ismatec" && (req.Address < 1 || req.Address > 8) {
		return fmt.Errorf("pump address must be between 1 and 8, got %d", req.Address)
	}
	return nil
}

func defaultName(device *model.Device) string {
	kind := strings.ToLower(string(device.Kind))
	if family(device.Kind) == "ismatec" {
		return fmt.Sprintf("%s-%d@%s", kind, device.Address, device.Port)
	}
	return fmt.Sprintf("%s@%s", kind, device.Port)
}

// Data Transfer Objects

// RegisterDeviceRequest represents device registration request
type RegisterDeviceRequest struct {
	Name             string                 `json:"name"`
	Kind             model.DeviceKind       `json:"kind"`
	Port             string                 `json:"port"`
	Address          int                    `json:"address"`
	ConnectionConfig map[string]interface{} `json:"connection_config,omitempty"`
	Connect          bool                   `json:"connect"`
}

// PaginationResult represents pagination information
type PaginationResult struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalPages int `json:"total_pages"`
}

// PingResult represents a health ping
type PingResult struct {
	DeviceID     uuid.UUID `json:"device_id"`
	Success      bool      `json:"success"`
	ResponseTime string    `json:"response_time"`
	Error        string    `json:"error,omitempty"`
}

// DeviceStats gathers everything known about one device
type DeviceStats struct {
	Device     *model.Device              `json:"device"`
	Info       *driver.DeviceInfo         `json:"info,omitempty"`
	Status     *driver.DeviceStatus       `json:"status,omitempty"`
	Health     *driver.HealthMetrics      `json:"health,omitempty"`
	Transport  *protocol.ProtocolStats    `json:"transport,omitempty"`
	Operations *repository.OperationStats `json:"operations"`
}

// ServiceStats summarizes the whole service
type ServiceStats struct {
	Devices          *repository.DeviceStats           `json:"devices"`
	Operations       *repository.OperationStats        `json:"operations"`
	Lines            map[string]protocol.ProtocolStats `json:"lines"`
	ConnectedDevices int                               `json:"connected_devices"`
}

// ReportFailure marks a device as errored after a terminal transport
// failure. The health loop reconnects it.
func (ds *DeviceService) ReportFailure(ctx context.Context, id uuid.UUID, err error) {
	if !protocol.IsTerminal(err) {
		return
	}
	device, getErr := ds.GetDevice(ctx, id)
	if getErr != nil {
		return
	}
	ds.recordError(ctx, device, err)
}
