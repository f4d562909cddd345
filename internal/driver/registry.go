// internal/driver/registry.go
package driver

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/pkg/driver"
)

// DriverFactory creates a driver for device on an already configured
// transport. The retrier carries the attempt bound.
type DriverFactory func(device *model.Device, transport *protocol.Transport, retrier *protocol.Retrier, logger *zap.Logger) (driver.DeviceDriver, error)

// Registry manages device driver registration and creation
type Registry struct {
	drivers map[model.DeviceKind]DriverFactory
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewRegistry creates a new driver registry
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		drivers: make(map[model.DeviceKind]DriverFactory),
		logger:  logger,
	}
}

// Register registers a driver factory, replacing any earlier one for kind
func (r *Registry) Register(kind model.DeviceKind, factory DriverFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[kind] = factory
	r.logger.Info("Driver registered", zap.String("device_kind", string(kind)))
}

// CreateDriver creates a driver instance
func (r *Registry) CreateDriver(device *model.Device, transport *protocol.Transport, retrier *protocol.Retrier) (driver.DeviceDriver, error) {
	r.mu.RLock()
	factory, exists := r.drivers[device.Kind]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("no driver found for device kind %s", device.Kind)
	}
	return factory(device, transport, retrier, r.logger)
}

// ListDrivers returns all registered device kinds
func (r *Registry) ListDrivers() []model.DeviceKind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]model.DeviceKind, 0, len(r.drivers))
	for kind := range r.drivers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// IsSupported checks if a device kind has a driver
func (r *Registry) IsSupported(kind model.DeviceKind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.drivers[kind]
	return exists
}
