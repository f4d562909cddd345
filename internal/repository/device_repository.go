// internal/repository/device_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"plateflo/internal/model"
)

// deviceRepository keeps devices in memory. Callers always receive copies.
type deviceRepository struct {
	devices *xsync.MapOf[uuid.UUID, *model.Device]
	// create serializes the port/address uniqueness check
	create sync.Mutex
	logger *zap.Logger
}

// NewDeviceRepository creates a new device repository
func NewDeviceRepository(logger *zap.Logger) DeviceRepository {
	return &deviceRepository{
		devices: xsync.NewMapOf[uuid.UUID, *model.Device](),
		logger:  logger,
	}
}

// Create creates a new device
func (r *deviceRepository) Create(ctx context.Context, device *model.Device) error {
	r.create.Lock()
	defer r.create.Unlock()

	if existing, err := r.GetByPortAddress(ctx, device.Port, device.Address); err == nil {
		return fmt.Errorf("%w: %s at %s address %d", ErrDuplicate, existing.ID, device.Port, device.Address)
	}
	if _, loaded := r.devices.LoadOrStore(device.ID, cloneDevice(device)); loaded {
		return fmt.Errorf("%w: %s", ErrDuplicate, device.ID)
	}

	r.logger.Info("Device created successfully",
		zap.String("device_id", device.ID.String()),
		zap.String("port", device.Port),
		zap.Int("address", device.Address),
	)
	return nil
}

// GetByID retrieves a device by its UUID
func (r *deviceRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error) {
	device, ok := r.devices.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return cloneDevice(device), nil
}

// GetByPortAddress retrieves the device at a port and bus address
func (r *deviceRepository) GetByPortAddress(ctx context.Context, port string, address int) (*model.Device, error) {
	var found *model.Device
	r.devices.Range(func(_ uuid.UUID, device *model.Device) bool {
		if device.Port == port && device.Address == address {
			found = cloneDevice(device)
			return false
		}
		return true
	})
	if found == nil {
		return nil, fmt.Errorf("%w: no device at %s address %d", ErrNotFound, port, address)
	}
	return found, nil
}

// Update replaces a stored device
func (r *deviceRepository) Update(ctx context.Context, device *model.Device) error {
	stored := cloneDevice(device)
	stored.UpdatedAt = time.Now()

	updated := false
	r.devices.Compute(device.ID, func(old *model.Device, loaded bool) (*model.Device, bool) {
		if !loaded {
			return nil, true
		}
		updated = true
		return stored, false
	})
	if !updated {
		return fmt.Errorf("%w: device %s", ErrNotFound, device.ID)
	}
	device.UpdatedAt = stored.UpdatedAt
	return nil
}

// UpdateStatus updates device status
func (r *deviceRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus) error {
	return r.modify(id, func(device *model.Device) {
		device.Status = status
	})
}

// UpdateLastPing records a successful ping
func (r *deviceRepository) UpdateLastPing(ctx context.Context, id uuid.UUID, pingTime time.Time) error {
	return r.modify(id, func(device *model.Device) {
		device.LastPing = &pingTime
	})
}

func (r *deviceRepository) modify(id uuid.UUID, change func(*model.Device)) error {
	updated := false
	r.devices.Compute(id, func(old *model.Device, loaded bool) (*model.Device, bool) {
		if !loaded {
			return nil, true
		}
		device := cloneDevice(old)
		change(device)
		device.UpdatedAt = time.Now()
		updated = true
		return device, false
	})
	if !updated {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a device
func (r *deviceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if _, ok := r.devices.LoadAndDelete(id); !ok {
		return fmt.Errorf("%w: device %s", ErrNotFound, id)
	}
	r.logger.Info("Device deleted successfully", zap.String("device_id", id.String()))
	return nil
}

// List retrieves devices with filtering and pagination
func (r *deviceRepository) List(ctx context.Context, filter *DeviceFilter) ([]*model.Device, int, error) {
	if filter == nil {
		filter = &DeviceFilter{}
	}

	var devices []*model.Device
	r.devices.Range(func(_ uuid.UUID, device *model.Device) bool {
		if matchesDevice(device, filter) {
			devices = append(devices, cloneDevice(device))
		}
		return true
	})

	sortDevices(devices, filter.SortBy, filter.SortOrder)
	total := len(devices)
	start, end := paginate(total, filter.Page, filter.PerPage)
	return devices[start:end], total, nil
}

// ListByPort lists the devices sharing a port, ordered by address
func (r *deviceRepository) ListByPort(ctx context.Context, port string) ([]*model.Device, error) {
	devices, _, err := r.List(ctx, &DeviceFilter{Port: &port, SortBy: "address"})
	return devices, err
}

// GetDeviceStats retrieves device statistics
func (r *deviceRepository) GetDeviceStats(ctx context.Context) (*DeviceStats, error) {
	stats := &DeviceStats{
		ByKind:   make(map[model.DeviceKind]int),
		ByStatus: make(map[model.DeviceStatus]int),
	}
	ports := make(map[string]struct{})

	r.devices.Range(func(_ uuid.UUID, device *model.Device) bool {
		stats.TotalDevices++
		stats.ByKind[device.Kind]++
		stats.ByStatus[device.Status]++
		ports[device.Port] = struct{}{}

		switch device.Status {
		case model.DeviceStatusOnline:
			stats.OnlineDevices++
		case model.DeviceStatusError:
			stats.ErrorDevices++
		default:
			stats.OfflineDevices++
		}
		return true
	})
	stats.Ports = len(ports)
	return stats, nil
}

func matchesDevice(device *model.Device, filter *DeviceFilter) bool {
	if filter.Kind != nil && device.Kind != *filter.Kind {
		return false
	}
	if filter.Status != nil && device.Status != *filter.Status {
		return false
	}
	if filter.Port != nil && device.Port != *filter.Port {
		return false
	}
	if filter.SearchTerm != nil && *filter.SearchTerm != "" {
		term := strings.ToLower(*filter.SearchTerm)
		if !strings.Contains(strings.ToLower(device.Name), term) &&
			!strings.Contains(strings.ToLower(device.Port), term) &&
			!strings.Contains(strings.ToLower(device.Identity), term) {
			return false
		}
	}
	return true
}

func sortDevices(devices []*model.Device, sortBy, sortOrder string) {
	less := func(a, b *model.Device) bool {
		switch sortBy {
		case "name":
			return a.Name < b.Name
		case "port", "address":
			if a.Port != b.Port {
				return a.Port < b.Port
			}
			return a.Address < b.Address
		case "status":
			return a.Status < b.Status
		default:
			return a.CreatedAt.Before(b.CreatedAt)
		}
	}
	desc := strings.EqualFold(sortOrder, "desc")
	sort.SliceStable(devices, func(i, j int) bool {
		if desc {
			return less(devices[j], devices[i])
		}
		return less(devices[i], devices[j])
	})
}

func cloneDevice(d *model.Device) *model.Device {
	c := *d
	if d.Capabilities != nil {
		c.Capabilities = append([]model.Capability(nil), d.Capabilities...)
	}
	if d.ConnectionConfig != nil {
		c.ConnectionConfig = make(model.JSONObject, len(d.ConnectionConfig))
		for k, v := range d.ConnectionConfig {
			c.ConnectionConfig[k] = v
		}
	}
	if d.LastPing != nil {
		t := *d.LastPing
		c.LastPing = &t
	}
	if d.ErrorInfo != nil {
		info := *d.ErrorInfo
		c.ErrorInfo = &info
	}
	return &c
}
