// internal/repository/interfaces.go
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"plateflo/internal/model"
)

var (
	// ErrNotFound is returned when no record matches
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate is returned when a device is already registered at the
	// same port and address
	ErrDuplicate = errors.New("record already exists")
)

// DeviceRepository defines device data access operations
type DeviceRepository interface {
	// CRUD operations
	Create(ctx context.Context, device *model.Device) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Device, error)
	GetByPortAddress(ctx context.Context, port string, address int) (*model.Device, error)
	Update(ctx context.Context, device *model.Device) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status model.DeviceStatus) error
	Delete(ctx context.Context, id uuid.UUID) error

	// Listing and filtering
	List(ctx context.Context, filter *DeviceFilter) ([]*model.Device, int, error)
	ListByPort(ctx context.Context, port string) ([]*model.Device, error)

	// Health and monitoring
	UpdateLastPing(ctx context.Context, id uuid.UUID, pingTime time.Time) error
	GetDeviceStats(ctx context.Context) (*DeviceStats, error)
}

// OperationRepository defines operation data access operations
type OperationRepository interface {
	Create(ctx context.Context, operation *model.DeviceOperation) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error)
	Update(ctx context.Context, operation *model.DeviceOperation) error

	List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error)
	ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*model.DeviceOperation, error)

	GetOperationStats(ctx context.Context, deviceID *uuid.UUID) (*OperationStats, error)

	// Cleanup
	DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error)
}

// Filter structures

// DeviceFilter represents device listing filters
type DeviceFilter struct {
	Kind       *model.DeviceKind   `json:"kind,omitempty"`
	Status     *model.DeviceStatus `json:"status,omitempty"`
	Port       *string             `json:"port,omitempty"`
	SearchTerm *string             `json:"search_term,omitempty"`
	Page       int                 `json:"page"`
	PerPage    int                 `json:"per_page"`
	SortBy     string              `json:"sort_by"`
	SortOrder  string              `json:"sort_order"`
}

// OperationFilter represents operation listing filters
type OperationFilter struct {
	DeviceID      *uuid.UUID             `json:"device_id,omitempty"`
	OperationType *model.OperationType   `json:"operation_type,omitempty"`
	Status        *model.OperationStatus `json:"status,omitempty"`
	StartDate     *time.Time             `json:"start_date,omitempty"`
	EndDate       *time.Time             `json:"end_date,omitempty"`
	Page          int                    `json:"page"`
	PerPage       int                    `json:"per_page"`
}

// Statistics structures

// DeviceStats represents device statistics
type DeviceStats struct {
	TotalDevices   int                        `json:"total_devices"`
	OnlineDevices  int                        `json:"online_devices"`
	OfflineDevices int                        `json:"offline_devices"`
	ErrorDevices   int                        `json:"error_devices"`
	ByKind         map[model.DeviceKind]int   `json:"by_kind"`
	ByStatus       map[model.DeviceStatus]int `json:"by_status"`
	Ports          int                        `json:"ports"`
}

// OperationStats represents operation statistics
type OperationStats struct {
	TotalOperations int                           `json:"total_operations"`
	SuccessfulOps   int                           `json:"successful_operations"`
	FailedOps       int                           `json:"failed_operations"`
	PendingOps      int                           `json:"pending_operations"`
	TotalAttempts   int                           `json:"total_attempts"`
	AvgDuration     time.Duration                 `json:"average_duration"`
	ByType          map[model.OperationType]int   `json:"by_type"`
	ByStatus        map[model.OperationStatus]int `json:"by_status"`
}

// paginate applies page/per_page to n items and returns the slice bounds
func paginate(n, page, perPage int) (int, int) {
	if perPage <= 0 {
		return 0, n
	}
	if page < 1 {
		page = 1
	}
	start := (page - 1) * perPage
	if start > n {
		start = n
	}
	end := start + perPage
	if end > n {
		end = n
	}
	return start, end
}
