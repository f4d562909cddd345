// internal/repository/operation_repository.go
package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"

	"plateflo/internal/model"
)

// operationRepository keeps the operation log in memory
type operationRepository struct {
	operations *xsync.MapOf[uuid.UUID, *model.DeviceOperation]
	logger     *zap.Logger
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(logger *zap.Logger) OperationRepository {
	return &operationRepository{
		operations: xsync.NewMapOf[uuid.UUID, *model.DeviceOperation](),
		logger:     logger,
	}
}

// Create records a new operation
func (r *operationRepository) Create(ctx context.Context, operation *model.DeviceOperation) error {
	if _, loaded := r.operations.LoadOrStore(operation.ID, cloneOperation(operation)); loaded {
		return fmt.Errorf("%w: operation %s", ErrDuplicate, operation.ID)
	}
	r.logger.Debug("Operation created",
		zap.String("operation_id", operation.ID.String()),
		zap.String("operation_type", string(operation.OperationType)),
	)
	return nil
}

// GetByID retrieves an operation by ID
func (r *operationRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error) {
	op, ok := r.operations.Load(id)
	if !ok {
		return nil, fmt.Errorf("%w: operation %s", ErrNotFound, id)
	}
	return cloneOperation(op), nil
}

// Update replaces a stored operation
func (r *operationRepository) Update(ctx context.Context, operation *model.DeviceOperation) error {
	stored := cloneOperation(operation)
	updated := false
	r.operations.Compute(operation.ID, func(old *model.DeviceOperation, loaded bool) (*model.DeviceOperation, bool) {
		if !loaded {
			return nil, true
		}
		updated = true
		return stored, false
	})
	if !updated {
		return fmt.Errorf("%w: operation %s", ErrNotFound, operation.ID)
	}
	return nil
}

// List retrieves operations with filtering and pagination, newest first
func (r *operationRepository) List(ctx context.Context, filter *OperationFilter) ([]*model.DeviceOperation, int, error) {
	if filter == nil {
		filter = &OperationFilter{}
	}

	var operations []*model.DeviceOperation
	r.operations.Range(func(_ uuid.UUID, op *model.DeviceOperation) bool {
		if matchesOperation(op, filter) {
			operations = append(operations, cloneOperation(op))
		}
		return true
	})
	sort.SliceStable(operations, func(i, j int) bool {
		return operations[i].StartedAt.After(operations[j].StartedAt)
	})

	total := len(operations)
	start, end := paginate(total, filter.Page, filter.PerPage)
	return operations[start:end], total, nil
}

// ListByDevice retrieves the most recent operations of a device
func (r *operationRepository) ListByDevice(ctx context.Context, deviceID uuid.UUID, limit int) ([]*model.DeviceOperation, error) {
	operations, _, err := r.List(ctx, &OperationFilter{DeviceID: &deviceID, Page: 1, PerPage: limit})
	return operations, err
}

// GetOperationStats aggregates the operation log, optionally for one device
func (r *operationRepository) GetOperationStats(ctx context.Context, deviceID *uuid.UUID) (*OperationStats, error) {
	stats := &OperationStats{
		ByType:   make(map[model.OperationType]int),
		ByStatus: make(map[model.OperationStatus]int),
	}

	var totalDuration time.Duration
	completed := 0
	r.operations.Range(func(_ uuid.UUID, op *model.DeviceOperation) bool {
		if deviceID != nil && op.DeviceID != *deviceID {
			return true
		}
		stats.TotalOperations++
		stats.TotalAttempts += op.Attempts
		stats.ByType[op.OperationType]++
		stats.ByStatus[op.Status]++

		switch op.Status {
		case model.OperationStatusSuccess:
			stats.SuccessfulOps++
		case model.OperationStatusFailed, model.OperationStatusError:
			stats.FailedOps++
		case model.OperationStatusPending, model.OperationStatusProcessing:
			stats.PendingOps++
		}
		if op.DurationMs != nil {
			totalDuration += time.Duration(*op.DurationMs) * time.Millisecond
			completed++
		}
		return true
	})
	if completed > 0 {
		stats.AvgDuration = totalDuration / time.Duration(completed)
	}
	return stats, nil
}

// DeleteOldOperations drops completed operations started before olderThan
func (r *operationRepository) DeleteOldOperations(ctx context.Context, olderThan time.Time) (int64, error) {
	var deleted int64
	r.operations.Range(func(id uuid.UUID, op *model.DeviceOperation) bool {
		if op.IsCompleted() && op.StartedAt.Before(olderThan) {
			r.operations.Delete(id)
			deleted++
		}
		return true
	})
	if deleted > 0 {
		r.logger.Info("Old operations deleted", zap.Int64("count", deleted))
	}
	return deleted, nil
}

func matchesOperation(op *model.DeviceOperation, filter *OperationFilter) bool {
	if filter.DeviceID != nil && op.DeviceID != *filter.DeviceID {
		return false
	}
	if filter.OperationType != nil && op.OperationType != *filter.OperationType {
		return false
	}
	if filter.Status != nil && op.Status != *filter.Status {
		return false
	}
	if filter.StartDate != nil && op.StartedAt.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && op.StartedAt.After(*filter.EndDate) {
		return false
	}
	return true
}

func cloneOperation(op *model.DeviceOperation) *model.DeviceOperation {
	c := *op
	c.OperationData = cloneObject(op.OperationData)
	c.Result = cloneObject(op.Result)
	if op.CompletedAt != nil {
		t := *op.CompletedAt
		c.CompletedAt = &t
	}
	if op.DurationMs != nil {
		ms := *op.DurationMs
		c.DurationMs = &ms
	}
	if op.ErrorMessage != nil {
		msg := *op.ErrorMessage
		c.ErrorMessage = &msg
	}
	return &c
}

func cloneObject(obj model.JSONObject) model.JSONObject {
	if obj == nil {
		return nil
	}
	c := make(model.JSONObject, len(obj))
	for k, v := range obj {
		c[k] = v
	}
	return c
}
