// internal/service/operation_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plateflo/internal/config"
	"plateflo/internal/model"
	"plateflo/internal/repository"
	"plateflo/internal/utils"
	"plateflo/pkg/driver"
)

// ErrOperationNotFound is returned for an unknown operation ID
var ErrOperationNotFound = errors.New("operation not found")

// OperationService handles device operations
type OperationService struct {
	operationRepo repository.OperationRepository
	deviceService *DeviceService
	config        *config.Config
	logger        *utils.ServiceLogger
}

// NewOperationService creates a new operation service
func NewOperationService(
	operationRepo repository.OperationRepository,
	deviceService *DeviceService,
	config *config.Config,
	logger *zap.Logger,
) *OperationService {
	return &OperationService{
		operationRepo: operationRepo,
		deviceService: deviceService,
		config:        config,
		logger:        utils.NewServiceLogger(logger, "operation-service"),
	}
}

// ExecuteOperationRequest represents an operation execution request
type ExecuteOperationRequest struct {
	OperationType model.OperationType    `json:"operation_type" binding:"required"`
	OperationData map[string]interface{} `json:"operation_data,omitempty"`
	CorrelationID *uuid.UUID             `json:"correlation_id,omitempty"`
}

// ExecuteOperation runs one operation on a connected device and records it.
//
// A rejected or unanswered command is not an error: the returned result
// carries the FAIL or ERROR outcome. Errors are returned for invalid
// requests, unknown or disconnected devices and transport failures; in
// the last case the result is returned as well.
func (s *OperationService) ExecuteOperation(ctx context.Context, deviceID uuid.UUID, req *ExecuteOperationRequest) (*model.DeviceOperation, *driver.OperationResult, error) {
	if req == nil || req.OperationType == "" {
		return nil, nil, fmt.Errorf("%w: operation_type is required", ErrInvalidRequest)
	}
	if _, err := s.deviceService.GetDevice(ctx, deviceID); err != nil {
		return nil, nil, err
	}

	operation := model.NewOperation(deviceID, req.OperationType, model.JSONObject(req.OperationData))
	operation.CorrelationID = req.CorrelationID
	if err := s.operationRepo.Create(ctx, operation); err != nil {
		return nil, nil, fmt.Errorf("failed to create operation: %w", err)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.config.Device.OperationTimeout)
	defer cancel()

	var result *driver.OperationResult
	err := s.deviceService.WithDriver(opCtx, deviceID, func(d driver.DeviceDriver) error {
		var execErr error
		result, execErr = d.ExecuteOperation(opCtx, operation)
		return execErr
	})

	if result == nil {
		status := model.OperationStatusError
		if errors.Is(err, ErrDeviceNotConnected) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = model.OperationStatusCancelled
		} else if err != nil {
			err = fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		operation.Complete(status, err)
		s.update(operation)
		return operation, nil, err
	}

	s.update(operation)
	if err != nil {
		s.deviceService.ReportFailure(ctx, deviceID, err)
	}

	s.logger.Info("Operation executed",
		zap.String("operation_id", operation.ID.String()),
		zap.String("device_id", deviceID.String()),
		zap.String("operation_type", string(operation.OperationType)),
		zap.Stringer("outcome", result.Outcome),
		zap.Int("attempts", result.Attempts),
	)
	return operation, result, err
}

// update stores the final state of operation, detached from the request
func (s *OperationService) update(operation *model.DeviceOperation) {
	if err := s.operationRepo.Update(context.Background(), operation); err != nil {
		s.logger.Error("Failed to update operation", zap.String("operation_id", operation.ID.String()), zap.Error(err))
	}
}

// GetOperation retrieves an operation
func (s *OperationService) GetOperation(ctx context.Context, id uuid.UUID) (*model.DeviceOperation, error) {
	operation, err := s.operationRepo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOperationNotFound, id)
		}
		return nil, err
	}
	return operation, nil
}

// ListOperations retrieves operations with filtering
func (s *OperationService) ListOperations(ctx context.Context, filter *repository.OperationFilter) ([]*model.DeviceOperation, *PaginationResult, error) {
	if filter == nil {
		filter = &repository.OperationFilter{}
	}
	operations, total, err := s.operationRepo.List(ctx, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list operations: %w", err)
	}

	pagination := &PaginationResult{Total: total, Page: filter.Page, PerPage: filter.PerPage}
	if filter.PerPage > 0 {
		pagination.TotalPages = (total + filter.PerPage - 1) / filter.PerPage
	}
	return operations, pagination, nil
}

// GetDeviceOperations returns the most recent operations of a device
func (s *OperationService) GetDeviceOperations(ctx context.Context, deviceID uuid.UUID, limit int) ([]*model.DeviceOperation, error) {
	if _, err := s.deviceService.GetDevice(ctx, deviceID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	return s.operationRepo.ListByDevice(ctx, deviceID, limit)
}

// GetOperationStats returns operation statistics, for one device when
// deviceID is set.
func (s *OperationService) GetOperationStats(ctx context.Context, deviceID *uuid.UUID) (*repository.OperationStats, error) {
	return s.operationRepo.GetOperationStats(ctx, deviceID)
}

// PruneOperations deletes completed operations older than retention
func (s *OperationService) PruneOperations(ctx context.Context, retention time.Duration) (int64, error) {
	deleted, err := s.operationRepo.DeleteOldOperations(ctx, time.Now().Add(-retention))
	if err != nil {
		return 0, fmt.Errorf("failed to prune operations: %w", err)
	}
	if deleted > 0 {
		s.logger.Info("Pruned old operations", zap.Int64("deleted", deleted), zap.Duration("retention", retention))
	}
	return deleted, nil
}
