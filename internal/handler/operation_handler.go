// internal/handler/operation_handler.go
package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/repository"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// OperationHandler handles operation-related HTTP requests
type OperationHandler struct {
	operationService *service.OperationService
	logger           *utils.ServiceLogger
}

// NewOperationHandler creates a new operation handler
func NewOperationHandler(operationService *service.OperationService, logger *zap.Logger) *OperationHandler {
	return &OperationHandler{
		operationService: operationService,
		logger:           utils.NewServiceLogger(logger, "operation-handler"),
	}
}

// ExecuteDeviceOperation runs the operation in the request body
func (h *OperationHandler) ExecuteDeviceOperation(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	var req service.ExecuteOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}
	h.execute(c, id, &req)
}

// execute runs req and answers with the operation record and its result.
// FAIL and ERROR outcomes are answered with 200; the result says which.
func (h *OperationHandler) execute(c *gin.Context, id uuid.UUID, req *service.ExecuteOperationRequest) {
	operation, result, err := h.operationService.ExecuteOperation(c.Request.Context(), id, req)
	if err != nil {
		logFailure(c, h.logger, "Failed to execute operation", err,
			zap.String("device_id", id.String()),
			zap.String("operation_type", string(req.OperationType)),
		)
		respondError(c, "Failed to execute operation", err)
		return
	}

	message := "Operation executed successfully"
	if !result.Success {
		message = fmt.Sprintf("Operation finished with outcome %s", result.Outcome)
	}
	utils.SuccessResponse(c, http.StatusOK, message, gin.H{
		"operation": operation,
		"result":    result,
	})
}

// shortcut returns a handler running a fixed operation type. data builds
// the operation data from the request; it may answer and return false.
func (h *OperationHandler) shortcut(opType model.OperationType, data func(c *gin.Context) (map[string]interface{}, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := deviceID(c)
		if !ok {
			return
		}
		req := &service.ExecuteOperationRequest{OperationType: opType}
		if data != nil {
			if req.OperationData, ok = data(c); !ok {
				return
			}
		}
		h.execute(c, id, req)
	}
}

// channelData reads the :channel path parameter
func channelData(c *gin.Context) (map[string]interface{}, bool) {
	channel, err := strconv.Atoi(c.Param("channel"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid channel", err)
		return nil, false
	}
	return map[string]interface{}{"channel": channel}, true
}

// bodyData merges the JSON body into the operation data
func bodyData(with func(c *gin.Context) (map[string]interface{}, bool)) func(c *gin.Context) (map[string]interface{}, bool) {
	return func(c *gin.Context) (map[string]interface{}, bool) {
		data := map[string]interface{}{}
		if with != nil {
			base, ok := with(c)
			if !ok {
				return nil, false
			}
			data = base
		}
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			bindError(c, err)
			return nil, false
		}
		for k, v := range body {
			if _, set := data[k]; !set {
				data[k] = v
			}
		}
		return data, true
	}
}

// EnableChannel switches a FETbox channel on
func (h *OperationHandler) EnableChannel() gin.HandlerFunc {
	return h.shortcut(model.OperationTypeEnableChannel, channelData)
}

// DisableChannel switches a FETbox channel off
func (h *OperationHandler) DisableChannel() gin.HandlerFunc {
	return h.shortcut(model.OperationTypeDisableChannel, channelData)
}

// SetPWM sets a FETbox channel duty cycle from {"pwm": 0-255}
func (h *OperationHandler) SetPWM() gin.HandlerFunc {
	return h.shortcut(model.OperationTypeSetPWM, bodyData(channelData))
}

// StartPump starts a pump
func (h *OperationHandler) StartPump() gin.HandlerFunc {
	return h.shortcut(model.OperationTypePumpStart, nil)
}

// StopPump stops a pump
func (h *OperationHandler) StopPump() gin.HandlerFunc {
	return h.shortcut(model.OperationTypePumpStop, nil)
}

// SetFlow sets the pump flow rate from {"flow": mL/min}
func (h *OperationHandler) SetFlow() gin.HandlerFunc {
	return h.shortcut(model.OperationTypeSetFlow, bodyData(nil))
}

// ListDeviceOperations returns the most recent operations of a device
func (h *OperationHandler) ListDeviceOperations(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	limit := 50
	if l := c.Query("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}

	operations, err := h.operationService.GetDeviceOperations(c.Request.Context(), id, limit)
	if err != nil {
		respondError(c, "Failed to list device operations", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device operations retrieved successfully", gin.H{
		"operations": operations,
		"count":      len(operations),
	})
}

// ListOperations lists operations with filtering and pagination
func (h *OperationHandler) ListOperations(c *gin.Context) {
	filter := &repository.OperationFilter{Page: 1, PerPage: 20}

	if page := c.Query("page"); page != "" {
		if p, err := strconv.Atoi(page); err == nil && p > 0 {
			filter.Page = p
		}
	}
	if perPage := c.Query("per_page"); perPage != "" {
		if pp, err := strconv.Atoi(perPage); err == nil && pp > 0 && pp <= 100 {
			filter.PerPage = pp
		}
	}
	if raw := c.Query("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid device_id", err)
			return
		}
		filter.DeviceID = &id
	}
	if opType := c.Query("operation_type"); opType != "" {
		t := model.OperationType(opType)
		filter.OperationType = &t
	}
	if status := c.Query("status"); status != "" {
		s := model.OperationStatus(status)
		filter.Status = &s
	}
	if start := c.Query("start_date"); start != "" {
		t, err := time.Parse(time.RFC3339, start)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid start_date", err)
			return
		}
		filter.StartDate = &t
	}
	if end := c.Query("end_date"); end != "" {
		t, err := time.Parse(time.RFC3339, end)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid end_date", err)
			return
		}
		filter.EndDate = &t
	}

	operations, pagination, err := h.operationService.ListOperations(c.Request.Context(), filter)
	if err != nil {
		respondError(c, "Failed to list operations", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Operations retrieved successfully", gin.H{
		"operations": operations,
		"pagination": pagination,
	})
}

// GetOperation retrieves an operation by ID
func (h *OperationHandler) GetOperation(c *gin.Context) {
	id, err := uuid.Parse(c.Param("operation_id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid operation ID", err)
		return
	}

	operation, err := h.operationService.GetOperation(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Operation not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Operation retrieved successfully", operation)
}

// GetOperationStats returns operation statistics, optionally per device
func (h *OperationHandler) GetOperationStats(c *gin.Context) {
	var filterID *uuid.UUID
	if raw := c.Query("device_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			utils.ErrorResponse(c, http.StatusBadRequest, "Invalid device_id", err)
			return
		}
		filterID = &id
	}

	stats, err := h.operationService.GetOperationStats(c.Request.Context(), filterID)
	if err != nil {
		respondError(c, "Failed to get operation stats", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Operation stats retrieved successfully", stats)
}
