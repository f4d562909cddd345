// internal/handler/device_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/repository"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// DeviceHandler handles device-related HTTP requests
type DeviceHandler struct {
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewDeviceHandler creates a new device handler
func NewDeviceHandler(deviceService *service.DeviceService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "device-handler"),
	}
}

// deviceID parses the :device_id path parameter, answering 400 when it is
// not a UUID.
func deviceID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("device_id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid device ID", err)
		return uuid.Nil, false
	}
	return id, true
}

// RegisterDevice registers a device and connects it when requested
func (h *DeviceHandler) RegisterDevice(c *gin.Context) {
	var req service.RegisterDeviceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	device, err := h.deviceService.RegisterDevice(c.Request.Context(), &req)
	if err != nil {
		logFailure(c, h.logger, "Failed to register device", err)
		respondError(c, "Failed to register device", err)
		return
	}

	if req.Connect {
		connected, err := h.deviceService.ConnectDevice(c.Request.Context(), device.ID)
		if err != nil {
			h.logger.Warn("Registered device failed to connect", zap.String("device_id", device.ID.String()), zap.Error(err))
			respondError(c, "Device registered but failed to connect", err)
			return
		}
		device = connected
	}

	utils.SuccessResponse(c, http.StatusCreated, "Device registered successfully", device)
}

// ListDevices lists devices with filtering and pagination
func (h *DeviceHandler) ListDevices(c *gin.Context) {
	filter := &repository.DeviceFilter{
		Page:      1,
		PerPage:   20,
		SortBy:    "created_at",
		SortOrder: "desc",
	}

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

	if kind := c.Query("kind"); kind != "" {
		k := model.DeviceKind(kind)
		filter.Kind = &k
	}
	if status := c.Query("status"); status != "" {
		s := model.DeviceStatus(status)
		filter.Status = &s
	}
	if port := c.Query("port"); port != "" {
		filter.Port = &port
	}
	if search := c.Query("search"); search != "" {
		filter.SearchTerm = &search
	}
	if sortBy := c.Query("sort_by"); sortBy != "" {
		filter.SortBy = sortBy
	}
	if sortOrder := c.Query("sort_order"); sortOrder != "" {
		filter.SortOrder = sortOrder
	}

	devices, pagination, err := h.deviceService.ListDevices(c.Request.Context(), filter)
	if err != nil {
		logFailure(c, h.logger, "Failed to list devices", err)
		respondError(c, "Failed to list devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Devices retrieved successfully", gin.H{
		"devices":    devices,
		"pagination": pagination,
	})
}

// GetDevice retrieves device by ID
func (h *DeviceHandler) GetDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	device, err := h.deviceService.GetDevice(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Device not found", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device retrieved successfully", device)
}

// DeleteDevice removes a disconnected device
func (h *DeviceHandler) DeleteDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	if err := h.deviceService.DeleteDevice(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to delete device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device deleted successfully", nil)
}

// ConnectDevice opens the device's port and identifies it
func (h *DeviceHandler) ConnectDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	device, err := h.deviceService.ConnectDevice(c.Request.Context(), id)
	if err != nil {
		logFailure(c, h.logger, "Failed to connect device", err, zap.String("device_id", id.String()))
		respondError(c, "Failed to connect device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device connected successfully", device)
}

// DisconnectDevice disconnects a device
func (h *DeviceHandler) DisconnectDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	if err := h.deviceService.DisconnectDevice(c.Request.Context(), id); err != nil {
		respondError(c, "Failed to disconnect device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device disconnected successfully", nil)
}

// PingDevice checks that the device answers. A device that does not
// answer is reported in the body, not as an HTTP error.
func (h *DeviceHandler) PingDevice(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	result, err := h.deviceService.PingDevice(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to ping device", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Ping completed", result)
}

// GetDeviceStats returns driver, transport and operation statistics
func (h *DeviceHandler) GetDeviceStats(c *gin.Context) {
	id, ok := deviceID(c)
	if !ok {
		return
	}

	stats, err := h.deviceService.GetDeviceStats(c.Request.Context(), id)
	if err != nil {
		respondError(c, "Failed to get device stats", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Device stats retrieved successfully", stats)
}

// GetServiceStats summarizes all devices and lines
func (h *DeviceHandler) GetServiceStats(c *gin.Context) {
	stats, err := h.deviceService.GetServiceStats(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to get stats", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Stats retrieved successfully", stats)
}
