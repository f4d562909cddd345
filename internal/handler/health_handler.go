// internal/handler/health_handler.go
package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"plateflo/internal/config"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	deviceService *service.DeviceService
	eventBus      *EventBus
	config        *config.Config
	startedAt     time.Time
	logger        *utils.ServiceLogger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(deviceService *service.DeviceService, eventBus *EventBus, config *config.Config, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{
		deviceService: deviceService,
		eventBus:      eventBus,
		config:        config,
		startedAt:     time.Now(),
		logger:        utils.NewServiceLogger(logger, "health-handler"),
	}
}

// RegisterRoutes registers health check routes
func (h *HealthHandler) RegisterRoutes(router gin.IRoutes) {
	router.GET("/health", h.HealthCheck)
	router.GET("/ready", h.ReadinessCheck)
	router.GET("/live", h.LivenessCheck)
}

// HealthCheck reports service health. Devices in the ERROR state degrade
// the service but do not make it unhealthy.
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	health := &HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Service:   h.config.App.Name,
		Version:   h.config.App.Version,
		Uptime:    time.Since(h.startedAt).Round(time.Second).String(),
		Checks:    make(map[string]CheckResult),
	}

	stats, err := h.deviceService.GetServiceStats(c.Request.Context())
	if err != nil {
		h.logger.Error("Health check failed", zap.Error(err))
		health.Status = "unhealthy"
		health.Checks["devices"] = CheckResult{Status: "unhealthy", Message: err.Error()}
	} else {
		check := CheckResult{
			Status: "healthy",
			Data: map[string]interface{}{
				"registered": stats.Devices.TotalDevices,
				"online":     stats.Devices.OnlineDevices,
				"error":      stats.Devices.ErrorDevices,
				"connected":  stats.ConnectedDevices,
			},
		}
		if stats.Devices.ErrorDevices > 0 {
			check.Status = "degraded"
			health.Status = "degraded"
		}
		health.Checks["devices"] = check

		lines := CheckResult{Status: "healthy", Data: map[string]interface{}{}}
		for port, ls := range stats.Lines {
			lines.Data[port] = ls.IsConnected
			if !ls.IsConnected {
				lines.Status = "degraded"
				health.Status = "degraded"
			}
		}
		health.Checks["lines"] = lines
	}

	health.Checks["events"] = CheckResult{
		Status: "healthy",
		Data:   map[string]interface{}{"subscribers": h.eventBus.SubscriberCount()},
	}

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	c.JSON(statusCode, health)
}

// ReadinessCheck reports whether the service is accepting requests
func (h *HealthHandler) ReadinessCheck(c *gin.Context) {
	if _, err := h.deviceService.GetServiceStats(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "not ready",
			"reason": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ready",
		"timestamp": time.Now(),
		"connected": h.deviceService.ConnectedCount(),
	})
}

// LivenessCheck answers as long as the process can serve HTTP
func (h *HealthHandler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now(),
	})
}

// HealthResponse represents health check response
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Uptime    string                 `json:"uptime"`
	Checks    map[string]CheckResult `json:"checks"`
}

// CheckResult represents individual check result
type CheckResult struct {
	Status  string                 `json:"status"`
	Message string                 `json:"message,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}
