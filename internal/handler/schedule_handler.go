// internal/handler/schedule_handler.go
package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// ScheduleHandler handles timed operation requests
type ScheduleHandler struct {
	scheduleService *service.ScheduleService
	logger          *utils.ServiceLogger
}

// NewScheduleHandler creates a new schedule handler
func NewScheduleHandler(scheduleService *service.ScheduleService, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{
		scheduleService: scheduleService,
		logger:          utils.NewServiceLogger(logger, "schedule-handler"),
	}
}

// CreateSchedule queues a single, recurring or daily operation
func (h *ScheduleHandler) CreateSchedule(c *gin.Context) {
	var req service.ScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindError(c, err)
		return
	}

	event, err := h.scheduleService.Schedule(c.Request.Context(), &req)
	if err != nil {
		h.logger.Warn("Failed to schedule operation", zap.Error(err))
		respondError(c, "Failed to schedule operation", err)
		return
	}
	utils.SuccessResponse(c, http.StatusCreated, "Operation scheduled", event)
}

// ListSchedules lists queued events in firing order
func (h *ScheduleHandler) ListSchedules(c *gin.Context) {
	events := h.scheduleService.Pending()
	utils.SuccessResponse(c, http.StatusOK, "Scheduled events retrieved", gin.H{
		"events": events,
		"count":  len(events),
	})
}

// GetHistory lists fired events
func (h *ScheduleHandler) GetHistory(c *gin.Context) {
	history := h.scheduleService.History()
	utils.SuccessResponse(c, http.StatusOK, "Schedule history retrieved", gin.H{
		"entries": history,
		"count":   len(history),
	})
}

// CancelSchedule removes a queued event
func (h *ScheduleHandler) CancelSchedule(c *gin.Context) {
	id, err := strconv.Atoi(c.Param("event_id"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid event ID", err)
		return
	}

	if err := h.scheduleService.Cancel(id); err != nil {
		respondError(c, "Failed to cancel event", err)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Scheduled event cancelled", gin.H{"id": id})
}
