// internal/service/schedule_service.go
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
	"plateflo/internal/scheduler"
	"plateflo/internal/utils"
)

// ErrEventNotFound is returned when cancelling an unknown scheduled event
var ErrEventNotFound = scheduler.ErrEventNotFound

// ScheduleService runs device operations at planned times
type ScheduleService struct {
	scheduler        *scheduler.Scheduler
	operationService *OperationService
	config           *config.Config
	logger           *utils.ServiceLogger
	now              func() time.Time
}

// NewScheduleService creates a schedule service
func NewScheduleService(sched *scheduler.Scheduler, operationService *OperationService, config *config.Config, logger *zap.Logger) *ScheduleService {
	return &ScheduleService{
		scheduler:        sched,
		operationService: operationService,
		config:           config,
		logger:           utils.NewServiceLogger(logger, "schedule-service"),
		now:              time.Now,
	}
}

// ScheduleRequest plans an operation. Exactly one of At, Interval and Daily
// must be set. StartAt, Delay and StopAt apply to Interval only.
type ScheduleRequest struct {
	Name          string                 `json:"name"`
	DeviceID      uuid.UUID              `json:"device_id" binding:"required"`
	OperationType model.OperationType    `json:"operation_type" binding:"required"`
	OperationData map[string]interface{} `json:"operation_data,omitempty"`

	At       *time.Time `json:"at,omitempty"`
	Interval string     `json:"interval,omitempty"`
	StartAt  *time.Time `json:"start_at,omitempty"`
	Delay    string     `json:"delay,omitempty"`
	StopAt   *time.Time `json:"stop_at,omitempty"`
	// Daily is a wall-clock time, HH:MM or HH:MM:SS
	Daily string `json:"daily,omitempty"`
}

// ScheduledEvent describes a queued event
type ScheduledEvent struct {
	ID      int       `json:"id"`
	Due     time.Time `json:"due"`
	Summary string    `json:"summary"`
}

// Schedule validates req and queues its event
func (s *ScheduleService) Schedule(ctx context.Context, req *ScheduleRequest) (*ScheduledEvent, error) {
	if req.OperationType == "" {
		return nil, fmt.Errorf("%w: operation_type is required", ErrInvalidRequest)
	}
	if _, err := s.operationService.deviceService.GetDevice(ctx, req.DeviceID); err != nil {
		return nil, err
	}

	name := req.Name
	if name == "" {
		name = fmt.Sprintf("%s on %s", req.OperationType, req.DeviceID)
	}

	event, err := s.buildEvent(req, name, s.operationTask(req))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	id := s.scheduler.Add(event)
	s.logger.Info("Operation scheduled",
		zap.Int("event_id", id),
		zap.String("device_id", req.DeviceID.String()),
		zap.String("operation_type", string(req.OperationType)),
		zap.Time("due", event.Due()),
	)
	return &ScheduledEvent{ID: id, Due: event.Due(), Summary: event.Describe()}, nil
}

func (s *ScheduleService) buildEvent(req *ScheduleRequest, name string, task scheduler.Task) (scheduler.Event, error) {
	set := 0
	for _, given := range []bool{req.At != nil, req.Interval != "", req.Daily != ""} {
		if given {
			set++
		}
	}
	if set != 1 {
		return nil, errors.New("exactly one of at, interval and daily is required")
	}

	now := s.now()
	switch {
	case req.At != nil:
		return scheduler.NewSingleEvent(*req.At, name, task)

	case req.Daily != "":
		var h, m, sec int
		if _, err := fmt.Sscanf(req.Daily, "%d:%d:%d", &h, &m, &sec); err != nil {
			sec = 0
			if _, err := fmt.Sscanf(req.Daily, "%d:%d", &h, &m); err != nil {
				return nil, fmt.Errorf("invalid daily time %q", req.Daily)
			}
		}
		return scheduler.NewDailyEvent(h, m, sec, name, task, now)

	default:
		interval, err := time.ParseDuration(req.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval: %w", err)
		}
		var opts scheduler.RecurringOptions
		if req.StartAt != nil {
			opts.StartAt = *req.StartAt
		}
		if req.StopAt != nil {
			opts.StopAt = *req.StopAt
		}
		if req.Delay != "" {
			if opts.Delay, err = time.ParseDuration(req.Delay); err != nil {
				return nil, fmt.Errorf("invalid delay: %w", err)
			}
		}
		return scheduler.NewRecurringEvent(interval, name, task, opts, now)
	}
}

// operationTask executes the requested operation. A FAIL or ERROR outcome
// is reported as a task error so that it shows in the history.
func (s *ScheduleService) operationTask(req *ScheduleRequest) scheduler.Task {
	deviceID := req.DeviceID
	execReq := &ExecuteOperationRequest{
		OperationType: req.OperationType,
		OperationData: req.OperationData,
	}
	return func(ctx context.Context) error {
		_, result, err := s.operationService.ExecuteOperation(ctx, deviceID, execReq)
		if err != nil {
			return err
		}
		if !result.Success {
			return fmt.Errorf("%s: %s", result.Outcome, result.ErrorMessage)
		}
		return nil
	}
}

// ScheduleMaintenance queues the periodic pruning of old operations
func (s *ScheduleService) ScheduleMaintenance() (int, error) {
	retention := s.config.Device.OperationRetention
	if retention <= 0 {
		return 0, nil
	}
	interval := retention / 24
	if interval < time.Minute {
		interval = time.Minute
	}
	task := func(ctx context.Context) error {
		_, err := s.operationService.PruneOperations(ctx, retention)
		return err
	}
	event, err := scheduler.NewRecurringEvent(interval, "prune-operations", task,
		scheduler.RecurringOptions{Delay: interval}, s.now())
	if err != nil {
		return 0, err
	}
	return s.scheduler.Add(event), nil
}

// Cancel removes a queued event
func (s *ScheduleService) Cancel(id int) error {
	if err := s.scheduler.Remove(id); err != nil {
		return err
	}
	s.logger.Info("Scheduled event cancelled", zap.Int("event_id", id))
	return nil
}

// Pending lists queued events in firing order
func (s *ScheduleService) Pending() []ScheduledEvent {
	entries := s.scheduler.Pending()
	events := make([]ScheduledEvent, 0, len(entries))
	for _, e := range entries {
		events = append(events, ScheduledEvent{ID: e.ID, Due: e.At, Summary: e.Summary})
	}
	return events
}

// History lists fired events, oldest first
func (s *ScheduleService) History() []scheduler.Entry {
	return s.scheduler.History()
}

// Run fires due events until ctx is cancelled
func (s *ScheduleService) Run(ctx context.Context) {
	s.scheduler.Run(ctx, s.config.Scheduler.Tick)
}
