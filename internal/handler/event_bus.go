// internal/handler/event_bus.go
package handler

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plateflo/internal/model"
)

// EventBus fans device and transport events out to subscribers. Publish
// never blocks: events are dropped when the bus or a subscriber is full.
type EventBus struct {
	subscribers map[string]*Subscription
	events      chan *model.DeviceEvent
	mutex       sync.RWMutex
	logger      *zap.Logger
}

// EventFilter selects events. Zero fields match everything.
type EventFilter struct {
	DeviceID *uuid.UUID
	Port     string
	Types    map[model.EventType]bool
}

// ParseEventFilter builds a filter from query values: a device ID, a port
// and a comma-separated list of event types.
func ParseEventFilter(deviceID, port, types string) (EventFilter, error) {
	filter := EventFilter{Port: port}
	if deviceID != "" {
		id, err := uuid.Parse(deviceID)
		if err != nil {
			return filter, err
		}
		filter.DeviceID = &id
	}
	if types != "" {
		filter.Types = make(map[model.EventType]bool)
		for _, t := range strings.Split(types, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Types[model.EventType(strings.ToUpper(t))] = true
			}
		}
	}
	return filter, nil
}

// Matches reports whether event passes the filter
func (f EventFilter) Matches(event *model.DeviceEvent) bool {
	if f.DeviceID != nil && event.DeviceID != *f.DeviceID {
		return false
	}
	if f.Port != "" && event.Port != f.Port {
		return false
	}
	if len(f.Types) > 0 && !f.Types[event.EventType] {
		return false
	}
	return true
}

// Subscription receives the events matching its filter
type Subscription struct {
	ID     string
	Events chan *model.DeviceEvent
	filter EventFilter
}

// NewEventBus creates a new event bus
func NewEventBus(logger *zap.Logger) *EventBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventBus{
		subscribers: make(map[string]*Subscription),
		events:      make(chan *model.DeviceEvent, 1000),
		logger:      logger.With(zap.String("component", "event-bus")),
	}
}

// Start distributes events until ctx is done
func (eb *EventBus) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-eb.events:
			eb.distributeEvent(event)
		}
	}
}

// Publish publishes an event
func (eb *EventBus) Publish(event *model.DeviceEvent) {
	select {
	case eb.events <- event:
	default:
		eb.logger.Warn("Event bus full, dropping event",
			zap.String("event_type", string(event.EventType)),
		)
	}
}

// Subscribe registers a subscriber for events matching filter
func (eb *EventBus) Subscribe(filter EventFilter) *Subscription {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	sub := &Subscription{
		ID:     uuid.New().String(),
		Events: make(chan *model.DeviceEvent, 100),
		filter: filter,
	}
	eb.subscribers[sub.ID] = sub
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	eb.mutex.Lock()
	defer eb.mutex.Unlock()

	if _, ok := eb.subscribers[sub.ID]; ok {
		delete(eb.subscribers, sub.ID)
		close(sub.Events)
	}
}

// SubscriberCount returns the number of subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()
	return len(eb.subscribers)
}

// distributeEvent distributes an event to subscribers
func (eb *EventBus) distributeEvent(event *model.DeviceEvent) {
	eb.mutex.RLock()
	defer eb.mutex.RUnlock()

	for _, sub := range eb.subscribers {
		if !sub.filter.Matches(event) {
			continue
		}
		select {
		case sub.Events <- event:
		default:
			// Subscriber is slow, skip
		}
	}
}
