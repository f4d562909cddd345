// internal/model/event.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

const (
	EventDeviceConnected    EventType = "DEVICE_CONNECTED"
	EventDeviceDisconnected EventType = "DEVICE_DISCONNECTED"
	EventDeviceError        EventType = "DEVICE_ERROR"
	EventOperationCompleted EventType = "OPERATION_COMPLETED"
	EventOperationFailed    EventType = "OPERATION_FAILED"
	EventHealthUpdate       EventType = "HEALTH_UPDATE"
	EventStatusChange       EventType = "STATUS_CHANGE"

	EventTransportState    EventType = "TRANSPORT_STATE"
	EventTransportExchange EventType = "TRANSPORT_EXCHANGE"
	EventTransportRetry    EventType = "TRANSPORT_RETRY"
	EventTransportLost     EventType = "TRANSPORT_LOST"
	EventTransportStall    EventType = "TRANSPORT_STALL"
	EventTransportDesync   EventType = "TRANSPORT_DESYNC"
)

// Event severities
const (
	SeverityInfo     = "INFO"
	SeverityWarning  = "WARNING"
	SeverityError    = "ERROR"
	SeverityCritical = "CRITICAL"
)

// DeviceEvent represents an event in the system
type DeviceEvent struct {
	ID        uuid.UUID  `json:"id"`
	EventType EventType  `json:"event_type"`
	DeviceID  uuid.UUID  `json:"device_id"`
	Port      string     `json:"port,omitempty"`
	Data      JSONObject `json:"data"`
	Timestamp time.Time  `json:"timestamp"`
	Source    string     `json:"source"`
	Severity  string     `json:"severity"`
}

// NewEvent creates an event stamped with a fresh ID and the current time
func NewEvent(eventType EventType, deviceID uuid.UUID, severity string, data JSONObject) *DeviceEvent {
	return &DeviceEvent{
		ID:        uuid.New(),
		EventType: eventType,
		DeviceID:  deviceID,
		Data:      data,
		Timestamp: time.Now(),
		Source:    "plateflo",
		Severity:  severity,
	}
}
