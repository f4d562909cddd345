// internal/service/events.go
package service

import (
	"time"

	"github.com/google/uuid"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/pkg/driver"
)

// EventPublisher receives device and transport events
type EventPublisher interface {
	Publish(event *model.DeviceEvent)
}

type nopPublisher struct{}

func (nopPublisher) Publish(*model.DeviceEvent) {}

// EventObserver turns transport events into DeviceEvents. Transport events
// carry the port but no device, since a port may serve several devices.
type EventObserver struct {
	publisher EventPublisher
	exchanges bool
}

// NewEventObserver creates an observer. Every exchange is published only
// when exchanges is set.
func NewEventObserver(publisher EventPublisher, exchanges bool) *EventObserver {
	return &EventObserver{publisher: publisher, exchanges: exchanges}
}

func (o *EventObserver) publish(eventType model.EventType, port, severity string, data model.JSONObject) {
	event := model.NewEvent(eventType, uuid.Nil, severity, data)
	event.Port = port
	o.publisher.Publish(event)
}

func (o *EventObserver) OnStateChange(port string, state protocol.ConnState, err error) {
	data := model.JSONObject{"state": string(state)}
	severity := model.SeverityInfo
	if err != nil {
		data["error"] = err.Error()
		severity = model.SeverityWarning
	}
	o.publish(model.EventTransportState, port, severity, data)
}

func (o *EventObserver) OnExchange(port string, req protocol.Request, resp *protocol.Response) {
	if !o.exchanges {
		return
	}
	o.publish(model.EventTransportExchange, port, model.SeverityInfo, model.JSONObject{
		"command":     string(req.Command),
		"payload":     string(resp.Payload),
		"status":      resp.Status.String(),
		"duration_ms": float64(resp.Duration) / float64(time.Millisecond),
	})
}

func (o *EventObserver) OnRetry(port string, req protocol.Request, attempt int, resp *protocol.Response) {
	o.publish(model.EventTransportRetry, port, model.SeverityWarning, model.JSONObject{
		"command": string(req.Command),
		"attempt": attempt,
		"status":  resp.Status.String(),
	})
}

func (o *EventObserver) OnConnectionLost(port string, err error) {
	o.publish(model.EventTransportLost, port, model.SeverityCritical, model.JSONObject{"error": err.Error()})
}

func (o *EventObserver) OnStall(port string, req protocol.Request, waited time.Duration) {
	o.publish(model.EventTransportStall, port, model.SeverityCritical, model.JSONObject{
		"command": string(req.Command),
		"waited":  waited.String(),
	})
}

func (o *EventObserver) OnDesync(port string, sent, echoed []byte) {
	o.publish(model.EventTransportDesync, port, model.SeverityError, model.JSONObject{
		"sent":   string(sent),
		"echoed": string(echoed),
	})
}

// deviceEvents forwards driver callbacks to the publisher
type deviceEvents struct {
	publisher EventPublisher
	port      string
}

func (h *deviceEvents) publish(eventType model.EventType, deviceID, severity string, data model.JSONObject) {
	id, _ := uuid.Parse(deviceID)
	event := model.NewEvent(eventType, id, severity, data)
	event.Port = h.port
	h.publisher.Publish(event)
}

func (h *deviceEvents) OnDeviceConnected(deviceID string) {
	h.publish(model.EventDeviceConnected, deviceID, model.SeverityInfo, model.JSONObject{"status": model.DeviceStatusOnline})
}

func (h *deviceEvents) OnDeviceDisconnected(deviceID string, reason string) {
	h.publish(model.EventDeviceDisconnected, deviceID, model.SeverityInfo, model.JSONObject{
		"status": model.DeviceStatusOffline,
		"reason": reason,
	})
}

func (h *deviceEvents) OnDeviceError(deviceID string, err error) {
	h.publish(model.EventDeviceError, deviceID, model.SeverityError, model.JSONObject{"error": err.Error()})
}

func (h *deviceEvents) OnOperationCompleted(deviceID string, operationID string, result *driver.OperationResult) {
	eventType := model.EventOperationCompleted
	severity := model.SeverityInfo
	if !result.Success {
		eventType = model.EventOperationFailed
		severity = model.SeverityWarning
	}
	h.publish(eventType, deviceID, severity, model.JSONObject{
		"operation_id": operationID,
		"outcome":      result.Outcome.String(),
		"attempts":     result.Attempts,
		"error_code":   result.ErrorCode,
	})
}

func (h *deviceEvents) OnStatusChanged(deviceID string, oldStatus, newStatus model.DeviceStatus) {
	h.publish(model.EventStatusChange, deviceID, model.SeverityInfo, model.JSONObject{
		"old_status": oldStatus,
		"new_status": newStatus,
	})
}
