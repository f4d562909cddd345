// internal/handler/websocket_handler.go
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	writeWait    = 10 * time.Second
	commandWait  = 30 * time.Second
	sendCapacity = 256
)

// WebSocketHandler streams device and transport events to WebSocket clients
type WebSocketHandler struct {
	upgrader      websocket.Upgrader
	connections   *ConnectionManager
	eventBus      *EventBus
	deviceService *service.DeviceService
	logger        *utils.ServiceLogger
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(eventBus *EventBus, deviceService *service.DeviceService, allowedOrigins []string, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		connections:   NewConnectionManager(),
		eventBus:      eventBus,
		deviceService: deviceService,
		logger:        utils.NewServiceLogger(logger, "websocket-handler"),
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, a := range allowed {
			if a == "*" || a == origin {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes registers WebSocket routes
func (h *WebSocketHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/events", h.HandleEventConnection)
}

// HandleEventConnection streams events. The device_id, port and types
// query parameters narrow the stream.
func (h *WebSocketHandler) HandleEventConnection(c *gin.Context) {
	filter, err := ParseEventFilter(c.Query("device_id"), c.Query("port"), c.Query("types"))
	if err != nil {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid device_id", err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}

	client := &Client{
		ID:          uuid.New().String(),
		Connection:  conn,
		Send:        make(chan []byte, sendCapacity),
		Port:        filter.Port,
		UserAgent:   c.Request.UserAgent(),
		RemoteAddr:  c.Request.RemoteAddr,
		ConnectedAt: time.Now(),
	}
	if filter.DeviceID != nil {
		id := filter.DeviceID.String()
		client.DeviceID = &id
	}
	client.subscription = h.eventBus.Subscribe(filter)

	h.connections.Register(client)
	h.logger.Info("Event WebSocket client connected",
		zap.String("client_id", client.ID),
		zap.String("remote_addr", client.RemoteAddr),
	)

	if filter.DeviceID != nil {
		h.sendInitialDeviceStatus(client, *filter.DeviceID)
	}

	go h.handleClientWrite(client)
	go h.forwardEvents(client)
	go h.handleClientRead(client)
}

// handleClientRead reads client messages until the connection drops, then
// tears the client down.
func (h *WebSocketHandler) handleClientRead(client *Client) {
	defer func() {
		h.connections.Unregister(client)
		h.eventBus.Unsubscribe(client.subscription)
		client.Connection.Close()
		h.logger.Info("WebSocket client disconnected", zap.String("client_id", client.ID))
	}()

	client.Connection.SetReadDeadline(time.Now().Add(pongWait))
	client.Connection.SetPongHandler(func(string) error {
		client.Connection.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, messageBytes, err := client.Connection.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Error("WebSocket read error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
			}
			return
		}

		var message WebSocketMessage
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			h.sendError(client, "invalid message")
			continue
		}
		h.handleClientMessage(client, &message)
	}
}

// forwardEvents copies bus events to the client. Send is closed once the
// subscription ends, which stops the writer.
func (h *WebSocketHandler) forwardEvents(client *Client) {
	defer close(client.Send)

	for event := range client.subscription.Events {
		if !client.Wants(event.EventType) {
			continue
		}
		h.sendMessage(client, &WebSocketMessage{
			Type:      "device_event",
			Data:      event,
			Timestamp: event.Timestamp,
		})
	}
}

// handleClientWrite handles writing messages to WebSocket client
func (h *WebSocketHandler) handleClientWrite(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Connection.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Connection.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Connection.WriteMessage(websocket.TextMessage, message); err != nil {
				h.logger.Error("WebSocket write error",
					zap.Error(err),
					zap.String("client_id", client.ID),
				)
				return
			}

		case <-ticker.C:
			client.Connection.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Connection.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleClientMessage handles incoming client messages
func (h *WebSocketHandler) handleClientMessage(client *Client, message *WebSocketMessage) {
	switch message.Type {
	case "subscribe", "unsubscribe":
		h.handleSubscription(client, message)
	case "device_command":
		h.handleDeviceCommand(client, message)
	case "ping":
		h.sendMessage(client, &WebSocketMessage{
			Type:      "pong",
			Timestamp: time.Now(),
			RequestID: message.RequestID,
		})
	default:
		h.sendError(client, fmt.Sprintf("unknown message type: %s", message.Type))
	}
}

// handleSubscription narrows or widens the event types the client receives
func (h *WebSocketHandler) handleSubscription(client *Client, message *WebSocketMessage) {
	data, _ := message.Data.(map[string]interface{})
	topic, _ := data["topic"].(string)
	if topic == "" {
		h.sendError(client, "topic is required")
		return
	}

	eventType := model.EventType(topic)
	if message.Type == "subscribe" {
		client.Subscribe(eventType)
	} else {
		client.Unsubscribe(eventType)
	}

	h.sendMessage(client, &WebSocketMessage{
		Type: message.Type + "d",
		Data: map[string]interface{}{
			"topic":  topic,
			"topics": client.Topics(),
		},
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// handleDeviceCommand runs connect, disconnect, ping or stats on a device
func (h *WebSocketHandler) handleDeviceCommand(client *Client, message *WebSocketMessage) {
	data, ok := message.Data.(map[string]interface{})
	if !ok {
		h.sendError(client, "invalid command data")
		return
	}
	command, _ := data["command"].(string)
	if command == "" {
		h.sendError(client, "command is required")
		return
	}

	rawID, _ := data["device_id"].(string)
	if rawID == "" && client.DeviceID != nil {
		rawID = *client.DeviceID
	}
	deviceID, err := uuid.Parse(rawID)
	if err != nil {
		h.sendError(client, "device_id is required")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandWait)
	defer cancel()

	var result interface{}
	switch command {
	case "connect":
		result, err = h.deviceService.ConnectDevice(ctx, deviceID)
	case "disconnect":
		err = h.deviceService.DisconnectDevice(ctx, deviceID)
		result = map[string]interface{}{"disconnected": err == nil}
	case "ping":
		result, err = h.deviceService.PingDevice(ctx, deviceID)
	case "stats":
		result, err = h.deviceService.GetDeviceStats(ctx, deviceID)
	default:
		h.sendError(client, fmt.Sprintf("unknown command: %s", command))
		return
	}

	response := map[string]interface{}{
		"command": command,
		"success": err == nil,
		"result":  result,
	}
	if err != nil {
		response["error"] = err.Error()
	}
	h.sendMessage(client, &WebSocketMessage{
		Type:      "command_response",
		Data:      response,
		Timestamp: time.Now(),
		RequestID: message.RequestID,
	})
}

// sendInitialDeviceStatus sends the watched device's record to the client
func (h *WebSocketHandler) sendInitialDeviceStatus(client *Client, deviceID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()

	device, err := h.deviceService.GetDevice(ctx, deviceID)
	if err != nil {
		h.sendError(client, fmt.Sprintf("failed to get device: %v", err))
		return
	}
	h.sendMessage(client, &WebSocketMessage{
		Type:      "initial_status",
		Data:      map[string]interface{}{"device": device},
		Timestamp: time.Now(),
	})
}

// sendMessage sends a message to a client
func (h *WebSocketHandler) sendMessage(client *Client, message *WebSocketMessage) {
	messageBytes, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal WebSocket message", zap.Error(err))
		return
	}

	select {
	case client.Send <- messageBytes:
	default:
		h.logger.Warn("Client send channel full, dropping message",
			zap.String("client_id", client.ID),
		)
	}
}

// sendError sends an error message to a client
func (h *WebSocketHandler) sendError(client *Client, errorMsg string) {
	h.sendMessage(client, &WebSocketMessage{
		Type:      "error",
		Data:      map[string]interface{}{"error": errorMsg},
		Timestamp: time.Now(),
	})
}

// GetConnectionStats returns connection statistics
func (h *WebSocketHandler) GetConnectionStats() *ConnectionStats {
	return h.connections.GetStats()
}
