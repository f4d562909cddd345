// internal/handler/websocket_types.go
package handler

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"plateflo/internal/model"
)

// Client represents a WebSocket client
type Client struct {
	ID          string          `json:"id"`
	Connection  *websocket.Conn `json:"-"`
	Send        chan []byte     `json:"-"`
	DeviceID    *string         `json:"device_id,omitempty"`
	Port        string          `json:"port,omitempty"`
	UserAgent   string          `json:"user_agent"`
	RemoteAddr  string          `json:"remote_addr"`
	ConnectedAt time.Time       `json:"connected_at"`

	subscription *Subscription
	mutex        sync.RWMutex
	// topics narrows the stream to these event types when non-empty
	topics map[model.EventType]bool
}

// Subscribe adds an event type to the client's topics
func (c *Client) Subscribe(topic model.EventType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.topics == nil {
		c.topics = make(map[model.EventType]bool)
	}
	c.topics[topic] = true
}

// Unsubscribe removes an event type from the client's topics
func (c *Client) Unsubscribe(topic model.EventType) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.topics, topic)
}

// Wants reports whether the client's topics include eventType
func (c *Client) Wants(eventType model.EventType) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.topics) == 0 || c.topics[eventType]
}

// Topics returns the subscribed event types
func (c *Client) Topics() []model.EventType {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	topics := make([]model.EventType, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	return topics
}

// WebSocketMessage represents a WebSocket message
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// ConnectionManager manages WebSocket connections
type ConnectionManager struct {
	clients map[string]*Client
	mutex   sync.RWMutex
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		clients: make(map[string]*Client),
	}
}

// Register registers a new client
func (cm *ConnectionManager) Register(client *Client) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.clients[client.ID] = client
}

// Unregister unregisters a client. It reports whether the client was
// registered.
func (cm *ConnectionManager) Unregister(client *Client) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	if _, ok := cm.clients[client.ID]; !ok {
		return false
	}
	delete(cm.clients, client.ID)
	return true
}

// GetDeviceClients returns clients watching a specific device
func (cm *ConnectionManager) GetDeviceClients(deviceID string) []*Client {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var clients []*Client
	for _, client := range cm.clients {
		if client.DeviceID != nil && *client.DeviceID == deviceID {
			clients = append(clients, client)
		}
	}
	return clients
}

// GetStats returns connection statistics
func (cm *ConnectionManager) GetStats() *ConnectionStats {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	stats := &ConnectionStats{
		TotalConnections: len(cm.clients),
		ByDevice:         make(map[string]int),
		Clients:          make([]*Client, 0, len(cm.clients)),
	}

	for _, client := range cm.clients {
		if client.DeviceID != nil {
			stats.ByDevice[*client.DeviceID]++
		}
		stats.Clients = append(stats.Clients, client)
	}

	return stats
}

// ConnectionStats represents connection statistics
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ByDevice         map[string]int `json:"by_device"`
	Clients          []*Client      `json:"clients"`
}
