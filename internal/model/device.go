// internal/model/device.go
package model

import (
	"time"

	"github.com/google/uuid"
)

// DeviceKind identifies the hardware family behind a serial port
type DeviceKind string

const (
	DeviceKindFETbox       DeviceKind = "FETBOX"
	DeviceKindRegloDigital DeviceKind = "REGLO_DIGITAL"
	DeviceKindRegloICC     DeviceKind = "REGLO_ICC"
)

// DeviceStatus represents the current status of a device
type DeviceStatus string

const (
	DeviceStatusOnline     DeviceStatus = "ONLINE"
	DeviceStatusOffline    DeviceStatus = "OFFLINE"
	DeviceStatusError      DeviceStatus = "ERROR"
	DeviceStatusConnecting DeviceStatus = "CONNECTING"
)

// Capability represents what a device can do
type Capability string

const (
	CapabilitySwitch    Capability = "SWITCH"
	CapabilityPWM       Capability = "PWM"
	CapabilityDigitalIO Capability = "DIGITAL_IO"
	CapabilityAnalogIO  Capability = "ANALOG_IO"
	CapabilityPump      Capability = "PUMP"
	CapabilityFlowRate  Capability = "FLOW_RATE"
	CapabilityDisplay   Capability = "DISPLAY"
	CapabilityStatus    Capability = "STATUS"
)

// JSONObject holds loosely typed settings and results
type JSONObject map[string]interface{}

// Device represents a physical device in the system
type Device struct {
	ID               uuid.UUID    `json:"id"`
	Name             string       `json:"name"`
	Kind             DeviceKind   `json:"kind"`
	Port             string       `json:"port"`
	Address          int          `json:"address,omitempty"`
	Identity         string       `json:"identity,omitempty"`
	ConnectionConfig JSONObject   `json:"connection_config,omitempty"`
	Capabilities     []Capability `json:"capabilities"`
	Status           DeviceStatus `json:"status"`
	LastPing         *time.Time   `json:"last_ping,omitempty"`
	ErrorInfo        *ErrorInfo   `json:"error_info,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewDevice creates an offline device record with a fresh ID
func NewDevice(kind DeviceKind, port string) *Device {
	now := time.Now()
	return &Device{
		ID:        uuid.New(),
		Kind:      kind,
		Port:      port,
		Status:    DeviceStatusOffline,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// HasCapability checks if device has a specific capability
func (d *Device) HasCapability(capability Capability) bool {
	for _, c := range d.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// IsOnline checks if device is currently online
func (d *Device) IsOnline() bool {
	return d.Status == DeviceStatusOnline
}

// ErrorInfo structure
type ErrorInfo struct {
	LastError     string    `json:"last_error"`
	ErrorTime     time.Time `json:"error_time"`
	ErrorCount    int       `json:"error_count"`
	CriticalError bool      `json:"critical_error"`
}

// RecordError updates the device error info
func (d *Device) RecordError(err error, critical bool) {
	if d.ErrorInfo == nil {
		d.ErrorInfo = &ErrorInfo{}
	}
	d.ErrorInfo.LastError = err.Error()
	d.ErrorInfo.ErrorTime = time.Now()
	d.ErrorInfo.ErrorCount++
	d.ErrorInfo.CriticalError = critical
}
