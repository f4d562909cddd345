// pkg/driver/types.go
package driver

import (
	"time"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
)

// Core data structures

// DeviceInfo contains basic device information
type DeviceInfo struct {
	Kind            model.DeviceKind   `json:"kind"`
	Model           string             `json:"model"`
	Identity        string             `json:"identity,omitempty"`
	Address         int                `json:"address,omitempty"`
	Port            string             `json:"port"`
	FirmwareVersion string             `json:"firmware_version,omitempty"`
	Capabilities    []model.Capability `json:"capabilities"`
	Manufacturer    string             `json:"manufacturer"`
}

// DeviceStatus represents current device status
type DeviceStatus struct {
	Status       model.DeviceStatus   `json:"status"`
	IsReady      bool                 `json:"is_ready"`
	HasError     bool                 `json:"has_error"`
	ErrorCode    string               `json:"error_code,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
	LastResponse time.Time            `json:"last_response"`
	WorkerState  protocol.WorkerState `json:"worker_state"`
}

// OperationResult represents the result of a device operation
type OperationResult struct {
	Success      bool                   `json:"success"`
	Outcome      protocol.Outcome       `json:"outcome"`
	Attempts     int                    `json:"attempts"`
	ErrorCode    string                 `json:"error_code,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Data         map[string]interface{} `json:"data,omitempty"`
	Duration     string                 `json:"duration"`
	Timestamp    time.Time              `json:"timestamp"`
}

// HealthMetrics contains device health information
type HealthMetrics struct {
	HealthScore     int           `json:"health_score"` // 0-100
	ResponseTime    time.Duration `json:"response_time"`
	SuccessRate     float64       `json:"success_rate"` // 0.0-1.0
	ErrorCount      int64         `json:"error_count"`
	TotalOperations int64         `json:"total_operations"`
	UptimePercent   float64       `json:"uptime_percent"`
	LastErrorTime   *time.Time    `json:"last_error_time,omitempty"`
	LastSuccessTime *time.Time    `json:"last_success_time,omitempty"`
}

// EventHandler handles device events
type EventHandler interface {
	OnDeviceConnected(deviceID string)
	OnDeviceDisconnected(deviceID string, reason string)
	OnDeviceError(deviceID string, err error)
	OnOperationCompleted(deviceID string, operationID string, result *OperationResult)
	OnStatusChanged(deviceID string, oldStatus, newStatus model.DeviceStatus)
}

// Pump-specific types

// PumpDirection is the rotor direction seen from the pump head
type PumpDirection string

const (
	DirectionClockwise        PumpDirection = "CW"
	DirectionCounterClockwise PumpDirection = "CCW"
)

// PumpMode selects what the set point means
type PumpMode string

const (
	ModeFlowRate PumpMode = "FLOW"
	ModeRPM      PumpMode = "RPM"
)

// RunState is what the pump reports about its rotor
type RunState int

const (
	RunStateOverload RunState = -2
	RunStateUnknown  RunState = -1
	RunStateStopped  RunState = 0
	RunStateRunning  RunState = 1
)

func (s RunState) String() string {
	switch s {
	case RunStateOverload:
		return "overload"
	case RunStateStopped:
		return "stopped"
	case RunStateRunning:
		return "running"
	default:
		return "unknown"
	}
}

func (s RunState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// PumpStatus is a snapshot of a pump
type PumpStatus struct {
	Timestamp time.Time     `json:"timestamp"`
	RunState  RunState      `json:"run_state"`
	Flow      *float64      `json:"flow,omitempty"`
	Direction PumpDirection `json:"direction,omitempty"`
}
