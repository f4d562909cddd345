// internal/model/operation.go
package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OperationType represents the type of operation
type OperationType string

const (
	OperationTypeIdentify       OperationType = "IDENTIFY"
	OperationTypeHeartbeat      OperationType = "HEARTBEAT"
	OperationTypeEnableChannel  OperationType = "ENABLE_CHANNEL"
	OperationTypeDisableChannel OperationType = "DISABLE_CHANNEL"
	OperationTypeSetPWM         OperationType = "SET_PWM"
	OperationTypeHitHold        OperationType = "HIT_HOLD"
	OperationTypeDigitalRead    OperationType = "DIGITAL_READ"
	OperationTypeDigitalWrite   OperationType = "DIGITAL_WRITE"
	OperationTypeAnalogRead     OperationType = "ANALOG_READ"
	OperationTypeAnalogWrite    OperationType = "ANALOG_WRITE"

	OperationTypePumpStart      OperationType = "PUMP_START"
	OperationTypePumpStop       OperationType = "PUMP_STOP"
	OperationTypeSetDirection   OperationType = "SET_DIRECTION"
	OperationTypeSetMode        OperationType = "SET_MODE"
	OperationTypeSetFlow        OperationType = "SET_FLOW"
	OperationTypeGetFlow        OperationType = "GET_FLOW"
	OperationTypeSetCalFlow     OperationType = "SET_CAL_FLOW"
	OperationTypeSetTubing      OperationType = "SET_TUBING"
	OperationTypeDisplayText    OperationType = "DISPLAY_TEXT"
	OperationTypeRestoreDisplay OperationType = "RESTORE_DISPLAY"
	OperationTypeGetStatus      OperationType = "GET_STATUS"
	OperationTypeSetAddress     OperationType = "SET_ADDRESS"
	OperationTypeGetCalFlow     OperationType = "GET_CAL_FLOW"

	// multi-channel pumps
	OperationTypeGetDirection   OperationType = "GET_DIRECTION"
	OperationTypeGetMaxFlow     OperationType = "GET_MAX_FLOW"
	OperationTypeSetChannelMode OperationType = "SET_CHANNEL_MODE"
)

// OperationStatus represents the status of an operation
type OperationStatus string

const (
	OperationStatusPending    OperationStatus = "PENDING"
	OperationStatusProcessing OperationStatus = "PROCESSING"
	OperationStatusSuccess    OperationStatus = "SUCCESS"
	OperationStatusFailed     OperationStatus = "FAILED"
	OperationStatusError      OperationStatus = "ERROR"
	OperationStatusCancelled  OperationStatus = "CANCELLED"
)

// DeviceOperation represents an operation performed on a device
type DeviceOperation struct {
	ID            uuid.UUID       `json:"id"`
	DeviceID      uuid.UUID       `json:"device_id"`
	OperationType OperationType   `json:"operation_type"`
	OperationData JSONObject      `json:"operation_data,omitempty"`
	Status        OperationStatus `json:"status"`
	StartedAt     time.Time       `json:"started_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
	DurationMs    *int            `json:"duration_ms,omitempty"`
	ErrorMessage  *string         `json:"error_message,omitempty"`
	Attempts      int             `json:"attempts"`
	CorrelationID *uuid.UUID      `json:"correlation_id,omitempty"`
	Result        JSONObject      `json:"result,omitempty"`
}

// NewOperation creates a pending operation for deviceID
func NewOperation(deviceID uuid.UUID, opType OperationType, data JSONObject) *DeviceOperation {
	return &DeviceOperation{
		ID:            uuid.New(),
		DeviceID:      deviceID,
		OperationType: opType,
		OperationData: data,
		Status:        OperationStatusPending,
		StartedAt:     time.Now(),
	}
}

// IsCompleted checks if operation is completed (success or failed)
func (op *DeviceOperation) IsCompleted() bool {
	return op.Status == OperationStatusSuccess ||
		op.Status == OperationStatusFailed ||
		op.Status == OperationStatusError ||
		op.Status == OperationStatusCancelled
}

// Complete stamps the completion time, duration and final status
func (op *DeviceOperation) Complete(status OperationStatus, err error) {
	now := time.Now()
	ms := int(now.Sub(op.StartedAt).Milliseconds())
	op.CompletedAt = &now
	op.DurationMs = &ms
	op.Status = status
	if err != nil {
		msg := err.Error()
		op.ErrorMessage = &msg
	}
}

// DecodeData decodes OperationData into out, which must be a pointer
func (op *DeviceOperation) DecodeData(out interface{}) error {
	raw, err := json.Marshal(op.OperationData)
	if err != nil {
		return fmt.Errorf("failed to encode operation data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid %s operation data: %w", op.OperationType, err)
	}
	return nil
}

// Operation data structures for different operation types

// ChannelOperationData selects a MOSFET channel, 1 to 5, or a pump channel.
// Pump operations treat channel 0 as the whole pump.
type ChannelOperationData struct {
	Channel int `json:"channel"`
}

// PWMOperationData sets a MOSFET channel's duty cycle, 0 to 255
type PWMOperationData struct {
	Channel int `json:"channel"`
	PWM     int `json:"pwm"`
}

// HitHoldOperationData pulses a channel fully on, then holds at Duty (0 to 1)
type HitHoldOperationData struct {
	Channel int              `json:"channel"`
	Duty    *decimal.Decimal `json:"duty,omitempty"`
}

// PinOperationData addresses a digital or analog pin. Pin accepts a
// number or an analog name such as "A3".
type PinOperationData struct {
	Pin   json.RawMessage `json:"pin"`
	Value int             `json:"value,omitempty"`
}

// DirectionOperationData sets the pump direction, CW or CCW. Channel is
// honoured by multi-channel pumps only.
type DirectionOperationData struct {
	Direction string `json:"direction"`
	Channel   int    `json:"channel,omitempty"`
}

// ModeOperationData switches the pump between FLOW and RPM mode
type ModeOperationData struct {
	Mode string `json:"mode"`
}

// FlowOperationData carries a flow rate in mL/min. Channel is honoured by
// multi-channel pumps only.
type FlowOperationData struct {
	Flow    decimal.Decimal `json:"flow"`
	Channel int             `json:"channel,omitempty"`
}

// ChannelModeOperationData turns per-channel command addressing on or off
type ChannelModeOperationData struct {
	Enabled bool `json:"enabled"`
}

// TubingOperationData carries a tubing inner diameter in mm
type TubingOperationData struct {
	Diameter decimal.Decimal `json:"diameter"`
}

// AddressOperationData moves a pump to a new bus address, 1 to 8
type AddressOperationData struct {
	Address int `json:"address"`
}

// DisplayOperationData represents display operation data
type DisplayOperationData struct {
	Text string `json:"text"`
}
