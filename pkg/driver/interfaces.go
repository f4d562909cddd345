// pkg/driver/interfaces.go
package driver

import (
	"context"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
)

// DeviceDriver is the main interface that all hardware drivers must implement
type DeviceDriver interface {
	// Connection management
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Device information
	GetDeviceInfo() (*DeviceInfo, error)
	GetCapabilities() []model.Capability
	GetStatus() (*DeviceStatus, error)

	// Operations
	ExecuteOperation(ctx context.Context, operation *model.DeviceOperation) (*OperationResult, error)

	// Health and monitoring
	Ping(ctx context.Context) error
	GetHealthMetrics() (*HealthMetrics, error)
	GetTransportStats() protocol.ProtocolStats

	// Event handling
	SetEventHandler(handler EventHandler)

	// Cleanup
	Close() error
}

// SwitchDriver extends DeviceDriver for MOSFET and GPIO boards
type SwitchDriver interface {
	DeviceDriver

	Identify(ctx context.Context) (int, error)
	EnableChannel(ctx context.Context, channel int) (protocol.Outcome, error)
	DisableChannel(ctx context.Context, channel int) (protocol.Outcome, error)
	SetPWM(ctx context.Context, channel, pwm int) (protocol.Outcome, error)
	HitHold(ctx context.Context, channel int, duty float64) (protocol.Outcome, error)

	DigitalRead(ctx context.Context, pin int) (int, protocol.Outcome, error)
	DigitalWrite(ctx context.Context, pin, value int) (protocol.Outcome, error)
	AnalogRead(ctx context.Context, pin int) (int, protocol.Outcome, error)
	AnalogWrite(ctx context.Context, pin, value int) (protocol.Outcome, error)
}

// PumpDriver extends DeviceDriver for peristaltic pumps
type PumpDriver interface {
	DeviceDriver

	Start(ctx context.Context) (protocol.Outcome, error)
	Stop(ctx context.Context) (protocol.Outcome, error)
	SetDirection(ctx context.Context, dir PumpDirection) (protocol.Outcome, error)
	SetMode(ctx context.Context, mode PumpMode) (protocol.Outcome, error)

	SetFlow(ctx context.Context, flow float64) (protocol.Outcome, error)
	GetFlow(ctx context.Context) (float64, protocol.Outcome, error)
	GetRunState(ctx context.Context) (RunState, error)
	GetPumpStatus(ctx context.Context) (*PumpStatus, error)
}
