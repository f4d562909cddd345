// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"plateflo/internal/protocol/serial"
)

var validBaudRates = []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200}

// SerialConfigFromMap builds a serial configuration from loosely typed
// connection settings (JSON request bodies), starting from defaults.
func SerialConfigFromMap(config map[string]interface{}, defaults serial.Config) (*serial.Config, error) {
	serialConfig := defaults

	// Parse port
	if port, ok := config["port"].(string); ok && port != "" {
		serialConfig.Port = port
	}
	if serialConfig.Port == "" {
		return nil, fmt.Errorf("serial port is required")
	}

	// Parse baud rate
	if baudRate, ok := config["baud_rate"]; ok {
		rate, err := intValue("baud_rate", baudRate)
		if err != nil {
			return nil, err
		}
		serialConfig.BaudRate = rate
	}

	// Parse data bits
	if dataBits, ok := config["data_bits"]; ok {
		bits, err := intValue("data_bits", dataBits)
		if err != nil {
			return nil, err
		}
		serialConfig.DataBits = bits
	}

	// Parse stop bits
	if stopBits, ok := config["stop_bits"]; ok {
		bits, err := intValue("stop_bits", stopBits)
		if err != nil {
			return nil, err
		}
		serialConfig.StopBits = bits
	}

	// Parse parity
	if parity, ok := config["parity"].(string); ok {
		serialConfig.Parity = parity
	}

	// Parse timeout
	if timeout, ok := config["timeout"].(string); ok {
		dur, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		serialConfig.Timeout = dur
	}

	if disable, ok := config["disable_dtr"].(bool); ok {
		serialConfig.DisableDTR = disable
	}

	if err := ValidateSerialConfig(&serialConfig); err != nil {
		return nil, err
	}
	return &serialConfig, nil
}

// ValidateSerialConfig validates serial configuration
func ValidateSerialConfig(config *serial.Config) error {
	if config.Port == "" {
		return fmt.Errorf("serial port is required")
	}

	valid := false
	for _, rate := range validBaudRates {
		if config.BaudRate == rate {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid baud rate: %d", config.BaudRate)
	}

	switch config.Parity {
	case "", "none", "odd", "even":
	default:
		return fmt.Errorf("invalid parity: %s", config.Parity)
	}

	if config.StopBits != 0 && config.StopBits != 1 && config.StopBits != 2 {
		return fmt.Errorf("invalid stop bits: %d", config.StopBits)
	}

	if config.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// NewSerialTransport validates config and builds a closed Transport for it.
func NewSerialTransport(config *serial.Config, logger *zap.Logger, opts ...TransportOption) (*Transport, error) {
	if err := ValidateSerialConfig(config); err != nil {
		return nil, err
	}
	if logger != nil {
		logger.Info("Creating serial transport",
			zap.String("port", config.Port),
			zap.Int("baud_rate", config.BaudRate),
			zap.Duration("timeout", config.Timeout),
		)
	}
	return NewTransport(config, logger, opts...)
}

func intValue(name string, value interface{}) (int, error) {
	switch v := value.(type) {
	case float64:
		return int(v), nil
	case int:
		return v, nil
	default:
		return 0, fmt.Errorf("invalid %s type", name)
	}
}
