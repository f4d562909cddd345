// internal/service/line.go
package service

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/internal/protocol/serial"
)

// line is one serial port and the transport every device on it shares.
// The mutex serializes whole driver calls on the port so that each device
// pairs its responses with its own commands.
type line struct {
	port      string
	family    string
	transport *protocol.Transport
	retrier   *protocol.Retrier

	mutex sync.Mutex
	refs  int
}

// family groups kinds that can share a line: Ismatec pumps daisy-chain on
// one RS-232 bus, a FETbox owns its USB port.
func family(kind model.DeviceKind) string {
	switch kind {
	case model.DeviceKindRegloDigital, model.DeviceKindRegloICC:
		return "ismatec"
	default:
		return string(kind)
	}
}

// lineConfig returns the serial settings for kind, overridden by the
// device's connection config.
func (ds *DeviceService) lineConfig(device *model.Device) (*serial.Config, error) {
	defaults := serial.Config{
		Port:     device.Port,
		DataBits: ds.config.Serial.DataBits,
		StopBits: ds.config.Serial.StopBits,
		Parity:   ds.config.Serial.Parity,
	}
	switch family(device.Kind) {
	case "ismatec":
		defaults.BaudRate = ds.config.Reglo.BaudRate
		defaults.Timeout = ds.config.Reglo.Timeout
	default:
		defaults.BaudRate = ds.config.FETbox.BaudRate
		defaults.Timeout = ds.config.FETbox.Timeout
		defaults.DisableDTR = ds.config.FETbox.DisableDTR
	}
	return protocol.SerialConfigFromMap(device.ConnectionConfig, defaults)
}

// acquireLine returns the line for the device's port, creating its
// transport on first use. The caller must releaseLine it.
func (ds *DeviceService) acquireLine(device *model.Device) (*line, error) {
	ds.linesMutex.Lock()
	defer ds.linesMutex.Unlock()

	if l, ok := ds.lines.Load(device.Port); ok {
		if l.family != family(device.Kind) {
			return nil, fmt.Errorf("%w: %s is in use by a %s device", ErrPortInUse, device.Port, l.family)
		}
		l.refs++
		return l, nil
	}

	cfg, err := ds.lineConfig(device)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	opts := []protocol.TransportOption{
		protocol.WithQueueSize(ds.config.Serial.QueueSize),
		protocol.WithStallMargin(ds.config.Serial.StallMargin),
		protocol.WithObserver(ds.transportLog),
		protocol.WithObserver(ds.eventObserver),
	}
	if ds.metrics != nil {
		opts = append(opts, protocol.WithObserver(ds.metrics))
	}
	if ds.opener != nil {
		opts = append(opts, protocol.WithOpener(ds.opener))
	}

	transport, err := protocol.NewSerialTransport(cfg, ds.logger.Logger, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	l := &line{
		port:      device.Port,
		family:    family(device.Kind),
		transport: transport,
		retrier:   protocol.NewRetrier(transport, ds.config.Serial.MaxAttempts),
		refs:      1,
	}
	ds.lines.Store(device.Port, l)
	return l, nil
}

// releaseLine drops a reference and closes the transport with the last one.
func (ds *DeviceService) releaseLine(l *line) {
	ds.linesMutex.Lock()
	defer ds.linesMutex.Unlock()

	l.refs--
	if l.refs > 0 {
		return
	}
	ds.lines.Delete(l.port)
	if err := l.transport.Close(); err != nil {
		ds.logger.Warn("Failed to close transport", zap.String("port", l.port), zap.Error(err))
	}
}

// InUse reports whether a connected device holds port
func (ds *DeviceService) InUse(port string) bool {
	_, ok := ds.lines.Load(port)
	return ok
}

// with runs fn holding the line's mutex
func (l *line) with(ctx context.Context, fn func() error) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
