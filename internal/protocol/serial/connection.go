// internal/protocol/serial/connection.go
package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// pollInterval bounds a single blocking read so that cancellation and
// deadlines are noticed promptly.
const pollInterval = 10 * time.Millisecond

var (
	// ErrPortUnavailable is returned by Open when the port cannot be claimed.
	ErrPortUnavailable = errors.New("serial port unavailable")
	// ErrPortNotOpen is returned for I/O on a closed connection.
	ErrPortNotOpen = errors.New("serial port not open")
)

// Config represents serial port configuration
type Config struct {
	Port       string        `json:"port" mapstructure:"port"`
	BaudRate   int           `json:"baud_rate" mapstructure:"baud_rate"`
	DataBits   int           `json:"data_bits" mapstructure:"data_bits"`
	StopBits   int           `json:"stop_bits" mapstructure:"stop_bits"`
	Parity     string        `json:"parity" mapstructure:"parity"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	DisableDTR bool          `json:"disable_dtr" mapstructure:"disable_dtr"`
}

// Option customizes a Connection.
type Option func(*Connection)

// WithOpener replaces the function used to claim the physical port.
func WithOpener(opener Opener) Option {
	return func(c *Connection) {
		if opener != nil {
			c.opener = opener
		}
	}
}

// Connection is a framed serial connection. It has no concurrency of its
// own: once open, a single goroutine is expected to perform I/O on it.
type Connection struct {
	config *Config
	opener Opener
	port   Port
	logger *zap.Logger
	mutex  sync.RWMutex
	isOpen bool
}

// NewConnection creates a new serial connection
func NewConnection(config *Config, logger *zap.Logger, opts ...Option) (*Connection, error) {
	if config == nil || config.Port == "" {
		return nil, fmt.Errorf("port is required")
	}
	if config.BaudRate <= 0 {
		return nil, fmt.Errorf("invalid baud rate: %d", config.BaudRate)
	}
	if config.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive, got %s", config.Timeout)
	}
	if config.DataBits == 0 {
		config.DataBits = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Connection{
		config: config,
		opener: DefaultOpener,
		logger: logger.With(zap.String("port", config.Port)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Open claims the port at the configured baud rate.
func (c *Connection) Open(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.isOpen {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	port, err := c.opener(c.config)
	if err != nil {
		fields := []zap.Field{zap.Error(err), zap.Int("baud_rate", c.config.BaudRate)}
		var portErr *serial.PortError
		if errors.As(err, &portErr) {
			fields = append(fields, zap.String("reason", portErr.EncodedErrorString()))
		}
		c.logger.Error("Failed to open serial port", fields...)
		return fmt.Errorf("%w: %s: %w", ErrPortUnavailable, c.config.Port, err)
	}

	if c.config.DisableDTR {
		if err := port.SetDTR(false); err != nil {
			port.Close()
			return fmt.Errorf("%w: %s: failed to clear DTR: %w", ErrPortUnavailable, c.config.Port, err)
		}
	}

	c.port = port
	c.isOpen = true

	c.logger.Info("Serial port opened successfully",
		zap.Int("baud_rate", c.config.BaudRate),
		zap.Duration("timeout", c.config.Timeout),
	)
	return nil
}

// Close releases the port. Calling it on a closed connection is a no-op.
// A read blocked on the port returns once the port is closed.
func (c *Connection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if !c.isOpen || c.port == nil {
		return nil
	}

	port := c.port
	c.port = nil
	c.isOpen = false

	if err := port.Close(); err != nil {
		c.logger.Error("Failed to close serial port", zap.Error(err))
		return fmt.Errorf("failed to close serial port: %w", err)
	}

	c.logger.Info("Serial port closed")
	return nil
}

// IsOpen returns whether the connection is open
func (c *Connection) IsOpen() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.isOpen
}

// GetConfig returns the connection configuration
func (c *Connection) GetConfig() *Config {
	return c.config
}

func (c *Connection) activePort() (Port, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	if !c.isOpen || c.port == nil {
		return nil, ErrPortNotOpen
	}
	return c.port, nil
}

// ioError classifies a port failure. Errors caused by our own Close are
// reported as ErrPortNotOpen rather than as a device failure.
func (c *Connection) ioError(op string, err error) error {
	if !c.IsOpen() {
		return ErrPortNotOpen
	}
	return fmt.Errorf("failed to %s serial port: %w", op, err)
}

// Write clears stale input and transmits data verbatim.
func (c *Connection) Write(ctx context.Context, data []byte) error {
	port, err := c.activePort()
	if err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// Bytes left over from an earlier timed-out exchange must not be
	// attributed to this command.
	if err := port.ResetInputBuffer(); err != nil {
		return c.ioError("reset", err)
	}

	n, err := port.Write(data)
	if err != nil {
		return c.ioError("write to", err)
	}
	if n != len(data) {
		return fmt.Errorf("incomplete write: wrote %d of %d bytes", n, len(data))
	}

	c.logger.Debug("Data written to serial port",
		zap.Int("bytes_written", n),
		zap.ByteString("data", data),
	)
	return nil
}

// ReadUntil reads one byte at a time until done reports completion or the
// deadline elapses. The deadline starts at now+timeout; when idle is set,
// every received byte moves it to now+timeout again.
//
// It returns the accumulated bytes and whether done reported completion.
// A non-nil error means ctx was cancelled or the port failed.
func (c *Connection) ReadUntil(ctx context.Context, timeout time.Duration, idle bool, done func(buf []byte) bool) ([]byte, bool, error) {
	port, err := c.activePort()
	if err != nil {
		return nil, false, err
	}

	var buf []byte
	if done(buf) {
		return buf, true, nil
	}

	one := make([]byte, 1)
	deadline := time.Now().Add(timeout)
	for {
		if err := ctx.Err(); err != nil {
			return buf, false, err
		}

		wait := time.Until(deadline)
		if wait <= 0 {
			return buf, false, nil
		}
		if wait > pollInterval {
			wait = pollInterval
		}
		if err := port.SetReadTimeout(wait); err != nil {
			return buf, false, c.ioError("configure", err)
		}

		n, err := port.Read(one)
		if err != nil {
			return buf, false, c.ioError("read from", err)
		}
		if n == 0 {
			continue
		}

		buf = append(buf, one[0])
		if idle {
			deadline = time.Now().Add(timeout)
		}
		if done(buf) {
			c.logger.Debug("Data read from serial port",
				zap.Int("bytes_read", len(buf)),
				zap.ByteString("data", buf),
			)
			return buf, true, nil
		}
	}
}
