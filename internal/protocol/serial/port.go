// internal/protocol/serial/port.go
package serial

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"go.bug.st/serial"
)

// Port is the subset of go.bug.st/serial.Port the framed connection needs.
// A Read that times out returns (0, nil).
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(timeout time.Duration) error
	SetDTR(dtr bool) error
	Close() error
}

// Opener claims the physical port described by config.
type Opener func(config *Config) (Port, error)

const tcpScheme = "tcp://"

// DefaultOpener opens a local serial device, or a serial-over-TCP bridge
// when the port name has the form tcp://host:port.
func DefaultOpener(config *Config) (Port, error) {
	if strings.HasPrefix(config.Port, tcpScheme) {
		return dialTCP(strings.TrimPrefix(config.Port, tcpScheme), config.Timeout)
	}
	return openDevice(config)
}

// openDevice opens a local serial device through go.bug.st/serial
func openDevice(config *Config) (Port, error) {
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		StopBits: serial.OneStopBit,
	}

	if config.StopBits == 2 {
		mode.StopBits = serial.TwoStopBits
	}

	// Set parity
	switch config.Parity {
	case "odd":
		mode.Parity = serial.OddParity
	case "even":
		mode.Parity = serial.EvenParity
	default:
		mode.Parity = serial.NoParity
	}

	port, err := serial.Open(config.Port, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// tcpPort adapts a serial-over-TCP bridge (ser2net and friends) to Port.
type tcpPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func dialTCP(address string, timeout time.Duration) (Port, error) {
	dialer := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	conn, err := dialer.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", address, err)
	}
	return &tcpPort{conn: conn}, nil
}

func (p *tcpPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

func (p *tcpPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

// ResetInputBuffer discards whatever the bridge has already delivered.
func (p *tcpPort) ResetInputBuffer() error {
	buf := make([]byte, 256)
	for {
		if err := p.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		n, err := p.conn.Read(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				return nil
			}
			return err
		}
		if n == 0 {
			return nil
		}
	}
}

func (p *tcpPort) SetReadTimeout(timeout time.Duration) error {
	p.readTimeout = timeout
	return nil
}

// SetDTR is a no-op; modem lines are not forwarded over a raw TCP bridge.
func (p *tcpPort) SetDTR(bool) error { return nil }

func (p *tcpPort) Close() error {
	return p.conn.Close()
}

// GetPortsList lists the serial ports present on the system.
var GetPortsList = serial.GetPortsList
