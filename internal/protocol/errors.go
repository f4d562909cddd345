// internal/protocol/errors.go
package protocol

import (
	"errors"

	"plateflo/internal/protocol/serial"
)

var (
	// ErrPortUnavailable means the port could not be claimed at open time.
	ErrPortUnavailable = serial.ErrPortUnavailable
	// ErrNotOpen is returned for requests on a closed transport.
	ErrNotOpen = errors.New("transport not open")
	// ErrDesynchronized means a response echoed a different command than the one submitted.
	ErrDesynchronized = errors.New("transport desynchronized")
	// ErrTransportStalled means the I/O worker made no progress within the stall bound.
	ErrTransportStalled = errors.New("transport stalled")
	// ErrConnectionLost means the port failed during an exchange.
	ErrConnectionLost = errors.New("connection lost")
	// ErrInvalidFraming is returned for a request without a usable framing rule.
	ErrInvalidFraming = errors.New("invalid framing")
)

// IsTerminal reports whether err must not be retried on the same transport.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNotOpen) ||
		errors.Is(err, ErrDesynchronized) ||
		errors.Is(err, ErrTransportStalled) ||
		errors.Is(err, ErrConnectionLost)
}
