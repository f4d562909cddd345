// internal/protocol/framing.go
package protocol

import (
	"bytes"
	"fmt"
	"time"
)

type framingKind int

const (
	framingNone framingKind = iota
	framingFixed
	framingTerminator
)

// Framing tells the worker when a reply is complete. Build one with
// FixedLength or Terminator; the zero value is invalid.
type Framing struct {
	kind       framingKind
	length     int
	terminator byte
}

// FixedLength frames a reply of exactly n bytes.
func FixedLength(n int) Framing {
	return Framing{kind: framingFixed, length: n}
}

// Terminator frames a reply ending in b. The terminator is not part of the payload.
func Terminator(b byte) Framing {
	return Framing{kind: framingTerminator, terminator: b}
}

// Validate rejects the zero Framing and negative lengths.
func (f Framing) Validate() error {
	switch f.kind {
	case framingFixed:
		if f.length < 0 {
			return fmt.Errorf("%w: negative length %d", ErrInvalidFraming, f.length)
		}
		return nil
	case framingTerminator:
		return nil
	default:
		return fmt.Errorf("%w: neither length nor terminator set", ErrInvalidFraming)
	}
}

// IsFixed reports whether f frames by length, returning that length.
func (f Framing) IsFixed() (int, bool) {
	return f.length, f.kind == framingFixed
}

// IsTerminated reports whether f frames by terminator, returning that byte.
func (f Framing) IsTerminated() (byte, bool) {
	return f.terminator, f.kind == framingTerminator
}

func (f Framing) String() string {
	switch f.kind {
	case framingFixed:
		return fmt.Sprintf("fixed(%d)", f.length)
	case framingTerminator:
		return fmt.Sprintf("terminator(%q)", f.terminator)
	default:
		return "invalid"
	}
}

// complete reports whether buf holds a full reply.
func (f Framing) complete(buf []byte) bool {
	switch f.kind {
	case framingFixed:
		return len(buf) >= f.length
	case framingTerminator:
		return len(buf) > 0 && buf[len(buf)-1] == f.terminator
	default:
		return false
	}
}

// Request is one command together with its reply framing.
type Request struct {
	Command []byte
	Framing Framing
}

// NewRequest validates and builds a request. The command is copied.
func NewRequest(command []byte, framing Framing) (Request, error) {
	if len(command) == 0 {
		return Request{}, fmt.Errorf("command is required")
	}
	if err := framing.Validate(); err != nil {
		return Request{}, err
	}
	return Request{Command: bytes.Clone(command), Framing: framing}, nil
}

// Status classifies how a read ended.
type Status int

const (
	// StatusComplete means the framing rule was satisfied.
	StatusComplete Status = iota
	// StatusTimedOut means some bytes arrived before the deadline but not a full reply.
	StatusTimedOut
	// StatusEmpty means nothing arrived.
	StatusEmpty
)

func (s Status) String() string {
	switch s {
	case StatusComplete:
		return "complete"
	case StatusTimedOut:
		return "timed_out"
	case StatusEmpty:
		return "empty"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// MarshalText lets statuses appear by name in JSON and logs.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Response is what the worker publishes for one request.
type Response struct {
	// Command is the command the worker actually wrote.
	Command  []byte
	Payload  []byte
	Status   Status
	Err      error
	Duration time.Duration
}

// Echoes reports whether r answers command.
func (r *Response) Echoes(command []byte) bool {
	return bytes.Equal(r.Command, command)
}
