// internal/simulator/fetbox.go
package simulator

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"plateflo/internal/protocol/serial"
)

// FETbox emulates the FETbox firmware: five MOSFET channels on an Arduino
// Nano. Replies end in CRLF like the firmware's println.
type FETbox struct {
	ID int
	// Delay is applied to every reply.
	Delay time.Duration

	mu       sync.Mutex
	channels [5]int
	hitHold  [5]bool
	pins     map[int]int
	analog   map[int]int
	silent   bool
	garbled  bool
}

// NewFETbox creates a simulated FETbox reporting id.
func NewFETbox(id int) *FETbox {
	return &FETbox{
		ID:     id,
		Delay:  time.Millisecond,
		pins:   make(map[int]int),
		analog: make(map[int]int),
	}
}

// Channel returns the PWM level of channel 1 to 5.
func (f *FETbox) Channel(channel int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[channel-1]
}

// HitHold reports whether hit-and-hold was last applied to channel.
func (f *FETbox) HitHold(channel int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hitHold[channel-1]
}

// Pin returns the digital level last written to pin.
func (f *FETbox) Pin(pin int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pins[pin]
}

// SetPin sets what a digital read of pin returns.
func (f *FETbox) SetPin(pin, level int) {
	f.mu.Lock()
	f.pins[pin] = level
	f.mu.Unlock()
}

// SetAnalog sets what an analog read of pin returns.
func (f *FETbox) SetAnalog(pin, value int) {
	f.mu.Lock()
	f.analog[pin] = value
	f.mu.Unlock()
}

// Silence stops all replies until called again with false.
func (f *FETbox) Silence(silent bool) {
	f.mu.Lock()
	f.silent = silent
	f.mu.Unlock()
}

// Garble makes acknowledgements come back without the '*' token.
func (f *FETbox) Garble(garbled bool) {
	f.mu.Lock()
	f.garbled = garbled
	f.mu.Unlock()
}

// Responder answers FETbox commands.
func (f *FETbox) Responder() serial.SimResponder {
	return func(command []byte) []serial.SimChunk {
		reply, ok := f.handle(strings.TrimSuffix(string(command), "\n"))
		if !ok {
			return nil
		}
		return serial.ReplyAfter(f.Delay, reply+"\r\n")
	}
}

func (f *FETbox) handle(cmd string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.silent || len(cmd) < 2 || cmd[0] != '@' {
		return "", false
	}
	ack := "*"
	if f.garbled {
		ack = "?"
	}

	op, args := cmd[1], cmd[2:]
	switch op {
	case '#':
		return fmt.Sprintf("fetbox%d", f.ID), true
	case '?':
		return ack, true
	case 'H', 'I':
		i, err := strconv.Atoi(args)
		if err != nil || i < 0 || i > 4 {
			return "?", true
		}
		if op == 'H' {
			f.channels[i] = 255
		} else {
			f.channels[i] = 0
		}
		f.hitHold[i] = false
		return ack, true
	case 'S', 'V':
		if len(args) != 4 {
			return "?", true
		}
		ch, err1 := strconv.Atoi(args[:1])
		pwm, err2 := strconv.Atoi(args[1:])
		if err1 != nil || err2 != nil || ch < 1 || ch > 5 {
			return "?", true
		}
		f.channels[ch-1] = pwm
		f.hitHold[ch-1] = op == 'V'
		return ack, true
	case 'D', 'A':
		pin, err := strconv.Atoi(args)
		if err != nil {
			return "?", true
		}
		if op == 'D' {
			return strconv.Itoa(f.pins[pin]), true
		}
		return strconv.Itoa(f.analog[pin]), true
	case 'E':
		if len(args) != 3 {
			return "?", true
		}
		pin, err1 := strconv.Atoi(args[:2])
		val, err2 := strconv.Atoi(args[2:])
		if err1 != nil || err2 != nil {
			return "?", true
		}
		f.pins[pin] = val
		return ack, true
	case 'B':
		if len(args) != 5 {
			return "?", true
		}
		pin, err1 := strconv.Atoi(args[:2])
		val, err2 := strconv.Atoi(args[2:])
		if err1 != nil || err2 != nil {
			return "?", true
		}
		f.analog[pin] = val
		return ack, true
	}
	return "?", true
}
