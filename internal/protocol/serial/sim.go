// internal/protocol/serial/sim.go
package serial

import (
	"errors"
	"sync"
	"time"
)

// ErrSimUnplugged is returned by a SimPort after Unplug.
var ErrSimUnplugged = errors.New("simulated device unplugged")

// SimChunk is a piece of a simulated reply, delivered after Delay.
type SimChunk struct {
	Delay time.Duration
	Data  []byte
}

// SimResponder produces the reply a simulated device sends for a command.
type SimResponder func(command []byte) []SimChunk

// Reply answers immediately with data.
func Reply(data string) []SimChunk {
	return []SimChunk{{Data: []byte(data)}}
}

// ReplyAfter answers with data once delay has passed.
func ReplyAfter(delay time.Duration, data string) []SimChunk {
	return []SimChunk{{Delay: delay, Data: []byte(data)}}
}

// Trickle sends data one byte at a time, waiting every between bytes.
func Trickle(data string, every time.Duration) []SimChunk {
	chunks := make([]SimChunk, 0, len(data))
	for i := 0; i < len(data); i++ {
		chunks = append(chunks, SimChunk{Delay: every, Data: []byte{data[i]}})
	}
	return chunks
}

// SimPort is an in-memory Port backed by a SimResponder.
type SimPort struct {
	responder SimResponder

	mu          sync.Mutex
	input       []byte
	written     [][]byte
	readTimeout time.Duration
	closed      bool
	unplugged   bool
	blockWrites bool
	dtr         bool

	signal  chan struct{}
	closeCh chan struct{}
}

// NewSimPort creates a simulated port. A nil responder never answers.
func NewSimPort(responder SimResponder) *SimPort {
	return &SimPort{
		responder: responder,
		dtr:       true,
		signal:    make(chan struct{}, 1),
		closeCh:   make(chan struct{}),
	}
}

// Opener returns an Opener that hands out p, reopening it if it was closed.
func (p *SimPort) Opener() Opener {
	return func(*Config) (Port, error) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.unplugged {
			return nil, ErrSimUnplugged
		}
		if p.closed {
			p.closed = false
			p.closeCh = make(chan struct{})
			p.input = nil
		}
		return p, nil
	}
}

func (p *SimPort) notify() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

// Inject appends bytes to the input buffer as if the device had sent them.
func (p *SimPort) Inject(data []byte) {
	p.mu.Lock()
	p.input = append(p.input, data...)
	p.mu.Unlock()
	p.notify()
}

// Unplug makes every later read and write fail.
func (p *SimPort) Unplug() {
	p.mu.Lock()
	p.unplugged = true
	p.mu.Unlock()
	p.notify()
}

// Replug undoes Unplug.
func (p *SimPort) Replug() {
	p.mu.Lock()
	p.unplugged = false
	p.mu.Unlock()
}

// BlockWrites makes Write hang until the port is closed.
func (p *SimPort) BlockWrites() {
	p.mu.Lock()
	p.blockWrites = true
	p.mu.Unlock()
}

// Written returns a copy of every command written so far.
func (p *SimPort) Written() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]byte, len(p.written))
	for i, w := range p.written {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// DTR reports the last DTR level set by the host.
func (p *SimPort) DTR() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dtr
}

func (p *SimPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrPortNotOpen
	}
	if p.unplugged {
		p.mu.Unlock()
		return 0, ErrSimUnplugged
	}
	closeCh := p.closeCh
	if p.blockWrites {
		p.mu.Unlock()
		<-closeCh
		return 0, ErrPortNotOpen
	}
	cmd := append([]byte(nil), b...)
	p.written = append(p.written, cmd)
	responder := p.responder
	p.mu.Unlock()

	if responder != nil {
		if chunks := responder(cmd); len(chunks) > 0 {
			go p.deliver(chunks, closeCh)
		}
	}
	return len(b), nil
}

func (p *SimPort) deliver(chunks []SimChunk, closeCh <-chan struct{}) {
	for _, chunk := range chunks {
		if chunk.Delay > 0 {
			select {
			case <-time.After(chunk.Delay):
			case <-closeCh:
				return
			}
		}
		select {
		case <-closeCh:
			return
		default:
		}
		p.Inject(chunk.Data)
	}
}

func (p *SimPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	timeout := p.readTimeout
	closeCh := p.closeCh
	p.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		p.mu.Lock()
		switch {
		case p.closed:
			p.mu.Unlock()
			return 0, ErrPortNotOpen
		case p.unplugged:
			p.mu.Unlock()
			return 0, ErrSimUnplugged
		case len(p.input) > 0:
			n := copy(b, p.input)
			p.input = p.input[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.signal:
		case <-closeCh:
		case <-expired:
			return 0, nil
		}
	}
}

func (p *SimPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.unplugged {
		return ErrSimUnplugged
	}
	p.input = nil
	return nil
}

func (p *SimPort) SetReadTimeout(timeout time.Duration) error {
	p.mu.Lock()
	p.readTimeout = timeout
	p.mu.Unlock()
	return nil
}

func (p *SimPort) SetDTR(dtr bool) error {
	p.mu.Lock()
	p.dtr = dtr
	p.mu.Unlock()
	return nil
}

// Close closes the port and abandons undelivered replies.
func (p *SimPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closeCh)
	}
	return nil
}
