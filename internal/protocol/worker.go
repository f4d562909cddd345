// internal/protocol/worker.go
package protocol

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"plateflo/internal/protocol/serial"
)

// session is the state of one Open..Close cycle. A fresh session is built
// on every Open so a reopened transport never sees stale queue contents.
type session struct {
	conn     *serial.Connection
	port     string
	timeout  time.Duration
	observer Observer

	maxReply  int
	readLimit time.Duration
	logger   *zap.Logger

	commands  chan Request
	responses chan *Response

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	state    atomic.Int32
	activity atomic.Int64

	mu      sync.Mutex
	failure error
}

func (s *session) setState(state WorkerState) {
	s.state.Store(int32(state))
}

func (s *session) workerState() WorkerState {
	return WorkerState(s.state.Load())
}

// touch records worker progress for the stall watchdog.
func (s *session) touch() {
	s.activity.Store(time.Now().UnixNano())
}

func (s *session) sinceActivity() time.Duration {
	return time.Since(time.Unix(0, s.activity.Load()))
}

// fail records the first terminal error of the session.
func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failure == nil {
		s.failure = err
	}
}

func (s *session) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failure
}

// closedErr is what a waiter sees once the session is over.
func (s *session) closedErr() error {
	if err := s.err(); err != nil {
		return err
	}
	return ErrNotOpen
}

// run is the I/O worker. It is the only goroutine touching s.conn while
// the session is live.
func (s *session) run() {
	defer close(s.done)
	defer s.setState(WorkerStopped)

	for {
		s.setState(WorkerAwaitingCommand)
		var req Request
		select {
		case <-s.ctx.Done():
			return
		case req = <-s.commands:
		}
		s.touch()

		resp, err := s.exchange(req)
		if s.ctx.Err() != nil {
			// Close aborted the exchange; its waiter gets ErrNotOpen.
			return
		}
		if err != nil {
			s.lose(req, err)
			return
		}

		s.setState(WorkerPublishing)
		s.observer.OnExchange(s.port, req, resp)
		select {
		case s.responses <- resp:
		case <-s.ctx.Done():
			return
		}
		s.touch()
		s.setState(WorkerIdle)
	}
}

// exchange performs one write and framed read. A non-nil error is a port failure.
func (s *session) exchange(req Request) (*Response, error) {
	start := time.Now()

	s.setState(WorkerWriting)
	if err := s.conn.Write(s.ctx, req.Command); err != nil {
		return nil, err
	}
	s.touch()

	s.setState(WorkerReading)
	terminator, idle := req.Framing.IsTerminated()
	readStart := time.Now()
	overrun := false
	buf, complete, err := s.conn.ReadUntil(s.ctx, s.timeout, idle, func(b []byte) bool {
		if len(b) > 0 {
			s.touch()
		}
		if req.Framing.complete(b) {
			return true
		}
		// Each byte resets the idle deadline, so an unterminated stream
		// needs its own bound.
		if idle && len(b) > 0 && (len(b) >= s.maxReply || time.Since(readStart) >= s.readLimit) {
			overrun = true
			return true
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	if overrun {
		s.logger.Warn("Reply never terminated",
			zap.ByteString("command", req.Command),
			zap.Int("received", len(buf)),
			zap.Duration("elapsed", time.Since(readStart)),
		)
		complete = false
	}

	resp := &Response{
		Command:  req.Command,
		Duration: time.Since(start),
	}
	switch {
	case complete:
		resp.Status = StatusComplete
		if idle && len(buf) > 0 && buf[len(buf)-1] == terminator {
			buf = buf[:len(buf)-1]
		}
	case len(buf) > 0:
		resp.Status = StatusTimedOut
	default:
		resp.Status = StatusEmpty
	}
	resp.Payload = buf
	return resp, nil
}

// lose publishes an Empty response carrying ErrConnectionLost and marks the
// session failed so later requests are refused until reopen.
func (s *session) lose(req Request, ioErr error) {
	lost := fmt.Errorf("%w: %w", ErrConnectionLost, ioErr)
	s.fail(fmt.Errorf("%w: %w", ErrNotOpen, lost))

	s.logger.Error("Serial connection lost", zap.Error(ioErr))
	s.observer.OnConnectionLost(s.port, lost)
	s.observer.OnStateChange(s.port, ConnStateLost, lost)

	resp := &Response{Command: req.Command, Status: StatusEmpty, Err: lost}
	select {
	case s.responses <- resp:
	default:
	}
}
