// internal/protocol/transport.go
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

const (
	// DefaultQueueSize is the capacity of the command and response queues.
	DefaultQueueSize = 100
	// DefaultStallMargin multiplies the request timeout to get the stall bound.
	DefaultStallMargin = 1.5
	// DefaultMaxReply caps a terminator-framed reply that never terminates.
	DefaultMaxReply = 1024
	// DefaultReadLimitFactor multiplies the timeout to get the longest a
	// terminator-framed read may run while bytes keep arriving.
	DefaultReadLimitFactor = 10

	stallSlack = 50 * time.Millisecond
)

// TransportOption customizes a Transport.
type TransportOption func(*Transport)

// WithQueueSize sets the command and response queue capacity.
func WithQueueSize(size int) TransportOption {
	return func(t *Transport) {
		if size > 0 {
			t.queueSize = size
		}
	}
}

// WithStallMargin sets the multiplier applied to the timeout for stall detection.
func WithStallMargin(margin float64) TransportOption {
	return func(t *Transport) {
		if margin >= 1 {
			t.stallMargin = margin
		}
	}
}

// WithMaxReply sets how many bytes a terminator-framed reply may reach
// before the read ends as timed out.
func WithMaxReply(n int) TransportOption {
	return func(t *Transport) {
		if n > 0 {
			t.maxReply = n
		}
	}
}

// WithReadLimit bounds the total time of a terminator-framed read, no matter
// how often the idle deadline is reset.
func WithReadLimit(limit time.Duration) TransportOption {
	return func(t *Transport) {
		if limit > 0 {
			t.readLimit = limit
		}
	}
}

// WithObserver adds an observer. It may be given more than once.
func WithObserver(observer Observer) TransportOption {
	return func(t *Transport) {
		if observer != nil {
			t.observers = append(t.observers, observer)
		}
	}
}

// WithOpener replaces how the physical port is claimed.
func WithOpener(opener serial.Opener) TransportOption {
	return func(t *Transport) {
		t.opener = opener
	}
}

// Transport is a request/response channel over one serial port. A single
// worker goroutine owns the port while open, so requests complete in
// submission order. Callers sharing a transport must serialize their
// requests if they need to pair each response with their own command.
type Transport struct {
	config *serial.Config
	conn   *serial.Connection
	logger *zap.Logger
	opener serial.Opener

	queueSize   int
	stallMargin float64
	maxReply    int
	readLimit   time.Duration
	observers   Observers
	stats       *StatsObserver

	mutex   sync.Mutex
	session atomic.Pointer[session]
}

// NewTransport creates a closed transport for config.
func NewTransport(config *serial.Config, logger *zap.Logger, opts ...TransportOption) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &Transport{
		config:      config,
		logger:      logger,
		queueSize:   DefaultQueueSize,
		stallMargin: DefaultStallMargin,
		maxReply:    DefaultMaxReply,
		stats:       NewStatsObserver(),
	}
	t.observers = Observers{t.stats}
	for _, opt := range opts {
		opt(t)
	}

	var connOpts []serial.Option
	if t.opener != nil {
		connOpts = append(connOpts, serial.WithOpener(t.opener))
	}
	conn, err := serial.NewConnection(config, logger, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("invalid transport config: %w", err)
	}
	t.conn = conn
	if t.readLimit == 0 {
		t.readLimit = config.Timeout * DefaultReadLimitFactor
	}
	t.logger = logger.With(zap.String("port", config.Port))
	return t, nil
}

// Open claims the port and starts the worker. Opening an open transport is
// a no-op; opening after a connection loss or stall starts a new session.
func (t *Transport) Open(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if s := t.session.Load(); s != nil {
		if s.err() == nil {
			return nil
		}
		t.teardown(s)
	}

	if err := t.conn.Open(ctx); err != nil {
		t.observers.OnStateChange(t.config.Port, ConnStateClosed, err)
		return err
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		conn:      t.conn,
		port:      t.config.Port,
		timeout:   t.config.Timeout,
		maxReply:  t.maxReply,
		readLimit: t.readLimit,
		observer:  t.observers,
		logger:    t.logger,
		commands:  make(chan Request, t.queueSize),
		responses: make(chan *Response, t.queueSize),
		ctx:       workerCtx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.touch()
	s.setState(WorkerIdle)
	t.session.Store(s)
	go s.run()

	t.observers.OnStateChange(t.config.Port, ConnStateOpen, nil)
	t.logger.Info("Transport opened",
		zap.Int("queue_size", t.queueSize),
		zap.Duration("stall_bound", t.StallBound()),
	)
	return nil
}

// Close stops the worker, fails every pending request with ErrNotOpen and
// releases the port. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	s := t.session.Swap(nil)
	if s == nil {
		return nil
	}
	err := t.teardown(s)
	t.observers.OnStateChange(t.config.Port, ConnStateClosed, nil)
	t.logger.Info("Transport closed")
	return err
}

// teardown must be called with t.mutex held.
func (t *Transport) teardown(s *session) error {
	s.cancel()

	// The worker notices cancellation at its next poll. A worker wedged in
	// a port write is released by closing the port underneath it.
	select {
	case <-s.done:
	case <-time.After(t.StallBound()):
		t.logger.Warn("Worker did not stop in time, closing port under it")
	}
	err := t.conn.Close()
	<-s.done
	return err
}

// IsOpen reports whether requests can currently be submitted.
func (t *Transport) IsOpen() bool {
	s := t.session.Load()
	return s != nil && s.err() == nil
}

// Request submits req and waits for its response. ctx bounds only the wait
// to enqueue; once queued, the call returns when the worker publishes a
// response, the transport closes, or the worker stalls.
//
// The returned error is resp.Err when a response was published.
func (t *Transport) Request(ctx context.Context, req Request) (*Response, error) {
	if err := req.Framing.Validate(); err != nil {
		return nil, err
	}

	s := t.session.Load()
	if s == nil {
		return nil, ErrNotOpen
	}
	if err := s.err(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case s.commands <- req:
	case <-s.ctx.Done():
		return nil, ErrNotOpen
	case <-s.done:
		return nil, s.closedErr()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	bound := t.StallBound()
	timer := time.NewTimer(bound)
	defer timer.Stop()

	for {
		select {
		case resp := <-s.responses:
			return resp, resp.Err
		case <-s.ctx.Done():
			return nil, ErrNotOpen
		case <-s.done:
			select {
			case resp := <-s.responses:
				return resp, resp.Err
			default:
			}
			return nil, s.closedErr()
		case <-timer.C:
			idle := s.sinceActivity()
			if idle < bound {
				timer.Reset(bound - idle)
				continue
			}
			err := fmt.Errorf("%w: worker %s for %s", ErrTransportStalled, s.workerState(), idle.Round(time.Millisecond))
			s.fail(err)
			t.observers.OnStall(t.config.Port, req, idle)
			t.logger.Error("Transport stalled",
				zap.ByteString("command", req.Command),
				zap.Duration("idle", idle),
			)
			return nil, err
		}
	}
}

// StallBound is how long the worker may show no progress before a waiting
// request fails with ErrTransportStalled.
func (t *Transport) StallBound() time.Duration {
	bound := time.Duration(float64(t.config.Timeout) * t.stallMargin)
	if floor := t.config.Timeout + stallSlack; bound < floor {
		bound = floor
	}
	return bound
}

// WorkerState returns the current worker state, or WorkerStopped when closed.
func (t *Transport) WorkerState() WorkerState {
	s := t.session.Load()
	if s == nil {
		return WorkerStopped
	}
	return s.workerState()
}

// Port returns the port identifier.
func (t *Transport) Port() string {
	return t.config.Port
}

// Config returns a copy of the connection configuration.
func (t *Transport) Config() serial.Config {
	return *t.config
}

// Stats returns a snapshot of the transport counters.
func (t *Transport) Stats() ProtocolStats {
	stats := t.stats.Snapshot()
	stats.IsConnected = t.IsOpen()
	return stats
}
