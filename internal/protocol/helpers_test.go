package protocol

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plateflo/internal/protocol/serial"
)

// newTestTransport opens a transport on a simulated device.
func newTestTransport(t *testing.T, responder serial.SimResponder, timeout time.Duration, opts ...TransportOption) (*Transport, *serial.SimPort) {
	t.Helper()

	sim := serial.NewSimPort(responder)
	cfg := &serial.Config{Port: "sim0", BaudRate: 115200, Timeout: timeout}

	tr, err := NewTransport(cfg, zap.NewNop(), append([]TransportOption{WithOpener(sim.Opener())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, tr.Open(context.Background()))
	t.Cleanup(func() { _ = tr.Close() })

	return tr, sim
}

// echoResponder answers "cN\n" with "rN\n".
func echoResponder(cmd []byte) []serial.SimChunk {
	return serial.Reply("r" + strings.TrimPrefix(string(cmd), "c"))
}

// fetboxResponder answers the identity query like a board with id 3.
func fetboxResponder(cmd []byte) []serial.SimChunk {
	switch string(cmd) {
	case "@#\n":
		return serial.ReplyAfter(2*time.Millisecond, "fetbox3\n")
	case "@?\n":
		return serial.Reply("*\n")
	}
	return nil
}

func mustRequest(t *testing.T, cmd string, framing Framing) Request {
	t.Helper()

	req, err := NewRequest([]byte(cmd), framing)
	require.NoError(t, err)
	return req
}

// recordingObserver keeps the events the tests assert on.
type recordingObserver struct {
	NopObserver
	states  chan ConnState
	retries chan int
	desyncs chan []byte
	stalls  chan time.Duration
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		states:  make(chan ConnState, 16),
		retries: make(chan int, 16),
		desyncs: make(chan []byte, 16),
		stalls:  make(chan time.Duration, 16),
	}
}

func (o *recordingObserver) OnStateChange(_ string, state ConnState, _ error) {
	o.states <- state
}

func (o *recordingObserver) OnRetry(_ string, _ Request, attempt int, _ *Response) {
	o.retries <- attempt
}

func (o *recordingObserver) OnDesync(_ string, _, echoed []byte) {
	o.desyncs <- echoed
}

func (o *recordingObserver) OnStall(_ string, _ Request, waited time.Duration) {
	o.stalls <- waited
}
