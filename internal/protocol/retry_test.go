package protocol

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plateflo/internal/protocol/serial"
)

// scriptedRequester replays canned responses in order.
type scriptedRequester struct {
	responses []*Response
	errs      []error
	calls     int
}

func (r *scriptedRequester) Request(_ context.Context, req Request) (*Response, error) {
	i := r.calls
	r.calls++
	if i < len(r.errs) && r.errs[i] != nil {
		return nil, r.errs[i]
	}
	if i >= len(r.responses) {
		return &Response{Command: req.Command, Status: StatusEmpty}, nil
	}
	resp := *r.responses[i]
	if resp.Command == nil {
		resp.Command = req.Command
	}
	return &resp, resp.Err
}

func (r *scriptedRequester) Port() string { return "scripted" }

func TestRetrier_PassFirstAttempt(t *testing.T) {
	req := mustRequest(t, "1H\r", FixedLength(1))
	r := &scriptedRequester{responses: []*Response{{Payload: []byte("*"), Status: StatusComplete}}}

	attempt, err := NewRetrier(r, 3).Do(context.Background(), req, AcceptToken("*"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, attempt.Outcome)
	assert.Equal(t, 1, attempt.Attempts)
	assert.Equal(t, 1, r.calls)
}

func TestRetrier_RetriesThenPasses(t *testing.T) {
	req := mustRequest(t, "@H0\n", Terminator('\n'))
	r := &scriptedRequester{responses: []*Response{
		{Status: StatusEmpty},
		{Payload: []byte("*"), Status: StatusTimedOut},
		{Payload: []byte("*"), Status: StatusComplete},
	}}

	attempt, err := NewRetrier(r, 3).Do(context.Background(), req, AcceptToken("*"))
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, attempt.Outcome)
	assert.Equal(t, 3, attempt.Attempts)
}

func TestRetrier_FailWhenDeviceRejects(t *testing.T) {
	req := mustRequest(t, "1H\r", FixedLength(1))
	r := &scriptedRequester{responses: []*Response{
		{Payload: []byte("#"), Status: StatusComplete},
		{Status: StatusEmpty},
		{Status: StatusEmpty},
	}}

	attempt, err := NewRetrier(r, 3).Do(context.Background(), req, AcceptToken("*"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeFail, attempt.Outcome)
	assert.Equal(t, 3, attempt.Attempts)
	assert.Equal(t, "#", string(attempt.Payload))
}

func TestRetrier_ErrorWhenSilent(t *testing.T) {
	req := mustRequest(t, "1H\r", FixedLength(1))
	r := &scriptedRequester{}

	attempt, err := NewRetrier(r, 2).Do(context.Background(), req, AcceptToken("*"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, attempt.Outcome)
	assert.Equal(t, 2, attempt.Attempts)
	assert.Empty(t, attempt.Payload)
}

func TestRetrier_DesyncStopsImmediately(t *testing.T) {
	req := mustRequest(t, "@H0\n", Terminator('\n'))
	r := &scriptedRequester{responses: []*Response{
		{Command: []byte("@I0\n"), Payload: []byte("*"), Status: StatusComplete},
		{Payload: []byte("*"), Status: StatusComplete},
	}}

	attempt, err := NewRetrier(r, 5).Do(context.Background(), req, AcceptToken("*"))
	require.ErrorIs(t, err, ErrDesynchronized)
	assert.Equal(t, OutcomeError, attempt.Outcome)
	assert.Equal(t, 1, attempt.Attempts)
	assert.Equal(t, 1, r.calls)
}

func TestRetrier_TerminalErrorsPropagate(t *testing.T) {
	for _, cause := range []error{ErrNotOpen, ErrTransportStalled, ErrConnectionLost} {
		t.Run(cause.Error(), func(t *testing.T) {
			req := mustRequest(t, "@?\n", Terminator('\n'))
			r := &scriptedRequester{errs: []error{cause}}

			attempt, err := NewRetrier(r, 3).Do(context.Background(), req, AcceptToken("*"))
			require.ErrorIs(t, err, cause)
			assert.True(t, IsTerminal(err))
			assert.Equal(t, OutcomeError, attempt.Outcome)
			assert.Equal(t, 1, r.calls)
		})
	}
}

func TestRetrier_DefaultAttempts(t *testing.T) {
	assert.Equal(t, DefaultMaxAttempts, NewRetrier(&scriptedRequester{}, 0).MaxAttempts())
}

func TestRetrier_Query(t *testing.T) {
	tr, _ := newTestTransport(t, fetboxResponder, 100*time.Millisecond)
	retrier := NewRetrier(tr, 3)

	payload, attempt, err := retrier.Query(context.Background(), mustRequest(t, "@#\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, OutcomePass, attempt.Outcome)
	assert.Equal(t, "fetbox3", string(payload))

	payload, attempt, err = retrier.Query(context.Background(), mustRequest(t, "@Z\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, attempt.Outcome)
	assert.Nil(t, payload)
}

func TestRetrier_ObservesRetriesThroughTransport(t *testing.T) {
	obs := newRecordingObserver()
	tr, sim := newTestTransport(t, nil, 20*time.Millisecond, WithObserver(obs))

	attempt, err := NewRetrier(tr, 3).Do(context.Background(), mustRequest(t, "@H0\n", Terminator('\n')), AcceptToken("*"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeError, attempt.Outcome)
	assert.Len(t, sim.Written(), 3)
	assert.Equal(t, 1, <-obs.retries)
	assert.Equal(t, 2, <-obs.retries)
	assert.Equal(t, 2, int(tr.Stats().RetryCount))
}

func TestRetrier_DetectsDesyncOnTransport(t *testing.T) {
	obs := newRecordingObserver()
	tr, sim := newTestTransport(t, func([]byte) []serial.SimChunk {
		return serial.Reply("*\n")
	}, 100*time.Millisecond, WithObserver(obs))

	// A response left behind by an abandoned request sits ahead of ours.
	s := tr.session.Load()
	s.responses <- &Response{Command: []byte("@I0\n"), Payload: []byte("*"), Status: StatusComplete}

	attempt, err := NewRetrier(tr, 3).Do(context.Background(), mustRequest(t, "@H0\n", Terminator('\n')), AcceptToken("*"))
	require.ErrorIs(t, err, ErrDesynchronized)
	assert.Equal(t, 1, attempt.Attempts)
	assert.Equal(t, "@I0\n", string(<-obs.desyncs))

	require.Eventually(t, func() bool { return len(sim.Written()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), tr.Stats().DesyncCount)
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "pass", OutcomePass.String())
	assert.Equal(t, "fail", OutcomeFail.String())
	assert.Equal(t, "error", OutcomeError.String())
	assert.True(t, errors.Is(ErrPortUnavailable, serial.ErrPortUnavailable))
}
