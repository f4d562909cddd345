// internal/protocol/retry.go
package protocol

import (
	"bytes"
	"context"
	"fmt"
)

// DefaultMaxAttempts is the total number of tries, first attempt included.
const DefaultMaxAttempts = 3

// Outcome is the result class of a retried command.
type Outcome int

const (
	// OutcomePass means the device acknowledged the command.
	OutcomePass Outcome = iota
	// OutcomeFail means the device answered, but never with an acceptable reply.
	OutcomeFail
	// OutcomeError means no usable answer at all, or a terminal transport error.
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomePass:
		return "pass"
	case OutcomeFail:
		return "fail"
	case OutcomeError:
		return "error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Attempt records one retried command.
type Attempt struct {
	Command  []byte
	Attempts int
	Outcome  Outcome
	// Payload is the last non-empty payload received, if any.
	Payload []byte
	// Status is the status of the last response.
	Status Status
}

// Acceptor decides whether a complete payload is a success.
type Acceptor func(payload []byte) bool

// AcceptToken accepts a payload equal to token.
func AcceptToken(token string) Acceptor {
	return func(payload []byte) bool {
		return string(payload) == token
	}
}

// AcceptContains accepts a payload containing any of tokens.
func AcceptContains(tokens ...string) Acceptor {
	return func(payload []byte) bool {
		for _, token := range tokens {
			if bytes.Contains(payload, []byte(token)) {
				return true
			}
		}
		return false
	}
}

// AcceptAny accepts any non-empty payload.
func AcceptAny(payload []byte) bool {
	return len(payload) > 0
}

// Requester is the part of Transport the retry contract depends on.
type Requester interface {
	Request(ctx context.Context, req Request) (*Response, error)
	Port() string
}

// Retrier applies the bounded retry and desync check every driver uses.
type Retrier struct {
	requester   Requester
	maxAttempts int
	observer    Observer
}

// NewRetrier wraps requester. maxAttempts below 1 selects DefaultMaxAttempts.
// Events go to the transport's observers when requester is a *Transport.
func NewRetrier(requester Requester, maxAttempts int) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = DefaultMaxAttempts
	}
	var observer Observer = NopObserver{}
	if t, ok := requester.(*Transport); ok {
		observer = t.observers
	}
	return &Retrier{requester: requester, maxAttempts: maxAttempts, observer: observer}
}

// MaxAttempts returns the attempt bound.
func (r *Retrier) MaxAttempts() int {
	return r.maxAttempts
}

// Do sends req until accept passes on a complete reply or attempts run out.
//
// Timed-out and empty replies are retried. A desynchronized response ends
// the call at once with ErrDesynchronized, as does any transport error;
// neither is retried. Exhausted attempts give OutcomeFail if the device
// sent anything, otherwise OutcomeError, with a nil error in both cases.
func (r *Retrier) Do(ctx context.Context, req Request, accept Acceptor) (*Attempt, error) {
	attempt := &Attempt{Command: req.Command, Outcome: OutcomeError, Status: StatusEmpty}
	received := false

	for attempt.Attempts < r.maxAttempts {
		attempt.Attempts++

		resp, err := r.requester.Request(ctx, req)
		if resp != nil {
			attempt.Status = resp.Status
		}
		if err != nil {
			return attempt, err
		}

		if !resp.Echoes(req.Command) {
			r.observer.OnDesync(r.requester.Port(), req.Command, resp.Command)
			return attempt, fmt.Errorf("%w: sent %q, response answers %q", ErrDesynchronized, req.Command, resp.Command)
		}

		if len(resp.Payload) > 0 {
			received = true
			attempt.Payload = resp.Payload
		}
		if resp.Status == StatusComplete && accept(resp.Payload) {
			attempt.Outcome = OutcomePass
			return attempt, nil
		}

		if attempt.Attempts < r.maxAttempts {
			r.observer.OnRetry(r.requester.Port(), req, attempt.Attempts, resp)
		}
	}

	if received {
		attempt.Outcome = OutcomeFail
	}
	return attempt, nil
}

// Query sends req and returns the first complete non-empty payload.
// A query that never gets one returns the outcome with a nil payload.
func (r *Retrier) Query(ctx context.Context, req Request) ([]byte, *Attempt, error) {
	attempt, err := r.Do(ctx, req, AcceptAny)
	if err != nil || attempt.Outcome != OutcomePass {
		return nil, attempt, err
	}
	return attempt.Payload, attempt, nil
}
