// internal/protocol/observer.go
package protocol

import "time"

// ConnState is the lifecycle state reported to observers.
type ConnState string

const (
	ConnStateOpen   ConnState = "open"
	ConnStateClosed ConnState = "closed"
	ConnStateLost   ConnState = "lost"
)

// WorkerState is the I/O worker's position in its exchange cycle.
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerAwaitingCommand
	WorkerWriting
	WorkerReading
	WorkerPublishing
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerAwaitingCommand:
		return "awaiting_command"
	case WorkerWriting:
		return "writing"
	case WorkerReading:
		return "reading"
	case WorkerPublishing:
		return "publishing"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

func (s WorkerState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Observer receives transport events. Implementations must be safe for
// concurrent use and must not block; the worker calls OnExchange inline.
type Observer interface {
	OnStateChange(port string, state ConnState, err error)
	OnExchange(port string, req Request, resp *Response)
	OnRetry(port string, req Request, attempt int, resp *Response)
	OnConnectionLost(port string, err error)
	OnStall(port string, req Request, waited time.Duration)
	OnDesync(port string, sent, echoed []byte)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnStateChange(string, ConnState, error)  {}
func (NopObserver) OnExchange(string, Request, *Response)   {}
func (NopObserver) OnRetry(string, Request, int, *Response) {}
func (NopObserver) OnConnectionLost(string, error)          {}
func (NopObserver) OnStall(string, Request, time.Duration)  {}
func (NopObserver) OnDesync(string, []byte, []byte)         {}

// Observers fans every event out to each member in order.
type Observers []Observer

func (o Observers) OnStateChange(port string, state ConnState, err error) {
	for _, obs := range o {
		obs.OnStateChange(port, state, err)
	}
}

func (o Observers) OnExchange(port string, req Request, resp *Response) {
	for _, obs := range o {
		obs.OnExchange(port, req, resp)
	}
}

func (o Observers) OnRetry(port string, req Request, attempt int, resp *Response) {
	for _, obs := range o {
		obs.OnRetry(port, req, attempt, resp)
	}
}

func (o Observers) OnConnectionLost(port string, err error) {
	for _, obs := range o {
		obs.OnConnectionLost(port, err)
	}
}

func (o Observers) OnStall(port string, req Request, waited time.Duration) {
	for _, obs := range o {
		obs.OnStall(port, req, waited)
	}
}

func (o Observers) OnDesync(port string, sent, echoed []byte) {
	for _, obs := range o {
		obs.OnDesync(port, sent, echoed)
	}
}
