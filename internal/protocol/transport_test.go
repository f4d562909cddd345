package protocol

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plateflo/internal/protocol/serial"
)

func TestTransport_IdentityQuery(t *testing.T) {
	tr, sim := newTestTransport(t, fetboxResponder, 200*time.Millisecond)

	resp, err := tr.Request(context.Background(), mustRequest(t, "@#\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, resp.Status)
	assert.Equal(t, "fetbox3", string(resp.Payload))
	assert.Equal(t, "@#\n", string(resp.Command))
	assert.Equal(t, [][]byte{[]byte("@#\n")}, sim.Written())
}

func TestTransport_Ordering(t *testing.T) {
	tr, sim := newTestTransport(t, echoResponder, 200*time.Millisecond)

	for i := 0; i < 50; i++ {
		cmd := fmt.Sprintf("c%d\n", i)
		resp, err := tr.Request(context.Background(), mustRequest(t, cmd, Terminator('\n')))
		require.NoError(t, err)
		assert.Equal(t, cmd, string(resp.Command))
		assert.Equal(t, fmt.Sprintf("r%d", i), string(resp.Payload))
	}

	written := sim.Written()
	require.Len(t, written, 50)
	for i, w := range written {
		assert.Equal(t, fmt.Sprintf("c%d\n", i), string(w))
	}
}

func TestTransport_FixedLength(t *testing.T) {
	tr, _ := newTestTransport(t, func(cmd []byte) []serial.SimChunk {
		return serial.Reply("12345")
	}, 100*time.Millisecond)

	for _, n := range []int{0, 1, 3, 5} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			start := time.Now()
			resp, err := tr.Request(context.Background(), mustRequest(t, "@A14\n", FixedLength(n)))
			require.NoError(t, err)
			assert.Equal(t, StatusComplete, resp.Status)
			assert.Len(t, resp.Payload, n)
			assert.Equal(t, "12345"[:n], string(resp.Payload))
			assert.Less(t, time.Since(start), 100*time.Millisecond)
		})
	}
}

func TestTransport_TerminatorIdleReset(t *testing.T) {
	tr, _ := newTestTransport(t, func([]byte) []serial.SimChunk {
		return serial.Trickle("hello\n", 40*time.Millisecond)
	}, 100*time.Millisecond)

	start := time.Now()
	resp, err := tr.Request(context.Background(), mustRequest(t, "q\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, resp.Status)
	assert.Equal(t, "hello", string(resp.Payload))
	assert.Greater(t, time.Since(start), 100*time.Millisecond)
}

func TestTransport_TimeoutClassification(t *testing.T) {
	t.Run("silent device is empty", func(t *testing.T) {
		tr, _ := newTestTransport(t, nil, 50*time.Millisecond)

		resp, err := tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
		require.NoError(t, err)
		assert.Equal(t, StatusEmpty, resp.Status)
		assert.Empty(t, resp.Payload)
	})

	t.Run("partial reply is timed out", func(t *testing.T) {
		tr, _ := newTestTransport(t, func([]byte) []serial.SimChunk {
			return serial.Reply("ab")
		}, 50*time.Millisecond)

		resp, err := tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, resp.Status)
		assert.Equal(t, "ab", string(resp.Payload))

		resp, err = tr.Request(context.Background(), mustRequest(t, "@A14\n", FixedLength(4)))
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, resp.Status)
		assert.Equal(t, "ab", string(resp.Payload))
	})
}

func TestTransport_UnterminatedStream(t *testing.T) {
	t.Run("endless trickle ends at the read limit", func(t *testing.T) {
		tr, _ := newTestTransport(t, func([]byte) []serial.SimChunk {
			return serial.Trickle(strings.Repeat("x", 500), 20*time.Millisecond)
		}, 50*time.Millisecond, WithReadLimit(300*time.Millisecond))

		start := time.Now()
		resp, err := tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, resp.Status)
		assert.NotEmpty(t, resp.Payload)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("default read limit applies", func(t *testing.T) {
		tr, _ := newTestTransport(t, func([]byte) []serial.SimChunk {
			return serial.Trickle(strings.Repeat("x", 500), 20*time.Millisecond)
		}, 50*time.Millisecond)

		start := time.Now()
		resp, err := tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, resp.Status)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("flood ends at the reply cap", func(t *testing.T) {
		tr, _ := newTestTransport(t, func([]byte) []serial.SimChunk {
			return serial.Reply(strings.Repeat("x", 100))
		}, 50*time.Millisecond, WithMaxReply(8))

		resp, err := tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
		require.NoError(t, err)
		assert.Equal(t, StatusTimedOut, resp.Status)
		assert.Equal(t, "xxxxxxxx", string(resp.Payload))
	})
}

func TestTransport_NotOpen(t *testing.T) {
	tr, err := NewTransport(&serial.Config{Port: "sim0", BaudRate: 9600, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	_, err = tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.False(t, tr.IsOpen())
	assert.Equal(t, WorkerStopped, tr.WorkerState())
	assert.NoError(t, tr.Close())
}

func TestTransport_InvalidFraming(t *testing.T) {
	tr, sim := newTestTransport(t, echoResponder, 50*time.Millisecond)

	_, err := tr.Request(context.Background(), Request{Command: []byte("c1\n")})
	assert.ErrorIs(t, err, ErrInvalidFraming)
	assert.Empty(t, sim.Written())
}

func TestTransport_OpenIsIdempotent(t *testing.T) {
	tr, _ := newTestTransport(t, fetboxResponder, 100*time.Millisecond)

	require.NoError(t, tr.Open(context.Background()))
	assert.True(t, tr.IsOpen())

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())
	assert.False(t, tr.IsOpen())

	require.NoError(t, tr.Open(context.Background()))
	resp, err := tr.Request(context.Background(), mustRequest(t, "@#\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, "fetbox3", string(resp.Payload))
}

func TestTransport_OpenFailure(t *testing.T) {
	sim := serial.NewSimPort(nil)
	sim.Unplug()

	tr, err := NewTransport(&serial.Config{Port: "sim0", BaudRate: 9600, Timeout: time.Second}, nil, WithOpener(sim.Opener()))
	require.NoError(t, err)

	err = tr.Open(context.Background())
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.False(t, tr.IsOpen())
}

func TestTransport_ContextOnlyBoundsEnqueue(t *testing.T) {
	tr, _ := newTestTransport(t, func([]byte) []serial.SimChunk {
		return serial.ReplyAfter(60*time.Millisecond, "late\n")
	}, 200*time.Millisecond)

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := tr.Request(cancelled, mustRequest(t, "q\n", Terminator('\n')))
	assert.ErrorIs(t, err, context.Canceled)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	resp, err := tr.Request(ctx, mustRequest(t, "q\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, "late", string(resp.Payload))
}

func TestTransport_Backpressure(t *testing.T) {
	tr, sim := newTestTransport(t, func(cmd []byte) []serial.SimChunk {
		return serial.ReplyAfter(20*time.Millisecond, "r"+string(cmd[1:]))
	}, 300*time.Millisecond, WithQueueSize(1))

	const callers = 6
	var wg sync.WaitGroup
	payloads := make(chan string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := tr.Request(context.Background(), mustRequest(t, fmt.Sprintf("c%d\n", i), Terminator('\n')))
			if assert.NoError(t, err) {
				payloads <- string(resp.Payload)
			}
		}(i)
	}

	// With the worker busy and the queue full, a bounded submitter gives up
	// before its command is accepted.
	time.Sleep(5 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := tr.Request(ctx, mustRequest(t, "cX\n", Terminator('\n')))
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	wg.Wait()
	close(payloads)

	var got []string
	for p := range payloads {
		got = append(got, p)
	}
	sort.Strings(got)
	want := make([]string, 0, callers)
	for i := 0; i < callers; i++ {
		want = append(want, fmt.Sprintf("r%d", i))
	}
	sort.Strings(want)
	assert.Equal(t, want, got)
	assert.Len(t, sim.Written(), callers)
}

func TestTransport_CloseUnblocksWaiters(t *testing.T) {
	tr, _ := newTestTransport(t, nil, 5*time.Second)

	const waiters = 3
	errs := make(chan error, waiters)
	for i := 0; i < waiters; i++ {
		go func() {
			_, err := tr.Request(context.Background(), mustRequest(t, "@?\n", Terminator('\n')))
			errs <- err
		}()
	}

	time.Sleep(30 * time.Millisecond)
	closed := time.Now()
	require.NoError(t, tr.Close())

	for i := 0; i < waiters; i++ {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, ErrNotOpen)
		case <-time.After(time.Second):
			t.Fatal("waiter not released by close")
		}
	}
	assert.Less(t, time.Since(closed), time.Second)
	assert.Equal(t, WorkerStopped, tr.WorkerState())
}

func TestTransport_Stall(t *testing.T) {
	obs := newRecordingObserver()
	tr, sim := newTestTransport(t, echoResponder, 50*time.Millisecond, WithObserver(obs))
	sim.BlockWrites()

	start := time.Now()
	_, err := tr.Request(context.Background(), mustRequest(t, "c1\n", Terminator('\n')))
	require.ErrorIs(t, err, ErrTransportStalled)
	assert.GreaterOrEqual(t, time.Since(start), tr.StallBound())
	assert.False(t, tr.IsOpen())

	select {
	case <-obs.stalls:
	default:
		t.Fatal("stall not observed")
	}

	_, err = tr.Request(context.Background(), mustRequest(t, "c2\n", Terminator('\n')))
	assert.ErrorIs(t, err, ErrTransportStalled)

	require.NoError(t, tr.Close())
}

func TestTransport_StallBound(t *testing.T) {
	tr, err := NewTransport(&serial.Config{Port: "sim0", BaudRate: 9600, Timeout: 300 * time.Millisecond}, nil)
	require.NoError(t, err)
	assert.Equal(t, 450*time.Millisecond, tr.StallBound())

	tr, err = NewTransport(&serial.Config{Port: "sim0", BaudRate: 9600, Timeout: 20 * time.Millisecond}, nil, WithStallMargin(2))
	require.NoError(t, err)
	assert.Equal(t, 70*time.Millisecond, tr.StallBound())
}

func TestTransport_ConnectionLost(t *testing.T) {
	obs := newRecordingObserver()
	tr, sim := newTestTransport(t, fetboxResponder, time.Second, WithObserver(obs))
	assert.Equal(t, ConnStateOpen, <-obs.states)

	go func() {
		time.Sleep(30 * time.Millisecond)
		sim.Unplug()
	}()

	resp, err := tr.Request(context.Background(), mustRequest(t, "@X\n", Terminator('\n')))
	require.ErrorIs(t, err, ErrConnectionLost)
	require.NotNil(t, resp)
	assert.Equal(t, StatusEmpty, resp.Status)
	assert.Equal(t, ConnStateLost, <-obs.states)
	assert.False(t, tr.IsOpen())

	_, err = tr.Request(context.Background(), mustRequest(t, "@#\n", Terminator('\n')))
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.ErrorIs(t, err, ErrConnectionLost)

	sim.Replug()
	require.NoError(t, tr.Open(context.Background()))
	resp, err = tr.Request(context.Background(), mustRequest(t, "@#\n", Terminator('\n')))
	require.NoError(t, err)
	assert.Equal(t, "fetbox3", string(resp.Payload))
}

func TestTransport_Stats(t *testing.T) {
	tr, _ := newTestTransport(t, fetboxResponder, 50*time.Millisecond)

	_, err := tr.Request(context.Background(), mustRequest(t, "@#\n", Terminator('\n')))
	require.NoError(t, err)
	_, err = tr.Request(context.Background(), mustRequest(t, "@Z\n", Terminator('\n')))
	require.NoError(t, err)

	stats := tr.Stats()
	assert.Equal(t, int64(2), stats.OperationCount)
	assert.Equal(t, int64(1), stats.EmptyCount)
	assert.Equal(t, int64(6), stats.BytesWritten)
	assert.Equal(t, int64(len("fetbox3")), stats.BytesRead)
	assert.True(t, stats.IsConnected)
}
