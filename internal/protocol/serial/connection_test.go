package serial

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestConnection(t *testing.T, sim *SimPort, timeout time.Duration) *Connection {
	t.Helper()

	conn, err := NewConnection(&Config{Port: "sim0", BaudRate: 115200, Timeout: timeout}, zap.NewNop(), WithOpener(sim.Opener()))
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })

	return conn
}

func untilByte(b byte) func([]byte) bool {
	return func(buf []byte) bool {
		return len(buf) > 0 && buf[len(buf)-1] == b
	}
}

func TestNewConnection_Validation(t *testing.T) {
	_, err := NewConnection(nil, nil)
	assert.Error(t, err)

	_, err = NewConnection(&Config{Port: "sim0", Timeout: time.Second}, nil)
	assert.Error(t, err)

	_, err = NewConnection(&Config{Port: "sim0", BaudRate: 9600}, nil)
	assert.Error(t, err)

	conn, err := NewConnection(&Config{Port: "sim0", BaudRate: 9600, Timeout: time.Second}, nil)
	require.NoError(t, err)
	assert.Equal(t, 8, conn.GetConfig().DataBits)
	assert.False(t, conn.IsOpen())
}

func TestConnection_OpenFailure(t *testing.T) {
	cause := errors.New("device busy")
	conn, err := NewConnection(&Config{Port: "sim0", BaudRate: 9600, Timeout: time.Second}, nil,
		WithOpener(func(*Config) (Port, error) { return nil, cause }))
	require.NoError(t, err)

	err = conn.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortUnavailable)
	assert.ErrorIs(t, err, cause)
	assert.False(t, conn.IsOpen())
}

func TestConnection_DisableDTR(t *testing.T) {
	sim := NewSimPort(nil)
	conn, err := NewConnection(&Config{Port: "sim0", BaudRate: 115200, Timeout: time.Second, DisableDTR: true}, nil, WithOpener(sim.Opener()))
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	assert.False(t, sim.DTR())
}

func TestConnection_IOWhenClosed(t *testing.T) {
	conn, err := NewConnection(&Config{Port: "sim0", BaudRate: 9600, Timeout: time.Second}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, conn.Write(context.Background(), []byte("x")), ErrPortNotOpen)
	_, _, err = conn.ReadUntil(context.Background(), time.Second, false, untilByte('\n'))
	assert.ErrorIs(t, err, ErrPortNotOpen)
}

func TestConnection_WriteClearsStaleInput(t *testing.T) {
	sim := NewSimPort(func(cmd []byte) []SimChunk {
		return ReplyAfter(5*time.Millisecond, "fresh\n")
	})
	conn := newTestConnection(t, sim, 200*time.Millisecond)

	sim.Inject([]byte("stale\n"))
	require.NoError(t, conn.Write(context.Background(), []byte("@#\n")))

	buf, complete, err := conn.ReadUntil(context.Background(), 200*time.Millisecond, true, untilByte('\n'))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "fresh\n", string(buf))
	assert.Equal(t, [][]byte{[]byte("@#\n")}, sim.Written())
}

func TestConnection_ReadUntilDoneOnEmptyBuffer(t *testing.T) {
	conn := newTestConnection(t, NewSimPort(nil), time.Second)

	start := time.Now()
	buf, complete, err := conn.ReadUntil(context.Background(), time.Second, false, func([]byte) bool { return true })
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Empty(t, buf)
	assert.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestConnection_ReadUntilIdleReset(t *testing.T) {
	sim := NewSimPort(func([]byte) []SimChunk {
		return Trickle("abcdef\n", 30*time.Millisecond)
	})
	conn := newTestConnection(t, sim, 80*time.Millisecond)

	require.NoError(t, conn.Write(context.Background(), []byte("q\n")))

	// Seven bytes at 30ms spacing take far longer than one 80ms window.
	buf, complete, err := conn.ReadUntil(context.Background(), 80*time.Millisecond, true, untilByte('\n'))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "abcdef\n", string(buf))
}

func TestConnection_ReadUntilAbsoluteDeadline(t *testing.T) {
	sim := NewSimPort(func([]byte) []SimChunk {
		return Trickle("abcdef\n", 30*time.Millisecond)
	})
	conn := newTestConnection(t, sim, 80*time.Millisecond)

	require.NoError(t, conn.Write(context.Background(), []byte("q\n")))

	buf, complete, err := conn.ReadUntil(context.Background(), 80*time.Millisecond, false, untilByte('\n'))
	require.NoError(t, err)
	assert.False(t, complete)
	assert.NotEmpty(t, buf)
	assert.True(t, bytes.HasPrefix([]byte("abcdef\n"), buf))
}

func TestConnection_CloseAbandonsRead(t *testing.T) {
	sim := NewSimPort(nil)
	conn := newTestConnection(t, sim, 10*time.Second)

	errCh := make(chan error, 1)
	go func() {
		_, _, err := conn.ReadUntil(context.Background(), 10*time.Second, false, untilByte('\n'))
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPortNotOpen)
	case <-time.After(time.Second):
		t.Fatal("read was not abandoned after close")
	}
}

func TestConnection_ContextCancelsRead(t *testing.T) {
	conn := newTestConnection(t, NewSimPort(nil), 10*time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, complete, err := conn.ReadUntil(ctx, 10*time.Second, false, untilByte('\n'))
	assert.False(t, complete)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConnection_Unplugged(t *testing.T) {
	sim := NewSimPort(nil)
	conn := newTestConnection(t, sim, time.Second)

	sim.Unplug()
	_, _, err := conn.ReadUntil(context.Background(), time.Second, false, untilByte('\n'))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSimUnplugged)
	assert.NotErrorIs(t, err, ErrPortNotOpen)
}

func TestConnection_TCPBridge(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	go func() {
		peer, err := listener.Accept()
		if err != nil {
			return
		}
		defer peer.Close()
		buf := make([]byte, 16)
		n, err := peer.Read(buf)
		if err != nil {
			return
		}
		if string(buf[:n]) == "@#\n" {
			_, _ = peer.Write([]byte("fetbox3\n"))
		}
		time.Sleep(100 * time.Millisecond)
	}()

	conn, err := NewConnection(&Config{Port: "tcp://" + listener.Addr().String(), BaudRate: 115200, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, conn.Open(context.Background()))
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), []byte("@#\n")))
	buf, complete, err := conn.ReadUntil(context.Background(), time.Second, true, untilByte('\n'))
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, "fetbox3\n", string(buf))
}
