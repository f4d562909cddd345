// internal/discovery/tcp/scanner_test.go
package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plateflo/internal/discovery"
	"plateflo/internal/model"
)

// serveFETbox answers the id query like a FETbox behind ser2net.
func serveFETbox(t *testing.T) string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 64)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					if string(buf[:n]) == "@#\n" {
						c.Write([]byte("fetbox4\r\n"))
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func TestScanner_Bridge(t *testing.T) {
	addr := serveFETbox(t)

	probeCfg := discovery.DefaultProbeConfig()
	probeCfg.FETboxTimeout = 200 * time.Millisecond
	s := NewScanner(zap.NewNop(), &Config{ScanTimeout: 5 * time.Second, Bridges: []string{addr}}, discovery.NewProber(probeCfg, zap.NewNop()))

	require.True(t, s.IsAvailable())
	devices, err := s.Scan(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, model.DeviceKindFETbox, devices[0].Kind)
	assert.Equal(t, 4, devices[0].Address)
	assert.Equal(t, "tcp://"+addr, devices[0].Port)
	assert.Equal(t, "tcp", devices[0].Scanner)
}

func TestScanner_NoBridges(t *testing.T) {
	s := NewScanner(zap.NewNop(), nil, discovery.NewProber(discovery.DefaultProbeConfig(), zap.NewNop()))
	assert.False(t, s.IsAvailable())
}

func TestPortName(t *testing.T) {
	assert.Equal(t, "tcp://host:2000", PortName("host:2000"))
	assert.Equal(t, "tcp://host:2000", PortName("tcp://host:2000"))
}
