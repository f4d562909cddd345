// internal/discovery/scanner_test.go
package discovery

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plateflo/internal/model"
)

type stubScanner struct {
	kind      string
	available bool
	devices   []*DiscoveredDevice
	err       error
}

func (s *stubScanner) Scan(context.Context) ([]*DiscoveredDevice, error) { return s.devices, s.err }
func (s *stubScanner) GetScannerType() string                           { return s.kind }
func (s *stubScanner) IsAvailable() bool                                { return s.available }

func TestScannerManager_ScanAll(t *testing.T) {
	sm := NewScannerManager(zap.NewNop())
	sm.RegisterScanner(&stubScanner{kind: "serial", available: true, devices: []*DiscoveredDevice{
		{Port: "/dev/ttyUSB0", Kind: model.DeviceKindFETbox},
	}})
	sm.RegisterScanner(&stubScanner{kind: "tcp", available: true, err: errors.New("boom")})
	sm.RegisterScanner(&stubScanner{kind: "offline", available: false, devices: []*DiscoveredDevice{{}}})

	devices, err := sm.ScanAll(context.Background())
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "/dev/ttyUSB0", devices[0].Port)

	assert.Equal(t, []string{"serial", "tcp"}, sm.GetAvailableScanners())
}

func TestScannerManager_ScanByType(t *testing.T) {
	sm := NewScannerManager(zap.NewNop())
	sm.RegisterScanner(&stubScanner{kind: "offline"})

	_, err := sm.ScanByType(context.Background(), "missing")
	assert.Error(t, err)
	_, err = sm.ScanByType(context.Background(), "offline")
	assert.Error(t, err)
}
