// internal/discovery/probe_test.go
package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/simulator"
)

func newTestProber(bench *simulator.Bench) *Prober {
	cfg := DefaultProbeConfig()
	cfg.FETboxTimeout = 30 * time.Millisecond
	cfg.RegloTimeout = 30 * time.Millisecond
	cfg.RegloAddresses = []int{1, 2, 3}
	cfg.Opener = bench.Opener(nil)
	return NewProber(cfg, zap.NewNop())
}

func TestProber_FETbox(t *testing.T) {
	bench := simulator.NewBench()
	prober := newTestProber(bench)

	devices, err := prober.Probe(context.Background(), "sim://fetbox/7")
	require.NoError(t, err)
	require.Len(t, devices, 1)

	d := devices[0]
	assert.Equal(t, model.DeviceKindFETbox, d.Kind)
	assert.Equal(t, 7, d.Address)
	assert.Equal(t, "fetbox7", d.Identity)

	port, err := bench.Port("sim://fetbox/7")
	require.NoError(t, err)
	assert.Equal(t, []byte("@#\n"), port.Written()[0])
	assert.False(t, port.DTR())
}

func TestProber_Reglo(t *testing.T) {
	bench := simulator.NewBench()
	prober := newTestProber(bench)

	devices, err := prober.Probe(context.Background(), "sim://reglo/1,3")
	require.NoError(t, err)
	require.Len(t, devices, 2)

	assert.Equal(t, model.DeviceKindRegloDigital, devices[0].Kind)
	assert.Equal(t, 1, devices[0].Address)
	assert.Contains(t, devices[0].Identity, "Digital")
	assert.Equal(t, 3, devices[1].Address)
}

func TestProber_Empty(t *testing.T) {
	bench := simulator.NewBench()
	prober := newTestProber(bench)

	devices, err := prober.Probe(context.Background(), "sim://empty")
	require.NoError(t, err)
	assert.Empty(t, devices)

	// one id query, then one name query per configured address
	port, err := bench.Port("sim://empty")
	require.NoError(t, err)
	written := port.Written()
	require.Len(t, written, 4)
	assert.Equal(t, []byte("1#\r"), written[1])
	assert.Equal(t, []byte("3#\r"), written[3])
}

func TestProber_UnavailablePort(t *testing.T) {
	bench := simulator.NewBench()
	prober := newTestProber(bench)

	_, err := prober.Probe(context.Background(), "sim://bogus")
	assert.Error(t, err)
}

func TestCheckUniqueFETboxIDs(t *testing.T) {
	devices := []*DiscoveredDevice{
		{Port: "/dev/ttyUSB0", Kind: model.DeviceKindFETbox, Address: 1},
		{Port: "/dev/ttyUSB1", Kind: model.DeviceKindRegloDigital, Address: 1},
		{Port: "/dev/ttyUSB2", Kind: model.DeviceKindFETbox, Address: 2},
	}
	assert.NoError(t, CheckUniqueFETboxIDs(devices))

	devices = append(devices, &DiscoveredDevice{Port: "/dev/ttyUSB3", Kind: model.DeviceKindFETbox, Address: 2})
	err := CheckUniqueFETboxIDs(devices)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/ttyUSB2")
	assert.Contains(t, err.Error(), "/dev/ttyUSB3")
}

func TestProber_SkipsBusyPorts(t *testing.T) {
	bench := simulator.NewBench()
	cfg := DefaultProbeConfig()
	cfg.Opener = bench.Opener(nil)
	cfg.Skip = func(port string) bool { return port == "sim://fetbox/1" }
	prober := NewProber(cfg, zap.NewNop())

	_, err := prober.Probe(context.Background(), "sim://fetbox/1")
	assert.ErrorIs(t, err, ErrPortBusy)
	assert.Empty(t, bench.Names())
}
