// internal/discovery/probe.go
package discovery

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/internal/protocol/serial"
)

// ProbeConfig holds the line settings used to recognise devices.
type ProbeConfig struct {
	FETboxBaud     int
	FETboxTimeout  time.Duration
	DisableDTR     bool
	RegloBaud      int
	RegloTimeout   time.Duration
	RegloAddresses []int
	DataBits       int
	StopBits       int
	Parity         string
	// Opener claims ports; nil uses the platform serial driver.
	Opener serial.Opener
	// Skip reports ports that must not be probed, such as those held by a
	// connected device.
	Skip func(port string) bool
}

// ErrPortBusy is returned by Probe for a port that Skip excludes.
var ErrPortBusy = errors.New("port busy")

// DefaultProbeConfig returns the factory line settings of both device kinds.
func DefaultProbeConfig() ProbeConfig {
	return ProbeConfig{
		FETboxBaud:     115200,
		FETboxTimeout:  100 * time.Millisecond,
		DisableDTR:     true,
		RegloBaud:      9600,
		RegloTimeout:   100 * time.Millisecond,
		RegloAddresses: []int{1, 2, 3, 4},
		DataBits:       8,
		StopBits:       1,
		Parity:         "none",
	}
}

// Prober identifies the devices behind one port. Every probe opens its own
// short-timeout transport and closes it before returning, so probes never
// share a transport with each other or with a connected driver.
type Prober struct {
	config ProbeConfig
	logger *zap.Logger
}

// NewProber creates a prober
func NewProber(config ProbeConfig, logger *zap.Logger) *Prober {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Prober{config: config, logger: logger}
}

// Probe runs the FETbox probe and, if that finds nothing, the Ismatec probe.
func (p *Prober) Probe(ctx context.Context, port string) ([]*DiscoveredDevice, error) {
	if p.config.Skip != nil && p.config.Skip(port) {
		return nil, fmt.Errorf("%w: %s", ErrPortBusy, port)
	}
	fetbox, err := p.ProbeFETbox(ctx, port)
	if err != nil {
		return nil, err
	}
	if fetbox != nil {
		return []*DiscoveredDevice{fetbox}, nil
	}
	return p.ProbeIsmatec(ctx, port)
}

// ProbeFETbox sends the ID query at the FETbox baud rate.
func (p *Prober) ProbeFETbox(ctx context.Context, port string) (*DiscoveredDevice, error) {
	var found *DiscoveredDevice
	err := p.withTransport(ctx, port, p.config.FETboxBaud, p.config.FETboxTimeout, p.config.DisableDTR, func(r *protocol.Retrier) error {
		req, _ := protocol.NewRequest([]byte("@#\n"), protocol.Terminator('\n'))
		payload, _, err := r.Query(ctx, req)
		if err != nil {
			return err
		}
		reply := strings.TrimSpace(string(payload))
		if !strings.HasPrefix(reply, "fetbox") {
			p.logger.Debug("No FETbox on port", zap.String("port", port))
			return nil
		}
		id, err := strconv.Atoi(reply[len("fetbox"):])
		if err != nil {
			p.logger.Warn("FETbox reply without a valid ID", zap.String("port", port), zap.String("reply", reply))
			return nil
		}
		found = &DiscoveredDevice{
			Port:       port,
			Kind:       model.DeviceKindFETbox,
			Address:    id,
			Identity:   reply,
			Confidence: 1,
		}
		p.logger.Info("FETbox detected", zap.String("port", port), zap.Int("fetbox_id", id))
		return nil
	})
	return found, err
}

// ProbeIsmatec asks every configured address for its name and keeps those
// naming a Reglo ICC or Reglo Digital.
func (p *Prober) ProbeIsmatec(ctx context.Context, port string) ([]*DiscoveredDevice, error) {
	var found []*DiscoveredDevice
	err := p.withTransport(ctx, port, p.config.RegloBaud, p.config.RegloTimeout, false, func(r *protocol.Retrier) error {
		for _, addr := range p.config.RegloAddresses {
			req, _ := protocol.NewRequest([]byte(fmt.Sprintf("%d#\r", addr)), protocol.Terminator('\n'))
			payload, _, err := r.Query(ctx, req)
			if err != nil {
				return err
			}
			name := strings.TrimSpace(string(payload))

			var kind model.DeviceKind
			switch {
			case strings.Contains(name, "ICC"):
				kind = model.DeviceKindRegloICC
			case strings.Contains(name, "Digital"):
				kind = model.DeviceKindRegloDigital
			default:
				continue
			}
			found = append(found, &DiscoveredDevice{
				Port:       port,
				Kind:       kind,
				Address:    addr,
				Identity:   name,
				Confidence: 1,
			})
			p.logger.Info("Ismatec pump detected",
				zap.String("port", port),
				zap.Int("address", addr),
				zap.String("kind", string(kind)),
			)
		}
		return nil
	})
	return found, err
}

func (p *Prober) withTransport(ctx context.Context, port string, baud int, timeout time.Duration, disableDTR bool, probe func(*protocol.Retrier) error) error {
	cfg := &serial.Config{
		Port:       port,
		BaudRate:   baud,
		DataBits:   p.config.DataBits,
		StopBits:   p.config.StopBits,
		Parity:     p.config.Parity,
		Timeout:    timeout,
		DisableDTR: disableDTR,
	}
	opts := []protocol.TransportOption{protocol.WithQueueSize(1)}
	if p.config.Opener != nil {
		opts = append(opts, protocol.WithOpener(p.config.Opener))
	}

	tr, err := protocol.NewTransport(cfg, p.logger, opts...)
	if err != nil {
		return err
	}
	if err := tr.Open(ctx); err != nil {
		return err
	}
	defer tr.Close()

	// a probe is a single question; silence means nothing is there
	return probe(protocol.NewRetrier(tr, 1))
}
