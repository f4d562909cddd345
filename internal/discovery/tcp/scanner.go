// internal/discovery/tcp/scanner.go
package tcp

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"plateflo/internal/discovery"
)

const scheme = "tcp://"

// Scanner probes serial-over-TCP bridges such as ser2net
type Scanner struct {
	logger *zap.Logger
	config *Config
	prober *discovery.Prober
}

// Config for TCP scanner
type Config struct {
	ScanTimeout time.Duration `json:"scan_timeout"`
	// Bridges are host:port addresses, with or without the tcp:// prefix.
	Bridges []string `json:"bridges"`
}

// NewScanner creates a new TCP scanner
func NewScanner(logger *zap.Logger, config *Config, prober *discovery.Prober) *Scanner {
	if config == nil {
		config = &Config{ScanTimeout: 30 * time.Second}
	}

	return &Scanner{
		logger: logger.With(zap.String("scanner", "tcp")),
		config: config,
		prober: prober,
	}
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "tcp"
}

// IsAvailable reports whether any bridge is configured
func (s *Scanner) IsAvailable() bool {
	return s.prober != nil && len(s.config.Bridges) > 0
}

// Scan probes each configured bridge
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	if s.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ScanTimeout)
		defer cancel()
	}

	s.logger.Info("Starting bridge scan", zap.Int("bridges", len(s.config.Bridges)))

	var discovered []*discovery.DiscoveredDevice
	for _, bridge := range s.config.Bridges {
		if err := ctx.Err(); err != nil {
			return discovered, err
		}

		port := PortName(bridge)
		devices, err := s.prober.Probe(ctx, port)
		if err != nil {
			s.logger.Warn("Bridge unreachable", zap.String("bridge", port), zap.Error(err))
			continue
		}
		for _, device := range devices {
			device.Scanner = s.GetScannerType()
		}
		discovered = append(discovered, devices...)
	}

	s.logger.Info("Bridge scan completed", zap.Int("devices_found", len(discovered)))
	return discovered, nil
}

// PortName normalizes a bridge address to a tcp:// port name
func PortName(bridge string) string {
	if strings.HasPrefix(bridge, scheme) {
		return bridge
	}
	return scheme + bridge
}
