// internal/discovery/serial/scanner.go
package serial

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"
	"time"

	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"

	"plateflo/internal/discovery"
	"plateflo/internal/discovery/usb"
)

// PortLister enumerates the serial ports present on the system
type PortLister func() ([]*enumerator.PortDetails, error)

// Scanner implements serial port device scanning
type Scanner struct {
	logger   *zap.Logger
	config   *Config
	prober   *discovery.Prober
	database *usb.DeviceDatabase
	lister   PortLister
}

// Config for serial scanner
type Config struct {
	ScanTimeout  time.Duration `json:"scan_timeout"`
	PortPatterns []string      `json:"port_patterns"`
	// SimulatedPorts are probed in addition to the enumerated ones.
	SimulatedPorts []string `json:"simulated_ports"`
	// KnownAdaptersOnly skips USB ports whose adapter is not in the database.
	KnownAdaptersOnly bool `json:"known_adapters_only"`
}

// NewScanner creates a new serial scanner
func NewScanner(logger *zap.Logger, config *Config, prober *discovery.Prober) *Scanner {
	if config == nil {
		config = &Config{
			ScanTimeout:  30 * time.Second,
			PortPatterns: getDefaultPortPatterns(),
		}
	}

	return &Scanner{
		logger:   logger.With(zap.String("scanner", "serial")),
		config:   config,
		prober:   prober,
		database: usb.NewDeviceDatabase(),
		lister:   enumerator.GetDetailedPortsList,
	}
}

// WithLister replaces port enumeration
func (s *Scanner) WithLister(lister PortLister) *Scanner {
	s.lister = lister
	return s
}

// GetScannerType returns scanner type
func (s *Scanner) GetScannerType() string {
	return "serial"
}

// IsAvailable checks if serial scanning is available
func (s *Scanner) IsAvailable() bool {
	return s.prober != nil
}

// Scan probes every matching port for FETboxes and Ismatec pumps
func (s *Scanner) Scan(ctx context.Context) ([]*discovery.DiscoveredDevice, error) {
	if s.config.ScanTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ScanTimeout)
		defer cancel()
	}

	candidates, err := s.candidates()
	if err != nil {
		return nil, err
	}
	s.logger.Info("Starting serial scan", zap.Int("ports", len(candidates)))

	var discovered []*discovery.DiscoveredDevice
	for _, candidate := range candidates {
		if err := ctx.Err(); err != nil {
			return discovered, err
		}

		devices, err := s.prober.Probe(ctx, candidate.name)
		if err != nil {
			s.logger.Debug("Port probe failed", zap.String("port", candidate.name), zap.Error(err))
			continue
		}
		for _, device := range devices {
			device.Scanner = s.GetScannerType()
			device.USB = candidate.usb
		}
		discovered = append(discovered, devices...)
	}

	s.logger.Info("Serial scan completed", zap.Int("devices_found", len(discovered)))
	return discovered, nil
}

type candidate struct {
	name string
	usb  *discovery.USBInfo
}

func (s *Scanner) candidates() ([]candidate, error) {
	ports, err := s.lister()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	var out []candidate
	for _, port := range ports {
		if !s.matches(port.Name) {
			continue
		}

		c := candidate{name: port.Name}
		if port.IsUSB {
			c.usb = &discovery.USBInfo{
				VendorID:     port.VID,
				ProductID:    port.PID,
				SerialNumber: port.SerialNumber,
				Product:      port.Product,
			}
			if info, ok := s.database.Lookup(port.VID, port.PID); ok {
				c.usb.Adapter = info.Name
			} else if s.config.KnownAdaptersOnly {
				s.logger.Debug("Skipping unknown USB adapter",
					zap.String("port", port.Name),
					zap.String("vid", port.VID),
					zap.String("pid", port.PID),
				)
				continue
			}
		} else if s.config.KnownAdaptersOnly {
			continue
		}
		out = append(out, c)
	}

	for _, name := range s.config.SimulatedPorts {
		out = append(out, candidate{name: name})
	}
	return out, nil
}

func (s *Scanner) matches(name string) bool {
	if len(s.config.PortPatterns) == 0 {
		return true
	}
	for _, pattern := range s.config.PortPatterns {
		if ok, _ := filepath.Match(pattern, name); ok {
			return true
		}
	}
	return false
}

// getDefaultPortPatterns returns platform-specific port patterns
func getDefaultPortPatterns() []string {
	switch runtime.GOOS {
	case "windows":
		return []string{"COM*"}
	case "darwin":
		return []string{"/dev/cu.usbserial*", "/dev/cu.usbmodem*", "/dev/cu.wchusbserial*"}
	default:
		return []string{"/dev/ttyUSB*", "/dev/ttyACM*"}
	}
}
