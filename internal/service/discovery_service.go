// internal/service/discovery_service.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"plateflo/internal/config"
	"plateflo/internal/discovery"
	serialscan "plateflo/internal/discovery/serial"
	tcpscan "plateflo/internal/discovery/tcp"
	"plateflo/internal/model"
	"plateflo/internal/repository"
	"plateflo/internal/utils"
)

// ErrScanInProgress is returned when a scan is requested during another
var ErrScanInProgress = errors.New("scan already in progress")

// DiscoveryService handles device discovery
type DiscoveryService struct {
	scannerManager *discovery.ScannerManager
	deviceService  *DeviceService
	config         *config.Config
	logger         *utils.ServiceLogger

	scanMutex sync.Mutex
	mutex     sync.RWMutex
	lastScan  *ScanResult
}

// ScanResult is the outcome of one discovery run
type ScanResult struct {
	ScanID    uuid.UUID                     `json:"scan_id"`
	Scanner   string                        `json:"scanner,omitempty"`
	StartedAt time.Time                     `json:"started_at"`
	Duration  string                        `json:"duration"`
	Devices   []*discovery.DiscoveredDevice `json:"devices"`
	// Warning is set when the scan found conflicting FETbox IDs
	Warning string `json:"warning,omitempty"`
}

// AutoConnectResult lists what auto-connect did with each discovered device
type AutoConnectResult struct {
	Scan      *ScanResult       `json:"scan"`
	Connected []*model.Device   `json:"connected"`
	Failed    map[string]string `json:"failed,omitempty"`
}

// DiscoveryOption customizes the scanners of a DiscoveryService
type DiscoveryOption func(*discoveryOptions)

type discoveryOptions struct {
	lister serialscan.PortLister
}

// WithPortLister replaces serial port enumeration
func WithPortLister(lister serialscan.PortLister) DiscoveryOption {
	return func(o *discoveryOptions) {
		o.lister = lister
	}
}

// NewDiscoveryService creates a discovery service with the serial and
// bridge scanners. Ports held by connected devices are never probed.
func NewDiscoveryService(deviceService *DeviceService, config *config.Config, logger *zap.Logger, opts ...DiscoveryOption) *DiscoveryService {
	var options discoveryOptions
	for _, opt := range opts {
		opt(&options)
	}

	probeConfig := discovery.ProbeConfig{
		FETboxBaud:     config.FETbox.BaudRate,
		FETboxTimeout:  config.FETbox.ProbeTimeout,
		DisableDTR:     config.FETbox.DisableDTR,
		RegloBaud:      config.Reglo.BaudRate,
		RegloTimeout:   config.Reglo.ProbeTimeout,
		RegloAddresses: config.Reglo.Addresses,
		DataBits:       config.Serial.DataBits,
		StopBits:       config.Serial.StopBits,
		Parity:         config.Serial.Parity,
		Opener:         deviceService.opener,
		Skip:           deviceService.InUse,
	}
	prober := discovery.NewProber(probeConfig, logger)

	manager := discovery.NewScannerManager(logger)
	serialScanner := serialscan.NewScanner(logger, &serialscan.Config{
		ScanTimeout:    config.Discovery.ScanTimeout,
		PortPatterns:   config.Discovery.PortPatterns,
		SimulatedPorts: config.Discovery.SimulatedPorts,
	}, prober)
	if options.lister != nil {
		serialScanner.WithLister(options.lister)
	}
	manager.RegisterScanner(serialScanner)
	manager.RegisterScanner(tcpscan.NewScanner(logger, &tcpscan.Config{
		ScanTimeout: config.Discovery.ScanTimeout,
		Bridges:     config.Discovery.Bridges,
	}, prober))

	return NewDiscoveryServiceWithManager(manager, deviceService, config, logger)
}

// NewDiscoveryServiceWithManager creates a discovery service over manager
func NewDiscoveryServiceWithManager(manager *discovery.ScannerManager, deviceService *DeviceService, config *config.Config, logger *zap.Logger) *DiscoveryService {
	return &DiscoveryService{
		scannerManager: manager,
		deviceService:  deviceService,
		config:         config,
		logger:         utils.NewServiceLogger(logger, "discovery-service"),
	}
}

// ScanDevices runs every available scanner, or only scannerType when set
func (s *DiscoveryService) ScanDevices(ctx context.Context, scannerType string) (*ScanResult, error) {
	if !s.scanMutex.TryLock() {
		return nil, ErrScanInProgress
	}
	defer s.scanMutex.Unlock()

	result := &ScanResult{ScanID: uuid.New(), Scanner: scannerType, StartedAt: time.Now()}
	s.logger.Info("Starting device discovery", zap.String("scan_id", result.ScanID.String()), zap.String("scanner", scannerType))

	var (
		devices []*discovery.DiscoveredDevice
		err     error
	)
	if scannerType == "" {
		devices, err = s.scannerManager.ScanAll(ctx)
	} else {
		devices, err = s.scannerManager.ScanByType(ctx, scannerType)
	}
	if err != nil {
		return nil, fmt.Errorf("device scan failed: %w", err)
	}

	if devices == nil {
		devices = []*discovery.DiscoveredDevice{}
	}
	result.Devices = devices
	result.Duration = time.Since(result.StartedAt).String()
	if err := discovery.CheckUniqueFETboxIDs(devices); err != nil {
		result.Warning = err.Error()
	}

	s.mutex.Lock()
	s.lastScan = result
	s.mutex.Unlock()

	s.logger.Info("Device discovery completed",
		zap.String("scan_id", result.ScanID.String()),
		zap.Int("devices_found", len(devices)),
		zap.String("duration", result.Duration),
	)
	return result, nil
}

// LastScan returns the most recent scan result, or nil
func (s *DiscoveryService) LastScan() *ScanResult {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.lastScan
}

// GetAvailableScanners lists the scanner types that can run
func (s *DiscoveryService) GetAvailableScanners() []string {
	return s.scannerManager.GetAvailableScanners()
}

// AutoConnect scans, registers new devices and connects them. It refuses to
// connect anything when two FETboxes report the same ID.
func (s *DiscoveryService) AutoConnect(ctx context.Context) (*AutoConnectResult, error) {
	scan, err := s.ScanDevices(ctx, "")
	if err != nil {
		return nil, err
	}
	if err := discovery.CheckUniqueFETboxIDs(scan.Devices); err != nil {
		return &AutoConnectResult{Scan: scan}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}

	result := &AutoConnectResult{Scan: scan, Connected: []*model.Device{}, Failed: map[string]string{}}
	for _, found := range scan.Devices {
		key := fmt.Sprintf("%s#%d", found.Port, found.Address)

		device, err := s.findOrRegister(ctx, found)
		if err != nil {
			result.Failed[key] = err.Error()
			continue
		}
		device, err = s.deviceService.ConnectDevice(ctx, device.ID)
		if err != nil {
			result.Failed[key] = err.Error()
			continue
		}
		result.Connected = append(result.Connected, device)
	}

	s.logger.Info("Auto-connect completed",
		zap.Int("connected", len(result.Connected)),
		zap.Int("failed", len(result.Failed)),
	)
	return result, nil
}

// findOrRegister returns the registered device at the discovered port and
// address, registering it first if needed.
func (s *DiscoveryService) findOrRegister(ctx context.Context, found *discovery.DiscoveredDevice) (*model.Device, error) {
	// A FETbox always sits at address 0; its firmware ID is only identity.
	address, name := found.Address, ""
	if found.Kind == model.DeviceKindFETbox {
		address, name = 0, found.Identity
	}

	device, err := s.deviceService.deviceRepo.GetByPortAddress(ctx, found.Port, address)
	if err == nil {
		return device, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	return s.deviceService.RegisterDevice(ctx, &RegisterDeviceRequest{
		Name:    name,
		Kind:    found.Kind,
		Port:    found.Port,
		Address: address,
	})
}
