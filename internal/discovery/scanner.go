// internal/discovery/scanner.go
package discovery

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"plateflo/internal/model"
)

// DeviceScanner interface - Strategy Pattern
type DeviceScanner interface {
	Scan(ctx context.Context) ([]*DiscoveredDevice, error)
	GetScannerType() string
	IsAvailable() bool
}

// DiscoveredDevice represents a device that answered a probe
type DiscoveredDevice struct {
	Port string           `json:"port"`
	Kind model.DeviceKind `json:"kind"`
	// Address is the firmware ID of a FETbox or the bus address of a pump.
	Address    int      `json:"address"`
	Identity   string   `json:"identity"`
	Scanner    string   `json:"scanner"`
	USB        *USBInfo `json:"usb,omitempty"`
	Confidence float64  `json:"confidence"` // 0.0-1.0
}

// USBInfo describes the USB-serial adapter behind a port
type USBInfo struct {
	VendorID     string `json:"vendor_id"`
	ProductID    string `json:"product_id"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
	Adapter      string `json:"adapter,omitempty"`
}

// ScannerManager manages all device scanners - Facade Pattern
type ScannerManager struct {
	scanners map[string]DeviceScanner
	logger   *zap.Logger
}

// NewScannerManager creates a new scanner manager
func NewScannerManager(logger *zap.Logger) *ScannerManager {
	return &ScannerManager{
		scanners: make(map[string]DeviceScanner),
		logger:   logger,
	}
}

// RegisterScanner registers a device scanner
func (sm *ScannerManager) RegisterScanner(scanner DeviceScanner) {
	scannerType := scanner.GetScannerType()
	sm.scanners[scannerType] = scanner
	sm.logger.Info("Scanner registered", zap.String("type", scannerType))
}

// ScanAll scans all registered scanner types. A failing scanner is logged
// and skipped.
func (sm *ScannerManager) ScanAll(ctx context.Context) ([]*DiscoveredDevice, error) {
	var allDevices []*DiscoveredDevice

	for _, scannerType := range sm.types() {
		scanner := sm.scanners[scannerType]
		if !scanner.IsAvailable() {
			sm.logger.Debug("Scanner not available, skipping", zap.String("type", scannerType))
			continue
		}

		devices, err := scanner.Scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return allDevices, ctx.Err()
			}
			sm.logger.Error("Scanner failed", zap.String("type", scannerType), zap.Error(err))
			continue
		}

		allDevices = append(allDevices, devices...)
		sm.logger.Info("Scanner completed",
			zap.String("type", scannerType),
			zap.Int("devices_found", len(devices)),
		)
	}

	return allDevices, nil
}

// ScanByType scans specific scanner type
func (sm *ScannerManager) ScanByType(ctx context.Context, scannerType string) ([]*DiscoveredDevice, error) {
	scanner, exists := sm.scanners[scannerType]
	if !exists {
		return nil, fmt.Errorf("scanner type not found: %s", scannerType)
	}

	if !scanner.IsAvailable() {
		return nil, fmt.Errorf("scanner not available: %s", scannerType)
	}

	return scanner.Scan(ctx)
}

// GetAvailableScanners returns list of available scanner types
func (sm *ScannerManager) GetAvailableScanners() []string {
	var available []string
	for _, scannerType := range sm.types() {
		if sm.scanners[scannerType].IsAvailable() {
			available = append(available, scannerType)
		}
	}
	return available
}

func (sm *ScannerManager) types() []string {
	types := make([]string, 0, len(sm.scanners))
	for t := range sm.scanners {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// CheckUniqueFETboxIDs fails when two FETboxes report the same firmware ID.
// Drivers are keyed by that ID, so duplicates must be reflashed first.
func CheckUniqueFETboxIDs(devices []*DiscoveredDevice) error {
	seen := make(map[int]string)
	for _, d := range devices {
		if d.Kind != model.DeviceKindFETbox {
			continue
		}
		if port, dup := seen[d.Address]; dup {
			return fmt.Errorf("FETboxes on %s and %s share ID %d, change the ID in firmware", port, d.Port, d.Address)
		}
		seen[d.Address] = d.Port
	}
	return nil
}
