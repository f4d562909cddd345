// internal/handler/discovery_handler.go
package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// DiscoveryHandler handles device discovery requests
type DiscoveryHandler struct {
	discoveryService *service.DiscoveryService
	logger           *utils.ServiceLogger
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(discoveryService *service.DiscoveryService, logger *zap.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{
		discoveryService: discoveryService,
		logger:           utils.NewServiceLogger(logger, "discovery-handler"),
	}
}

// ScanDevices probes the serial ports for FETboxes and pumps. The optional
// scanner query parameter restricts the scan to one scanner.
func (h *DiscoveryHandler) ScanDevices(c *gin.Context) {
	scanner := c.Query("scanner")

	result, err := h.discoveryService.ScanDevices(c.Request.Context(), scanner)
	if err != nil {
		logFailure(c, h.logger, "Failed to scan devices", err, zap.String("scanner", scanner))
		respondError(c, "Failed to scan devices", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Device scan completed", gin.H{
		"devices_found": len(result.Devices),
		"scan":          result,
	})
}

// AutoConnect scans, then registers and connects everything found
func (h *DiscoveryHandler) AutoConnect(c *gin.Context) {
	result, err := h.discoveryService.AutoConnect(c.Request.Context())
	if err != nil && result == nil {
		respondError(c, "Auto-connect failed", err)
		return
	}
	if err != nil {
		// Conflicting FETbox IDs; the result still says what was connected.
		utils.PartialResponse(c, http.StatusConflict, "Auto-connect found conflicting devices", err, result)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Auto-connect completed", result)
}

// GetAvailableScanners lists the registered scanners that can run here
func (h *DiscoveryHandler) GetAvailableScanners(c *gin.Context) {
	scanners := h.discoveryService.GetAvailableScanners()
	utils.SuccessResponse(c, http.StatusOK, "Available scanners retrieved", gin.H{
		"scanners": scanners,
		"count":    len(scanners),
	})
}

// GetLastScan returns the result of the most recent scan
func (h *DiscoveryHandler) GetLastScan(c *gin.Context) {
	result := h.discoveryService.LastScan()
	if result == nil {
		utils.ErrorResponse(c, http.StatusNotFound, "No scan has run yet", nil)
		return
	}
	utils.SuccessResponse(c, http.StatusOK, "Last scan retrieved", result)
}
