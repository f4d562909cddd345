// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"plateflo/internal/driver/fetbox"
	"plateflo/internal/driver/icc"
	"plateflo/internal/driver/reglo"
	"plateflo/internal/model"
)

// RegisterDefaultDrivers registers all default device drivers
func RegisterDefaultDrivers(registry *Registry, logger *zap.Logger) {
	registry.Register(model.DeviceKindFETbox, fetbox.NewDriver)
	registry.Register(model.DeviceKindRegloDigital, reglo.NewDriver)
	registry.Register(model.DeviceKindRegloICC, icc.NewDriver)

	logger.Info("Default drivers registered", zap.Int("kinds", len(registry.ListDrivers())))
}
