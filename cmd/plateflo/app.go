// cmd/plateflo/app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"plateflo/internal/config"
	"plateflo/internal/driver"
	"plateflo/internal/handler"
	"plateflo/internal/protocol"
	"plateflo/internal/repository"
	"plateflo/internal/routes"
	"plateflo/internal/scheduler"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// Application represents the running service
type Application struct {
	config   *config.Config
	logger   *zap.Logger
	server   *http.Server
	registry *prometheus.Registry
	eventBus *handler.EventBus

	// Services
	deviceService    *service.DeviceService
	operationService *service.OperationService
	discoveryService *service.DiscoveryService
	scheduleService  *service.ScheduleService

	// Repositories
	deviceRepo    repository.DeviceRepository
	operationRepo repository.OperationRepository

	// Driver registry
	driverRegistry *driver.Registry
}

// NewApplication wires every component. withHTTP is false for the one-shot
// commands, which only need the services.
func NewApplication(cfg *config.Config, logger *zap.Logger, withHTTP bool) (*Application, error) {
	app := &Application{
		config:   cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		eventBus: handler.NewEventBus(logger),
	}
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	app.initializeRepositories()
	app.initializeDriverRegistry()
	app.initializeServices()
	if withHTTP {
		app.initializeServer()
	}
	return app, nil
}

// initializeRepositories creates repository instances
func (app *Application) initializeRepositories() {
	app.deviceRepo = repository.NewDeviceRepository(app.logger)
	app.operationRepo = repository.NewOperationRepository(app.logger)

	app.logger.Info("Repositories initialized successfully")
}

// initializeDriverRegistry sets up device driver registry
func (app *Application) initializeDriverRegistry() {
	app.driverRegistry = driver.NewRegistry(app.logger)
	driver.RegisterDefaultDrivers(app.driverRegistry, app.logger)

	app.logger.Info("Driver registry initialized successfully",
		zap.Int("registered_drivers", len(app.driverRegistry.ListDrivers())),
	)
}

// initializeServices creates service instances
func (app *Application) initializeServices() {
	app.deviceService = service.NewDeviceService(
		app.deviceRepo,
		app.operationRepo,
		app.driverRegistry,
		app.config,
		app.logger,
		service.WithPublisher(app.eventBus),
		service.WithMetrics(protocol.NewMetricsObserver(app.registry)),
		service.WithOpener(portOpener()),
		service.WithTransportEvents(app.config.Device.PublishExchanges),
	)

	app.operationService = service.NewOperationService(
		app.operationRepo,
		app.deviceService,
		app.config,
		app.logger,
	)

	app.discoveryService = service.NewDiscoveryService(
		app.deviceService,
		app.config,
		app.logger,
	)

	app.scheduleService = service.NewScheduleService(
		scheduler.New(app.logger),
		app.operationService,
		app.config,
		app.logger,
	)

	app.logger.Info("Services initialized successfully")
}

// initializeServer sets up HTTP server and routes
func (app *Application) initializeServer() {
	routerManager := routes.NewRouter(
		app.config,
		app.logger,
		app.registry,
		app.eventBus,
		app.deviceService,
		app.operationService,
		app.discoveryService,
		app.scheduleService,
	)

	app.server = &http.Server{
		Addr:         app.config.GetServerAddr(),
		Handler:      routerManager.SetupRouter(),
		ReadTimeout:  app.config.Server.ReadTimeout,
		WriteTimeout: app.config.Server.WriteTimeout,
		IdleTimeout:  app.config.Server.IdleTimeout,
	}

	app.logger.Info("HTTP server initialized", zap.String("address", app.config.GetServerAddr()))
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (app *Application) Run(ctx context.Context) error {
	serviceLogger := utils.NewServiceLogger(app.logger, "plateflo")
	serviceLogger.LogServiceStart(app.config.App.Version, app.config)

	app.startBackgroundServices(ctx)

	serverErr := make(chan error, 1)
	go func() {
		app.logger.Info("Starting HTTP server", zap.String("address", app.server.Addr))
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		serviceLogger.LogServiceStop("shutdown signal received")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP server failed: %w", err)
			serviceLogger.LogServiceStop(err.Error())
		}
	}

	app.shutdown()
	return runErr
}

// startBackgroundServices starts the event bus, the scheduler and, when
// configured, auto-connect.
func (app *Application) startBackgroundServices(ctx context.Context) {
	go app.eventBus.Start(ctx)
	go app.scheduleService.Run(ctx)

	if id, err := app.scheduleService.ScheduleMaintenance(); err != nil {
		app.logger.Error("Failed to schedule operation pruning", zap.Error(err))
	} else if id > 0 {
		app.logger.Info("Operation pruning scheduled",
			zap.Int("event_id", id),
			zap.Duration("retention", app.config.Device.OperationRetention),
		)
	}

	if app.config.Discovery.AutoConnect {
		go func() {
			result, err := app.discoveryService.AutoConnect(ctx)
			if err != nil {
				app.logger.Error("Auto-connect failed", zap.Error(err))
			}
			if result != nil {
				app.logger.Info("Auto-connect completed",
					zap.Int("connected", len(result.Connected)),
					zap.Int("failed", len(result.Failed)),
				)
			}
		}()
	}

	app.logger.Info("Background services started")
}

// shutdown stops the HTTP server and releases every serial port
func (app *Application) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if app.server != nil {
		if err := app.server.Shutdown(ctx); err != nil {
			app.logger.Error("HTTP server shutdown error", zap.Error(err))
		} else {
			app.logger.Info("HTTP server stopped")
		}
	}

	app.deviceService.Shutdown(ctx)

	if err := utils.CloseLogger(app.logger); err != nil {
		app.logger.Debug("Logger sync failed", zap.Error(err))
	}
}
