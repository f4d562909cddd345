// internal/routes/routes.go
package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"plateflo/internal/config"
	"plateflo/internal/handler"
	"plateflo/internal/middleware"
	"plateflo/internal/service"
	"plateflo/internal/utils"
)

// Router holds all dependencies for routing
type Router struct {
	config           *config.Config
	logger           *zap.Logger
	registry         *prometheus.Registry
	eventBus         *handler.EventBus
	deviceService    *service.DeviceService
	operationService *service.OperationService
	discoveryService *service.DiscoveryService
	scheduleService  *service.ScheduleService
}

// NewRouter creates a new router instance. registry receives the HTTP
// metrics and is served on /metrics.
func NewRouter(
	config *config.Config,
	logger *zap.Logger,
	registry *prometheus.Registry,
	eventBus *handler.EventBus,
	deviceService *service.DeviceService,
	operationService *service.OperationService,
	discoveryService *service.DiscoveryService,
	scheduleService *service.ScheduleService,
) *Router {
	return &Router{
		config:           config,
		logger:           logger,
		registry:         registry,
		eventBus:         eventBus,
		deviceService:    deviceService,
		operationService: operationService,
		discoveryService: discoveryService,
		scheduleService:  scheduleService,
	}
}

// SetupRouter creates and configures the Gin router
func (r *Router) SetupRouter() *gin.Engine {
	if r.config.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	r.addMiddleware(router)
	r.addRoutes(router)
	return router
}

// addMiddleware adds middleware to the router
func (r *Router) addMiddleware(router *gin.Engine) {
	router.Use(middleware.RecoveryMiddleware(r.logger))
	router.Use(middleware.RequestIDMiddleware())

	serviceLogger := utils.NewServiceLogger(r.logger, "http-server")
	router.Use(middleware.LoggingMiddleware(serviceLogger))

	if r.registry != nil {
		router.Use(middleware.NewHTTPMetrics(r.registry).Middleware())
	}
	router.Use(middleware.CORSMiddleware(&r.config.Security))

	r.logger.Info("Middleware configured")
}

// addRoutes sets up all application routes
func (r *Router) addRoutes(router *gin.Engine) {
	healthHandler := handler.NewHealthHandler(r.deviceService, r.eventBus, r.config, r.logger)
	deviceHandler := handler.NewDeviceHandler(r.deviceService, r.logger)
	operationHandler := handler.NewOperationHandler(r.operationService, r.logger)
	discoveryHandler := handler.NewDiscoveryHandler(r.discoveryService, r.logger)
	scheduleHandler := handler.NewScheduleHandler(r.scheduleService, r.logger)
	wsHandler := handler.NewWebSocketHandler(r.eventBus, r.deviceService, r.config.Security.AllowedOrigins, r.logger)

	healthHandler.RegisterRoutes(router)
	if r.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})))
	}

	apiV1 := router.Group("/api/v1")
	r.addDeviceRoutes(apiV1, deviceHandler, operationHandler)
	r.addOperationRoutes(apiV1, operationHandler)
	r.addDiscoveryRoutes(apiV1, discoveryHandler)
	r.addScheduleRoutes(apiV1, scheduleHandler)
	apiV1.GET("/stats", deviceHandler.GetServiceStats)

	ws := router.Group("/ws")
	wsHandler.RegisterRoutes(ws)
	ws.GET("/connections", func(c *gin.Context) {
		utils.SuccessResponse(c, http.StatusOK, "WebSocket connections retrieved", wsHandler.GetConnectionStats())
	})

	r.logger.Info("All routes configured successfully")
}

// addDeviceRoutes sets up device management and per-device operation routes
func (r *Router) addDeviceRoutes(api *gin.RouterGroup, deviceHandler *handler.DeviceHandler, operationHandler *handler.OperationHandler) {
	devices := api.Group("/devices")
	{
		devices.POST("", deviceHandler.RegisterDevice)
		devices.GET("", deviceHandler.ListDevices)

		device := devices.Group("/:device_id")
		{
			device.GET("", deviceHandler.GetDevice)
			device.DELETE("", deviceHandler.DeleteDevice)
			device.POST("/connect", deviceHandler.ConnectDevice)
			device.POST("/disconnect", deviceHandler.DisconnectDevice)
			device.POST("/ping", deviceHandler.PingDevice)
			device.GET("/stats", deviceHandler.GetDeviceStats)

			device.POST("/operations", operationHandler.ExecuteDeviceOperation)
			device.GET("/operations", operationHandler.ListDeviceOperations)

			device.POST("/channels/:channel/enable", operationHandler.EnableChannel())
			device.POST("/channels/:channel/disable", operationHandler.DisableChannel())
			device.POST("/channels/:channel/pwm", operationHandler.SetPWM())

			device.POST("/pump/start", operationHandler.StartPump())
			device.POST("/pump/stop", operationHandler.StopPump())
			device.POST("/pump/flow", operationHandler.SetFlow())
		}
	}
}

// addOperationRoutes sets up general operation routes
func (r *Router) addOperationRoutes(api *gin.RouterGroup, handler *handler.OperationHandler) {
	operations := api.Group("/operations")
	{
		operations.GET("", handler.ListOperations)
		operations.GET("/stats", handler.GetOperationStats)
		operations.GET("/:operation_id", handler.GetOperation)
	}
}

// addDiscoveryRoutes sets up device discovery routes
func (r *Router) addDiscoveryRoutes(api *gin.RouterGroup, handler *handler.DiscoveryHandler) {
	discovery := api.Group("/discovery")
	{
		discovery.GET("/scan", handler.ScanDevices)
		discovery.GET("/last", handler.GetLastScan)
		discovery.GET("/scanners", handler.GetAvailableScanners)
		discovery.POST("/auto-connect", handler.AutoConnect)
	}
}

// addScheduleRoutes sets up timed operation routes
func (r *Router) addScheduleRoutes(api *gin.RouterGroup, handler *handler.ScheduleHandler) {
	schedules := api.Group("/schedules")
	{
		schedules.POST("", handler.CreateSchedule)
		schedules.GET("", handler.ListSchedules)
		schedules.GET("/history", handler.GetHistory)
		schedules.DELETE("/:event_id", handler.CancelSchedule)
	}
}
