// internal/handler/handler_test.go
package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"plateflo/internal/config"
	"plateflo/internal/driver"
	"plateflo/internal/middleware"
	"plateflo/internal/model"
	"plateflo/internal/protocol"
	"plateflo/internal/repository"
	"plateflo/internal/scheduler"
	"plateflo/internal/service"
	"plateflo/internal/simulator"
	"plateflo/internal/utils"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func testConfig() *config.Config {
	return &config.Config{
		Serial: config.SerialConfig{DataBits: 8, StopBits: 1, Parity: "none", QueueSize: 10, StallMargin: 1.5, MaxAttempts: 3},
		FETbox: config.FETboxConfig{BaudRate: 115200, Timeout: 50 * time.Millisecond, ProbeTimeout: 30 * time.Millisecond, DisableDTR: true},
		Reglo:  config.RegloConfig{BaudRate: 9600, Timeout: 50 * time.Millisecond, ProbeTimeout: 30 * time.Millisecond, Addresses: []int{1, 2}},
		Device: config.DeviceConfig{OperationTimeout: 2 * time.Second},
		Scheduler: config.SchedulerConfig{Tick: 5 * time.Millisecond},
		App:       config.AppConfig{Name: "plateflo", Version: "test"},
	}
}

type apiResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code string `json:"code"`
	} `json:"error"`
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	logger := zap.NewNop()
	cfg := testConfig()

	registry := driver.NewRegistry(logger)
	driver.RegisterDefaultDrivers(registry, logger)

	bus := NewEventBus(logger)
	ds := service.NewDeviceService(
		repository.NewDeviceRepository(logger),
		repository.NewOperationRepository(logger),
		registry, cfg, logger,
		service.WithOpener(simulator.NewBench().Opener(nil)),
		service.WithPublisher(bus),
	)
	t.Cleanup(func() { ds.Shutdown(context.Background()) })
	ops := service.NewOperationService(repository.NewOperationRepository(logger), ds, cfg, logger)
	schedules := service.NewScheduleService(scheduler.New(logger), ops, cfg, logger)

	devices := NewDeviceHandler(ds, logger)
	operations := NewOperationHandler(ops, logger)
	scheduled := NewScheduleHandler(schedules, logger)

	router := gin.New()
	NewHealthHandler(ds, bus, cfg, logger).RegisterRoutes(router)
	api := router.Group("/api/v1")
	api.POST("/devices", devices.RegisterDevice)
	api.GET("/devices", devices.ListDevices)
	api.GET("/devices/:device_id", devices.GetDevice)
	api.DELETE("/devices/:device_id", devices.DeleteDevice)
	api.POST("/devices/:device_id/disconnect", devices.DisconnectDevice)
	api.POST("/devices/:device_id/ping", devices.PingDevice)
	api.POST("/devices/:device_id/operations", operations.ExecuteDeviceOperation)
	api.GET("/devices/:device_id/operations", operations.ListDeviceOperations)
	api.POST("/devices/:device_id/channels/:channel/enable", operations.EnableChannel())
	api.POST("/devices/:device_id/channels/:channel/pwm", operations.SetPWM())
	api.GET("/operations/:operation_id", operations.GetOperation)
	api.POST("/schedules", scheduled.CreateSchedule)
	api.GET("/schedules", scheduled.ListSchedules)
	api.DELETE("/schedules/:event_id", scheduled.CancelSchedule)
	return router
}

func do(t *testing.T, router *gin.Engine, method, path string, body interface{}) (int, apiResponse) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var resp apiResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), w.Body.String())
	return w.Code, resp
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{service.ErrDeviceNotFound, http.StatusNotFound},
		{fmt.Errorf("wrapped: %w", service.ErrOperationNotFound), http.StatusNotFound},
		{service.ErrEventNotFound, http.StatusNotFound},
		{service.ErrInvalidRequest, http.StatusBadRequest},
		{service.ErrUnsupportedKind, http.StatusBadRequest},
		{service.ErrDeviceOnline, http.StatusConflict},
		{service.ErrPortInUse, http.StatusConflict},
		{service.ErrScanInProgress, http.StatusConflict},
		{protocol.ErrTransportStalled, http.StatusServiceUnavailable},
		{protocol.ErrDesynchronized, http.StatusBadGateway},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestDeviceLifecycle(t *testing.T) {
	router := newTestRouter(t)

	code, resp := do(t, router, http.MethodPost, "/api/v1/devices", gin.H{
		"kind":    "FETBOX",
		"port":    "sim://fetbox/2",
		"connect": true,
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)

	var device model.Device
	require.NoError(t, json.Unmarshal(resp.Data, &device))
	assert.Equal(t, model.DeviceStatusOnline, device.Status)
	base := "/api/v1/devices/" + device.ID.String()

	code, _ = do(t, router, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, router, http.MethodPost, base+"/ping", nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, router, http.MethodPost, base+"/channels/1/enable", nil)
	require.Equal(t, http.StatusOK, code, resp.Message)
	var executed struct {
		Operation model.DeviceOperation  `json:"operation"`
		Result    map[string]interface{} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &executed))
	assert.Equal(t, true, executed.Result["success"])
	assert.Equal(t, "pass", executed.Result["outcome"])
	assert.Equal(t, model.OperationTypeEnableChannel, executed.Operation.OperationType)

	code, _ = do(t, router, http.MethodGet, "/api/v1/operations/"+executed.Operation.ID.String(), nil)
	assert.Equal(t, http.StatusOK, code)

	code, resp = do(t, router, http.MethodGet, base+"/operations", nil)
	require.Equal(t, http.StatusOK, code)
	var listed struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &listed))
	assert.Equal(t, 1, listed.Count)

	code, resp = do(t, router, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "CONFLICT", resp.Error.Code)

	code, _ = do(t, router, http.MethodPost, base+"/disconnect", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, router, http.MethodPost, base+"/channels/1/enable", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = do(t, router, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = do(t, router, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDeviceHandler_BadRequests(t *testing.T) {
	router := newTestRouter(t)

	code, _ := do(t, router, http.MethodGet, "/api/v1/devices/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, router, http.MethodGet, "/api/v1/devices/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = do(t, router, http.MethodPost, "/api/v1/devices", gin.H{"kind": "SYRINGE", "port": "sim://reglo/1", "address": 1})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp := do(t, router, http.MethodPost, "/api/v1/devices", gin.H{"kind": "FETBOX", "port": "sim://fetbox/4", "connect": true})
	require.Equal(t, http.StatusCreated, code)
	var device model.Device
	require.NoError(t, json.Unmarshal(resp.Data, &device))
	base := "/api/v1/devices/" + device.ID.String()

	code, _ = do(t, router, http.MethodPost, base+"/channels/x/enable", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, router, http.MethodPost, base+"/channels/9/enable", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, router, http.MethodPost, base+"/operations", gin.H{"operation_type": "BOGUS"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, router, http.MethodPost, base+"/operations", gin.H{})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestSetPWM_MergesPathAndBody(t *testing.T) {
	router := newTestRouter(t)

	code, resp := do(t, router, http.MethodPost, "/api/v1/devices", gin.H{"kind": "FETBOX", "port": "sim://fetbox/6", "connect": true})
	require.Equal(t, http.StatusCreated, code)
	var device model.Device
	require.NoError(t, json.Unmarshal(resp.Data, &device))

	code, resp = do(t, router, http.MethodPost, "/api/v1/devices/"+device.ID.String()+"/channels/3/pwm", gin.H{"pwm": 200, "channel": 1})
	require.Equal(t, http.StatusOK, code, resp.Message)

	var executed struct {
		Operation model.DeviceOperation `json:"operation"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &executed))
	assert.EqualValues(t, 3, executed.Operation.OperationData["channel"])
	assert.EqualValues(t, 200, executed.Operation.OperationData["pwm"])
}

func TestScheduleHandler(t *testing.T) {
	router := newTestRouter(t)

	code, resp := do(t, router, http.MethodPost, "/api/v1/devices", gin.H{"kind": "FETBOX", "port": "sim://fetbox/7"})
	require.Equal(t, http.StatusCreated, code)
	var device model.Device
	require.NoError(t, json.Unmarshal(resp.Data, &device))

	code, _ = do(t, router, http.MethodPost, "/api/v1/schedules", gin.H{
		"device_id":      device.ID,
		"operation_type": "ENABLE_CHANNEL",
		"interval":       "1h",
		"daily":          "08:00",
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = do(t, router, http.MethodPost, "/api/v1/schedules", gin.H{
		"device_id":      device.ID,
		"operation_type": "ENABLE_CHANNEL",
		"operation_data": gin.H{"channel": 1},
		"interval":       "1h",
	})
	require.Equal(t, http.StatusCreated, code, resp.Message)
	var event service.ScheduledEvent
	require.NoError(t, json.Unmarshal(resp.Data, &event))

	code, resp = do(t, router, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, code)
	var pending struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(resp.Data, &pending))
	assert.Equal(t, 1, pending.Count)

	path := fmt.Sprintf("/api/v1/schedules/%d", event.ID)
	code, _ = do(t, router, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = do(t, router, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestHealthCheck(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "plateflo", health.Service)
	assert.Contains(t, health.Checks, "devices")

	for _, path := range []string{"/ready", "/live"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}

func TestValidationErrorResponses(t *testing.T) {
	router := newTestRouter(t)

	code, resp := do(t, router, http.MethodPost, "/api/v1/devices", gin.H{"kind": 5, "port": "sim://fetbox/1"})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Contains(t, string(resp.Data), `"kind"`)

	code, resp = do(t, router, http.MethodPost, "/api/v1/devices", gin.H{"kind": "FETBOX", "port": "sim://fetbox/6", "connect": true})
	require.Equal(t, http.StatusCreated, code)
	var device model.Device
	require.NoError(t, json.Unmarshal(resp.Data, &device))

	code, resp = do(t, router, http.MethodPost, "/api/v1/devices/"+device.ID.String()+"/operations", gin.H{
		"operation_type": "ENABLE_CHANNEL",
		"operation_data": gin.H{"channel": "two"},
	})
	assert.Equal(t, http.StatusBadRequest, code)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "VALIDATION_ERROR", resp.Error.Code)
	assert.Contains(t, string(resp.Data), `"operation_data.channel"`)
}

func TestRespondErrorFallsBackToTransportStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
		code string
	}{
		{fmt.Errorf("op: %w", protocol.ErrTransportStalled), http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE"},
		{protocol.ErrDesynchronized, http.StatusBadGateway, "DEVICE_ERROR"},
		{service.ErrDeviceNotFound, http.StatusNotFound, "NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			respondError(c, "failed", tt.err)

			assert.Equal(t, tt.want, w.Code)
			var resp apiResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestLogFailureCarriesRequestID(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	logger := utils.NewServiceLogger(zap.New(core), "test-handler")

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Set(middleware.RequestIDKey, "req-42")
	logFailure(c, logger, "Failed to connect device", errors.New("boom"), zap.String("device_id", "d1"))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "req-42", fields["request_id"])
	assert.Equal(t, "boom", fields["error"])
	assert.Equal(t, "d1", fields["device_id"])
}
