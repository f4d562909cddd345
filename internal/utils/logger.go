// internal/utils/logger.go
package utils

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"plateflo/internal/config"
	"plateflo/internal/protocol"
)

// LoggerManager manages application logging
type LoggerManager struct {
	logger *zap.Logger
	config *config.LoggingConfig
}

// NewLogger creates a new logger instance based on configuration
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	manager := &LoggerManager{
		config: cfg,
	}

	logger, err := manager.createLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	manager.logger = logger
	return logger, nil
}

// createLogger creates the zap logger with proper configuration
func (lm *LoggerManager) createLogger() (*zap.Logger, error) {
	// Create encoder configuration
	encoderConfig := lm.getEncoderConfig()

	// Create encoder
	var encoder zapcore.Encoder
	switch lm.config.Format {
	case "json":
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	// Create write syncer
	writeSyncer, err := lm.getWriteSyncer()
	if err != nil {
		return nil, fmt.Errorf("failed to create write syncer: %w", err)
	}

	// Get log level
	level, err := lm.getLogLevel()
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level: %w", err)
	}

	// Create core
	core := zapcore.NewCore(encoder, writeSyncer, level)

	// Create logger with options
	logger := zap.New(core, lm.getLoggerOptions()...)

	return logger, nil
}

// getEncoderConfig returns encoder configuration based on format
func (lm *LoggerManager) getEncoderConfig() zapcore.EncoderConfig {
	config := zap.NewProductionEncoderConfig()

	// Customize time format
	config.TimeKey = "timestamp"
	config.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)

	// Customize level format
	config.LevelKey = "level"
	config.EncodeLevel = zapcore.LowercaseLevelEncoder

	// Customize caller format
	config.CallerKey = "caller"
	config.EncodeCaller = zapcore.ShortCallerEncoder

	// Message key
	config.MessageKey = "message"

	// Stack trace key
	config.StacktraceKey = "stacktrace"

	// Console format customizations
	if lm.config.Format == "console" {
		config.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	}

	return config
}

// getWriteSyncer returns write syncer based on output configuration
func (lm *LoggerManager) getWriteSyncer() (zapcore.WriteSyncer, error) {
	switch lm.config.Output {
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		// File output with rotation
		if lm.config.Output == "" {
			lm.config.Output = "./logs/plateflo.log"
		}

		// Ensure log directory exists
		logDir := filepath.Dir(lm.config.Output)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		// Create lumberjack logger for rotation
		lumber := &lumberjack.Logger{
			Filename:   lm.config.Output,
			MaxSize:    lm.config.MaxSize, // MB
			MaxBackups: lm.config.MaxBackups,
			MaxAge:     lm.config.MaxAge, // days
			Compress:   lm.config.Compress,
		}

		return zapcore.AddSync(lumber), nil
	}
}

// getLogLevel parses and returns log level
func (lm *LoggerManager) getLogLevel() (zapcore.Level, error) {
	switch lm.config.Level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	case "fatal":
		return zapcore.FatalLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", lm.config.Level)
	}
}

// getLoggerOptions returns logger options
func (lm *LoggerManager) getLoggerOptions() []zap.Option {
	options := []zap.Option{
		zap.AddCaller(),
	}

	// Add stack trace for error level and above
	options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))

	return options
}

// DeviceLogger wraps zap.Logger with device-specific functionality
type DeviceLogger struct {
	*zap.Logger
	deviceID string
	kind     string
	port     string
}

// NewDeviceLogger creates a device-specific logger
func NewDeviceLogger(baseLogger *zap.Logger, deviceID, kind, port string) *DeviceLogger {
	logger := baseLogger.With(
		zap.String("device_id", deviceID),
		zap.String("device_kind", kind),
		zap.String("port", port),
		zap.String("component", "device"),
	)

	return &DeviceLogger{
		Logger:   logger,
		deviceID: deviceID,
		kind:     kind,
		port:     port,
	}
}

// LogOperation logs device operation with context
func (dl *DeviceLogger) LogOperation(operation string, duration time.Duration, outcome protocol.Outcome, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.Duration("duration", duration),
		zap.Stringer("outcome", outcome),
	}

	switch {
	case err != nil:
		fields = append(fields, zap.Error(err))
		dl.Error("Device operation failed", fields...)
	case outcome != protocol.OutcomePass:
		dl.Warn("Device operation not acknowledged", fields...)
	default:
		dl.Info("Device operation completed", fields...)
	}
}

// LogConnection logs connection events
func (dl *DeviceLogger) LogConnection(action string, success bool, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.Bool("success", success),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Error("Device connection event", fields...)
	} else {
		dl.Info("Device connection event", fields...)
	}
}

// LogHealth logs health metrics
func (dl *DeviceLogger) LogHealth(healthy bool, responseTime time.Duration, errorCount int64) {
	dl.Info("Device health metrics",
		zap.Bool("healthy", healthy),
		zap.Duration("response_time", responseTime),
		zap.Int64("error_count", errorCount),
	)
}

// TransportLogger writes transport events to a zap logger.
type TransportLogger struct {
	logger *zap.Logger
}

// NewTransportLogger creates a transport observer that logs through baseLogger.
func NewTransportLogger(baseLogger *zap.Logger) *TransportLogger {
	return &TransportLogger{
		logger: baseLogger.With(zap.String("component", "transport")),
	}
}

func (tl *TransportLogger) OnStateChange(port string, state protocol.ConnState, err error) {
	fields := []zap.Field{zap.String("port", port), zap.String("state", string(state))}
	if err != nil {
		tl.logger.Warn("Transport state changed", append(fields, zap.Error(err))...)
		return
	}
	tl.logger.Info("Transport state changed", fields...)
}

func (tl *TransportLogger) OnExchange(port string, req protocol.Request, resp *protocol.Response) {
	if ce := tl.logger.Check(zapcore.DebugLevel, "Serial exchange"); ce != nil {
		ce.Write(
			zap.String("port", port),
			zap.ByteString("command", req.Command),
			zap.Stringer("framing", req.Framing),
			zap.ByteString("payload", resp.Payload),
			zap.Stringer("status", resp.Status),
			zap.Duration("duration", resp.Duration),
		)
	}
}

func (tl *TransportLogger) OnRetry(port string, req protocol.Request, attempt int, resp *protocol.Response) {
	tl.logger.Warn("Retrying command",
		zap.String("port", port),
		zap.ByteString("command", req.Command),
		zap.Int("attempt", attempt),
		zap.Stringer("status", resp.Status),
		zap.ByteString("payload", resp.Payload),
	)
}

func (tl *TransportLogger) OnConnectionLost(port string, err error) {
	tl.logger.Error("Connection lost", zap.String("port", port), zap.Error(err))
}

func (tl *TransportLogger) OnStall(port string, req protocol.Request, waited time.Duration) {
	tl.logger.Error("Transport stalled",
		zap.String("port", port),
		zap.ByteString("command", req.Command),
		zap.Duration("waited", waited),
	)
}

func (tl *TransportLogger) OnDesync(port string, sent, echoed []byte) {
	tl.logger.Error("Transport desynchronized",
		zap.String("port", port),
		zap.ByteString("sent", sent),
		zap.ByteString("echoed", echoed),
	)
}

// ServiceLogger provides service-level logging functionality
type ServiceLogger struct {
	*zap.Logger
	serviceName string
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	logger := baseLogger.With(
		zap.String("service", serviceName),
		zap.String("component", "service"),
	)

	return &ServiceLogger{
		Logger:      logger,
		serviceName: serviceName,
	}
}

// LogServiceStart logs service startup
func (sl *ServiceLogger) LogServiceStart(version string, config interface{}) {
	sl.Info("Service starting",
		zap.String("version", version),
		zap.Any("config", config),
	)
}

// LogServiceStop logs service shutdown
func (sl *ServiceLogger) LogServiceStop(reason string) {
	sl.Info("Service stopping",
		zap.String("reason", reason),
	)
}

// LogAPIRequest logs HTTP API requests
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP, requestID string, statusCode int, duration time.Duration) {
	level := zapcore.InfoLevel
	if statusCode >= 400 {
		level = zapcore.WarnLevel
	}
	if statusCode >= 500 {
		level = zapcore.ErrorLevel
	}

	if ce := sl.Check(level, "API request"); ce != nil {
		ce.Write(
			zap.String("method", method),
			zap.String("path", path),
			zap.String("user_agent", userAgent),
			zap.String("client_ip", clientIP),
			zap.String("request_id", requestID),
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// LogError is a helper function for consistent error logging
func LogError(logger *zap.Logger, message string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.Error(err)}, fields...)
	logger.Error(message, allFields...)
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
