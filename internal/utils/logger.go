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

	"psu-service/internal/config"
)

const defaultLogFile = "./logs/psu-service.log"

// NewLogger builds the process logger from the logging section of the config.
// Output is stdout, stderr or a file path rotated by lumberjack.
func NewLogger(cfg *config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	sink, err := logSink(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	core := zapcore.NewCore(logEncoder(cfg.Format), sink, level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

func logEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.MessageKey = "message"
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	if format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.DateTime)
		return zapcore.NewConsoleEncoder(encoderConfig)
	}

	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	return zapcore.NewJSONEncoder(encoderConfig)
}

func logSink(cfg *config.LoggingConfig) (zapcore.WriteSyncer, error) {
	switch cfg.Output {
	case "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}

	filename := cfg.Output
	if filename == "" {
		filename = defaultLogFile
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("log directory: %w", err)
	}

	// sizes in MB, age in days
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}), nil
}

// DeviceLogger wraps zap.Logger with PSU-specific fields
type DeviceLogger struct {
	*zap.Logger
	setting string
	family  string
}

// NewDeviceLogger creates a logger for one PSU setting
func NewDeviceLogger(baseLogger *zap.Logger, setting, family string) *DeviceLogger {
	logger := baseLogger.With(
		zap.String("setting", setting),
		zap.String("family", family),
		zap.String("component", "psu"),
	)

	return &DeviceLogger{
		Logger:  logger,
		setting: setting,
		family:  family,
	}
}

// LogCommand logs one completed command exchange
func (dl *DeviceLogger) LogCommand(command string, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("command", command),
		zap.Duration("duration", duration),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Warn("PSU command failed", fields...)
	} else {
		dl.Debug("PSU command completed", fields...)
	}
}

// LogConnection logs connection events
func (dl *DeviceLogger) LogConnection(action, port string, err error) {
	fields := []zap.Field{
		zap.String("action", action),
		zap.String("port", port),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		dl.Error("PSU connection event", fields...)
	} else {
		dl.Info("PSU connection event", fields...)
	}
}

// LogRejectedWrite logs a write blocked by the deployment gate
func (dl *DeviceLogger) LogRejectedWrite(command string, channel int) {
	dl.Warn("PSU write rejected, deployment active",
		zap.String("command", command),
		zap.Int("channel", channel),
	)
}

// OperationLogger traces one long-running channel operation such as a power
// cycle. Every entry carries the operation id, channel and elapsed time.
type OperationLogger struct {
	logger  *zap.Logger
	started time.Time
}

// NewOperationLogger creates a logger for one operation on a channel
func NewOperationLogger(baseLogger *zap.Logger, operationType, operationID string, channel int) *OperationLogger {
	return &OperationLogger{
		logger: baseLogger.With(
			zap.String("component", "operation"),
			zap.String("operation_type", operationType),
			zap.String("operation_id", operationID),
			zap.Int("channel", channel),
		),
		started: time.Now(),
	}
}

func (ol *OperationLogger) elapsed(fields []zap.Field) []zap.Field {
	return append([]zap.Field{zap.Duration("elapsed", time.Since(ol.started))}, fields...)
}

// Start logs operation start
func (ol *OperationLogger) Start(fields ...zap.Field) {
	ol.logger.Info("Operation started", fields...)
}

// Progress logs a step; progress runs from 0 to 1
func (ol *OperationLogger) Progress(message string, progress float64, fields ...zap.Field) {
	ol.logger.Debug(message, ol.elapsed(append([]zap.Field{zap.Float64("progress", progress)}, fields...))...)
}

// Success logs operation completion
func (ol *OperationLogger) Success(fields ...zap.Field) {
	ol.logger.Info("Operation completed", ol.elapsed(fields)...)
}

// Error logs operation failure
func (ol *OperationLogger) Error(err error, fields ...zap.Field) {
	ol.logger.Error("Operation failed", ol.elapsed(append([]zap.Field{zap.Error(err)}, fields...))...)
}

// ServiceLogger is a named logger for a service or server component
type ServiceLogger struct {
	*zap.Logger
}

// NewServiceLogger creates a service-specific logger
func NewServiceLogger(baseLogger *zap.Logger, serviceName string) *ServiceLogger {
	return &ServiceLogger{Logger: baseLogger.With(zap.String("service", serviceName))}
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
func (sl *ServiceLogger) LogAPIRequest(method, path, userAgent, clientIP string, statusCode int, duration time.Duration) {
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
			zap.Int("status_code", statusCode),
			zap.Duration("duration", duration),
		)
	}
}

// LogDatabaseQuery logs database queries (for debugging)
func (sl *ServiceLogger) LogDatabaseQuery(query string, args []interface{}, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("query", query),
		zap.Any("args", args),
		zap.Duration("duration", duration),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		sl.Error("Database query failed", fields...)
	} else {
		sl.Debug("Database query executed", fields...)
	}
}

// AuditLogger provides audit logging functionality
type AuditLogger struct {
	logger *zap.Logger
}

// NewAuditLogger creates an audit-specific logger
func NewAuditLogger(baseLogger *zap.Logger) *AuditLogger {
	logger := baseLogger.With(
		zap.String("component", "audit"),
	)

	return &AuditLogger{
		logger: logger,
	}
}

// LogSetpointChange logs a set-point or output change (audit trail)
func (al *AuditLogger) LogSetpointChange(setting string, channel int, parameter string, value interface{}, requestID string, success bool) {
	al.logger.Info("PSU set-point change",
		zap.String("setting", setting),
		zap.Int("channel", channel),
		zap.String("parameter", parameter),
		zap.Any("value", value),
		zap.String("request_id", requestID),
		zap.Bool("success", success),
		zap.String("action", "change_setpoint"),
	)
}

// LogPowerCycle logs a completed power cycle (audit trail)
func (al *AuditLogger) LogPowerCycle(setting string, requested, channel int, requestID string, success bool) {
	al.logger.Info("PSU power cycle",
		zap.String("setting", setting),
		zap.Int("requested_channel", requested),
		zap.Int("channel", channel),
		zap.String("request_id", requestID),
		zap.Bool("success", success),
		zap.String("action", "power_cycle"),
	)
}

// Helper functions for common logging patterns

// LoggerWithRequestID adds request ID to logger
func LoggerWithRequestID(logger *zap.Logger, requestID string) *zap.Logger {
	return logger.With(zap.String("request_id", requestID))
}

// LogError is a helper function for consistent error logging
func LogError(logger *zap.Logger, message string, err error, fields ...zap.Field) {
	allFields := append([]zap.Field{zap.Error(err)}, fields...)
	logger.Error(message, allFields...)
}

// LogPanic logs and recovers from panics
func LogPanic(logger *zap.Logger) {
	if r := recover(); r != nil {
		logger.Fatal("Application panic",
			zap.Any("panic", r),
			zap.Stack("stacktrace"),
		)
	}
}

// CloseLogger flushes buffered log entries
func CloseLogger(logger *zap.Logger) error {
	return logger.Sync()
}
