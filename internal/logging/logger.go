package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger interface defines the common logging methods
// This interface is implemented by both the plain slog logger and the OTLP logger
type Logger interface {
	WithComponent(componentName string) *slog.Logger
	WithError(err error) *slog.Logger
	WithMetrics(metrics map[string]interface{}) *slog.Logger
	LogStartup(serviceName string, version string, port int)
	LogShutdown(serviceName string, reason string)
	LogBuild(runID string, assets int, durationMs int64, mode string)
	LogAPIRequest(method string, path string, statusCode int, duration int64)
	Logger() *slog.Logger
}

// StandardLogger provides a standardized logging interface
type StandardLogger struct {
	logger Logger
}

// NewStandardLogger creates a new standardized logger writing JSON to stdout
func NewStandardLogger(logLevel string, environment string) *StandardLogger {
	return NewStandardLoggerWithWriter(os.Stdout, logLevel, environment)
}

// NewStandardLoggerWithWriter creates a standardized logger writing JSON to w
func NewStandardLoggerWithWriter(w io.Writer, logLevel string, environment string) *StandardLogger {
	logger := slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: getSlogLevel(logLevel),
	})).With("environment", environment)

	return &StandardLogger{
		logger: &fallbackLogger{logger: logger},
	}
}

// NewStandardOTLPLogger creates a new standardized logger with OTLP support
func NewStandardOTLPLogger(config OTLPConfig) *StandardLogger {
	otlpLogger, err := NewOTLPLogger(config)
	if err != nil {
		// Fallback to basic logger if OTLP setup fails
		return NewStandardLogger(config.LogLevel, config.Environment)
	}
	return &StandardLogger{logger: &fallbackLogger{logger: otlpLogger.Logger()}}
}

// WithComponent creates a logger with component context
func (l *StandardLogger) WithComponent(componentName string) *slog.Logger {
	return l.logger.WithComponent(componentName)
}

// WithError creates a logger with error context
func (l *StandardLogger) WithError(err error) *slog.Logger {
	return l.logger.WithError(err)
}

// WithMetrics creates a logger with metrics context
func (l *StandardLogger) WithMetrics(metrics map[string]interface{}) *slog.Logger {
	return l.logger.WithMetrics(metrics)
}

// LogStartup logs application startup information
func (l *StandardLogger) LogStartup(serviceName string, version string, port int) {
	l.logger.LogStartup(serviceName, version, port)
}

// LogShutdown logs application shutdown information
func (l *StandardLogger) LogShutdown(serviceName string, reason string) {
	l.logger.LogShutdown(serviceName, reason)
}

// LogBuild logs a completed index build
func (l *StandardLogger) LogBuild(runID string, assets int, durationMs int64, mode string) {
	l.logger.LogBuild(runID, assets, durationMs, mode)
}

// LogAPIRequest logs API requests in a standardized format
func (l *StandardLogger) LogAPIRequest(method string, path string, statusCode int, duration int64) {
	l.logger.LogAPIRequest(method, path, statusCode, duration)
}

// Logger returns the underlying *slog.Logger
func (l *StandardLogger) Logger() *slog.Logger {
	return l.logger.Logger()
}

// NewLogrusLogger builds the JSON logrus logger injected into services.
func NewLogrusLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(ParseLogrusLevel(level))
	logger.SetFormatter(&logrus.JSONFormatter{})
	return logger
}

// getSlogLevel converts string level to slog.Level
func getSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLogrusLevel converts string level to logrus.Level
func ParseLogrusLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// fallbackLogger is a simple implementation that uses slog directly
type fallbackLogger struct {
	logger *slog.Logger
}

func (f *fallbackLogger) WithComponent(componentName string) *slog.Logger {
	return f.logger.With("component", componentName)
}

func (f *fallbackLogger) WithError(err error) *slog.Logger {
	return f.logger.With("error", err.Error())
}

func (f *fallbackLogger) WithMetrics(metrics map[string]interface{}) *slog.Logger {
	return f.logger.With("metrics", metrics)
}

func (f *fallbackLogger) LogStartup(serviceName string, version string, port int) {
	f.logger.Info("Application startup",
		"service", serviceName,
		"version", version,
		"port", port,
		"event", "startup",
	)
}

func (f *fallbackLogger) LogShutdown(serviceName string, reason string) {
	f.logger.Info("Application shutdown",
		"service", serviceName,
		"reason", reason,
		"event", "shutdown",
	)
}

func (f *fallbackLogger) LogBuild(runID string, assets int, durationMs int64, mode string) {
	f.logger.Info("Index build",
		"run_id", runID,
		"coins_indexed", assets,
		"duration_ms", durationMs,
		"mode", mode,
		"event", "build",
	)
}

func (f *fallbackLogger) LogAPIRequest(method string, path string, statusCode int, duration int64) {
	f.logger.Info("API request",
		"method", method,
		"path", path,
		"status", statusCode,
		"duration_ms", duration,
		"event", "api",
	)
}

func (f *fallbackLogger) Logger() *slog.Logger {
	return f.logger
}
