// Package logger provides structured logging for the ad engine
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName is attached to every log entry
const ServiceName = "appylar"

// Log is the global logger instance
var Log zerolog.Logger

type contextKey string

// Context keys for log correlation
const (
	CycleIDKey contextKey = "cycle_id"
	SlotKey    contextKey = "slot"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
}

// DefaultConfig returns the default logger configuration.
// LOG_LEVEL and LOG_FORMAT override the defaults.
func DefaultConfig() Config {
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
	}
}

func init() {
	// Usable before Init is called (tests, library consumers that never call Init)
	Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", ServiceName).Logger()
}

// Init initializes the global logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var out io.Writer = os.Stdout
	if cfg.Format == "console" {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: cfg.TimeFormat}
	}

	Log = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
}

// WithCycleID adds a replenish cycle ID to the context
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, CycleIDKey, cycleID)
}

// WithSlot adds a presentation slot name to the context
func WithSlot(ctx context.Context, slot string) context.Context {
	return context.WithValue(ctx, SlotKey, slot)
}

// FromContext returns a logger enriched with the correlation values found in ctx
func FromContext(ctx context.Context) *zerolog.Logger {
	l := Log.With()

	if cycleID, ok := ctx.Value(CycleIDKey).(string); ok && cycleID != "" {
		l = l.Str("cycle_id", cycleID)
	}
	if slot, ok := ctx.Value(SlotKey).(string); ok && slot != "" {
		l = l.Str("slot", slot)
	}

	logger := l.Logger()
	return &logger
}

// Session returns a logger for session negotiation
func Session() *zerolog.Logger {
	return component("session")
}

// Buffer returns a logger for buffer sweep and replenishment
func Buffer() *zerolog.Logger {
	return component("buffer")
}

// Scheduler returns a logger for the presentation scheduler
func Scheduler() *zerolog.Logger {
	return component("scheduler")
}

// Transport returns a logger for ad service HTTP calls
func Transport() *zerolog.Logger {
	return component("transport")
}

// Slot returns a logger scoped to one presentation slot
func Slot(slot string) *zerolog.Logger {
	logger := Log.With().Str("component", "scheduler").Str("slot", slot).Logger()
	return &logger
}

func component(name string) *zerolog.Logger {
	logger := Log.With().Str("component", name).Logger()
	return &logger
}

// OperationLogger logs a single remote operation and its duration
type OperationLogger struct {
	logger    zerolog.Logger
	operation string
	start     time.Time
}

// NewOperationLogger creates a logger for one named operation
func NewOperationLogger(operation string) *OperationLogger {
	return &OperationLogger{
		logger:    Log.With().Str("operation", operation).Logger(),
		operation: operation,
		start:     time.Now(),
	}
}

// WithField returns a copy of the logger with an extra field
func (o *OperationLogger) WithField(key string, value interface{}) *OperationLogger {
	return &OperationLogger{
		logger:    o.logger.With().Interface(key, value).Logger(),
		operation: o.operation,
		start:     o.start,
	}
}

// Error logs an error message
func (o *OperationLogger) Error(msg string, err error) {
	o.logger.Error().Err(err).Msg(msg)
}

// Duration returns the time elapsed since the operation started
func (o *OperationLogger) Duration() time.Duration {
	return time.Since(o.start)
}

// LogComplete logs operation completion with the response status
func (o *OperationLogger) LogComplete(status int) {
	o.logger.Info().
		Int("status", status).
		Float64("duration_ms", float64(o.Duration().Microseconds())/1000.0).
		Msg("operation completed")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
