// Package logging wraps zap with the process-wide logger used by every
// lanmesh component, matching the Init/Debug/Info/Warn/Error/Fatal surface
// the rest of the stack calls against.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the verbosity and encoding of the process logger.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string
	// Format is "console" or "json".
	Format string
}

var logger *zap.Logger = zap.NewNop()

// Init builds the global logger from cfg. Safe to call again to reconfigure.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{Level: "info", Format: "console"}
	}

	level, err := zapcore.ParseLevel(orDefault(cfg.Level, "info"))
	if err != nil {
		return fmt.Errorf("logging: parse level %q: %w", cfg.Level, err)
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	zcfg.Encoding = orDefault(cfg.Format, "console")
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zcfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	built, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("logging: build logger: %w", err)
	}

	logger = built
	return nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// With returns a child logger carrying the given structured fields on every
// subsequent call, e.g. to tag log lines with a Node's run id.
func With(fields ...zap.Field) *zap.Logger {
	return logger.With(fields...)
}

func Debug(msg string, fields ...zap.Field) { logger.Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger.Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger.Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger.Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { logger.Fatal(msg, fields...) }

// Sync flushes any buffered log entries. Call before process exit.
func Sync() error {
	return logger.Sync()
}
