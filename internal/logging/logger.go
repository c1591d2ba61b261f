// Package logging provides structured logging for FORGELOOP. Every
// subsystem logs through a component-scoped child of one shared core so
// a session's trail can be filtered by component and session fields.
//
// Knobs: LOG_LEVEL (debug|info|warn|error, default info) and LOG_FORMAT
// (json|console; json is forced when ENVIRONMENT=production).
package logging

import (
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	base *zap.Logger
	once sync.Once
)

// Init builds the shared core. Safe to call multiple times; the first
// call wins.
func Init() {
	once.Do(func() {
		production := os.Getenv("ENVIRONMENT") == "production"

		encCfg := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "component",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
		}

		var enc zapcore.Encoder
		if production || os.Getenv("LOG_FORMAT") == "json" {
			enc = zapcore.NewJSONEncoder(encCfg)
		} else {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
			enc = zapcore.NewConsoleEncoder(encCfg)
		}

		core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), parseLevel(os.Getenv("LOG_LEVEL")))
		if production {
			// Executions are chatty (one line per event and container
			// command); sample repeats so a busy pool cannot drown stderr.
			core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
		}

		base = zap.New(core, zap.ErrorOutput(zapcore.Lock(os.Stderr))).
			With(zap.String("service", "forgeloop"))
	})
}

func parseLevel(s string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// L returns the shared structured logger.
func L() *zap.Logger {
	if base == nil {
		Init()
	}
	return base
}

// S returns the shared sugared logger (printf-style).
func S() *zap.SugaredLogger {
	return L().Sugar()
}

// Component returns a sugared logger named after a subsystem. The name
// lands in the "component" field on every line it writes.
func Component(name string) *zap.SugaredLogger {
	return L().Named(name).Sugar()
}

// Sync flushes any buffered log entries. Call before app exit.
func Sync() {
	if base != nil {
		_ = base.Sync()
	}
}
