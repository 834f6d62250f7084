// Package obslog provides the structured logging every executor writes
// through: a package-level *zap.Logger built once, with an AtomicLevel
// for hot-reload, JSON in production and console in development.
package obslog

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global      *zap.Logger
	atomicLevel zap.AtomicLevel
	once        sync.Once
)

// Init initializes the global logger. level is one of debug/info/warn/
// error; format is "json" or "console".
func Init(level, format string) error {
	var initErr error
	once.Do(func() {
		atomicLevel = zap.NewAtomicLevel()
		if err := atomicLevel.UnmarshalText([]byte(level)); err != nil {
			initErr = fmt.Errorf("obslog: parse log level %q: %w", level, err)
			return
		}

		var cfg zap.Config
		switch format {
		case "console":
			cfg = zap.NewDevelopmentConfig()
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		default:
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = atomicLevel

		built, err := cfg.Build(zap.AddCallerSkip(1))
		if err != nil {
			initErr = fmt.Errorf("obslog: build logger: %w", err)
			return
		}
		global = built
	})
	return initErr
}

// SetLevel dynamically changes the log level.
func SetLevel(level string) error {
	return atomicLevel.UnmarshalText([]byte(level))
}

// L returns the global logger. Panics if Init has not been called.
func L() *zap.Logger {
	if global == nil {
		panic("obslog.Init() must be called before obslog.L()")
	}
	return global
}

// WithCommand returns a child logger carrying a command invocation's
// correlating identifiers, the fields command executors attach to
// every log line.
func WithCommand(commandID, commandType string) *zap.Logger {
	return L().With(zap.String("commandId", commandID), zap.String("commandType", commandType))
}

// WithEvent returns a child logger carrying an event's identifiers,
// the fields attached to every subscription/PM log line.
func WithEvent(eventID, eventType, streamID string) *zap.Logger {
	return L().With(zap.String("eventId", eventID), zap.String("eventType", eventType), zap.String("streamId", streamID))
}

// Sync flushes any buffered log entries.
func Sync() error {
	if global == nil {
		return nil
	}
	return global.Sync()
}
