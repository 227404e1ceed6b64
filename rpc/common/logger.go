// Logging utilities shared by all packages. Every subsystem obtains a named
// sugared logger from GetLogger; the level is switched globally once the
// configuration has been parsed.
package common

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

var (
	logLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	loggerOnce sync.Once
	rootLogger *zap.Logger
)

// root builds the process-wide logger lazily so that tests get a working
// logger without any initialization.
func root() *zap.Logger {
	loggerOnce.Do(func() {
		cfg := zap.NewProductionConfig()
		cfg.Level = logLevel
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		cfg.DisableStacktrace = true

		logger, err := cfg.Build()
		if err != nil {
			panic(fmt.Sprintf("failed to build logger: %v", err))
		}
		rootLogger = logger
	})
	return rootLogger
}

// GetLogger returns a named logger for one subsystem (e.g. "raft", "gossip").
func GetLogger(name string) *zap.SugaredLogger {
	return root().Named(name).Sugar()
}

// SetLogLevel switches the global log level. Must be one of debug, info,
// warn, error.
func SetLogLevel(level string) error {
	parsed, err := parseLogLevel(level)
	if err != nil {
		return err
	}
	logLevel.SetLevel(parsed)
	return nil
}

// parseLogLevel converts a string level to a zap level.
func parseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info":
		return zapcore.InfoLevel, nil
	case "warning", "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// InitLoggers applies the logging section of a server configuration.
func InitLoggers(config ServerConfig) error {
	return SetLogLevel(config.LogLevel)
}
