package utils

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds configuration for the logger
type LoggerConfig struct {
	// Level sets the minimum log level (debug, info, warn, error, fatal, panic)
	Level string
	// Pretty enables human-readable console output for operators
	Pretty bool
	// CallerInfo adds file and line number to logs
	CallerInfo bool
	// LogFile additionally writes JSON logs to this path (empty disables)
	LogFile string
	// Output overrides the console destination (defaults to stderr)
	Output io.Writer
}

// NewLogger creates a new logger instance with the given configuration
func NewLogger(config LoggerConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || config.Level == "" {
		level = zerolog.InfoLevel
	}

	console := config.Output
	if console == nil {
		console = os.Stderr
	}
	if config.Pretty {
		console = zerolog.ConsoleWriter{
			Out:        console,
			TimeFormat: time.Kitchen,
		}
	}

	output := console
	if config.LogFile != "" {
		if file, err := openLogFile(config.LogFile); err == nil {
			// JSON to the file, console format on the terminal
			output = zerolog.MultiLevelWriter(console, file)
		}
	}

	logger := zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Logger()

	if config.CallerInfo {
		logger = logger.With().Caller().Logger()
	}

	return logger
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// SetupGlobalLogger sets up the global logger with the given configuration
func SetupGlobalLogger(config LoggerConfig) {
	log.Logger = NewLogger(config)
}

// ForTable scopes a logger to one table of a run
func ForTable(logger zerolog.Logger, table string) zerolog.Logger {
	return logger.With().Str("table", table).Logger()
}

// NopLogger returns a disabled logger, used when a component is built without one
func NopLogger() zerolog.Logger {
	return zerolog.New(io.Discard).Level(zerolog.Disabled)
}

// DefaultConfig returns the logger configuration used by the CLI
func DefaultConfig() LoggerConfig {
	return LoggerConfig{
		Level:  "info",
		Pretty: true,
	}
}

// DevelopmentConfig returns a logger configuration suitable for debugging a run
func DevelopmentConfig() LoggerConfig {
	return LoggerConfig{
		Level:      "debug",
		Pretty:     true,
		CallerInfo: true,
	}
}
