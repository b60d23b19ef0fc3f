package utils

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name   string
		config LoggerConfig
		check  func(t *testing.T, output string)
	}{
		{
			name: "JSON output with info level",
			config: LoggerConfig{
				Level: "info",
			},
			check: func(t *testing.T, output string) {
				var logEntry map[string]interface{}
				err := json.Unmarshal([]byte(output), &logEntry)
				require.NoError(t, err)
				assert.Equal(t, "info", logEntry["level"])
				assert.Equal(t, "test message", logEntry["message"])
				assert.Contains(t, logEntry, "time")
			},
		},
		{
			name: "Pretty output",
			config: LoggerConfig{
				Level:  "debug",
				Pretty: true,
			},
			check: func(t *testing.T, output string) {
				assert.Contains(t, output, "test message")
				assert.False(t, json.Valid([]byte(output)))
			},
		},
		{
			name: "With caller info",
			config: LoggerConfig{
				Level:      "info",
				CallerInfo: true,
			},
			check: func(t *testing.T, output string) {
				var logEntry map[string]interface{}
				err := json.Unmarshal([]byte(output), &logEntry)
				require.NoError(t, err)
				assert.Contains(t, logEntry, "caller")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.config.Output = buf

			logger := NewLogger(tt.config)
			logger.Info().Msg("test message")

			tt.check(t, strings.TrimSpace(buf.String()))
		})
	}
}

func TestNewLoggerWithFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "logs", "run.log")
	buf := &bytes.Buffer{}

	logger := NewLogger(LoggerConfig{Level: "info", LogFile: logFile, Output: buf})
	logger.Info().Str("table", "posts").Msg("exported")

	assert.Contains(t, buf.String(), "exported")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &logEntry))
	assert.Equal(t, "posts", logEntry["table"])
}

func TestForTable(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := ForTable(zerolog.New(buf), "post_tags")
	logger.Info().Msg("batch written")

	var logEntry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &logEntry))
	assert.Equal(t, "post_tags", logEntry["table"])
}

func TestNopLogger(t *testing.T) {
	logger := NopLogger()
	assert.Equal(t, zerolog.Disabled, logger.GetLevel())
}

func TestLoggerConfigs(t *testing.T) {
	t.Run("DefaultConfig", func(t *testing.T) {
		config := DefaultConfig()
		assert.Equal(t, "info", config.Level)
		assert.True(t, config.Pretty)
		assert.False(t, config.CallerInfo)
	})

	t.Run("DevelopmentConfig", func(t *testing.T) {
		config := DevelopmentConfig()
		assert.Equal(t, "debug", config.Level)
		assert.True(t, config.Pretty)
		assert.True(t, config.CallerInfo)
	})
}

func TestInvalidLogLevel(t *testing.T) {
	buf := &bytes.Buffer{}

	logger := NewLogger(LoggerConfig{Level: "invalid", Output: buf})

	// Should default to info level
	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")

	output := buf.String()
	assert.NotContains(t, output, "debug message")
	assert.Contains(t, output, "info message")
}
