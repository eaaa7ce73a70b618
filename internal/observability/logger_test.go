// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/chromewarden/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// -- Test Helper Functions --

// setupTestLogger initializes the global logger to write to a buffer for testing.
func setupTestLogger(cfg config.LoggerConfig) *bytes.Buffer {
	buf := new(bytes.Buffer)
	writer := zapcore.AddSync(buf)
	initializeLogger(cfg, writer)
	return buf
}

// resetGlobalLogger is critical for ensuring test isolation, as the logger
// is a global singleton. We must reset it before each test.
func resetGlobalLogger() {
	once = sync.Once{}
	globalLogger.Store(nil)
}

// -- Test Cases --

func TestInitializeLogger(t *testing.T) {

	t.Run("should initialize console logger with colors", func(t *testing.T) {
		resetGlobalLogger()

		cfg := config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "TestService",
			Colors: config.ColorConfig{
				Info: "green",
			},
		}

		buf := setupTestLogger(cfg)

		logger := GetLogger()
		logger.Info("This is a test message.")
		Sync()

		output := buf.String()
		assert.Contains(t, output, "INFO", "Output should contain the log level")
		assert.Contains(t, output, "This is a test message.", "Output should contain the message")
		assert.Contains(t, output, colorGreen, "Info level should be colorized green")
		assert.Contains(t, output, colorReset, "Output should contain the reset color code")
	})

	t.Run("should initialize json logger", func(t *testing.T) {
		resetGlobalLogger()

		cfg := config.LoggerConfig{
			Level:       "info",
			Format:      "json",
			ServiceName: "JSONTest",
		}

		buf := setupTestLogger(cfg)

		logger := GetLogger()
		logger.Warn("This is a JSON message.", zap.String("key", "value"))
		Sync()

		var logEntry map[string]interface{}
		err := json.Unmarshal(buf.Bytes(), &logEntry)
		require.NoError(t, err, "Log output should be valid JSON")

		// The JSON encoder uses CapitalLevelEncoder, so the level is "WARN".
		assert.Equal(t, "WARN", logEntry["level"])
		assert.Equal(t, "JSONTest", logEntry["logger"])
		assert.Equal(t, "This is a JSON message.", logEntry["msg"])
		assert.Equal(t, "value", logEntry["key"])
	})

	t.Run("should write to a log file if configured", func(t *testing.T) {
		resetGlobalLogger()
		tmpFile, err := os.CreateTemp("", "logger-test-*.log")
		require.NoError(t, err)
		defer os.Remove(tmpFile.Name())

		cfg := config.LoggerConfig{
			Level:   "debug",
			Format:  "json",
			LogFile: tmpFile.Name(),
			MaxSize: 1, // 1 MB
		}
		// InitializeLogger is fine here as we are testing file output, not console output.
		InitializeLogger(cfg)
		logger := GetLogger()
		logger.Error("This should go to the file.")
		Sync()

		content, err := os.ReadFile(tmpFile.Name())
		require.NoError(t, err)
		assert.Contains(t, string(content), "This should go to the file.", "Log file should contain the message")
	})

	t.Run("should only initialize once", func(t *testing.T) {
		resetGlobalLogger()

		cfg1 := config.LoggerConfig{Level: "info", Format: "console", ServiceName: "First"}
		buf1 := setupTestLogger(cfg1)
		logger1 := GetLogger()

		// Second initialization is ignored; once.Do prevents it. The
		// global logger remains configured with buf1.
		cfg2 := config.LoggerConfig{Level: "debug", Format: "console", ServiceName: "Second"}
		buf2 := setupTestLogger(cfg2)
		logger2 := GetLogger()

		assert.Equal(t, logger1, logger2)
		logger2.Info("test message") // This writes to buf1.
		Sync()

		output := buf1.String()
		assert.True(t, strings.Contains(output, "First"))
		assert.True(t, strings.Contains(output, "test message"))
		assert.False(t, strings.Contains(output, "Second"))
		assert.Empty(t, buf2.String())
	})
}

func TestGetLogger(t *testing.T) {
	t.Run("should return a fallback logger if not initialized", func(t *testing.T) {
		resetGlobalLogger()
		logger := GetLogger()
		require.NotNil(t, logger)
	})

	t.Run("should return the global logger after initialization", func(t *testing.T) {
		resetGlobalLogger()
		cfg := config.LoggerConfig{Level: "info", ServiceName: "GlobalTest"}
		InitializeLogger(cfg)

		logger := GetLogger()
		assert.Equal(t, globalLogger.Load(), logger)
	})
}
