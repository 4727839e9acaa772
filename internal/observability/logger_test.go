// internal/observability/logger_test.go
package observability

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/GeminiLight/OverLink/internal/config"
)

// syncBuffer is a goroutine-safe buffer usable as a zapcore.WriteSyncer.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Sync() error { return nil }

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInitialize(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("console logger with colors", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}
		Initialize(config.LoggerConfig{
			Level:       "debug",
			Format:      "console",
			ServiceName: "overlink",
			Colors:      config.ColorConfig{Info: "green"},
		}, out)

		GetLogger().Info("session valid")
		Sync()

		assert.Contains(t, out.String(), "INFO")
		assert.Contains(t, out.String(), "session valid")
		assert.Contains(t, out.String(), colorGreen)
		assert.Contains(t, out.String(), "overlink.")
	})

	t.Run("json logger", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "info", Format: "json", ServiceName: "worker"}, out)

		GetLogger().Warn("upload failed", zap.String("key", "cv.pdf"))
		Sync()

		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(out.String()), &entry))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "worker", entry["logger"])
		assert.Equal(t, "upload failed", entry["msg"])
		assert.Equal(t, "cv.pdf", entry["key"])
	})

	t.Run("writes the rotating log file", func(t *testing.T) {
		ResetForTest()
		logFile := filepath.Join(t.TempDir(), "overlink.log")
		Initialize(config.LoggerConfig{Level: "debug", Format: "json", LogFile: logFile, MaxSize: 1}, &syncBuffer{})

		GetLogger().Error("batch failed")
		Sync()

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "batch failed")
	})

	t.Run("only the first call takes effect", func(t *testing.T) {
		ResetForTest()
		out := &syncBuffer{}
		Initialize(config.LoggerConfig{Level: "info", ServiceName: "first"}, out)
		first := GetLogger()
		Initialize(config.LoggerConfig{Level: "debug", ServiceName: "second"}, out)

		assert.Same(t, first, GetLogger())
		GetLogger().Info("hello")
		Sync()
		assert.Contains(t, out.String(), "first")
		assert.NotContains(t, out.String(), "second")
	})
}

func TestSetLevel(t *testing.T) {
	t.Cleanup(ResetForTest)
	ResetForTest()
	out := &syncBuffer{}
	Initialize(config.LoggerConfig{Level: "info", Format: "json"}, out)

	GetLogger().Debug("hidden")
	require.NoError(t, SetLevel("debug"))
	assert.Equal(t, zapcore.DebugLevel, Level())
	GetLogger().Debug("visible")
	Sync()

	assert.NotContains(t, out.String(), "hidden")
	assert.Contains(t, out.String(), "visible")

	assert.Error(t, SetLevel("loud"))
}

func TestGetLogger(t *testing.T) {
	t.Cleanup(ResetForTest)

	t.Run("fallback before initialization", func(t *testing.T) {
		ResetForTest()
		require.NotNil(t, GetLogger())
	})

	t.Run("global logger after initialization", func(t *testing.T) {
		ResetForTest()
		Initialize(config.LoggerConfig{Level: "info"}, &syncBuffer{})
		assert.Same(t, globalLogger.Load(), GetLogger())
	})
}
