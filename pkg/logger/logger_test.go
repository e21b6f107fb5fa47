package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	config "github.com/night-slayer18/dtypes/configs"
)

func TestNewRejectsBadSettings(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	assert.ErrorContains(t, err, "log level")

	_, err = New(Config{Encoding: "xml"})
	assert.ErrorContains(t, err, "log encoding")

	l, err := New(Config{})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dtypes.log")
	l, err := New(Config{Level: "debug", Encoding: "json", OutputPath: path, Service: "test"})
	require.NoError(t, err)

	l.Debug("hello", zap.String("key", "lock:orders"))
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"service":"test"`)
	assert.Contains(t, string(data), `"key":"lock:orders"`)
}

func TestConfigFrom(t *testing.T) {
	lc := ConfigFrom("admin", &config.Config{LogLevel: "warn"})
	assert.Equal(t, "warn", lc.Level)
	assert.Equal(t, "json", lc.Encoding)
	assert.Equal(t, "admin", lc.Service)
}

func TestSetReplacesDefault(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { Set(nil) })

	Named("mutex").Info("acquired")
	WithFields(zap.String("k", "v")).Info("tagged")

	require.Equal(t, 2, logs.Len())
	assert.Equal(t, "mutex", logs.All()[0].LoggerName)
	assert.Equal(t, "v", logs.All()[1].ContextMap()["k"])
}

func TestSilentUntilInstalled(t *testing.T) {
	Set(nil)
	assert.False(t, Get().Core().Enabled(zapcore.ErrorLevel))
	assert.NoError(t, Sync())
}
