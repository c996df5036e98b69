package pkg

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func swapLogger(t *testing.T, l *slog.Logger) {
	t.Helper()
	original := Logger()
	SetLogger(l)
	t.Cleanup(func() { SetLogger(original) })
}

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	tests := []struct {
		name  string
		level slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetLogLevel(tt.level)
			assert.Equal(t, tt.level, GetLogLevel())
		})
	}
}

func TestVerbosityLevel(t *testing.T) {
	assert.Equal(t, slog.LevelWarn, VerbosityLevel(0))
	assert.Equal(t, slog.LevelInfo, VerbosityLevel(1))
	assert.Equal(t, slog.LevelDebug, VerbosityLevel(2))
	assert.Equal(t, slog.LevelDebug, VerbosityLevel(5))
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, &slog.HandlerOptions{Level: slog.LevelInfo})
	require.NotNil(t, logger)

	logger.Info("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestLogComponent(t *testing.T) {
	var buf bytes.Buffer
	swapLogger(t, NewLogger(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	LogDebug(ComponentBridge, "debug message", "key", "value")
	LogInfo(ComponentProbe, "info message")
	LogWarn(ComponentStack, "warn message")
	LogError(ComponentHAL, "error message")

	out := buf.String()
	assert.Contains(t, out, "component=bridge")
	assert.Contains(t, out, "key=value")
	assert.Contains(t, out, "component=probe")
	assert.Contains(t, out, "warn message")
	assert.Contains(t, out, "component=hal")
}

func TestSetLogFormat(t *testing.T) {
	var buf bytes.Buffer
	original := Logger()
	SetLogOutput(&buf)
	t.Cleanup(func() {
		SetLogOutput(os.Stderr)
		SetLogger(original)
	})

	SetLogFormat(LogFormatJSON)
	LogWarn(ComponentCLI, "formatted")
	assert.Contains(t, buf.String(), `"component":"cli"`)
}
