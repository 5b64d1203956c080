package pkg

import (
	"bytes"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogs redirects the default logger into a buffer for one test.
func captureLogs(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	originalLogger := DefaultLogger
	originalLevel := GetLogLevel()
	t.Cleanup(func() {
		SetLogger(originalLogger)
		SetLogLevel(originalLevel)
	})
	SetLogLevel(level)
	SetLogger(NewLogger(&buf, &slog.HandlerOptions{Level: level}))
	return &buf
}

func TestSetLogLevel(t *testing.T) {
	original := GetLogLevel()
	defer SetLogLevel(original)

	for _, level := range []slog.Level{LevelTrace, slog.LevelDebug, slog.LevelInfo, slog.LevelWarn, slog.LevelError} {
		SetLogLevel(level)
		assert.Equal(t, level, GetLogLevel())
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"trace":   LevelTrace,
		"DEBUG":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"":        slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		" error ": slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

func TestParseFormat(t *testing.T) {
	assert.Equal(t, LogFormatJSON, ParseFormat("JSON"))
	assert.Equal(t, LogFormatText, ParseFormat("text"))
	assert.Equal(t, LogFormatText, ParseFormat(""))
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, nil)
	require.NotNil(t, logger)

	logger.Warn("test message")
	assert.Contains(t, buf.String(), "test message")
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, nil)
	require.NotNil(t, logger)

	logger.Warn("test message")
	assert.Contains(t, buf.String(), `"msg":"test message"`)
}

func TestLogTrace(t *testing.T) {
	buf := captureLogs(t, LevelTrace)

	LogTrace(ComponentRing, "trb enqueued", "index", 3)
	assert.Contains(t, buf.String(), "trb enqueued")
	assert.Contains(t, buf.String(), "component=ring")
	assert.Contains(t, buf.String(), "index=3")
}

func TestLogDebug(t *testing.T) {
	buf := captureLogs(t, slog.LevelDebug)

	LogDebug(ComponentCommand, "debug message", "key", "value")
	assert.Contains(t, buf.String(), "debug message")
	assert.Contains(t, buf.String(), "component=command")
}

func TestLogFiltered(t *testing.T) {
	buf := captureLogs(t, slog.LevelWarn)

	LogDebug(ComponentEvent, "hidden")
	LogInfo(ComponentEvent, "hidden too")
	assert.Empty(t, buf.String())

	LogWarn(ComponentPort, "warn message")
	LogError(ComponentSlot, "error message")
	assert.Contains(t, buf.String(), "warn message")
	assert.Contains(t, buf.String(), "error message")
	assert.Contains(t, buf.String(), "component=slot")
}

func TestSetLogOutput(t *testing.T) {
	original := DefaultLogger
	defer SetLogger(original)

	var buf bytes.Buffer
	SetLogOutput(&buf, LogFormatJSON)
	LogError(ComponentHost, "json output")
	assert.Contains(t, buf.String(), `"component":"host"`)

	SetLogFormat(LogFormatText)
	assert.NotNil(t, DefaultLogger)
	SetLogOutput(os.Stderr, LogFormatText)
}
