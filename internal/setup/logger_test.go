package setup

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "relay.log")
	logger, cleanup, err := NewLogger(false, path)
	require.NoError(t, err)

	logger.Sugar().Infow("relay started", "port", 5050)
	cleanup()

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"msg":"relay started"`)
	assert.Contains(t, string(raw), `"port":5050`)
}

func TestNewLoggerWithoutFile(t *testing.T) {
	logger, cleanup, err := NewLogger(true, "")
	require.NoError(t, err)
	require.NotNil(t, logger)
	cleanup()
}

func TestContextLogValues(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	values := &ContextLogValues{RequestID: "req_1", StatusCode: 200, Path: "/v1/chat/completions", Model: "m", Provider: "openrouter", Attempts: 2}
	values.AddError(errors.New("first"))
	values.AddError(errors.New("second"))

	zap.New(core).Info("end_of_request", zap.Object("values", values))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()["values"].(map[string]any)
	assert.Equal(t, "req_1", fields["request_id"])
	assert.Equal(t, int64(2), fields["attempts"])
	assert.Equal(t, "second: first", fields["error"])
}
