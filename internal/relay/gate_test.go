package relay

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGatePreparesHeadersWithoutCommitting(t *testing.T) {
	rec := httptest.NewRecorder()
	g := NewGate(rec, true)

	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
	assert.False(t, rec.Flushed)
	assert.Zero(t, g.Written())
}

func TestGateCommitsStatusOnFirstByte(t *testing.T) {
	rec := httptest.NewRecorder()
	g := NewGate(rec, true)
	g.SetStatus(http.StatusAccepted)

	n, err := g.Write([]byte("data: {}\n\n"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, rec.Flushed)

	g.SetStatus(http.StatusTeapot)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestGateFailBeforeBytesWritesJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	g := NewGate(rec, true)

	require.True(t, g.Fail(http.StatusServiceUnavailable, "upstream_error", "busy"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Empty(t, rec.Header().Get("Cache-Control"))
	assert.JSONEq(t, `{"error":{"message":"busy","status":503,"type":"upstream_error"}}`, rec.Body.String())
}

func TestGateFailAfterBytesClosesSilently(t *testing.T) {
	rec := httptest.NewRecorder()
	g := NewGate(rec, true)

	_, err := g.Write([]byte("data: partial\n\n"))
	require.NoError(t, err)
	require.True(t, g.Fail(http.StatusInternalServerError, "relay_error", "stalled"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "data: partial\n\n", rec.Body.String())
}

func TestGateSingleTerminalAction(t *testing.T) {
	rec := httptest.NewRecorder()
	g := NewGate(rec, false)

	assert.True(t, g.Finish())
	assert.False(t, g.Finish())
	assert.False(t, g.Fail(http.StatusBadGateway, "connection_error", "x"))
	assert.True(t, g.Terminated())

	_, err := g.Write([]byte("late"))
	assert.ErrorIs(t, err, ErrTerminated)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}
