// Package relay is the resilient stream-relay engine: it routes a completion
// request, drives upstream attempts with stall detection and backoff, and
// terminates the caller's response exactly once.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	"go.uber.org/zap"
)

// HistoryWriter persists request and response records.
type HistoryWriter interface {
	Save(kind string, record any) (string, error)
}

// UsageRecorder receives one accounting record per finished session.
type UsageRecorder interface {
	Add(info *shared.ProcessedQueryInfo)
}

// CompletionRequest is an immutable inbound chat completion request.
type CompletionRequest struct {
	ID     string
	Model  string
	Stream bool
	Body   []byte
	Header http.Header
	Method string
	URL    string
}

// ParseCompletionRequest validates the body and resolves the stream flag.
// streamQuery is the ?stream=true override.
func ParseCompletionRequest(body []byte, streamQuery bool) (*CompletionRequest, error) {
	var payload struct {
		Model  *string `json:"model"`
		Stream bool    `json:"stream"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, errors.Join(shared.ErrInvalidRequest, err)
	}
	if payload.Model == nil || *payload.Model == "" {
		return nil, shared.ErrMissingModel
	}
	return &CompletionRequest{
		Model:  *payload.Model,
		Stream: payload.Stream || streamQuery,
		Body:   body,
	}, nil
}

type Engine struct {
	Client   *upstream.Client
	Selector *Selector
	Policy   Policy
	Mode     Mode
	History  HistoryWriter
	Usage    UsageRecorder
}

// Serve relays req to the caller's response writer and returns the session
// summary. The response is always terminated when Serve returns.
func (e *Engine) Serve(ctx context.Context, log *zap.SugaredLogger, w http.ResponseWriter, req *CompletionRequest) *shared.ProcessedQueryInfo {
	s := &Session{
		engine:    e,
		log:       log,
		req:       req,
		gate:      NewGate(w, req.Stream),
		policy:    e.Policy,
		startedAt: time.Now(),
		State:     SessionOpen,
	}
	return s.run(ctx)
}
