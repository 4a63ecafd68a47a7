package routers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relay-api/internal/cache"
	"relay-api/internal/middleware"
	"relay-api/internal/relay"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type memoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return "", cache.ErrMiss
	}
	return v, nil
}

func (m *memoryStore) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return nil
}

func newTestServer(t *testing.T, provider http.Handler, models *cache.ModelsCache) *echo.Echo {
	t.Helper()
	srv := httptest.NewServer(provider)
	t.Cleanup(srv.Close)

	log := zap.NewNop().Sugar()
	engine := &relay.Engine{
		Client: upstream.NewClient(log, time.Second),
		Selector: &relay.Selector{
			Default: upstream.Target{Name: "openrouter", URL: srv.URL + "/chat/completions", APIKey: "process-key", CallerAuth: true},
		},
		Policy: relay.Policy{
			MaxAttempts:    2,
			Backoff:        relay.BackoffSchedule,
			Schedule:       []time.Duration{time.Millisecond},
			StallTimeout:   time.Second,
			InitialTimeout: time.Second,
		},
		Mode: relay.ModeRaw,
	}

	e := echo.New()
	base := e.Group("")
	base.Use(middleware.NewTrackMiddleware(log))
	_, err := RegisterRelayRoutes(base, RelayRouterConfig{Engine: engine, BaseURL: srv.URL, Models: models})
	require.NoError(t, err)
	return e
}

func do(e *echo.Echo, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderAuthorization, "Bearer caller-key")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestChatCompletionsNonStream(t *testing.T) {
	const reply = `{"id":"gen-1","choices":[{"index":0,"message":{"role":"assistant","content":"hi"}}]}`
	var auth string
	e := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(reply))
	}), nil)

	rec := do(e, http.MethodPost, "/v1/chat/completions", `{"model":"m","messages":[]}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reply, rec.Body.String())
	assert.Equal(t, "Bearer caller-key", auth)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))
}

func TestChatCompletionsStreamQuery(t *testing.T) {
	e := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte("data: {\"id\":\"gen-1\",\"choices\":[{\"index\":0,\"delta\":{\"content\":\"hi\"}}]}\n\ndata: [DONE]\n\n"))
	}), nil)

	rec := do(e, http.MethodPost, "/v1/chat/completions?stream=true", `{"model":"m"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "data: [DONE]")
}

func TestChatCompletionsInvalidBody(t *testing.T) {
	var calls atomic.Int32
	e := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}), nil)

	tests := []struct {
		name string
		body string
		want string
	}{
		{name: "not json", body: `{"model":`, want: "invalid request body"},
		{name: "missing model", body: `{"messages":[]}`, want: "model is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(e, http.MethodPost, "/v1/chat/completions", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var body shared.ErrorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.want, body.Error.Message)
			assert.Equal(t, http.StatusBadRequest, body.Error.Status)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestGeneration(t *testing.T) {
	var calls atomic.Int32
	e := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/generation", r.URL.Path)
		if r.URL.Query().Get("id") == "missing" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"message":"not found"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"id":"` + r.URL.Query().Get("id") + `"}}`))
	}), nil)

	rec := do(e, http.MethodGet, "/v1/generation/gen-1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"id":"gen-1"}}`, rec.Body.String())

	rec = do(e, http.MethodGet, "/v1/generation?id=gen-2", "")
	assert.JSONEq(t, `{"data":{"id":"gen-2"}}`, rec.Body.String())

	// upstream errors pass through once, without retry
	rec = do(e, http.MethodGet, "/v1/generation/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, int32(3), calls.Load())

	rec = do(e, http.MethodGet, "/v1/generation", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestModelsCached(t *testing.T) {
	var calls atomic.Int32
	store := &memoryStore{values: map[string]string{}}
	models := cache.NewModelsCache(store, zap.NewNop().Sugar())
	e := newTestServer(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		assert.Equal(t, "/models", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"id":"m"}]}`))
	}), models)

	rec := do(e, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		_, ok := models.Get(context.Background())
		return ok
	}, time.Second, 10*time.Millisecond)

	rec = do(e, http.MethodGet, "/v1/models", "")
	assert.JSONEq(t, `{"data":[{"id":"m"}]}`, rec.Body.String())
	assert.Equal(t, int32(1), calls.Load())
}

func TestModelsUpstreamDown(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	baseURL := srv.URL
	srv.Close()

	log := zap.NewNop().Sugar()
	engine := &relay.Engine{
		Client:   upstream.NewClient(log, time.Second),
		Selector: &relay.Selector{Default: upstream.Target{Name: "openrouter", URL: baseURL + "/chat/completions"}},
		Policy:   relay.DefaultPolicy(),
	}
	e := echo.New()
	base := e.Group("")
	base.Use(middleware.NewTrackMiddleware(log))
	_, err := RegisterRelayRoutes(base, RelayRouterConfig{Engine: engine, BaseURL: baseURL})
	require.NoError(t, err)

	rec := do(e, http.MethodGet, "/v1/models", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	var body shared.ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connection_error", body.Error.Type)
}

func TestRegisterRelayRoutesValidates(t *testing.T) {
	e := echo.New()
	_, err := RegisterRelayRoutes(e.Group(""), RelayRouterConfig{})
	assert.Error(t, err)
}
