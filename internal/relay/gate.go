package relay

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"relay-api/internal/shared"
)

// ErrTerminated is returned by writes after the gate has been closed.
var ErrTerminated = errors.New("response already terminated")

// Gate owns the caller's response. Headers are prepared up front, the status
// line is committed with the first byte, and exactly one terminal action is
// allowed.
type Gate struct {
	mu         sync.Mutex
	w          http.ResponseWriter
	stream     bool
	status     int
	committed  bool
	terminated bool
	written    int64
}

// NewGate prepares SSE headers for streaming responses and JSON headers
// otherwise. Nothing is sent until the first Write.
func NewGate(w http.ResponseWriter, stream bool) *Gate {
	g := &Gate{w: w, stream: stream, status: http.StatusOK}
	if stream {
		setupSSEHeaders(w.Header())
	} else {
		w.Header().Set("Content-Type", "application/json")
	}
	return g
}

func setupSSEHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// SetStatus changes the status committed with the first byte.
func (g *Gate) SetStatus(status int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.committed {
		g.status = status
	}
}

// Write relays bytes to the caller and flushes them. A failed write is
// returned as *ClientGoneError.
func (g *Gate) Write(p []byte) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return 0, ErrTerminated
	}
	if len(p) == 0 {
		return 0, nil
	}
	g.commit()
	n, err := g.w.Write(p)
	g.written += int64(n)
	if err != nil {
		return n, &ClientGoneError{Err: err}
	}
	if f, ok := g.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, nil
}

func (g *Gate) commit() {
	if g.committed {
		return
	}
	g.committed = true
	g.w.WriteHeader(g.status)
}

// Written is the number of relayed bytes delivered so far. Error bodies
// written by Fail are not counted.
func (g *Gate) Written() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.written
}

// Finish ends the response successfully. It reports false if the gate was
// already terminated.
func (g *Gate) Finish() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return false
	}
	g.terminated = true
	g.commit()
	return true
}

// Fail ends the response with an error. With no bytes sent the caller gets a
// JSON error body and status; otherwise the stream is just closed. It
// reports false if the gate was already terminated.
func (g *Gate) Fail(status int, errType, message string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.terminated {
		return false
	}
	g.terminated = true
	if g.written > 0 || g.committed {
		return true
	}

	h := g.w.Header()
	h.Del("Cache-Control")
	h.Del("Connection")
	h.Del("X-Accel-Buffering")
	h.Set("Content-Type", "application/json")
	g.committed = true
	g.w.WriteHeader(status)
	body, _ := json.Marshal(shared.NewErrorBody(status, errType, message))
	_, _ = g.w.Write(body)
	return true
}

// Terminated reports whether a terminal action has happened.
func (g *Gate) Terminated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.terminated
}
