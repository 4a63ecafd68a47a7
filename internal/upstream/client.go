// Package upstream performs single-shot calls against chat completion
// providers. It never retries; that is left to the relay.
package upstream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"relay-api/internal/shared"

	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed response is read for its message.
const maxErrorBody = 64 << 10

// Target is one provider endpoint a request can be sent to.
type Target struct {
	Name   string
	URL    string
	APIKey string
	// CallerAuth forwards the caller's Authorization header when present.
	CallerAuth bool
}

// Request is a single call to a provider.
type Request struct {
	Target    Target
	Header    http.Header
	Body      []byte
	RequestID string
	// HeaderTimeout bounds the wait for response headers. Zero disables it.
	HeaderTimeout time.Duration
}

// Response is a fully read non-streaming reply.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type Client struct {
	Log          *zap.SugaredLogger
	dialTimeout  time.Duration
	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex
}

func NewClient(log *zap.SugaredLogger, dialTimeout time.Duration) *Client {
	if dialTimeout <= 0 {
		dialTimeout = shared.DefaultDialTimeout
	}
	return &Client{
		Log:         log,
		dialTimeout: dialTimeout,
		httpClients: make(map[string]*http.Client),
	}
}

func (c *Client) getHTTPClient(providerURL string) *http.Client {
	parsedURL, err := url.Parse(providerURL)
	if err != nil {
		c.Log.Warnw("Failed to parse provider URL, using full URL as key", "url", providerURL, "error", err)
		parsedURL = &url.URL{Host: providerURL}
	}
	host := parsedURL.Host

	c.clientsMutex.RLock()
	if client, exists := c.httpClients[host]; exists {
		c.clientsMutex.RUnlock()
		return client
	}
	c.clientsMutex.RUnlock()

	c.clientsMutex.Lock()
	defer c.clientsMutex.Unlock()

	if client, exists := c.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: c.dialTimeout,
		}).DialContext,
		TLSHandshakeTimeout: c.dialTimeout,
		DisableKeepAlives:   false,
	}
	client := &http.Client{Transport: tr, Timeout: shared.DefaultHTTPTimeout}

	c.httpClients[host] = client
	c.Log.Infow("Created new HTTP client for host", "host", host, "full_url", providerURL)

	return client
}

// Headers builds the outgoing header set for a target from the caller's
// headers.
func Headers(target Target, caller http.Header, requestID string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")

	auth := ""
	if target.CallerAuth && caller != nil {
		auth = caller.Get("Authorization")
	}
	if auth == "" && target.APIKey != "" {
		auth = "Bearer " + target.APIKey
	}
	if auth != "" {
		h.Set("Authorization", auth)
	}

	referer := shared.DefaultReferer
	if caller != nil && caller.Get("Referer") != "" {
		referer = caller.Get("Referer")
	}
	h.Set("HTTP-Referer", referer)
	h.Set("X-Title", shared.RelayTitle)
	if requestID != "" {
		h.Set("X-Request-ID", requestID)
	}
	return h
}

// send issues the POST and waits for response headers. The returned cancel
// must be called once the body is no longer needed.
func (c *Client) send(ctx context.Context, req Request) (*http.Response, context.CancelFunc, error) {
	rctx, cancel := context.WithCancel(ctx)
	r, err := http.NewRequestWithContext(rctx, http.MethodPost, req.Target.URL, bytes.NewReader(req.Body))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("failed building provider request: %w", err)
	}
	r.Header = Headers(req.Target, req.Header, req.RequestID)

	var timeoutOccurred atomic.Bool
	var timer *time.Timer
	if req.HeaderTimeout > 0 {
		timer = time.AfterFunc(req.HeaderTimeout, func() {
			timeoutOccurred.Store(true)
			cancel()
		})
	}

	res, err := c.getHTTPClient(req.Target.URL).Do(r)
	if timer != nil {
		timer.Stop()
	}
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		if timeoutOccurred.Load() {
			return nil, nil, &ConnectionError{
				Provider: req.Target.Name,
				Timeout:  true,
				Err:      fmt.Errorf("no response headers within %s", req.HeaderTimeout),
			}
		}
		return nil, nil, &ConnectionError{Provider: req.Target.Name, Timeout: IsTimeout(err), Err: err}
	}

	// A late firing timer cancels rctx after headers arrived.
	if timeoutOccurred.Load() {
		_ = res.Body.Close()
		cancel()
		return nil, nil, &ConnectionError{
			Provider: req.Target.Name,
			Timeout:  true,
			Err:      fmt.Errorf("no response headers within %s", req.HeaderTimeout),
		}
	}

	if res.StatusCode < 200 || res.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
		_ = res.Body.Close()
		cancel()
		return nil, nil, statusError(req.Target.Name, res.StatusCode, body)
	}
	return res, cancel, nil
}

// OpenStream starts a streaming call. The caller owns the returned Stream and
// must Close it.
func (c *Client) OpenStream(ctx context.Context, req Request) (*Stream, error) {
	res, cancel, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	return newStream(req.Target.Name, res, cancel), nil
}

// Do performs a non-streaming call and reads the whole body. A 2xx body that
// only carries an error object is reported as an UpstreamError.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	res, cancel, err := c.send(ctx, req)
	if err != nil {
		return nil, err
	}
	defer cancel()
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			c.Log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Provider: req.Target.Name, Timeout: IsTimeout(err), Err: err}
	}
	if uerr := ReportedError(req.Target.Name, res.StatusCode, body); uerr != nil {
		return nil, uerr
	}
	return &Response{Status: res.StatusCode, Header: res.Header.Clone(), Body: body}, nil
}

// Forward performs a single GET against the provider and returns whatever it
// answered, including non-2xx replies.
func (c *Client) Forward(ctx context.Context, target Target, rawURL string, caller http.Header, requestID string) (*Response, error) {
	r, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed building provider request: %w", err)
	}
	r.Header = Headers(target, caller, requestID)
	r.Header.Del("Content-Type")

	res, err := c.getHTTPClient(rawURL).Do(r)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ConnectionError{Provider: target.Name, Timeout: IsTimeout(err), Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &ConnectionError{Provider: target.Name, Err: err}
	}
	return &Response{Status: res.StatusCode, Header: res.Header.Clone(), Body: body}, nil
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsConnectionError reports whether err means the provider was unreachable
// or the connection broke.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF)
}
