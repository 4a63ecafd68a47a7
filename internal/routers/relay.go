package routers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"relay-api/internal/cache"
	"relay-api/internal/relay"
	"relay-api/internal/setup"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	"github.com/labstack/echo/v4"
)

const forwardTimeout = 30 * time.Second

type RelayRouterConfig struct {
	Engine *relay.Engine
	// BaseURL is the default provider's API root used by the passthrough
	// routes.
	BaseURL string
	// Models caches the model list. Nil forwards every request.
	Models *cache.ModelsCache
}

type RelayRouter struct {
	engine  *relay.Engine
	client  *upstream.Client
	target  upstream.Target
	baseURL string
	models  *cache.ModelsCache
}

func RegisterRelayRoutes(e *echo.Group, cfg RelayRouterConfig) (*RelayRouter, error) {
	if cfg.Engine == nil || cfg.Engine.Client == nil || cfg.Engine.Selector == nil {
		return nil, errors.New("relay routes need an engine with a client and selector")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("relay routes need the default provider base url")
	}
	rr := &RelayRouter{
		engine:  cfg.Engine,
		client:  cfg.Engine.Client,
		target:  cfg.Engine.Selector.Default,
		baseURL: cfg.BaseURL,
		models:  cfg.Models,
	}

	v1 := e.Group("/v1")
	v1.POST("/chat/completions", rr.ChatCompletions)
	v1.GET("/generation", rr.Generation)
	v1.GET("/generation/:id", rr.Generation)
	v1.GET("/models", rr.Models)
	return rr, nil
}

func (rr *RelayRouter) ChatCompletions(cc echo.Context) error {
	c := cc.(*setup.Context)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		c.Log.Errorw("Failed to read request body", "error", err.Error())
		return writeRequestError(c, errors.Join(shared.ErrInvalidRequest, err))
	}
	streamQuery, _ := strconv.ParseBool(c.QueryParam("stream"))
	req, err := relay.ParseCompletionRequest(body, streamQuery)
	if err != nil {
		return writeRequestError(c, err)
	}
	req.ID = c.Reqid
	req.Method = c.Request().Method
	req.URL = c.Request().URL.String()
	req.Header = c.Request().Header

	c.Log = c.Log.With("model", req.Model, "stream", req.Stream)
	info := rr.engine.Serve(c.Request().Context(), c.Log, c.Response(), req)

	c.LogValues.Model = info.Model
	c.LogValues.Provider = info.Provider
	c.LogValues.Attempts = info.Attempts
	c.LogValues.FellBack = info.FellBack
	c.LogValues.Outcome = info.Outcome
	return nil
}

// Generation looks up generation stats on the default provider. The id comes
// from the path or the id query parameter.
func (rr *RelayRouter) Generation(cc echo.Context) error {
	c := cc.(*setup.Context)
	id := c.Param("id")
	if id == "" {
		id = c.QueryParam("id")
	}
	if id == "" {
		return writeRequestError(c, &shared.RequestError{StatusCode: http.StatusBadRequest, Err: errors.New("generation id is required")})
	}
	return rr.forward(c, rr.baseURL+"/generation?id="+url.QueryEscape(id))
}

func (rr *RelayRouter) Models(cc echo.Context) error {
	c := cc.(*setup.Context)
	if rr.models != nil {
		if body, ok := rr.models.Get(c.Request().Context()); ok {
			return c.Blob(http.StatusOK, "application/json", body)
		}
	}

	res, err := rr.fetch(c, rr.baseURL+"/models")
	if err != nil {
		return writeRequestError(c, err)
	}
	if rr.models != nil && res.Status == http.StatusOK {
		rr.models.Put(res.Body)
	}
	return writeForwarded(c, res)
}

func (rr *RelayRouter) forward(c *setup.Context, rawURL string) error {
	res, err := rr.fetch(c, rawURL)
	if err != nil {
		return writeRequestError(c, err)
	}
	return writeForwarded(c, res)
}

func (rr *RelayRouter) fetch(c *setup.Context, rawURL string) (*upstream.Response, error) {
	ctx, cancel := context.WithTimeout(c.Request().Context(), forwardTimeout)
	defer cancel()
	res, err := rr.client.Forward(ctx, rr.target, rawURL, c.Request().Header, c.Reqid)
	if err != nil {
		c.Log.Warnw("Passthrough request failed", "url", rawURL, "error", err)
		return nil, err
	}
	return res, nil
}
