// Package middleware holds the echo middleware shared by every route
package middleware

import (
	"fmt"
	"net/http"
	"time"

	"relay-api/internal/metrics"
	"relay-api/internal/setup"
	"relay-api/internal/shared"

	"github.com/aidarkhanov/nanoid"
	"github.com/labstack/echo/v4"
	emw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
)

const RequestIDHeader = "X-Request-ID"

func NewTrackMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID, _ := nanoid.Generate("0123456789abcdefghijklmnopqrstuvwxyz", 28)
			reqID = "req_" + reqID
			logger := log.With("request_id", reqID)
			c.Response().Header().Set(RequestIDHeader, reqID)

			start := time.Now()
			values := &setup.ContextLogValues{
				RequestID: reqID,
				StartTime: start,
				Path:      c.Path(),
			}
			cc := &setup.Context{Context: c, Log: logger, Reqid: reqID, LogValues: values}
			err := next(cc)
			if err != nil {
				// lets echo's error handler write the response before the status is read
				c.Error(err)
				values.AddError(err)
			}

			values.RequestDuration = time.Since(start)
			values.StatusCode = cc.Response().Status
			cc.Log.Infow("end_of_request", zap.Object("values", values))
			metrics.ResponseCodes.WithLabelValues(cc.Path(), fmt.Sprintf("%d", cc.Response().Status)).Inc()
			return nil
		}
	}
}

func NewRecoverMiddleware(log *zap.SugaredLogger) echo.MiddlewareFunc {
	return emw.RecoverWithConfig(emw.RecoverConfig{
		StackSize: 1 << 10, // 1 KB
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			defer func() {
				_ = log.Sync()
			}()
			log.Errorw("Api Panic", "error", err.Error(), "stack", string(stack))
			if c.Response().Committed {
				return nil
			}
			body := shared.NewErrorBody(http.StatusInternalServerError, "relay_error", shared.ErrInternalServerError.Err.Error())
			return c.JSON(http.StatusInternalServerError, body)
		},
	})
}

// RequireAPIKey guards a route with a static bearer token. An empty key
// rejects every request.
func RequireAPIKey(key string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, ok := shared.ExtractBearer(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return c.String(http.StatusUnauthorized, "Missing or invalid API key")
			}
			if key == "" || token != key {
				return c.String(http.StatusUnauthorized, "Unauthorized API key")
			}
			return next(c)
		}
	}
}
