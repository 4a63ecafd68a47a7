// Package setup server
package setup

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ContextLogValues should only be accessed for logging, and not for
// actual business logic, or any other logic
type ContextLogValues struct {
	// Added in track middleware
	RequestID       string
	StartTime       time.Time
	StatusCode      int
	RequestDuration time.Duration
	Path            string

	// Added by the relay handler
	Model    string
	Provider string
	Attempts int
	FellBack bool
	Outcome  string

	Error error
}

// AddError adds errors to the error chain. Always add errors, even if only warnings.
func (c *ContextLogValues) AddError(err error) {
	if c.Error == nil {
		c.Error = err
		return
	}
	c.Error = fmt.Errorf("%w: %w", err, c.Error)
}

func (c *ContextLogValues) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("request_id", c.RequestID)
	enc.AddTime("start_time", c.StartTime)
	enc.AddDuration("request_duration", c.RequestDuration)
	enc.AddInt("status_code", c.StatusCode)
	enc.AddString("path", c.Path)
	if c.Model != "" {
		enc.AddString("model", c.Model)
		enc.AddString("provider", c.Provider)
		enc.AddInt("attempts", c.Attempts)
		enc.AddBool("fell_back", c.FellBack)
		enc.AddString("outcome", c.Outcome)
	}
	if c.Error != nil {
		enc.AddString("error", c.Error.Error())
	}
	return nil
}

type Context struct {
	echo.Context
	Log       *zap.SugaredLogger
	Reqid     string
	LogValues *ContextLogValues
}
