package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"relay-api/internal/upstream"
)

type StallPhase string

const (
	PhaseInitial   StallPhase = "initial"
	PhaseMidstream StallPhase = "midstream"
)

// StallError means no bytes arrived within the active window.
type StallError struct {
	Phase   StallPhase
	Timeout time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("stream stalled (%s): no data for %s", e.Phase, e.Timeout)
}

// ParseError is a malformed stream chunk. A malformed payload is dropped and
// the stream continues; a line over the size limit ends the attempt.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed chunk: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// ClientGoneError means writing to the caller failed. It is never retried.
type ClientGoneError struct {
	Err error
}

func (e *ClientGoneError) Error() string {
	return fmt.Sprintf("caller connection lost: %v", e.Err)
}

func (e *ClientGoneError) Unwrap() error {
	return e.Err
}

// ExhaustedRetriesError is terminal: every permitted attempt failed.
type ExhaustedRetriesError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedRetriesError) Error() string {
	return "stream exhausted all retry attempts"
}

func (e *ExhaustedRetriesError) Unwrap() error {
	return e.Last
}

// StatusFor maps a terminal relay error to the status reported to a caller
// that has not received any bytes yet.
func StatusFor(err error) int {
	var uerr *upstream.UpstreamError
	if errors.As(err, &uerr) && uerr.Status >= 400 {
		return uerr.Status
	}
	if upstream.IsConnectionError(err) {
		return http.StatusBadGateway
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// TypeFor names the error class for the error body.
func TypeFor(err error) string {
	var (
		uerr  *upstream.UpstreamError
		stall *StallError
	)
	switch {
	case errors.As(err, &uerr):
		return "upstream_error"
	case errors.As(err, &stall):
		return "stream_stalled"
	case upstream.IsConnectionError(err):
		return "connection_error"
	default:
		return "relay_error"
	}
}
