package shared

import (
	"errors"
	"fmt"
)

// RequestError is used when we want a specific error message and StatusCode.
// Handlers expect the message inside a RequestError to be safe to return to
// the caller; extra detail for logs should be joined next to it with
// errors.Join instead of being folded into Err.
type RequestError struct {
	StatusCode int
	Err        error
}

func (r *RequestError) Error() string {
	return fmt.Sprintf("status %d: err %v", r.StatusCode, r.Err)
}

func (r *RequestError) Unwrap() error {
	return r.Err
}

var (
	ErrInvalidRequest      = &RequestError{Err: errors.New("invalid request body"), StatusCode: 400}
	ErrMissingModel        = &RequestError{Err: errors.New("model is required"), StatusCode: 400}
	ErrInternalServerError = &RequestError{Err: errors.New("internal server error"), StatusCode: 500}
	ErrBadGateway          = &RequestError{Err: errors.New("upstream unreachable"), StatusCode: 502}

	ErrFailedModelReq         = &MetricsError{Msg: "failed to send http request to provider", Code: "provider_http_err"}
	ErrFailedModelReqFromCode = &MetricsError{Msg: "provider responded with non-2xx", Code: "provider_http_status_err"}
	ErrFailedReadingResponse  = &MetricsError{Msg: "failed to read provider response", Code: "provider_response_err"}
	ErrMissingDoneToken       = &MetricsError{Msg: "missing [DONE] token", Code: "missing_done_token"}
	ErrStreamStalled          = &MetricsError{Msg: "provider stream stalled", Code: "stream_stalled"}
	ErrFastPathFailed         = &MetricsError{Msg: "fast path provider failed", Code: "fast_path_failed"}
	ErrHistoryWrite           = &MetricsError{Msg: "failed to persist history record", Code: "history_write"}
)

// MetricsError tags an error chain with a stable code used as a metrics label.
type MetricsError struct {
	Msg  string
	Code string
}

func (m *MetricsError) Error() string {
	return m.String()
}

func (m *MetricsError) String() string {
	return m.Msg
}

// MetricsCode returns the code of the first MetricsError in err's chain, or
// "unknown".
func MetricsCode(err error) string {
	var merr *MetricsError
	if errors.As(err, &merr) {
		return merr.Code
	}
	return "unknown"
}
