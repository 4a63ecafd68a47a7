package upstream

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConnectionError means the provider could not be reached or the connection
// broke before a complete response was read.
type ConnectionError struct {
	Provider string
	Timeout  bool
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("provider %q connection timeout: %v", e.Provider, e.Err)
	}
	return fmt.Sprintf("provider %q connection error: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// UpstreamError is a failure reported by the provider itself, either through
// a non-2xx status or an error object in the body.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("provider %q error (status %d): %s", e.Provider, e.Status, e.Message)
}

type errorEnvelope struct {
	Error   json.RawMessage `json:"error"`
	Choices json.RawMessage `json:"choices"`
}

type errorObject struct {
	Message string `json:"message"`
	Code    any    `json:"code"`
}

// ReportedError inspects a JSON body for a provider error object. It returns
// nil when the body carries choices or no error field at all.
func ReportedError(provider string, status int, body []byte) *UpstreamError {
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil
	}
	if len(env.Error) == 0 || string(env.Error) == "null" || len(env.Choices) > 0 {
		return nil
	}
	uerr := &UpstreamError{Provider: provider, Status: status, Message: errorMessage(env.Error)}
	var obj errorObject
	if json.Unmarshal(env.Error, &obj) == nil {
		if code, ok := obj.Code.(float64); ok && code >= 400 && code < 600 {
			uerr.Status = int(code)
		}
	}
	if uerr.Status < 400 {
		uerr.Status = 502
	}
	return uerr
}

// errorMessage accepts both {"error":"text"} and {"error":{"message":"text"}}.
func errorMessage(raw json.RawMessage) string {
	var text string
	if json.Unmarshal(raw, &text) == nil {
		return text
	}
	var obj errorObject
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return strings.TrimSpace(string(raw))
}

func statusError(provider string, status int, body []byte) *UpstreamError {
	if uerr := ReportedError(provider, status, body); uerr != nil {
		uerr.Status = status
		return uerr
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = fmt.Sprintf("provider responded with status %d", status)
	}
	if len(msg) > 512 {
		msg = msg[:512]
	}
	return &UpstreamError{Provider: provider, Status: status, Message: msg}
}
