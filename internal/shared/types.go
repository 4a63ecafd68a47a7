package shared

import "time"

// ErrorBody is the JSON error envelope returned to callers.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
	Type    string `json:"type"`
}

func NewErrorBody(status int, errType, message string) ErrorBody {
	return ErrorBody{Error: ErrorDetail{Message: message, Status: status, Type: errType}}
}

type Usage struct {
	PromptTokens     uint64 `json:"prompt_tokens"`
	CompletionTokens uint64 `json:"completion_tokens"`
	TotalTokens      uint64 `json:"total_tokens"`
}

// ProcessedQueryInfo is the accounting record produced once per relay session.
type ProcessedQueryInfo struct {
	ID               string
	Provider         string
	Model            string
	Endpoint         string
	Stream           bool
	Attempts         int
	FellBack         bool
	Outcome          string
	StatusCode       int
	TimeToFirstToken time.Duration
	TotalTime        time.Duration
	Usage            *Usage
	CreatedAt        time.Time
}
