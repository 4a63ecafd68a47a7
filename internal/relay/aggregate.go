package relay

import (
	"encoding/json"
	"errors"

	"relay-api/internal/metrics"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	"go.uber.org/zap"
)

var zeroUsage = json.RawMessage(`{"prompt_tokens":0,"completion_tokens":0,"total_tokens":0}`)

// DeltaChunk is one decoded streaming event.
type DeltaChunk struct {
	ID      string          `json:"id"`
	Created int64           `json:"created"`
	Model   string          `json:"model"`
	Choices []ChoiceDelta   `json:"choices"`
	Usage   json.RawMessage `json:"usage"`
	Error   json.RawMessage `json:"error"`
}

type ChoiceDelta struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

type Delta struct {
	Role    *string `json:"role"`
	Content *string `json:"content"`
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type AggregatedChoice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason *string `json:"finish_reason"`
}

// AggregatedCompletion is the single object built from a stream of chunks.
type AggregatedCompletion struct {
	ID      string             `json:"id"`
	Object  string             `json:"object"`
	Created int64              `json:"created"`
	Model   string             `json:"model"`
	Choices []AggregatedChoice `json:"choices"`
	Usage   json.RawMessage    `json:"usage"`
}

// Aggregator folds delta chunks into one completion. It is used by a single
// session goroutine.
type Aggregator struct {
	Log      *zap.SugaredLogger
	Provider string

	completion AggregatedCompletion
	byIndex    map[int]int
	skeleton   bool
	usage      *shared.Usage
	chunks     int
}

func NewAggregator(log *zap.SugaredLogger, provider string) *Aggregator {
	a := &Aggregator{Log: log, Provider: provider}
	a.Reset()
	return a
}

// Reset discards everything accumulated so far.
func (a *Aggregator) Reset() {
	a.completion = AggregatedCompletion{Object: "chat.completion", Choices: []AggregatedChoice{}}
	a.byIndex = map[int]int{}
	a.skeleton = false
	a.usage = nil
	a.chunks = 0
}

// Apply folds one chunk payload. Malformed payloads are dropped and reported
// as *ParseError; a payload carrying an error object is reported as
// *upstream.UpstreamError and changes nothing.
func (a *Aggregator) Apply(payload []byte) error {
	var chunk DeltaChunk
	if err := json.Unmarshal(payload, &chunk); err != nil {
		perr := &ParseError{Line: shared.Truncate(string(payload), 256), Err: err}
		metrics.DroppedChunks.WithLabelValues(a.Provider).Inc()
		a.Log.Warnw("Dropping malformed chunk", "provider", a.Provider, "chunk", perr.Line, "error", err)
		return perr
	}
	if len(chunk.Error) > 0 && string(chunk.Error) != "null" {
		if uerr := upstream.ReportedError(a.Provider, 0, payload); uerr != nil {
			return uerr
		}
	}
	a.chunks++

	if a.completion.ID == "" && chunk.ID != "" {
		a.completion.ID = chunk.ID
	}
	if a.completion.Model == "" && chunk.Model != "" {
		a.completion.Model = chunk.Model
	}
	if a.completion.Created == 0 && chunk.Created != 0 {
		a.completion.Created = chunk.Created
	}

	if len(chunk.Usage) > 0 && string(chunk.Usage) != "null" {
		var usage shared.Usage
		if err := json.Unmarshal(chunk.Usage, &usage); err == nil {
			a.completion.Usage = append(json.RawMessage(nil), chunk.Usage...)
			a.usage = &usage
		}
	}

	if len(chunk.Choices) == 0 {
		return nil
	}
	if !a.skeleton {
		for _, c := range chunk.Choices {
			if _, dup := a.byIndex[c.Index]; dup {
				continue
			}
			a.byIndex[c.Index] = len(a.completion.Choices)
			a.completion.Choices = append(a.completion.Choices, AggregatedChoice{Index: c.Index})
		}
		a.skeleton = true
	}

	for _, c := range chunk.Choices {
		pos, ok := a.byIndex[c.Index]
		if !ok {
			continue
		}
		choice := &a.completion.Choices[pos]
		if c.Delta.Content != nil {
			choice.Message.Content += *c.Delta.Content
		}
		if c.Delta.Role != nil && *c.Delta.Role != "" {
			choice.Message.Role = *c.Delta.Role
		}
		if c.FinishReason != nil && *c.FinishReason != "" {
			reason := *c.FinishReason
			choice.FinishReason = &reason
		}
	}
	return nil
}

// Finalize returns the completion accumulated so far.
func (a *Aggregator) Finalize() AggregatedCompletion {
	out := a.completion
	out.Choices = make([]AggregatedChoice, len(a.completion.Choices))
	copy(out.Choices, a.completion.Choices)
	for i := range out.Choices {
		if out.Choices[i].Message.Role == "" {
			out.Choices[i].Message.Role = "assistant"
		}
	}
	if len(out.Usage) == 0 {
		out.Usage = zeroUsage
	}
	return out
}

// Usage is the last usage block seen, or nil.
func (a *Aggregator) Usage() *shared.Usage {
	return a.usage
}

// Chunks counts the chunks applied since the last Reset.
func (a *Aggregator) Chunks() int {
	return a.chunks
}

// IsParseError reports whether err only means a chunk was dropped.
func IsParseError(err error) bool {
	var perr *ParseError
	return errors.As(err, &perr)
}
