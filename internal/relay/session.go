package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"relay-api/internal/history"
	"relay-api/internal/metrics"
	"relay-api/internal/shared"
	"relay-api/internal/upstream"

	"go.uber.org/zap"
)

type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomePartial   = "partial"
	outcomeCanceled  = "canceled"
)

// Session is the state of one inbound request. It is owned by the handler
// goroutine serving that request.
type Session struct {
	State SessionState

	engine   *Engine
	log      *zap.SugaredLogger
	req      *CompletionRequest
	gate     *Gate
	policy   Policy
	sink     streamSink
	route    Route
	provider string
	fellBack bool
	attempts []*StreamAttempt

	startedAt   time.Time
	firstByteAt time.Time
	status      int
	unaryBody   []byte
}

type requestRecord struct {
	Method  string          `json:"method"`
	URL     string          `json:"url"`
	Headers http.Header     `json:"headers"`
	Body    json.RawMessage `json:"body"`
}

type responseRecord struct {
	Status  int         `json:"status"`
	Headers http.Header `json:"headers"`
	Data    any         `json:"data"`
}

func (s *Session) run(ctx context.Context) *shared.ProcessedQueryInfo {
	s.saveHistory("request", requestRecord{
		Method:  s.req.Method,
		URL:     s.req.URL,
		Headers: history.RedactHeaders(s.req.Header),
		Body:    rawJSON(s.req.Body),
	})

	if s.req.Stream {
		s.sink = newSink(s.engine.Mode, s.gate, s.log, "")
	}
	s.route = s.engine.Selector.Select(s.req.Model, s.req.Body)

	var err error
	if fast := s.route.FastPath; fast != nil {
		err = s.attemptTarget(ctx, *fast, s.route.FastBody, s.policy.Single())
		if err != nil && s.canFallBack(ctx, err) {
			metrics.Fallbacks.WithLabelValues(fast.Name).Inc()
			s.log.Warnw("Fast path provider failed, falling back to default provider",
				"fast_path", fast.Name,
				"model", s.route.FastModel,
				"error", errors.Join(shared.ErrFastPathFailed, err),
			)
			s.fellBack = true
			err = s.attemptTarget(ctx, s.route.Default, s.route.Body, s.policy)
		}
	} else {
		err = s.attemptTarget(ctx, s.route.Default, s.route.Body, s.policy)
	}

	err = s.terminate(ctx, err)
	return s.summarize(ctx, err)
}

func (s *Session) canFallBack(ctx context.Context, err error) bool {
	if ctx.Err() != nil || s.gate.Written() > 0 {
		return false
	}
	var gone *ClientGoneError
	return !errors.As(err, &gone)
}

func (s *Session) attemptTarget(ctx context.Context, target upstream.Target, body []byte, policy Policy) error {
	s.provider = target.Name
	controller := NewController(policy, target.Name, s.log)

	fn := s.unaryAttempt(target, body)
	if s.req.Stream {
		fn = s.streamAttempt(target, body, policy)
	}
	attempts, err := controller.Run(ctx, fn)
	s.attempts = append(s.attempts, attempts...)
	return err
}

func (s *Session) streamAttempt(target upstream.Target, body []byte, policy Policy) AttemptFunc {
	return func(ctx context.Context, attempt *StreamAttempt) error {
		s.sink.Begin(attempt)
		stream, err := s.engine.Client.OpenStream(ctx, upstream.Request{
			Target:        target,
			Header:        s.req.Header,
			Body:          body,
			RequestID:     s.req.ID,
			HeaderTimeout: policy.InitialTimeout,
		})
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := stream.Close(); closeErr != nil {
				s.log.Debugw("Failed to close upstream stream", "error", closeErr)
			}
		}()

		s.gate.SetStatus(stream.Status)
		s.status = stream.Status
		detector := NewStallDetector(policy.InitialTimeout, policy.StallTimeout)
		for {
			data, err := detector.Next(ctx, stream.Events())
			if errors.Is(err, io.EOF) {
				return s.sink.End(attempt)
			}
			if err != nil {
				return err
			}
			s.markFirstByte()
			if err := s.sink.Chunk(attempt, data); err != nil {
				return err
			}
		}
	}
}

func (s *Session) unaryAttempt(target upstream.Target, body []byte) AttemptFunc {
	return func(ctx context.Context, attempt *StreamAttempt) error {
		res, err := s.engine.Client.Do(ctx, upstream.Request{
			Target:    target,
			Header:    s.req.Header,
			Body:      body,
			RequestID: s.req.ID,
		})
		if err != nil {
			return err
		}
		s.markFirstByte()
		s.gate.SetStatus(res.Status)
		s.status = res.Status
		s.unaryBody = res.Body
		n, err := s.gate.Write(res.Body)
		attempt.Relayed(n)
		return err
	}
}

func (s *Session) markFirstByte() {
	if s.firstByteAt.IsZero() {
		s.firstByteAt = time.Now()
	}
}

// terminate performs the single terminal action on the caller's response.
func (s *Session) terminate(ctx context.Context, err error) error {
	if err == nil {
		if s.req.Stream {
			err = s.sink.Finish()
		} else {
			s.gate.Finish()
		}
	}
	if err == nil {
		s.State = SessionCompleted
		s.saveHistory("response", responseRecord{
			Status:  s.status,
			Headers: s.gate.w.Header().Clone(),
			Data:    s.responseData(),
		})
		return nil
	}

	s.State = SessionFailed
	status := StatusFor(err)
	s.status = status
	message := err.Error()
	var exhausted *ExhaustedRetriesError
	if errors.As(err, &exhausted) && exhausted.Last != nil {
		message = fmt.Sprintf("%s: %s", exhausted.Error(), exhausted.Last.Error())
	}

	partial := s.gate.Written() > 0
	s.gate.Fail(status, TypeFor(err), message)

	logFn := s.log.Warnw
	if ctx.Err() == nil && !partial {
		logFn = s.log.Errorw
	}
	logFn("Relay session failed",
		"provider", s.provider,
		"attempts", len(s.attempts),
		"bytes_relayed", s.gate.Written(),
		"partial", partial,
		"error", err,
	)
	s.saveHistory("response", responseRecord{
		Status:  status,
		Headers: s.gate.w.Header().Clone(),
		Data:    shared.NewErrorBody(status, TypeFor(err), message),
	})
	return err
}

func (s *Session) responseData() any {
	if s.req.Stream {
		return s.sink.Completion()
	}
	return rawJSON(s.unaryBody)
}

func (s *Session) usage() *shared.Usage {
	if s.req.Stream {
		return s.sink.Usage()
	}
	var body struct {
		Usage *shared.Usage `json:"usage"`
	}
	if err := json.Unmarshal(s.unaryBody, &body); err != nil {
		return nil
	}
	return body.Usage
}

func (s *Session) summarize(ctx context.Context, err error) *shared.ProcessedQueryInfo {
	mode := "unary"
	if s.req.Stream {
		mode = string(s.engine.Mode)
	}

	outcome := outcomeCompleted
	switch {
	case err == nil:
	case ctx.Err() != nil || isClientGone(err):
		outcome = outcomeCanceled
	case s.gate.Written() > 0:
		outcome = outcomePartial
	default:
		outcome = outcomeFailed
	}

	info := &shared.ProcessedQueryInfo{
		ID:         s.req.ID,
		Provider:   s.provider,
		Model:      s.req.Model,
		Endpoint:   s.req.URL,
		Stream:     s.req.Stream,
		Attempts:   len(s.attempts),
		FellBack:   s.fellBack,
		Outcome:    outcome,
		StatusCode: s.status,
		TotalTime:  time.Since(s.startedAt),
		CreatedAt:  s.startedAt,
	}
	if !s.firstByteAt.IsZero() {
		info.TimeToFirstToken = s.firstByteAt.Sub(s.startedAt)
		metrics.TimeToFirstToken.WithLabelValues(s.provider, mode).Observe(info.TimeToFirstToken.Seconds())
	}
	if err == nil {
		info.Usage = s.usage()
	}

	metrics.RequestDuration.WithLabelValues(s.provider, mode).Observe(info.TotalTime.Seconds())
	metrics.RequestCount.WithLabelValues(s.provider, mode, outcome).Inc()
	if err != nil {
		metrics.ErrorCount.WithLabelValues(s.provider, errorCode(err)).Inc()
	}
	if info.Usage != nil {
		metrics.PromptTokens.WithLabelValues(s.req.Model).Add(float64(info.Usage.PromptTokens))
		metrics.CompletionTokens.WithLabelValues(s.req.Model).Add(float64(info.Usage.CompletionTokens))
	}

	if s.engine.Usage != nil {
		s.engine.Usage.Add(info)
	}
	return info
}

func (s *Session) saveHistory(kind string, record any) {
	if s.engine.History == nil {
		return
	}
	if _, err := s.engine.History.Save(kind, record); err != nil {
		metrics.ErrorCount.WithLabelValues(s.provider, shared.ErrHistoryWrite.Code).Inc()
		s.log.Warnw("Failed to save history record", "kind", kind, "error", errors.Join(shared.ErrHistoryWrite, err))
	}
}

func isClientGone(err error) bool {
	var gone *ClientGoneError
	return errors.As(err, &gone) || errors.Is(err, context.Canceled)
}

// errorCode labels a terminal error for the error counter.
func errorCode(err error) string {
	var (
		stall *StallError
		uerr  *upstream.UpstreamError
	)
	switch {
	case errors.As(err, &stall):
		return shared.ErrStreamStalled.Code
	case errors.As(err, &uerr):
		return shared.ErrFailedModelReqFromCode.Code
	case upstream.IsConnectionError(err):
		return shared.ErrFailedModelReq.Code
	default:
		return shared.MetricsCode(err)
	}
}

// rawJSON keeps valid JSON as is and quotes anything else.
func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	if json.Valid(b) {
		return json.RawMessage(b)
	}
	quoted, _ := json.Marshal(string(b))
	return quoted
}
