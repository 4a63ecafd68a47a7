package relay

import (
	"context"
	"errors"
	"time"

	"relay-api/internal/metrics"

	"go.uber.org/zap"
)

type AttemptState string

const (
	AttemptPending   AttemptState = "pending"
	AttemptSucceeded AttemptState = "succeeded"
	AttemptFailed    AttemptState = "failed"
	AttemptAbandoned AttemptState = "abandoned"
)

// StreamAttempt is one upstream call within a session.
type StreamAttempt struct {
	Seq          int
	Provider     string
	StartedAt    time.Time
	LastByteAt   time.Time
	State        AttemptState
	BytesRelayed int64
	Err          error
}

// Relayed records n bytes delivered to the caller by this attempt.
func (a *StreamAttempt) Relayed(n int) {
	if n <= 0 {
		return
	}
	a.BytesRelayed += int64(n)
	a.LastByteAt = time.Now()
}

// AttemptFunc performs one attempt. Returning nil marks it succeeded.
type AttemptFunc func(ctx context.Context, attempt *StreamAttempt) error

// Controller runs attempts under a Policy until one succeeds, the caller
// goes away, or the attempt budget is spent.
type Controller struct {
	Policy   Policy
	Provider string
	Log      *zap.SugaredLogger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func NewController(policy Policy, provider string, log *zap.SugaredLogger) *Controller {
	return &Controller{Policy: policy, Provider: provider, Log: log, sleep: sleepCtx}
}

// Run drives attempts. On exhaustion it returns *ExhaustedRetriesError
// wrapping the last attempt's error. Attempts are returned in order.
func (c *Controller) Run(ctx context.Context, fn AttemptFunc) ([]*StreamAttempt, error) {
	maxAttempts := max(c.Policy.MaxAttempts, 1)
	attempts := make([]*StreamAttempt, 0, maxAttempts)

	var lastErr error
	for seq := 0; seq < maxAttempts; seq++ {
		if seq > 0 {
			delay := c.Policy.Delay(seq - 1)
			c.Log.Infow("Retrying upstream request", "provider", c.Provider, "attempt", seq+1, "max_attempts", maxAttempts, "delay", delay.String())
			if err := c.sleep(ctx, delay); err != nil {
				return attempts, err
			}
		}

		attempt := &StreamAttempt{
			Seq:       seq,
			Provider:  c.Provider,
			StartedAt: time.Now(),
			State:     AttemptPending,
		}
		attempts = append(attempts, attempt)

		err := fn(ctx, attempt)
		if err == nil {
			attempt.State = AttemptSucceeded
			metrics.Attempts.WithLabelValues(c.Provider, string(attempt.State)).Inc()
			return attempts, nil
		}

		attempt.Err = err
		attempt.State = AttemptFailed
		var stall *StallError
		if errors.As(err, &stall) {
			attempt.State = AttemptAbandoned
			metrics.Stalls.WithLabelValues(c.Provider, string(stall.Phase)).Inc()
		}
		metrics.Attempts.WithLabelValues(c.Provider, string(attempt.State)).Inc()
		lastErr = err

		if !c.retryable(ctx, attempt) {
			return attempts, err
		}
		c.Log.Warnw("Upstream attempt failed", "provider", c.Provider, "attempt", seq+1, "state", attempt.State, "bytes_relayed", attempt.BytesRelayed, "error", err)
	}

	return attempts, &ExhaustedRetriesError{Attempts: len(attempts), Last: lastErr}
}

func (c *Controller) retryable(ctx context.Context, attempt *StreamAttempt) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(attempt.Err, context.Canceled) {
		return false
	}
	var gone *ClientGoneError
	if errors.As(attempt.Err, &gone) {
		return false
	}
	if c.Policy.AbortOnPartial && attempt.BytesRelayed > 0 {
		return false
	}
	return true
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
