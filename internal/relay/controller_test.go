package relay

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"relay-api/internal/upstream"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testController(policy Policy) (*Controller, *[]time.Duration) {
	var slept []time.Duration
	c := NewController(policy, "test", zap.NewNop().Sugar())
	c.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return ctx.Err()
	}
	return c, &slept
}

func TestControllerRetriesUntilSuccess(t *testing.T) {
	c, slept := testController(DefaultPolicy())

	calls := 0
	attempts, err := c.Run(context.Background(), func(ctx context.Context, a *StreamAttempt) error {
		calls++
		if calls < 3 {
			return &StallError{Phase: PhaseInitial, Timeout: time.Second}
		}
		return nil
	})
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	assert.Equal(t, AttemptAbandoned, attempts[0].State)
	assert.Equal(t, AttemptAbandoned, attempts[1].State)
	assert.Equal(t, AttemptSucceeded, attempts[2].State)
	assert.Equal(t, 2, attempts[2].Seq)
	assert.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, *slept)
}

func TestControllerExhaustsRetries(t *testing.T) {
	c, slept := testController(DefaultPolicy())

	attempts, err := c.Run(context.Background(), func(ctx context.Context, a *StreamAttempt) error {
		return &upstream.UpstreamError{Provider: "test", Status: http.StatusServiceUnavailable, Message: "busy"}
	})

	var exhausted *ExhaustedRetriesError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, "stream exhausted all retry attempts", exhausted.Error())
	assert.Equal(t, http.StatusServiceUnavailable, StatusFor(err))
	assert.Len(t, attempts, 3)
	for _, a := range attempts {
		assert.Equal(t, AttemptFailed, a.State)
	}
	assert.Len(t, *slept, 2)
}

func TestControllerDoesNotRetryClientGone(t *testing.T) {
	c, _ := testController(DefaultPolicy())

	calls := 0
	_, err := c.Run(context.Background(), func(ctx context.Context, a *StreamAttempt) error {
		calls++
		return &ClientGoneError{Err: errors.New("broken pipe")}
	})
	var gone *ClientGoneError
	require.ErrorAs(t, err, &gone)
	assert.Equal(t, 1, calls)
}

func TestControllerAbortOnPartial(t *testing.T) {
	policy := DefaultPolicy()
	policy.AbortOnPartial = true
	c, _ := testController(policy)

	calls := 0
	_, err := c.Run(context.Background(), func(ctx context.Context, a *StreamAttempt) error {
		calls++
		a.Relayed(12)
		return &StallError{Phase: PhaseMidstream, Timeout: time.Second}
	})
	var stall *StallError
	require.ErrorAs(t, err, &stall)
	assert.Equal(t, 1, calls)
}

func TestControllerStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := NewController(Policy{MaxAttempts: 5, Backoff: BackoffSchedule, Schedule: []time.Duration{time.Hour}}, "test", zap.NewNop().Sugar())

	calls := 0
	done := make(chan error, 1)
	go func() {
		_, err := c.Run(ctx, func(ctx context.Context, a *StreamAttempt) error {
			calls++
			return errors.New("boom")
		})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(2 * time.Second):
		t.Fatal("backoff did not stop on cancel")
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, StatusFor(&upstream.ConnectionError{Provider: "p", Err: errors.New("refused")}))
	assert.Equal(t, http.StatusTooManyRequests, StatusFor(&ExhaustedRetriesError{Last: &upstream.UpstreamError{Status: 429}}))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(&StallError{Phase: PhaseInitial}))
}
