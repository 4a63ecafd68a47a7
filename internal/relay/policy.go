package relay

import (
	"errors"
	"fmt"
	"time"

	"relay-api/internal/shared"
)

type Variant string

const (
	BackoffSchedule    Variant = "schedule"
	BackoffExponential Variant = "exponential"
)

// Policy governs how many attempts a session makes and how long it waits
// between them.
type Policy struct {
	MaxAttempts int
	Backoff     Variant
	// Schedule holds per-retry delays; the last entry repeats.
	Schedule []time.Duration
	Base     time.Duration
	Cap      time.Duration

	StallTimeout   time.Duration
	InitialTimeout time.Duration

	// AbortOnPartial ends the session instead of retrying once bytes have
	// reached the caller.
	AbortOnPartial bool
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    shared.DefaultMaxAttempts,
		Backoff:        BackoffSchedule,
		Schedule:       append([]time.Duration(nil), shared.DefaultBackoffSchedule...),
		Base:           shared.DefaultBackoffBase,
		Cap:            shared.DefaultBackoffCap,
		StallTimeout:   shared.DefaultStallTimeout,
		InitialTimeout: shared.DefaultInitialTimeout,
	}
}

// Delay is the wait after failed attempt n (0-based) before attempt n+1.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	switch p.Backoff {
	case BackoffExponential:
		d := p.Base
		for i := 0; i < n; i++ {
			if p.Cap > 0 && d >= p.Cap {
				break
			}
			d *= 2
		}
		if p.Cap > 0 && d > p.Cap {
			return p.Cap
		}
		return d
	default:
		if len(p.Schedule) == 0 {
			return 0
		}
		return p.Schedule[min(n, len(p.Schedule)-1)]
	}
}

// Single returns a copy of the policy allowing exactly one attempt.
func (p Policy) Single() Policy {
	p.MaxAttempts = 1
	return p
}

func (p Policy) Validate() error {
	var errs error
	if p.MaxAttempts < 1 {
		errs = errors.Join(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}
	if p.StallTimeout < 0 || p.InitialTimeout < 0 {
		errs = errors.Join(errs, errors.New("timeouts must not be negative"))
	}
	switch p.Backoff {
	case BackoffSchedule:
		if len(p.Schedule) == 0 {
			errs = errors.Join(errs, errors.New("schedule backoff needs at least one delay"))
		}
		for i := 1; i < len(p.Schedule); i++ {
			if p.Schedule[i] < p.Schedule[i-1] {
				errs = errors.Join(errs, errors.New("schedule delays must be non-decreasing"))
				break
			}
		}
	case BackoffExponential:
		if p.Base <= 0 {
			errs = errors.Join(errs, errors.New("exponential backoff needs a positive base"))
		}
		if p.Cap > 0 && p.Cap < p.Base {
			errs = errors.Join(errs, errors.New("backoff cap must not be below the base"))
		}
	default:
		errs = errors.Join(errs, fmt.Errorf("unknown backoff variant %q", p.Backoff))
	}
	return errs
}
