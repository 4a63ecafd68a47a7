package relay

import (
	"context"
	"time"

	"relay-api/internal/upstream"
)

// StallDetector watches a stream's events. Before the first chunk it allows
// Initial; after each chunk the window re-arms to Stall. A zero window waits
// forever.
type StallDetector struct {
	Initial time.Duration
	Stall   time.Duration
	seen    bool
}

func NewStallDetector(initial, stall time.Duration) *StallDetector {
	return &StallDetector{Initial: initial, Stall: stall}
}

// Next returns the next chunk of data, io.EOF at a clean end, or the error
// that ended the stream. On a *StallError the stream must be discarded.
func (d *StallDetector) Next(ctx context.Context, events <-chan upstream.Event) ([]byte, error) {
	window, phase := d.Stall, PhaseMidstream
	if !d.seen {
		window, phase = d.Initial, PhaseInitial
	}

	var expired <-chan time.Time
	if window > 0 {
		timer := time.NewTimer(window)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-expired:
		return nil, &StallError{Phase: phase, Timeout: window}
	case ev, ok := <-events:
		if !ok {
			return nil, upstream.ErrStreamClosed
		}
		if ev.Err != nil {
			return nil, ev.Err
		}
		d.seen = true
		return ev.Data, nil
	}
}

// Seen reports whether any chunk has arrived.
func (d *StallDetector) Seen() bool {
	return d.seen
}
