package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"relay-api/internal/shared"

	"go.uber.org/zap"
)

type Mode string

const (
	// ModeRaw relays upstream bytes to the caller as they arrive.
	ModeRaw Mode = "raw"
	// ModeAggregate writes one reconstructed completion at the end.
	ModeAggregate Mode = "aggregate"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeRaw, ModeAggregate:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown stream mode %q", s)
	}
}

// streamSink decides what a streaming attempt's bytes turn into.
type streamSink interface {
	// Begin is called before each attempt opens its stream.
	Begin(attempt *StreamAttempt)
	Chunk(attempt *StreamAttempt, data []byte) error
	// End is called when the attempt's stream finished cleanly.
	End(attempt *StreamAttempt) error
	// Finish writes whatever remains and ends the response.
	Finish() error
	Completion() AggregatedCompletion
	Usage() *shared.Usage
}

func newSink(mode Mode, gate *Gate, log *zap.SugaredLogger, provider string) streamSink {
	agg := NewAggregator(log, provider)
	if mode == ModeAggregate {
		return &aggregateSink{gate: gate, log: log, agg: agg, dec: NewDecoder(agg)}
	}
	return &rawSink{gate: gate, log: log, agg: agg, dec: NewDecoder(agg)}
}

// rawSink writes bytes through and tees them into a private aggregator that
// is never shown to the caller. Only complete lines reach the caller; a
// trailing partial line is held until its newline arrives so a failed
// attempt never leaves half an event on the wire.
type rawSink struct {
	gate    *Gate
	log     *zap.SugaredLogger
	agg     *Aggregator
	dec     *Decoder
	pending []byte
}

func (s *rawSink) Begin(attempt *StreamAttempt) {
	s.agg.Provider = attempt.Provider
	s.dec.Reset()
	if len(s.pending) > 0 {
		s.log.Debugw("Discarding partial line of failed attempt", "provider", attempt.Provider, "bytes", len(s.pending))
	}
	s.pending = nil
}

func (s *rawSink) Chunk(attempt *StreamAttempt, data []byte) error {
	if err := s.dec.Feed(data); err != nil {
		return err
	}
	buf := append(s.pending, data...)
	cut := bytes.LastIndexByte(buf, '\n') + 1
	s.pending = append([]byte(nil), buf[cut:]...)
	return s.write(attempt, buf[:cut])
}

func (s *rawSink) End(attempt *StreamAttempt) error {
	if err := s.dec.Close(); err != nil {
		return err
	}
	if !s.dec.Done() {
		s.log.Warnw("Upstream stream ended without done marker", "provider", attempt.Provider, "attempt", attempt.Seq+1)
	}
	rest := s.pending
	s.pending = nil
	return s.write(attempt, rest)
}

func (s *rawSink) write(attempt *StreamAttempt, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	n, err := s.gate.Write(p)
	attempt.Relayed(n)
	return err
}

func (s *rawSink) Finish() error {
	s.gate.Finish()
	return nil
}

func (s *rawSink) Completion() AggregatedCompletion {
	return s.agg.Finalize()
}

func (s *rawSink) Usage() *shared.Usage {
	return s.agg.Usage()
}

// aggregateSink folds every chunk and writes only the final object. A new
// attempt discards what the previous one accumulated.
type aggregateSink struct {
	gate *Gate
	log  *zap.SugaredLogger
	agg  *Aggregator
	dec  *Decoder
}

func (s *aggregateSink) Begin(attempt *StreamAttempt) {
	s.agg.Provider = attempt.Provider
	s.dec.Reset()
}

func (s *aggregateSink) Chunk(attempt *StreamAttempt, data []byte) error {
	attempt.LastByteAt = time.Now()
	return s.dec.Feed(data)
}

func (s *aggregateSink) End(attempt *StreamAttempt) error {
	if err := s.dec.Close(); err != nil {
		return err
	}
	if !s.dec.Done() {
		s.log.Warnw("Upstream stream ended without done marker", "provider", attempt.Provider, "attempt", attempt.Seq+1)
	}
	if s.agg.Chunks() == 0 {
		return fmt.Errorf("%w: upstream stream carried no chunks", shared.ErrFailedReadingResponse)
	}
	return nil
}

func (s *aggregateSink) Finish() error {
	body, err := json.Marshal(s.agg.Finalize())
	if err != nil {
		return err
	}
	if _, err := s.gate.Write(body); err != nil {
		return err
	}
	s.gate.Finish()
	return nil
}

func (s *aggregateSink) Completion() AggregatedCompletion {
	return s.agg.Finalize()
}

func (s *aggregateSink) Usage() *shared.Usage {
	return s.agg.Usage()
}
