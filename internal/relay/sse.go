package relay

import (
	"bytes"
	"errors"
	"fmt"

	"relay-api/internal/shared"
)

const (
	doneToken = "[DONE]"
	// MaxLineSize bounds a single SSE line, terminator excluded.
	MaxLineSize = 1 << 20
)

// ErrLineTooLong is returned when a line outgrows the splitter's limit.
var ErrLineTooLong = errors.New("stream line too long")

// LineSplitter cuts raw byte chunks into lines. A line split across chunk
// boundaries is held until its newline arrives.
type LineSplitter struct {
	// MaxLine overrides MaxLineSize when positive.
	MaxLine int
	partial []byte
}

// Feed returns the complete lines in chunk, without line terminators. A line
// longer than the limit fails with a *ParseError wrapping ErrLineTooLong.
func (s *LineSplitter) Feed(chunk []byte) ([]string, error) {
	limit := s.MaxLine
	if limit <= 0 {
		limit = MaxLineSize
	}
	var lines []string
	data := chunk
	if len(s.partial) > 0 {
		data = append(s.partial, chunk...)
		s.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		if i > limit {
			return nil, tooLong(data[:i], limit)
		}
		lines = append(lines, string(bytes.TrimSuffix(data[:i], []byte("\r"))))
		data = data[i+1:]
	}
	if len(data) > limit {
		return nil, tooLong(data, limit)
	}
	if len(data) > 0 {
		s.partial = append([]byte(nil), data...)
	}
	return lines, nil
}

func tooLong(line []byte, limit int) *ParseError {
	return &ParseError{
		Line: shared.Truncate(string(line), 256),
		Err:  fmt.Errorf("%w: more than %d bytes", ErrLineTooLong, limit),
	}
}

// Rest returns and clears any unterminated trailing line.
func (s *LineSplitter) Rest() string {
	rest := string(bytes.TrimSuffix(s.partial, []byte("\r")))
	s.partial = nil
	return rest
}

// Decoder feeds the data lines of an SSE stream into an Aggregator.
type Decoder struct {
	agg      *Aggregator
	splitter LineSplitter
	done     bool
}

func NewDecoder(agg *Aggregator) *Decoder {
	return &Decoder{agg: agg}
}

// Feed consumes a raw chunk. It returns an error when the provider reported
// one inside the stream or a line outgrew the limit; malformed chunks are
// dropped.
func (d *Decoder) Feed(chunk []byte) error {
	lines, err := d.splitter.Feed(chunk)
	if err != nil {
		return err
	}
	for _, line := range lines {
		if err := d.line(line); err != nil {
			return err
		}
	}
	return nil
}

// Close processes a trailing line that had no newline.
func (d *Decoder) Close() error {
	if rest := d.splitter.Rest(); rest != "" {
		return d.line(rest)
	}
	return nil
}

// Done reports whether the [DONE] marker was seen.
func (d *Decoder) Done() bool {
	return d.done
}

// Reset clears the decoder and its aggregator for a fresh stream.
func (d *Decoder) Reset() {
	d.splitter = LineSplitter{MaxLine: d.splitter.MaxLine}
	d.done = false
	d.agg.Reset()
}

func (d *Decoder) line(line string) error {
	if line == "" || line[0] == ':' {
		return nil
	}
	payload, ok := cutField(line, "data")
	if !ok || payload == "" {
		return nil
	}
	if payload == doneToken {
		d.done = true
		return nil
	}
	err := d.agg.Apply([]byte(payload))
	if IsParseError(err) {
		return nil
	}
	return err
}

// cutField returns the value of an SSE field line, honouring the optional
// single space after the colon.
func cutField(line, field string) (string, bool) {
	if len(line) <= len(field) || line[:len(field)] != field || line[len(field)] != ':' {
		return "", false
	}
	value := line[len(field)+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return value, true
}
