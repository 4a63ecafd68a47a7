package upstream

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
)

const readBufferSize = 32 << 10

// ErrStreamClosed is returned when events are read after Close.
var ErrStreamClosed = errors.New("upstream stream closed")

// Event is one step of a streaming response. Exactly one of Data or Err is
// set; Err is io.EOF when the provider finished cleanly.
type Event struct {
	Data []byte
	Err  error
}

// Stream is an open streaming response. It is not restartable.
type Stream struct {
	Provider string
	Status   int
	Header   http.Header

	body      io.ReadCloser
	cancel    context.CancelFunc
	done      chan struct{}
	events    chan Event
	closeOnce sync.Once
}

func newStream(provider string, res *http.Response, cancel context.CancelFunc) *Stream {
	s := &Stream{
		Provider: provider,
		Status:   res.StatusCode,
		Header:   res.Header.Clone(),
		body:     res.Body,
		cancel:   cancel,
		done:     make(chan struct{}),
		events:   make(chan Event),
	}
	go s.read()
	return s
}

// Events yields the chunks of the response in order. The channel is closed
// after the terminal event or once the stream is closed.
func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) read() {
	defer close(s.events)
	for {
		buf := make([]byte, readBufferSize)
		n, err := s.body.Read(buf)
		if n > 0 {
			select {
			case s.events <- Event{Data: buf[:n]}:
			case <-s.done:
				return
			}
		}
		if err == nil {
			continue
		}
		if !errors.Is(err, io.EOF) {
			err = &ConnectionError{Provider: s.Provider, Timeout: IsTimeout(err), Err: err}
		} else {
			err = io.EOF
		}
		select {
		case s.events <- Event{Err: err}:
		case <-s.done:
		}
		return
	}
}

// Close cancels the request and releases the body. It is safe to call more
// than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.cancel()
		err = s.body.Close()
	})
	return err
}
