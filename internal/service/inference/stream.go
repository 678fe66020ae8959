package inference

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// Delta is one item of a generation stream. Non-terminal deltas carry a
// text fragment. The terminal delta has Done or Err set; on success Final
// holds the backend's authoritative full text when it supplies one.
type Delta struct {
	Text  string
	Final string
	Done  bool
	Err   error
}

// Terminal reports whether d ends the stream.
func (d Delta) Terminal() bool { return d.Done || d.Err != nil }

// Stream is a cancelable, ordered sequence of deltas from one generation.
type Stream struct {
	id     string
	ch     chan Delta
	stop   chan struct{}
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	cancelled atomic.Bool
	ended     atomic.Bool
	stopOnce  sync.Once
	endOnce   sync.Once
}

func newStream(parent context.Context) *Stream {
	ctx, cancel := context.WithCancel(parent)
	return &Stream{
		id:     uuid.NewString(),
		ch:     make(chan Delta, 8),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ID identifies the stream; the local worker uses it as request id.
func (s *Stream) ID() string { return s.id }

// Next blocks for the next delta. It returns false once the terminal delta
// has been consumed. Nothing is delivered after Cancel returns; the caller
// receives an ErrCancelled terminal delta instead.
func (s *Stream) Next(ctx context.Context) (Delta, bool) {
	if s.ended.Load() {
		return Delta{}, false
	}
	if s.cancelled.Load() {
		s.ended.Store(true)
		return Delta{Err: ErrCancelled}, true
	}

	select {
	case d, ok := <-s.ch:
		if s.cancelled.Load() {
			s.ended.Store(true)
			return Delta{Err: ErrCancelled}, true
		}
		if !ok {
			s.ended.Store(true)
			return Delta{}, false
		}
		if d.Terminal() {
			s.ended.Store(true)
		}
		return d, true
	case <-s.stop:
		s.ended.Store(true)
		return Delta{Err: ErrCancelled}, true
	case <-ctx.Done():
		return Delta{Err: ctx.Err()}, true
	}
}

// Cancel stops delivery and aborts the backend request. It is safe to call
// more than once and from any goroutine.
func (s *Stream) Cancel() {
	s.stopOnce.Do(func() {
		s.cancelled.Store(true)
		close(s.stop)
		s.cancel()
	})
}

// Cancelled reports whether Cancel was called.
func (s *Stream) Cancelled() bool { return s.cancelled.Load() }

// Done is closed once the producer has stopped.
func (s *Stream) Done() <-chan struct{} { return s.done }

// Emit hands a fragment to the consumer. Backends call it from Stream; it
// returns false once the stream is cancelled.
func (s *Stream) Emit(text string) bool {
	if text == "" {
		return !s.cancelled.Load()
	}
	return s.send(Delta{Text: text})
}

func (s *Stream) send(d Delta) bool {
	if s.cancelled.Load() {
		return false
	}
	select {
	case s.ch <- d:
		return true
	case <-s.stop:
		return false
	}
}

// end delivers the terminal delta and releases the producer side.
func (s *Stream) end(final string, err error) {
	s.endOnce.Do(func() {
		if err != nil && s.cancelled.Load() {
			err = ErrCancelled
		}
		if err != nil {
			s.send(Delta{Err: err})
		} else {
			s.send(Delta{Done: true, Final: final})
		}
		close(s.ch)
		s.cancel()
		close(s.done)
	})
}
