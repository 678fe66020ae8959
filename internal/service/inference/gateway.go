// Package inference turns a context window into a stream of text deltas.
// One Service drives any Backend: a remote streaming HTTP endpoint, a local
// worker speaking a message protocol, or an Ark chat model.
package inference

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

const (
	DefaultTemperature float32 = 0.7
	DefaultMaxTokens           = 1024

	progressBuffer = 16
)

// Options tunes a single generation.
type Options struct {
	Temperature float32 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"maxTokens,omitempty"`
}

func (o Options) withDefaults() Options {
	if o.Temperature <= 0 {
		o.Temperature = DefaultTemperature
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	return o
}

// Progress reports model preparation. The last value on a channel is
// terminal: Ready on success, Err on failure or when superseded.
type Progress struct {
	Fraction float64 `json:"progress"`
	Label    string  `json:"text,omitempty"`
	Ready    bool    `json:"ready,omitempty"`
	Err      error   `json:"-"`
}

// State is the gateway's readiness.
type State string

const (
	StateIdle    State = "idle"
	StateLoading State = "loading"
	StateReady   State = "ready"
	StateFailed  State = "error"
)

// Status is a point-in-time view of the gateway.
type Status struct {
	Backend  string  `json:"backend"`
	Model    string  `json:"model"`
	State    State   `json:"state"`
	Busy     bool    `json:"busy"`
	Progress float64 `json:"progress"`
	Label    string  `json:"label,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Request is what a backend needs to produce one completion.
type Request struct {
	Model   string
	Entries []prompt.Entry
	Options Options
}

// Backend is one way of running a model. Load reports progress through
// report and returns once the model can serve. Stream pushes fragments
// with out.Emit and returns the authoritative final text, if any.
type Backend interface {
	Name() string
	Load(ctx context.Context, model string, report func(Progress)) error
	Stream(ctx context.Context, req Request, out *Stream) (string, error)
	Close() error
}

// Gateway is the contract the orchestrator consumes.
type Gateway interface {
	Prepare(ctx context.Context, model string) (<-chan Progress, error)
	Generate(ctx context.Context, entries []prompt.Entry, opts Options) (*Stream, error)
	Cancel(stream *Stream)
	Status() Status
	Close() error
}

// Service implements Gateway over a Backend. At most one load and one
// stream run at a time; a newer Prepare supersedes an older one.
type Service struct {
	backend Backend

	mu         sync.Mutex
	model      string
	state      State
	progress   Progress
	loadErr    error
	seq        uint64
	loadCancel context.CancelFunc
	watchers   []chan Progress
	active     *Stream
	closed     bool

	wg sync.WaitGroup
}

var _ Gateway = (*Service)(nil)

// NewService wraps backend.
func NewService(backend Backend) *Service {
	return &Service{backend: backend, state: StateIdle}
}

// Prepare loads model. Asking for the loaded model again is a no-op that
// reports Ready at once; asking for it while it loads attaches to the
// running load. Any other model cancels the active stream and any running
// load, whose watchers receive ErrCancelled.
func (s *Service) Prepare(ctx context.Context, model string) (<-chan Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, errors.Wrap(ErrNotReady, "gateway closed")
	}

	out := make(chan Progress, progressBuffer)

	switch {
	case s.state == StateReady && s.model == model:
		out <- Progress{Fraction: 1, Label: "ready", Ready: true}
		close(out)
		return out, nil
	case s.state == StateLoading && s.model == model:
		s.watchers = append(s.watchers, out)
		offer(out, s.progress)
		return out, nil
	}

	if s.active != nil {
		log.Debug().Str("component", "inference").Str("stream_id", s.active.ID()).
			Msg("cancelling active stream for model change")
		s.active.Cancel()
		s.active = nil
	}
	s.supersedeLocked()

	s.seq++
	seq := s.seq
	loadCtx, cancel := context.WithCancel(ctx)
	s.model = model
	s.state = StateLoading
	s.loadErr = nil
	s.progress = Progress{Label: "starting"}
	s.loadCancel = cancel
	s.watchers = []chan Progress{out}

	s.wg.Add(1)
	go s.runLoad(loadCtx, seq, model)

	log.Info().Str("component", "inference").Str("backend", s.backend.Name()).Str("model", model).Msg("preparing model")
	return out, nil
}

func (s *Service) supersedeLocked() {
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}
	for _, w := range s.watchers {
		w <- Progress{Err: ErrCancelled}
		close(w)
	}
	s.watchers = nil
}

func (s *Service) runLoad(ctx context.Context, seq uint64, model string) {
	defer s.wg.Done()

	err := s.backend.Load(ctx, model, func(p Progress) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if seq != s.seq || p.Ready || p.Err != nil {
			return
		}
		s.progress = p
		for _, w := range s.watchers {
			offer(w, p)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		return
	}
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if s.loadCancel != nil {
		s.loadCancel()
		s.loadCancel = nil
	}

	var final Progress
	if err != nil {
		s.state = StateFailed
		s.loadErr = err
		final = Progress{Fraction: s.progress.Fraction, Label: "failed", Err: err}
		log.Error().Err(err).Str("component", "inference").Str("model", model).Msg("model preparation failed")
	} else {
		s.state = StateReady
		final = Progress{Fraction: 1, Label: "ready", Ready: true}
		log.Info().Str("component", "inference").Str("model", model).Msg("model ready")
	}
	s.progress = final
	for _, w := range s.watchers {
		w <- final
		close(w)
	}
	s.watchers = nil
}

// offer sends a non-terminal update, keeping one slot for the terminal one.
func offer(ch chan Progress, p Progress) {
	if len(ch) < cap(ch)-1 {
		ch <- p
	}
}

// Generate starts streaming a completion for entries.
func (s *Service) Generate(ctx context.Context, entries []prompt.Entry, opts Options) (*Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.state != StateReady {
		return nil, ErrNotReady
	}
	if s.active != nil {
		return nil, ErrBusy
	}

	stream := newStream(ctx)
	s.active = stream
	req := Request{Model: s.model, Entries: append([]prompt.Entry(nil), entries...), Options: opts.withDefaults()}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		final, err := s.backend.Stream(stream.ctx, req, stream)
		if err != nil && !stream.Cancelled() {
			log.Warn().Err(err).Str("component", "inference").Str("stream_id", stream.ID()).Msg("stream ended with error")
		}

		// free the gateway before the consumer sees the terminal delta
		s.mu.Lock()
		if s.active == stream {
			s.active = nil
		}
		s.mu.Unlock()
		stream.end(final, err)
	}()

	log.Debug().Str("component", "inference").Str("stream_id", stream.ID()).Int("entries", len(entries)).Msg("generation started")
	return stream, nil
}

// Cancel aborts stream. The gateway is free for a new Generate as soon as
// Cancel returns, even if the backend is still winding down.
func (s *Service) Cancel(stream *Stream) {
	if stream == nil {
		return
	}
	stream.Cancel()
	s.mu.Lock()
	if s.active == stream {
		s.active = nil
	}
	s.mu.Unlock()
}

// Status reports the current model and readiness.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Backend:  s.backend.Name(),
		Model:    s.model,
		State:    s.state,
		Busy:     s.active != nil,
		Progress: s.progress.Fraction,
		Label:    s.progress.Label,
	}
	if s.loadErr != nil {
		st.Error = s.loadErr.Error()
	}
	return st
}

// Close cancels outstanding work, waits for it to stop and releases the
// backend.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.active != nil {
		s.active.Cancel()
		s.active = nil
	}
	s.seq++
	s.supersedeLocked()
	s.state = StateIdle
	s.mu.Unlock()

	s.wg.Wait()
	return s.backend.Close()
}
