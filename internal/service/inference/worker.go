package inference

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

// Runtime executes models for the worker.
type Runtime interface {
	// Load makes model available, reporting fractions in [0,1].
	Load(ctx context.Context, model string, progress func(fraction float64, text string)) error
	// Chat streams a completion, calling onChunk per fragment, and returns
	// the full text.
	Chat(ctx context.Context, model string, messages []prompt.Entry, opts Options, onChunk func(text string) error) (string, error)
}

// Worker serves init, generate and abort requests from the inbox topic
// and answers on the outbox topic. Generations run one at a time.
type Worker struct {
	pub     message.Publisher
	sub     message.Subscriber
	runtime Runtime

	genMu   sync.Mutex
	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewWorker binds a runtime to a pub/sub pair.
func NewWorker(pub message.Publisher, sub message.Subscriber, runtime Runtime) *Worker {
	return &Worker{
		pub:     pub,
		sub:     sub,
		runtime: runtime,
		cancels: make(map[string]context.CancelFunc),
	}
}

// Start subscribes to the inbox and serves until ctx ends. The
// subscription is in place when Start returns.
func (w *Worker) Start(ctx context.Context) error {
	inbox, err := w.sub.Subscribe(ctx, TopicWorkerInbox)
	if err != nil {
		return errors.Wrap(err, "subscribe worker inbox")
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for msg := range inbox {
			msg.Ack()
			req, err := decodeWorkerMessage(msg)
			if err != nil {
				log.Warn().Err(err).Str("component", "worker").Msg("dropping message")
				continue
			}
			w.dispatch(ctx, req)
		}
	}()
	return nil
}

// Wait blocks until the serving loop and all requests have finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) dispatch(ctx context.Context, req WorkerMessage) {
	switch req.Type {
	case MsgInit:
		reqCtx := w.track(ctx, req.ID)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.untrack(req.ID)
			w.handleInit(reqCtx, req)
		}()
	case MsgGenerate:
		reqCtx := w.track(ctx, req.ID)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.untrack(req.ID)
			w.genMu.Lock()
			defer w.genMu.Unlock()
			w.handleGenerate(reqCtx, req)
		}()
	case MsgAbort:
		w.mu.Lock()
		cancel, ok := w.cancels[req.ID]
		w.mu.Unlock()
		if ok {
			log.Debug().Str("component", "worker").Str("request_id", req.ID).Msg("abort requested")
			cancel()
		}
	default:
		log.Warn().Str("component", "worker").Str("type", string(req.Type)).Msg("unknown message type")
	}
}

func (w *Worker) track(ctx context.Context, id string) context.Context {
	reqCtx, cancel := context.WithCancel(ctx)
	w.mu.Lock()
	w.cancels[id] = cancel
	w.mu.Unlock()
	return reqCtx
}

func (w *Worker) untrack(id string) {
	w.mu.Lock()
	if cancel, ok := w.cancels[id]; ok {
		cancel()
		delete(w.cancels, id)
	}
	w.mu.Unlock()
}

func (w *Worker) handleInit(ctx context.Context, req WorkerMessage) {
	err := w.runtime.Load(ctx, req.Model, func(fraction float64, text string) {
		w.reply(req.ID, MsgInitProgress, ProgressData{Text: text, Progress: fraction})
	})
	if err != nil {
		w.replyError(req.ID, err)
		return
	}
	w.reply(req.ID, MsgInitComplete, nil)
}

func (w *Worker) handleGenerate(ctx context.Context, req WorkerMessage) {
	if ctx.Err() != nil {
		// aborted while queued behind another generation
		return
	}
	opts := Options{}
	if req.Options != nil {
		opts = *req.Options
	}
	full, err := w.runtime.Chat(ctx, req.Model, req.Messages, opts.withDefaults(), func(text string) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.reply(req.ID, MsgResponseChunk, ChunkData{Text: text})
		return nil
	})
	if ctx.Err() != nil {
		return
	}
	if err != nil {
		w.replyError(req.ID, err)
		return
	}
	w.reply(req.ID, MsgResponseComplete, CompleteData{Message: full})
}

func (w *Worker) replyError(id string, err error) {
	w.reply(id, MsgError, ErrorData{Error: err.Error()})
}

func (w *Worker) reply(id string, typ MessageType, data any) {
	msg, err := newWorkerMessage(typ, id, data)
	if err == nil {
		err = publish(w.pub, TopicWorkerOutbox, msg)
	}
	if err != nil {
		log.Error().Err(err).Str("component", "worker").Str("request_id", id).Str("type", string(typ)).Msg("failed to reply")
	}
}
