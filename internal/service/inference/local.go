package inference

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type pendingRequest struct {
	ch   chan WorkerMessage
	done chan struct{}
}

// LocalBackend talks to an in-process Worker over a watermill channel.
// Responses are routed back to the waiting request by id.
type LocalBackend struct {
	pubsub *gochannel.GoChannel
	worker *Worker
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]*pendingRequest
	wg      sync.WaitGroup
}

// NewLocalBackend starts a worker on runtime and the response router.
func NewLocalBackend(runtime Runtime, logger watermill.LoggerAdapter) (*LocalBackend, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	// publishes block until acked so per-request order is preserved
	ps := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	b := &LocalBackend{
		pubsub:  ps,
		worker:  NewWorker(ps, ps, runtime),
		cancel:  cancel,
		pending: make(map[string]*pendingRequest),
	}

	outbox, err := ps.Subscribe(ctx, TopicWorkerOutbox)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "subscribe worker outbox")
	}
	if err := b.worker.Start(ctx); err != nil {
		cancel()
		return nil, err
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range outbox {
			msg.Ack()
			resp, err := decodeWorkerMessage(msg)
			if err != nil {
				log.Warn().Err(err).Str("component", "inference").Msg("dropping worker reply")
				continue
			}
			b.route(ctx, resp)
		}
	}()
	return b, nil
}

func (b *LocalBackend) Name() string { return "local" }

func (b *LocalBackend) route(ctx context.Context, resp WorkerMessage) {
	b.mu.Lock()
	p, ok := b.pending[resp.ID]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case p.ch <- resp:
	case <-p.done:
	case <-ctx.Done():
	}
}

func (b *LocalBackend) register(id string) *pendingRequest {
	p := &pendingRequest{ch: make(chan WorkerMessage, 16), done: make(chan struct{})}
	b.mu.Lock()
	b.pending[id] = p
	b.mu.Unlock()
	return p
}

func (b *LocalBackend) unregister(id string) {
	b.mu.Lock()
	if p, ok := b.pending[id]; ok {
		close(p.done)
		delete(b.pending, id)
	}
	b.mu.Unlock()
}

func (b *LocalBackend) abort(id string) {
	if err := publish(b.pubsub, TopicWorkerInbox, WorkerMessage{Type: MsgAbort, ID: id}); err != nil {
		log.Warn().Err(err).Str("component", "inference").Str("request_id", id).Msg("failed to send abort")
	}
}

// Load sends init and relays init-progress until init-complete or error.
func (b *LocalBackend) Load(ctx context.Context, model string, report func(Progress)) error {
	id := uuid.NewString()
	p := b.register(id)
	defer b.unregister(id)

	if err := publish(b.pubsub, TopicWorkerInbox, WorkerMessage{Type: MsgInit, ID: id, Model: model}); err != nil {
		return errors.Wrap(err, "send init")
	}

	for {
		select {
		case <-ctx.Done():
			b.abort(id)
			return ctx.Err()
		case resp := <-p.ch:
			switch resp.Type {
			case MsgInitProgress:
				var data ProgressData
				if err := resp.decodeData(&data); err != nil {
					log.Debug().Err(err).Str("component", "inference").Msg("bad progress payload")
					continue
				}
				report(Progress{Fraction: clamp01(data.Progress), Label: data.Text})
			case MsgInitComplete:
				return nil
			case MsgError:
				var data ErrorData
				_ = resp.decodeData(&data)
				return errors.Errorf("worker init failed: %s", data.Error)
			}
		}
	}
}

// Stream sends generate and relays response-chunk fragments. The text of
// response-complete is returned as authoritative.
func (b *LocalBackend) Stream(ctx context.Context, req Request, out *Stream) (string, error) {
	id := out.ID()
	p := b.register(id)
	defer b.unregister(id)

	opts := req.Options
	msg := WorkerMessage{Type: MsgGenerate, ID: id, Model: req.Model, Messages: req.Entries, Options: &opts}
	if err := publish(b.pubsub, TopicWorkerInbox, msg); err != nil {
		return "", errors.Wrapf(ErrRequestFailed, "send generate: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			b.abort(id)
			return "", ctx.Err()
		case resp := <-p.ch:
			switch resp.Type {
			case MsgResponseChunk:
				var data ChunkData
				if err := resp.decodeData(&data); err != nil {
					log.Debug().Err(err).Str("component", "inference").Msg("bad chunk payload")
					continue
				}
				if !out.Emit(data.Text) {
					b.abort(id)
					return "", ErrCancelled
				}
			case MsgResponseComplete:
				var data CompleteData
				if err := resp.decodeData(&data); err != nil {
					return "", errors.Wrapf(ErrRequestFailed, "%v", err)
				}
				return data.Message, nil
			case MsgError:
				var data ErrorData
				_ = resp.decodeData(&data)
				return "", errors.Wrapf(ErrRequestFailed, "worker: %s", data.Error)
			}
		}
	}
}

// Close stops the worker and the router.
func (b *LocalBackend) Close() error {
	b.cancel()
	err := b.pubsub.Close()
	b.wg.Wait()
	b.worker.Wait()
	return err
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

// ModelInfo describes one entry of the local model catalogue.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// LocalModels lists the models offered by the local backend, smallest first.
func LocalModels() []ModelInfo {
	return []ModelInfo{
		{ID: "qwen2.5:0.5b", Name: "Qwen 0.5B", Description: "fast, small download"},
		{ID: "deepseek-r1:7b", Name: "DeepSeek 7B", Description: "smarter, larger download"},
	}
}
