package inference

import (
	"context"
	"io"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

// ChatModelFactory builds an eino chat model for a model id.
type ChatModelFactory func(ctx context.Context, modelID string) (model.BaseChatModel, error)

// ArkBackend streams from an eino chat model, by default Volcengine Ark.
type ArkBackend struct {
	factory ChatModelFactory

	mu sync.RWMutex
	cm model.BaseChatModel
}

// NewArkBackend returns a backend that builds its model on Load.
func NewArkBackend(factory ChatModelFactory) *ArkBackend {
	return &ArkBackend{factory: factory}
}

func (b *ArkBackend) Name() string { return "ark" }

// Load constructs the chat model for modelID.
func (b *ArkBackend) Load(ctx context.Context, modelID string, report func(Progress)) error {
	report(Progress{Fraction: 0.5, Label: "connecting to " + modelID})
	cm, err := b.factory(ctx, modelID)
	if err != nil {
		return errors.Wrap(err, "create chat model")
	}
	b.mu.Lock()
	b.cm = cm
	b.mu.Unlock()
	return nil
}

// Stream reads chunks until io.EOF.
func (b *ArkBackend) Stream(ctx context.Context, req Request, out *Stream) (string, error) {
	b.mu.RLock()
	cm := b.cm
	b.mu.RUnlock()
	if cm == nil {
		return "", ErrNotReady
	}

	reader, err := cm.Stream(ctx, toSchemaMessages(req.Entries),
		model.WithTemperature(req.Options.Temperature),
		model.WithMaxTokens(req.Options.MaxTokens),
	)
	if err != nil {
		return "", errors.Wrapf(ErrRequestFailed, "%v", err)
	}
	defer reader.Close()

	for {
		chunk, recvErr := reader.Recv()
		if errors.Is(recvErr, io.EOF) {
			return "", nil
		}
		if recvErr != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			return "", errors.Wrapf(ErrRequestFailed, "%v", recvErr)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		if !out.Emit(chunk.Content) {
			return "", ErrCancelled
		}
	}
}

func (b *ArkBackend) Close() error { return nil }

func toSchemaMessages(entries []prompt.Entry) []*schema.Message {
	out := make([]*schema.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Role {
		case chat.RoleSystem:
			out = append(out, schema.SystemMessage(e.Content))
		case chat.RoleAssistant:
			out = append(out, schema.AssistantMessage(e.Content, nil))
		default:
			out = append(out, schema.UserMessage(e.Content))
		}
	}
	return out
}
