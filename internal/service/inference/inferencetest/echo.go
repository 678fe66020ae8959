// Package inferencetest provides an inference backend for tests that
// echoes the last user entry back word by word.
package inferencetest

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
)

// EchoBackend replies "echo: <last user text>". Delay is applied between
// fragments; LoadErr fails every Load.
type EchoBackend struct {
	Delay   time.Duration
	LoadErr error

	mu    sync.Mutex
	loads []string
}

// NewGateway returns a gateway over a fresh EchoBackend.
func NewGateway() (inference.Gateway, error) {
	return inference.NewService(&EchoBackend{}), nil
}

func (b *EchoBackend) Name() string { return "echo" }

func (b *EchoBackend) Load(_ context.Context, model string, report func(inference.Progress)) error {
	b.mu.Lock()
	b.loads = append(b.loads, model)
	b.mu.Unlock()
	report(inference.Progress{Fraction: 0.5, Label: "warming " + model})
	return b.LoadErr
}

// Loads lists the models Load was called with.
func (b *EchoBackend) Loads() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.loads...)
}

func (b *EchoBackend) Stream(ctx context.Context, req inference.Request, out *inference.Stream) (string, error) {
	var last string
	for _, e := range req.Entries {
		if e.Role == chat.RoleUser {
			last = e.Content
		}
	}
	words := append([]string{"echo:"}, strings.Fields(last)...)
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		if b.Delay > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(b.Delay):
			}
		}
		if !out.Emit(w) {
			return "", inference.ErrCancelled
		}
	}
	return "", nil
}

func (b *EchoBackend) Close() error { return nil }
