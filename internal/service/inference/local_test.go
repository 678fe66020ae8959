package inference

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/jmorganca/ollama/api"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

type fakeRuntime struct {
	loadErr error
	chunks  []string
	final   string
	block   bool
	chatErr error

	mu       sync.Mutex
	lastMsgs []prompt.Entry
}

func (r *fakeRuntime) Load(ctx context.Context, model string, progress func(float64, string)) error {
	progress(0.25, "fetching "+model)
	progress(0.75, "loading weights")
	return r.loadErr
}

func (r *fakeRuntime) Chat(ctx context.Context, _ string, messages []prompt.Entry, _ Options, onChunk func(string) error) (string, error) {
	r.mu.Lock()
	r.lastMsgs = messages
	r.mu.Unlock()
	for _, c := range r.chunks {
		if err := onChunk(c); err != nil {
			return "", err
		}
	}
	if r.chatErr != nil {
		return "", r.chatErr
	}
	if r.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if r.final != "" {
		return r.final, nil
	}
	return strings.Join(r.chunks, ""), nil
}

func localService(t *testing.T, rt Runtime) *Service {
	t.Helper()
	be, err := NewLocalBackend(rt, nil)
	require.NoError(t, err)
	return NewService(be)
}

func TestLocalPrepareRelaysProgress(t *testing.T) {
	defer goleak.VerifyNone(t)

	svc := localService(t, &fakeRuntime{})
	ch, err := svc.Prepare(context.Background(), "qwen")
	require.NoError(t, err)

	events := drain(t, ch)
	require.GreaterOrEqual(t, len(events), 3)
	assert.Equal(t, "fetching qwen", events[0].Label)
	assert.InDelta(t, 0.75, events[len(events)-2].Fraction, 1e-9)
	assert.True(t, last(events).Ready)
	require.NoError(t, svc.Close())
}

func TestLocalPrepareFailure(t *testing.T) {
	svc := localService(t, &fakeRuntime{loadErr: errors.New("no such model")})
	defer svc.Close()

	ch, err := svc.Prepare(context.Background(), "missing")
	require.NoError(t, err)
	p := last(drain(t, ch))
	require.Error(t, p.Err)
	assert.Contains(t, p.Err.Error(), "no such model")
}

func TestLocalGenerateUsesAuthoritativeFinal(t *testing.T) {
	defer goleak.VerifyNone(t)

	rt := &fakeRuntime{chunks: []string{"Good", "bye"}, final: "Goodbye!"}
	svc := localService(t, rt)
	ch, err := svc.Prepare(context.Background(), "qwen")
	require.NoError(t, err)
	drain(t, ch)

	entries := []prompt.Entry{{Role: chat.RoleUser, Content: "bye"}}
	stream, err := svc.Generate(context.Background(), entries, Options{})
	require.NoError(t, err)

	deltas, end := collect(t, stream)
	require.Len(t, deltas, 2)
	assert.Equal(t, "Good", deltas[0].Text)
	assert.Equal(t, "bye", deltas[1].Text)
	assert.Equal(t, "Goodbye!", end.Final)

	rt.mu.Lock()
	assert.Equal(t, entries, rt.lastMsgs)
	rt.mu.Unlock()
	require.NoError(t, svc.Close())
}

func TestLocalCancelAbortsWorker(t *testing.T) {
	defer goleak.VerifyNone(t)

	rt := &fakeRuntime{chunks: []string{"partial"}, block: true}
	svc := localService(t, rt)
	ch, err := svc.Prepare(context.Background(), "qwen")
	require.NoError(t, err)
	drain(t, ch)

	stream, err := svc.Generate(context.Background(), nil, Options{})
	require.NoError(t, err)
	d, ok := stream.Next(context.Background())
	require.True(t, ok)
	assert.Equal(t, "partial", d.Text)

	svc.Cancel(stream)
	d, _ = stream.Next(context.Background())
	assert.ErrorIs(t, d.Err, ErrCancelled)
	<-stream.Done()
	require.NoError(t, svc.Close())
}

func TestLocalGenerateFailureAfterChunks(t *testing.T) {
	defer goleak.VerifyNone(t)

	rt := &fakeRuntime{chunks: []string{"par", "tial"}, chatErr: errors.New("gpu exploded")}
	svc := localService(t, rt)
	ch, err := svc.Prepare(context.Background(), "qwen")
	require.NoError(t, err)
	drain(t, ch)

	stream, err := svc.Generate(context.Background(), nil, Options{})
	require.NoError(t, err)

	deltas, end := collect(t, stream)
	require.Len(t, deltas, 2)
	assert.Equal(t, "par", deltas[0].Text)
	assert.Equal(t, "tial", deltas[1].Text)
	require.Error(t, end.Err)
	assert.ErrorIs(t, end.Err, ErrRequestFailed)
	assert.Contains(t, end.Err.Error(), "gpu exploded")

	// the runtime is usable again afterwards
	rt.chatErr = nil
	stream, err = svc.Generate(context.Background(), nil, Options{})
	require.NoError(t, err)
	_, end = collect(t, stream)
	require.NoError(t, end.Err)
	assert.Equal(t, "partial", end.Final)
	require.NoError(t, svc.Close())
}

func TestCollectChatSkipsEmptyChunks(t *testing.T) {
	var (
		sb     strings.Builder
		chunks []string
	)
	fn := collectChat(&sb, func(s string) error {
		chunks = append(chunks, s)
		return nil
	})

	require.NoError(t, fn(api.ChatResponse{Message: &api.Message{Content: "Hel"}}))
	require.NoError(t, fn(api.ChatResponse{}))
	require.NoError(t, fn(api.ChatResponse{Message: &api.Message{Content: "lo"}}))
	require.NoError(t, fn(api.ChatResponse{Done: true}))

	assert.Equal(t, []string{"Hel", "lo"}, chunks)
	assert.Equal(t, "Hello", sb.String())
}
