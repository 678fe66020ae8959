package cmds

import (
	"bytes"
	"context"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference/inferencetest"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestREPL(t *testing.T) (*repl, *conversation.Orchestrator, *syncBuffer) {
	t.Helper()
	sessions, err := chatservice.NewService(context.Background(), nil)
	require.NoError(t, err)
	orch, err := conversation.New(conversation.Config{}, sessions, prompt.NewBuilder(nil, 0, 0),
		persona.NewMemoryStore(persona.Seed()), inferencetest.NewGateway)
	require.NoError(t, err)

	out := &syncBuffer{}
	r := newREPL(orch, out, make(chan os.Signal))
	t.Cleanup(func() {
		r.close()
		_ = orch.Close()
	})
	return r, orch, out
}

func TestREPLConversation(t *testing.T) {
	r, orch, out := newTestREPL(t)
	ctx := context.Background()
	require.NoError(t, r.prepare(ctx, "tiny", false))

	input := strings.Join([]string{
		"hello world",
		"/sessions",
		"/mode nope",
		"/mode debug",
		"/new",
		"/status",
		"/quit",
		"never reached",
	}, "\n")
	require.NoError(t, r.run(ctx, strings.NewReader(input)))

	text := out.String()
	assert.Contains(t, text, "[tiny 100%] ready")
	assert.Contains(t, text, "echo: hello world\n")
	assert.Contains(t, text, "hello world")
	assert.Contains(t, text, "error: ")
	assert.Contains(t, text, `mode set to "debug"`)
	assert.Contains(t, text, "new session ")
	assert.Contains(t, text, "state=ready model=tiny")
	assert.NotContains(t, text, "echo: never reached")

	assert.Len(t, orch.Sessions(ctx), 2)
}

func TestREPLRejectsMessagesBeforePrepare(t *testing.T) {
	r, _, out := newTestREPL(t)
	require.NoError(t, r.run(context.Background(), strings.NewReader("hi\n/bogus\n/switch\n")))

	text := out.String()
	assert.Contains(t, text, "error: "+conversation.ErrNotReady.Error())
	assert.Contains(t, text, "unknown command /bogus")
	assert.Contains(t, text, "usage: /switch <id>")
}
