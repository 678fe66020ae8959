package stream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference/inferencetest"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

type fixedCounter int

func (c fixedCounter) Count() int { return int(c) }

func setupServer(t *testing.T) (*httptest.Server, *conversation.Orchestrator) {
	t.Helper()
	chatSvc, err := chatservice.NewService(context.Background(), nil)
	require.NoError(t, err)
	orch, err := conversation.New(conversation.Config{}, chatSvc, prompt.NewBuilder(nil, 0, 0),
		persona.NewMemoryStore(persona.Seed()), inferencetest.NewGateway)
	require.NoError(t, err)

	r := chi.NewRouter()
	New(orch, fixedCounter(12)).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		_ = orch.Close()
	})
	return srv, orch
}

type sseEvent struct {
	name string
	data string
}

func readEvents(t *testing.T, resp *http.Response) []sseEvent {
	t.Helper()
	var (
		out     []sseEvent
		current sseEvent
	)
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.data = strings.TrimPrefix(line, "data: ")
		case line == "":
			if current.data != "" {
				out = append(out, current)
			}
			current = sseEvent{}
		}
	}
	return out
}

func post(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestSendMessageBeforePrepareIsUnavailable(t *testing.T) {
	srv, _ := setupServer(t)
	resp := post(t, srv.URL+"/messages", map[string]string{"content": "hello"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = post(t, srv.URL+"/messages", map[string]string{"content": " "})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPrepareThenStreamMessage(t *testing.T) {
	srv, orch := setupServer(t)

	resp := post(t, srv.URL+"/model", map[string]string{"model": "tiny"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events := readEvents(t, resp)
	require.NotEmpty(t, events)
	last := events[len(events)-2]
	assert.Equal(t, "result", last.name)
	assert.Contains(t, last.data, `"ready":true`)
	assert.Equal(t, "[DONE]", events[len(events)-1].data)
	assert.Equal(t, conversation.StateReady, orch.State())

	resp = post(t, srv.URL+"/messages", map[string]string{"content": "hello world"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	events = readEvents(t, resp)

	var names []string
	var complete conversation.Event
	for _, ev := range events {
		names = append(names, ev.name)
		if ev.name == string(conversation.EventResponseComplete) {
			require.NoError(t, json.Unmarshal([]byte(ev.data), &complete))
		}
	}
	assert.Contains(t, names, string(conversation.EventMessageAdded))
	assert.Contains(t, names, string(conversation.EventResponseUpdate))
	assert.Equal(t, "echo: hello world", complete.Content)
	assert.Equal(t, "[DONE]", events[len(events)-1].data)
}

func TestStatusAndCancel(t *testing.T) {
	srv, _ := setupServer(t)

	resp, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status conversation.Snapshot `json:"status"`
		Memory map[string]int        `json:"memory"`
		Models []inference.ModelInfo `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, conversation.StateIdle, body.Status.State)
	assert.Equal(t, 12, body.Memory["knowledgeChunks"])
	assert.NotEmpty(t, body.Models)

	cancelResp := post(t, srv.URL+"/messages/cancel", nil)
	require.Equal(t, http.StatusOK, cancelResp.StatusCode)
	var cancelled map[string]bool
	require.NoError(t, json.NewDecoder(cancelResp.Body).Decode(&cancelled))
	assert.False(t, cancelled["cancelled"])
}

func TestPrepareModelRequiresName(t *testing.T) {
	srv, _ := setupServer(t)
	resp := post(t, srv.URL+"/model", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// gatedWriter blocks every Write until open is closed.
type gatedWriter struct {
	header http.Header
	open   chan struct{}

	mu  sync.Mutex
	buf bytes.Buffer
}

func (w *gatedWriter) Header() http.Header { return w.header }
func (w *gatedWriter) WriteHeader(int)     {}
func (w *gatedWriter) Flush()              {}

func (w *gatedWriter) Write(p []byte) (int, error) {
	<-w.open
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *gatedWriter) body() io.ReadCloser {
	w.mu.Lock()
	defer w.mu.Unlock()
	return io.NopCloser(strings.NewReader(w.buf.String()))
}

func TestSlowClientStillReceivesCompletion(t *testing.T) {
	chatSvc, err := chatservice.NewService(context.Background(), nil)
	require.NoError(t, err)
	orch, err := conversation.New(conversation.Config{}, chatSvc, prompt.NewBuilder(nil, 0, 0),
		persona.NewMemoryStore(persona.Seed()), inferencetest.NewGateway)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })
	require.NoError(t, orch.Prepare(context.Background(), "tiny"))

	words := make([]string, 400)
	for i := range words {
		words[i] = "w"
	}
	body, err := json.Marshal(map[string]string{"content": strings.Join(words, " ")})
	require.NoError(t, err)

	w := &gatedWriter{header: http.Header{}, open: make(chan struct{})}
	req := httptest.NewRequest(http.MethodPost, "/messages", bytes.NewReader(body))
	done := make(chan struct{})
	go func() {
		defer close(done)
		New(orch, nil).handleSendMessage(w, req)
	}()

	// the whole reply is generated while the client is stuck
	want := "echo: " + strings.Join(words, " ")
	require.Eventually(t, func() bool {
		session, err := orch.ActiveSession(context.Background())
		return err == nil && orch.State() == conversation.StateReady &&
			len(session.Turns) == 2 && session.Turns[1].Content == want
	}, 5*time.Second, 10*time.Millisecond)
	close(w.open)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still streaming after the generation ended")
	}

	events := readEvents(t, &http.Response{Body: w.body()})
	require.GreaterOrEqual(t, len(events), 2)
	complete := events[len(events)-2]
	assert.Equal(t, string(conversation.EventResponseComplete), complete.name)
	var ev conversation.Event
	require.NoError(t, json.Unmarshal([]byte(complete.data), &ev))
	assert.Equal(t, want, ev.Content)
	assert.Equal(t, "[DONE]", events[len(events)-1].data)
}
