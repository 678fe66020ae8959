package inference

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	openai "github.com/sashabaranov/go-openai"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

func TestParseEventLine(t *testing.T) {
	tests := []struct {
		name      string
		line      string
		want      streamEvent
		malformed bool
	}{
		{name: "delta", line: `data: {"choices":[{"delta":{"content":"Hi"}}]}`, want: streamEvent{text: "Hi"}},
		{name: "no space after prefix", line: `data:{"choices":[{"delta":{"content":"Hi"}}]}`, want: streamEvent{text: "Hi"}},
		{name: "final answer", line: `data: {"final_answer":"All done."}`, want: streamEvent{final: "All done."}},
		{name: "done", line: "data: [DONE]", want: streamEvent{done: true}},
		{name: "comment", line: ": keep-alive", want: streamEvent{}},
		{name: "event field", line: "event: message", want: streamEvent{}},
		{name: "empty choices", line: `data: {"choices":[]}`, want: streamEvent{}},
		{name: "role only", line: `data: {"choices":[{"delta":{"role":"assistant"}}]}`, want: streamEvent{}},
		{name: "carriage return", line: "data: [DONE]\r", want: streamEvent{done: true}},
		{name: "malformed", line: "data: not-json", malformed: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEventLine(tt.line)
			if tt.malformed {
				assert.True(t, errors.Is(err, ErrMalformedChunk))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func sseServer(t *testing.T, status int, lines ...string) (*httptest.Server, *openai.ChatCompletionRequest) {
	t.Helper()
	var got openai.ChatCompletionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if status != http.StatusOK {
			http.Error(w, "quota exceeded", status)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n\n", l)
			flusher.Flush()
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func collect(t *testing.T, stream *Stream) ([]Delta, Delta) {
	t.Helper()
	var deltas []Delta
	for {
		d, ok := stream.Next(context.Background())
		require.True(t, ok, "stream closed without terminal delta")
		if d.Terminal() {
			return deltas, d
		}
		deltas = append(deltas, d)
	}
}

func remoteService(t *testing.T, url string) *Service {
	t.Helper()
	be, err := NewRemoteBackend(RemoteConfig{URL: url, APIKey: "secret"})
	require.NoError(t, err)
	svc := NewService(be)
	ch, err := svc.Prepare(context.Background(), "gpt-test")
	require.NoError(t, err)
	require.True(t, last(drain(t, ch)).Ready)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func TestRemoteStreamSkipsMalformedAndStopsAtDone(t *testing.T) {
	srv, got := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"Hello"}}]}`,
		`data: [DONE]`,
		`data: not-json`,
	)
	svc := remoteService(t, srv.URL)

	entries := []prompt.Entry{{Role: chat.RoleSystem, Content: "sys"}, {Role: chat.RoleUser, Content: "hi"}}
	stream, err := svc.Generate(context.Background(), entries, Options{Temperature: 0.2, MaxTokens: 50})
	require.NoError(t, err)

	deltas, end := collect(t, stream)
	require.Len(t, deltas, 1)
	assert.Equal(t, "Hello", deltas[0].Text)
	assert.True(t, end.Done)
	assert.NoError(t, end.Err)

	assert.True(t, got.Stream)
	assert.Equal(t, "gpt-test", got.Model)
	assert.Equal(t, 50, got.MaxTokens)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
}

func TestRemoteStreamMalformedThenContinues(t *testing.T) {
	srv, _ := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"a"}}]}`,
		`data: {oops`,
		`data: {"choices":[{"delta":{"content":"b"}}]}`,
		`data: {"final_answer":"ab!"}`,
	)
	svc := remoteService(t, srv.URL)

	stream, err := svc.Generate(context.Background(), nil, Options{})
	require.NoError(t, err)
	deltas, end := collect(t, stream)
	require.Len(t, deltas, 2)
	assert.Equal(t, "b", deltas[1].Text)
	assert.True(t, end.Done, "EOF without [DONE] completes")
	assert.Equal(t, "ab!", end.Final)
}

func TestRemoteStreamSkipsOversizeRecord(t *testing.T) {
	huge := `data: {"choices":[{"delta":{"content":"` + strings.Repeat("x", maxLineBytes) + `"}}]}`
	srv, _ := sseServer(t, http.StatusOK,
		`data: {"choices":[{"delta":{"content":"before "}}]}`,
		huge,
		`data: {"choices":[{"delta":{"content":"after"}}]}`,
		`data: [DONE]`,
	)
	svc := remoteService(t, srv.URL)

	stream, err := svc.Generate(context.Background(), nil, Options{})
	require.NoError(t, err)
	deltas, end := collect(t, stream)
	require.Len(t, deltas, 2)
	assert.Equal(t, "before ", deltas[0].Text)
	assert.Equal(t, "after", deltas[1].Text)
	assert.True(t, end.Done)
	assert.NoError(t, end.Err)
}

func TestReadLine(t *testing.T) {
	input := "short\r\n" + strings.Repeat("y", maxLineBytes+1) + "\nnext\nlast"
	r := bufio.NewReaderSize(strings.NewReader(input), 16)

	line, oversize, err := readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "short", line)
	assert.False(t, oversize)

	line, oversize, err = readLine(r)
	require.NoError(t, err)
	assert.True(t, oversize)
	assert.Empty(t, line)

	line, _, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "next", line)

	line, _, err = readLine(r)
	require.NoError(t, err)
	assert.Equal(t, "last", line)

	_, _, err = readLine(r)
	assert.ErrorIs(t, err, io.EOF)
}

func TestRemoteNon2xxFailsBeforeAnyDelta(t *testing.T) {
	srv, _ := sseServer(t, http.StatusTooManyRequests)
	svc := remoteService(t, srv.URL)

	stream, err := svc.Generate(context.Background(), nil, Options{})
	require.NoError(t, err)
	deltas, end := collect(t, stream)
	assert.Empty(t, deltas)
	require.Error(t, end.Err)
	assert.True(t, errors.Is(end.Err, ErrRequestFailed))
	assert.Contains(t, end.Err.Error(), "429")
}

func TestNewRemoteBackendRequiresURL(t *testing.T) {
	_, err := NewRemoteBackend(RemoteConfig{})
	assert.Error(t, err)
}
