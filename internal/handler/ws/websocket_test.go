package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	chatservice "github.com/zhouzirui/z-chat/backend/internal/service/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference/inferencetest"
	"github.com/zhouzirui/z-chat/backend/internal/service/prompt"
)

type received struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T) *websocket.Conn {
	t.Helper()
	chatSvc, err := chatservice.NewService(context.Background(), nil)
	require.NoError(t, err)
	orch, err := conversation.New(conversation.Config{}, chatSvc, prompt.NewBuilder(nil, 0, 0),
		persona.NewMemoryStore(persona.Seed()), inferencetest.NewGateway)
	require.NoError(t, err)

	r := chi.NewRouter()
	NewWebSocketHandler(orch).RegisterWebSocketRoutes(r)
	srv := httptest.NewServer(r)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
		srv.Close()
		_ = orch.Close()
	})
	return conn
}

// waitFor reads until match returns true for a message.
func waitFor(t *testing.T, conn *websocket.Conn, match func(received) bool) received {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg received
		require.NoError(t, conn.ReadJSON(&msg))
		if match(msg) {
			return msg
		}
	}
}

func eventOf(t *testing.T, msg received) conversation.Event {
	t.Helper()
	var ev conversation.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	return ev
}

func isEvent(typ conversation.EventType) func(received) bool {
	return func(msg received) bool {
		if msg.Type != "event" {
			return false
		}
		var ev conversation.Event
		return json.Unmarshal(msg.Data, &ev) == nil && ev.Type == typ
	}
}

func TestWebSocketConversation(t *testing.T) {
	conn := dial(t)

	hello := waitFor(t, conn, func(m received) bool { return m.Type == "connected" })
	assert.Contains(t, string(hello.Data), `"modes"`)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: CmdSend, Text: "too early"}))
	errMsg := waitFor(t, conn, func(m received) bool { return m.Type == "error" })
	assert.Contains(t, string(errMsg.Data), "not ready")

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: CmdModel, Model: "tiny"}))
	waitFor(t, conn, func(m received) bool {
		if m.Type != "event" {
			return false
		}
		ev := eventOf(t, m)
		return ev.Type == conversation.EventStateChanged && ev.State == conversation.StateReady
	})

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: CmdSend, Text: "ping pong"}))
	done := waitFor(t, conn, isEvent(conversation.EventResponseComplete))
	assert.Equal(t, "echo: ping pong", eventOf(t, done).Content)
}

func TestWebSocketSessionCommands(t *testing.T) {
	conn := dial(t)
	waitFor(t, conn, func(m received) bool { return m.Type == "connected" })

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: CmdMode, Mode: "debug"}))
	changed := waitFor(t, conn, isEvent(conversation.EventSessionChanged))
	assert.Equal(t, "debug", eventOf(t, changed).Mode)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: CmdNew}))
	ack := waitFor(t, conn, func(m received) bool { return m.Type == "ack" })
	assert.Contains(t, string(ack.Data), `"command":"new"`)

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: CmdSwitch, SessionID: "missing"}))
	errMsg := waitFor(t, conn, func(m received) bool { return m.Type == "error" })
	assert.Contains(t, string(errMsg.Data), "not found")

	require.NoError(t, conn.WriteJSON(inboundMessage{Type: "dance"}))
	errMsg = waitFor(t, conn, func(m received) bool { return m.Type == "error" })
	assert.Contains(t, string(errMsg.Data), "unknown message type")
}

func TestFullQueueKeepsTerminalEvents(t *testing.T) {
	c := &connection{
		out:    make(chan outgoingMessage, 1),
		final:  make(chan outgoingMessage, finalBuffer),
		logger: zerolog.Nop(),
	}
	c.sendEvent(conversation.Event{Type: conversation.EventResponseUpdate, GenerationID: "g1", Text: "a"})
	c.sendEvent(conversation.Event{Type: conversation.EventResponseUpdate, GenerationID: "g1", Text: "b"})
	c.sendEvent(conversation.Event{Type: conversation.EventResponseComplete, GenerationID: "g1", Content: "ab"})

	require.Len(t, c.out, 1)
	require.Len(t, c.final, 1)
	msg := <-c.final
	ev, ok := msg.Data.(conversation.Event)
	require.True(t, ok)
	assert.Equal(t, conversation.EventResponseComplete, ev.Type)
	assert.Equal(t, "ab", ev.Content)
}
