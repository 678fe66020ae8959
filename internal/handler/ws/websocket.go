package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeTimeout = 10 * time.Second
	outBuffer    = 256
	finalBuffer  = 4
)

// WebSocketHandler 聊天组件的WebSocket处理器：事件推送给客户端，命令从客户端读入
type WebSocketHandler struct {
	orch     *conversation.Orchestrator
	upgrader websocket.Upgrader
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(orch *conversation.Orchestrator) *WebSocketHandler {
	return &WebSocketHandler{
		orch: orch,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterWebSocketRoutes 注册WebSocket路由
func (h *WebSocketHandler) RegisterWebSocketRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

// Command types accepted from the client.
const (
	CmdSend   = "send"
	CmdCancel = "cancel"
	CmdNew    = "new"
	CmdSwitch = "switch"
	CmdDelete = "delete"
	CmdMode   = "mode"
	CmdModel  = "model"
)

type inboundMessage struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Model     string `json:"model,omitempty"`
}

type outgoingMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// connection serializes writes through out; only writeLoop touches conn
// for data frames. Terminal generation events travel on final so a full
// out queue never swallows them.
type connection struct {
	conn   *websocket.Conn
	out    chan outgoingMessage
	final  chan outgoingMessage
	logger zerolog.Logger
}

func (c *connection) send(typ string, data interface{}) {
	c.enqueue(c.out, outgoingMessage{Type: typ, Data: data, Timestamp: time.Now().UnixMilli()})
}

func (c *connection) sendEvent(ev conversation.Event) {
	ch := c.out
	if ev.Terminal() {
		ch = c.final
	}
	c.enqueue(ch, outgoingMessage{Type: "event", Data: ev, Timestamp: time.Now().UnixMilli()})
}

func (c *connection) enqueue(ch chan outgoingMessage, msg outgoingMessage) {
	select {
	case ch <- msg:
	default:
		c.logger.Warn().Str("type", msg.Type).Msg("outbound queue full, dropping message")
	}
}

func (c *connection) sendError(message string) {
	c.send("error", map[string]string{"message": message})
}

// handleWebSocket 处理WebSocket连接
func (h *WebSocketHandler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("component", "websocket").Msg("upgrade failed")
		return
	}
	defer conn.Close()

	c := &connection{
		conn:   conn,
		out:    make(chan outgoingMessage, outBuffer),
		final:  make(chan outgoingMessage, finalBuffer),
		logger: log.With().Str("component", "websocket").Str("remote", r.RemoteAddr).Logger(),
	}
	c.logger.Info().Msg("new connection")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	unsubscribe := h.orch.Subscribe(c.sendEvent)
	defer unsubscribe()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writeLoop(ctx)
	}()
	go h.pingLoop(ctx, conn)

	session, err := h.orch.ActiveSession(ctx)
	if err != nil {
		c.sendError(err.Error())
	}
	c.send("connected", map[string]any{
		"status":  h.orch.Snapshot(),
		"session": session,
		"modes":   h.orch.Modes(),
	})

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		var msg inboundMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn().Err(err).Msg("read error")
			}
			break
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		h.handleMessage(ctx, c, &msg)
	}

	cancel()
	<-writerDone
	c.logger.Info().Msg("connection closed")
}

// handleMessage dispatches one client command. Replies travel as "ack"
// messages; results of the work arrive as events.
func (h *WebSocketHandler) handleMessage(ctx context.Context, c *connection, msg *inboundMessage) {
	var (
		result interface{}
		err    error
	)
	switch msg.Type {
	case CmdSend:
		var id string
		id, err = h.orch.SendMessage(ctx, msg.Text)
		result = map[string]string{"generationId": id}
	case CmdCancel:
		result = map[string]bool{"cancelled": h.orch.Cancel()}
	case CmdNew:
		result, err = h.orch.NewSession(ctx)
	case CmdSwitch:
		result, err = h.orch.SwitchSession(ctx, msg.SessionID)
	case CmdDelete:
		var active string
		active, err = h.orch.DeleteSession(ctx, msg.SessionID)
		result = map[string]string{"activeId": active}
	case CmdMode:
		result, err = h.orch.SetMode(ctx, msg.Mode)
	case CmdModel:
		// preparation blocks; progress arrives as events
		go func(model string) {
			var prepErr error
			if current := h.orch.Snapshot().Model; current != "" && current != model {
				prepErr = h.orch.ChangeModel(context.Background(), model)
			} else {
				prepErr = h.orch.Prepare(context.Background(), model)
			}
			if prepErr != nil && ctx.Err() == nil {
				c.sendError(prepErr.Error())
			}
		}(msg.Model)
		result = map[string]string{"model": msg.Model}
	default:
		c.sendError("unknown message type: " + msg.Type)
		return
	}

	if err != nil {
		c.logger.Debug().Err(err).Str("command", msg.Type).Msg("command failed")
		c.sendError(err.Error())
		return
	}
	raw, _ := json.Marshal(result)
	c.send("ack", map[string]any{"command": msg.Type, "result": json.RawMessage(raw)})
}

func (c *connection) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-c.out:
			if !c.write(msg) {
				return
			}
		case msg := <-c.final:
			// whatever was queued before the terminal event goes first
			for drained := false; !drained; {
				select {
				case queued := <-c.out:
					if !c.write(queued) {
						return
					}
				default:
					drained = true
				}
			}
			if !c.write(msg) {
				return
			}
		}
	}
}

func (c *connection) write(msg outgoingMessage) bool {
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.conn.WriteJSON(msg); err != nil {
		c.logger.Debug().Err(err).Msg("write failed")
		return false
	}
	return true
}

func (h *WebSocketHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
