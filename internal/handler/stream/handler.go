package stream

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/handler/apierr"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/internal/service/inference"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

const (
	eventBuffer    = 256
	terminalBuffer = 4
)

// Counter reports the number of indexed knowledge chunks.
type Counter interface {
	Count() int
}

// Handler manages streaming responses and model preparation via Server-Sent Events
type Handler struct {
	orch      *conversation.Orchestrator
	knowledge Counter
}

// New creates a new stream handler. knowledge may be nil.
func New(orch *conversation.Orchestrator, knowledge Counter) *Handler {
	return &Handler{orch: orch, knowledge: knowledge}
}

// RegisterRoutes 注册消息、状态和模型相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/messages", h.handleSendMessage)
	r.Post("/messages/cancel", h.handleCancel)
	r.Get("/status", h.handleStatus)
	r.Post("/model", h.handlePrepareModel)
}

// subscription buffers orchestrator events for one request. Updates may
// be dropped when the client falls behind; terminal events have their own
// channel and never are.
type subscription struct {
	events      chan conversation.Event
	terminal    chan conversation.Event
	unsubscribe func()
}

func (h *Handler) subscribe(keep func(conversation.Event) bool) *subscription {
	sub := &subscription{
		events:   make(chan conversation.Event, eventBuffer),
		terminal: make(chan conversation.Event, terminalBuffer),
	}
	sub.unsubscribe = h.orch.Subscribe(func(ev conversation.Event) {
		if !keep(ev) {
			return
		}
		ch := sub.events
		if ev.Terminal() {
			ch = sub.terminal
		}
		select {
		case ch <- ev:
		default:
			log.Warn().Str("component", "stream").Str("event", string(ev.Type)).Msg("slow client, dropping event")
		}
	})
	return sub
}

// flush writes events already buffered that pass keep.
func (s *subscription) flush(w http.ResponseWriter, flusher http.Flusher, keep func(conversation.Event) bool) error {
	for {
		select {
		case ev := <-s.events:
			if !keep(ev) {
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// handleSendMessage starts a generation and streams its events until it ends
func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Content string `json:"content"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.subscribe(func(conversation.Event) bool { return true })
	defer sub.unsubscribe()

	generationID, err := h.orch.SendMessage(r.Context(), payload.Content)
	if err != nil {
		apierr.Write(w, err)
		return
	}

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)
	logger := log.With().Str("component", "stream").Str("generation_id", generationID).Logger()
	logger.Debug().Msg("streaming generation")

	ours := func(ev conversation.Event) bool {
		return ev.GenerationID == "" || ev.GenerationID == generationID
	}
	for {
		select {
		case <-r.Context().Done():
			// the generation keeps running and is persisted
			logger.Debug().Msg("client went away")
			return
		case ev := <-sub.events:
			if !ours(ev) {
				continue
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
		case ev := <-sub.terminal:
			if ev.GenerationID != generationID {
				continue
			}
			// updates published before the terminal event go out first
			if err := sub.flush(w, flusher, ours); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				logger.Debug().Err(err).Msg("write failed")
				return
			}
			utils.SendSSEDone(w, flusher)
			return
		}
	}
}

// handleCancel 取消正在进行的生成
func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]bool{"cancelled": h.orch.Cancel()})
}

// handleStatus 返回状态机、模型和记忆信息
func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.orch.Snapshot()
	memory := map[string]int{"sessions": len(h.orch.Sessions(r.Context()))}
	if snap.ActiveSessionID != "" {
		if session, err := h.orch.Session(r.Context(), snap.ActiveSessionID); err == nil {
			memory["recentTurns"] = len(session.Turns)
		}
	}
	if h.knowledge != nil {
		memory["knowledgeChunks"] = h.knowledge.Count()
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"status": snap,
		"memory": memory,
		"models": inference.LocalModels(),
	})
}

// handlePrepareModel prepares a model and streams progress until it is ready or fails
func (h *Handler) handlePrepareModel(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Model string `json:"model"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil || payload.Model == "" {
		utils.RespondError(w, http.StatusBadRequest, "model is required")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		utils.RespondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub := h.subscribe(func(ev conversation.Event) bool {
		switch ev.Type {
		case conversation.EventPrepareProgress, conversation.EventStateChanged, conversation.EventError:
			return ev.GenerationID == ""
		}
		return false
	})
	defer sub.unsubscribe()

	current := h.orch.Snapshot().Model
	// loading outlives the request so a closed tab does not abort it
	ctx := context.WithoutCancel(r.Context())
	done := make(chan error, 1)
	go func() {
		var err error
		if current != "" && current != payload.Model {
			err = h.orch.ChangeModel(ctx, payload.Model)
		} else {
			err = h.orch.Prepare(ctx, payload.Model)
		}
		done <- err
	}()

	utils.SetupSSEHeaders(w)
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-sub.events:
			if err := utils.SendSSEEvent(w, flusher, string(ev.Type), ev); err != nil {
				return
			}
		case err := <-done:
			_ = sub.flush(w, flusher, func(conversation.Event) bool { return true })
			result := map[string]any{"model": payload.Model, "ready": err == nil}
			if err != nil {
				result["error"] = err.Error()
			}
			_ = utils.SendSSEEvent(w, flusher, "result", result)
			utils.SendSSEDone(w, flusher)
			return
		}
	}
}
