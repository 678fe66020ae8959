package chat

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/handler/apierr"
	"github.com/zhouzirui/z-chat/backend/internal/service/conversation"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 会话管理的HTTP处理器
type Handler struct {
	orch *conversation.Orchestrator
}

// New 创建会话处理器
func New(orch *conversation.Orchestrator) *Handler {
	return &Handler{orch: orch}
}

// RegisterRoutes 注册会话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/sessions", h.handleListSessions)
	r.Post("/sessions", h.handleCreateSession)
	r.Get("/sessions/active", h.handleActiveSession)
	r.Put("/sessions/active/mode", h.handleSetMode)
	r.Get("/sessions/{sessionID}", h.handleGetSession)
	r.Delete("/sessions/{sessionID}", h.handleDeleteSession)
	r.Post("/sessions/{sessionID}/activate", h.handleActivateSession)
}

// handleListSessions 列出会话摘要，最近更新的在前
func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"sessions": h.orch.Sessions(r.Context()),
		"activeId": h.orch.Snapshot().ActiveSessionID,
	})
}

// handleCreateSession 创建并激活新会话
func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.orch.NewSession(r.Context())
	if err != nil && session.ID == "" {
		apierr.Write(w, err)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("component", "http").Str("session_id", session.ID).Msg("session created but not persisted")
	}
	utils.RespondJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleActiveSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.orch.ActiveSession(r.Context())
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.orch.Session(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleDeleteSession 删除会话，返回删除后处于激活状态的会话
func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	activeID, err := h.orch.DeleteSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil && activeID == "" {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]string{"activeId": activeID})
}

func (h *Handler) handleActivateSession(w http.ResponseWriter, r *http.Request) {
	session, err := h.orch.SwitchSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}

// handleSetMode 切换当前会话的模式
func (h *Handler) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Mode string `json:"mode"`
	}
	if err := utils.DecodeJSON(r, &payload); err != nil {
		utils.RespondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.orch.SetMode(r.Context(), payload.Mode)
	if err != nil {
		apierr.Write(w, err)
		return
	}
	utils.RespondJSON(w, http.StatusOK, session)
}
