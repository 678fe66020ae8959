package persona

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
	"github.com/zhouzirui/z-chat/backend/pkg/utils"
)

// Handler 模式列表的HTTP处理器
type Handler struct {
	personas persona.Store
}

// New 创建模式处理器
func New(personas persona.Store) *Handler {
	return &Handler{
		personas: personas,
	}
}

// RegisterRoutes 注册模式相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/modes", h.handleListModes)
}

// handleListModes 列出所有模式
func (h *Handler) handleListModes(w http.ResponseWriter, r *http.Request) {
	utils.RespondJSON(w, http.StatusOK, map[string]any{
		"modes":   h.personas.List(),
		"default": persona.DefaultID,
	})
}
