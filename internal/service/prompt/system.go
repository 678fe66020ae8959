package prompt

import (
	"fmt"
	"strings"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/model/persona"
)

// DefaultSystemPrompt applies when the session has no mode with instructions.
const DefaultSystemPrompt = "You are a helpful, friendly AI assistant. Answer questions clearly, concisely, and accurately. " +
	"If you do not know the answer, say so honestly. Always be polite and provide useful information."

// SystemPrompt returns the prompt for a mode; the mode's instructions
// replace the default prompt.
func SystemPrompt(mode *persona.Persona) string {
	if mode == nil || strings.TrimSpace(mode.Instructions) == "" {
		return DefaultSystemPrompt
	}
	if mode.RoleDefinition == "" {
		return mode.Instructions
	}
	return fmt.Sprintf("Mode: %s (%s).\n\n%s", mode.Name, mode.RoleDefinition, mode.Instructions)
}

// WithSystemPrompt puts system ahead of any existing system content so the
// result still has exactly one system entry, at index 0.
func WithSystemPrompt(entries []Entry, system string) []Entry {
	entries = normalizeSystem(entries)
	if strings.TrimSpace(system) == "" {
		return entries
	}
	if len(entries) > 0 && entries[0].Role == chat.RoleSystem {
		out := append([]Entry(nil), entries...)
		out[0].Content = joinNonEmpty(system, out[0].Content)
		return out
	}
	return append([]Entry{{Role: chat.RoleSystem, Content: system}}, entries...)
}
