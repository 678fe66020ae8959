// Package prompt assembles the bounded context window sent to the model.
package prompt

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/knowledge"
)

const (
	DefaultHistoryWindow = 10
	DefaultTopK          = 3

	knowledgePreamble = "I've found some relevant information that might help answer the question:"
	untitledDocument  = "documentation"
)

// Entry is one role-tagged message in the context window.
type Entry struct {
	Role    chat.Role `json:"role"`
	Content string    `json:"content"`
}

// Knowledge looks up background snippets for a user utterance.
type Knowledge interface {
	Query(ctx context.Context, text string, k int) ([]knowledge.Snippet, error)
}

// Builder assembles context windows. A nil Knowledge disables retrieval.
type Builder struct {
	knowledge Knowledge
	window    int
	topK      int
}

// NewBuilder returns a Builder using the given history window and snippet
// count; non-positive values select the defaults.
func NewBuilder(kb Knowledge, window, topK int) *Builder {
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	if topK <= 0 {
		topK = DefaultTopK
	}
	return &Builder{knowledge: kb, window: window, topK: topK}
}

// Build returns the context for newUserText: the last turns of session,
// the new utterance, and at most one leading system entry carrying any
// retrieved knowledge. The result is never empty.
func (b *Builder) Build(ctx context.Context, session chat.Session, newUserText string) []Entry {
	history := b.recentTurns(session.Turns, newUserText)

	entries := make([]Entry, 0, len(history)+2)
	for _, turn := range history {
		entries = append(entries, Entry{Role: turn.Role, Content: turn.Content})
	}
	entries = append(entries, Entry{Role: chat.RoleUser, Content: newUserText})

	if block := FormatKnowledge(b.lookup(ctx, session.ID, newUserText)); block != "" {
		entries = mergeSystem(entries, block)
	}
	return normalizeSystem(entries)
}

// recentTurns keeps completed turns only and drops a trailing user turn that
// already holds newUserText, then applies the window.
func (b *Builder) recentTurns(turns []chat.Turn, newUserText string) []chat.Turn {
	done := make([]chat.Turn, 0, len(turns))
	for _, t := range turns {
		if t.InFlight {
			continue
		}
		if t.Role == chat.RoleAssistant && t.Content == "" {
			continue
		}
		done = append(done, t)
	}

	if n := len(done); n > 0 && done[n-1].Role == chat.RoleUser && done[n-1].Content == newUserText {
		done = done[:n-1]
	}

	if len(done) > b.window {
		done = done[len(done)-b.window:]
	}
	return done
}

func (b *Builder) lookup(ctx context.Context, sessionID, text string) []knowledge.Snippet {
	if b.knowledge == nil {
		return nil
	}
	snippets, err := b.knowledge.Query(ctx, text, b.topK)
	if err != nil {
		log.Warn().Err(err).Str("component", "prompt").Str("session_id", sessionID).
			Msg("knowledge lookup failed, continuing without it")
		return nil
	}
	if len(snippets) > b.topK {
		snippets = snippets[:b.topK]
	}
	return snippets
}

// FormatKnowledge renders snippets as a numbered system block, or "" when
// there are none.
func FormatKnowledge(snippets []knowledge.Snippet) string {
	if len(snippets) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(knowledgePreamble)
	for i, s := range snippets {
		title := s.Document.Title
		if title == "" {
			title = untitledDocument
		}
		fmt.Fprintf(&sb, "\n\n[%d] From %s:\n%s", i+1, title, s.Text)
	}
	return sb.String()
}

// mergeSystem appends block to a leading system entry or prepends a new one.
func mergeSystem(entries []Entry, block string) []Entry {
	if len(entries) > 0 && entries[0].Role == chat.RoleSystem {
		out := append([]Entry(nil), entries...)
		out[0].Content = joinNonEmpty(out[0].Content, block)
		return out
	}
	return append([]Entry{{Role: chat.RoleSystem, Content: block}}, entries...)
}

// normalizeSystem folds every system entry into one at index 0.
func normalizeSystem(entries []Entry) []Entry {
	var (
		system []string
		rest   = make([]Entry, 0, len(entries))
	)
	for _, e := range entries {
		if e.Role == chat.RoleSystem {
			if e.Content != "" {
				system = append(system, e.Content)
			}
			continue
		}
		rest = append(rest, e)
	}
	if len(system) == 0 {
		return rest
	}
	return append([]Entry{{Role: chat.RoleSystem, Content: joinNonEmpty(system...)}}, rest...)
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
