package prompt

import (
	"context"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/internal/service/knowledge"
)

type fakeKnowledge struct {
	snippets []knowledge.Snippet
	err      error
	gotK     int
}

func (f *fakeKnowledge) Query(_ context.Context, _ string, k int) ([]knowledge.Snippet, error) {
	f.gotK = k
	return f.snippets, f.err
}

func turns(pairs ...string) []chat.Turn {
	out := make([]chat.Turn, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, chat.NewTurn(chat.Role(pairs[i]), pairs[i+1]))
	}
	return out
}

func TestBuildEmptySessionNoKnowledge(t *testing.T) {
	b := NewBuilder(nil, 0, 0)
	got := b.Build(context.Background(), chat.Session{ID: "s"}, "hello")
	assert.Equal(t, []Entry{{Role: chat.RoleUser, Content: "hello"}}, got)
}

func TestBuildKeepsHistoryOrderAndSkipsDuplicateUserTurn(t *testing.T) {
	session := chat.Session{Turns: append(turns("user", "hi", "assistant", "hello", "user", "bye"), chat.Placeholder())}
	got := NewBuilder(nil, 10, 3).Build(context.Background(), session, "bye")

	assert.Equal(t, []Entry{
		{Role: chat.RoleUser, Content: "hi"},
		{Role: chat.RoleAssistant, Content: "hello"},
		{Role: chat.RoleUser, Content: "bye"},
	}, got)
}

func TestBuildAppliesWindow(t *testing.T) {
	session := chat.Session{Turns: turns(
		"user", "1", "assistant", "2", "user", "3", "assistant", "4", "user", "5", "assistant", "6",
	)}
	got := NewBuilder(nil, 4, 3).Build(context.Background(), session, "7")
	require.Len(t, got, 5)
	assert.Equal(t, "3", got[0].Content)
	assert.Equal(t, "7", got[4].Content)
}

func TestBuildPrependsKnowledgeBlock(t *testing.T) {
	kb := &fakeKnowledge{snippets: []knowledge.Snippet{
		{Text: "Built with Go.", Document: knowledge.Document{Title: "About"}},
		{Text: "No title here."},
	}}
	got := NewBuilder(kb, 10, 2).Build(context.Background(), chat.Session{}, "how was it built?")

	require.Len(t, got, 2)
	assert.Equal(t, 2, kb.gotK)
	assert.Equal(t, chat.RoleSystem, got[0].Role)
	assert.Equal(t,
		"I've found some relevant information that might help answer the question:\n\n"+
			"[1] From About:\nBuilt with Go.\n\n"+
			"[2] From documentation:\nNo title here.",
		got[0].Content)
}

func TestBuildAppendsKnowledgeToExistingSystemEntry(t *testing.T) {
	kb := &fakeKnowledge{snippets: []knowledge.Snippet{{Text: "fact", Document: knowledge.Document{Title: "T"}}}}
	session := chat.Session{Turns: turns("system", "be brief", "user", "hi", "assistant", "hey")}

	got := NewBuilder(kb, 10, 3).Build(context.Background(), session, "q")
	require.Len(t, got, 4)
	assert.Equal(t, chat.RoleSystem, got[0].Role)
	assert.True(t, len(got[0].Content) > len("be brief"))
	assert.Contains(t, got[0].Content, "be brief\n\nI've found some relevant information")
}

func TestBuildIgnoresKnowledgeErrors(t *testing.T) {
	kb := &fakeKnowledge{err: errors.New("index offline")}
	got := NewBuilder(kb, 10, 3).Build(context.Background(), chat.Session{}, "hello")
	assert.Equal(t, []Entry{{Role: chat.RoleUser, Content: "hello"}}, got)
}

func TestSingleLeadingSystemEntryForRandomInputs(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	roles := []chat.Role{chat.RoleUser, chat.RoleAssistant, chat.RoleSystem}

	for i := 0; i < 500; i++ {
		var session chat.Session
		for j := rng.Intn(15); j > 0; j-- {
			session.Turns = append(session.Turns, chat.NewTurn(roles[rng.Intn(len(roles))], "x"))
		}
		kb := &fakeKnowledge{}
		if rng.Intn(2) == 0 {
			kb.snippets = []knowledge.Snippet{{Text: "k"}}
		}
		b := NewBuilder(kb, 1+rng.Intn(12), 3)

		entries := b.Build(context.Background(), session, "q")
		if rng.Intn(2) == 0 {
			entries = WithSystemPrompt(entries, DefaultSystemPrompt)
		}

		systemCount := 0
		for idx, e := range entries {
			if e.Role == chat.RoleSystem {
				systemCount++
				require.Equal(t, 0, idx, "system entry must lead")
			}
		}
		require.LessOrEqual(t, systemCount, 1)
		require.Equal(t, "q", entries[len(entries)-1].Content)
	}
}
