package badgerstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, err := Open(dir)
	require.NoError(t, err)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	session := chat.Session{
		ID:    "abc",
		Name:  "greeting",
		Mode:  "ask",
		Turns: []chat.Turn{{Role: chat.RoleUser, Content: "hi", Timestamp: ts}},
	}
	require.NoError(t, store.Save(ctx, session))
	require.NoError(t, store.Save(ctx, chat.Session{ID: "other"}))
	require.NoError(t, store.Close())

	store, err = Open(dir)
	require.NoError(t, err)
	defer store.Close()

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)

	byID := map[string]chat.Session{}
	for _, s := range all {
		byID[s.ID] = s
	}
	got := byID["abc"]
	assert.Equal(t, "greeting", got.Name)
	assert.Equal(t, "ask", got.Mode)
	require.Len(t, got.Turns, 1)
	assert.True(t, got.Turns[0].Timestamp.Equal(ts))

	require.NoError(t, store.Delete(ctx, "other"))
	all, err = store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestInMemory(t *testing.T) {
	store, err := Open("")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(context.Background(), chat.Session{ID: "x"}))
	all, err := store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
