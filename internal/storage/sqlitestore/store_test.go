package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
)

func TestUpsertAndOrder(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer store.Close()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Save(ctx, chat.Session{ID: "old", Name: "old", UpdatedAt: base}))
	require.NoError(t, store.Save(ctx, chat.Session{ID: "new", Name: "new", UpdatedAt: base.Add(time.Minute)}))

	// overwrite moves "old" to the front
	require.NoError(t, store.Save(ctx, chat.Session{ID: "old", Name: "renamed", UpdatedAt: base.Add(time.Hour)}))

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "old", all[0].ID)
	assert.Equal(t, "renamed", all[0].Name)
	assert.Equal(t, "new", all[1].ID)
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	store, err := Open(":memory:")
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Save(ctx, chat.Session{ID: "a"}))
	require.NoError(t, store.Delete(ctx, "a"))
	require.NoError(t, store.Delete(ctx, "a"))

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
