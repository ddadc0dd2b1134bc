package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transactor-client/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore_AppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, kind := range []string{"created", "updated", "deleted"} {
		_, err := store.Append(ctx, Entry{
			Workspace:  "ws",
			Class:      "tracker:class:Issue",
			Kind:       kind,
			ObjectID:   "issue-1",
			Payload:    json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)),
			ReceivedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}
	_, err := store.Append(ctx, Entry{Workspace: "ws", Class: "core:class:Space", Kind: "created", ObjectID: "s", ReceivedAt: base})
	require.NoError(t, err)

	all, err := store.List(ctx, "tracker:class:Issue", time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "created", all[0].Kind)
	assert.Equal(t, "deleted", all[2].Kind)
	assert.JSONEq(t, `{"n":1}`, string(all[1].Payload))
	assert.True(t, all[1].ReceivedAt.Equal(base.Add(time.Minute)))

	recent, err := store.List(ctx, "tracker:class:Issue", base.Add(time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "updated", recent[0].Kind)

	space, err := store.List(ctx, "core:class:Space", time.Time{}, 10)
	require.NoError(t, err)
	require.Len(t, space, 1)
	assert.Equal(t, "null", string(space[0].Payload))
}

func TestSQLiteStore_Prune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	for _, age := range []time.Duration{48 * time.Hour, 25 * time.Hour, time.Hour} {
		_, err := store.Append(ctx, Entry{Class: "c", Kind: "created", ObjectID: "o", ReceivedAt: now.Add(-age)})
		require.NoError(t, err)
	}

	n, err := store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	left, err := store.List(ctx, "c", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)

	n, err = store.Prune(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSQLiteStore_AppendValidation(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Append(context.Background(), Entry{ObjectID: "o"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	store, err := Open(path)
	require.NoError(t, err)
	_, err = store.Append(context.Background(), Entry{Class: "c", Kind: "created", ObjectID: "o"})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = Open(path)
	require.NoError(t, err)
	defer store.Close()
	got, err := store.List(context.Background(), "c", time.Time{}, 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
