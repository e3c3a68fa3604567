package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprochub/broker/internal/types"
)

func newTestRedisStore(t *testing.T) Store {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store, err := newRedisStore(client, defaultKeyPrefix)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testRecord(session string) Record {
	return Record{
		Handle: types.ClusterHandle{
			Session:     types.SessionID(session),
			Project:     "proj-1",
			Region:      "us-central1",
			ClusterName: types.ClusterName("dataprochub-" + session),
			ClusterUUID: "uuid-" + session,
		},
		CreatedAt: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestRedisStore_PutGetDelete(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	record := testRecord("alice")
	require.NoError(t, store.PutHandle(ctx, record))

	got, err := store.GetHandle(ctx, record.Handle.Session)
	require.NoError(t, err)
	assert.Equal(t, record.Handle, got.Handle)
	assert.True(t, record.CreatedAt.Equal(got.CreatedAt))

	require.NoError(t, store.DeleteHandle(ctx, record.Handle.Session))

	_, err = store.GetHandle(ctx, record.Handle.Session)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_GetMissing(t *testing.T) {
	store := newTestRedisStore(t)

	_, err := store.GetHandle(context.Background(), types.SessionID("nobody"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRedisStore_DeleteMissingIsNoop(t *testing.T) {
	store := newTestRedisStore(t)

	assert.NoError(t, store.DeleteHandle(context.Background(), types.SessionID("nobody")))
}

func TestRedisStore_PutOverwrites(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	record := testRecord("alice")
	require.NoError(t, store.PutHandle(ctx, record))

	record.Handle.ClusterUUID = "uuid-regenerated"
	require.NoError(t, store.PutHandle(ctx, record))

	got, err := store.GetHandle(ctx, record.Handle.Session)
	require.NoError(t, err)
	assert.Equal(t, "uuid-regenerated", got.Handle.ClusterUUID)
}

func TestRedisStore_PutRejectsEmptySession(t *testing.T) {
	store := newTestRedisStore(t)

	err := store.PutHandle(context.Background(), Record{})
	assert.ErrorIs(t, err, types.ErrEmptyID)
}

func TestRedisStore_ListHandles(t *testing.T) {
	store := newTestRedisStore(t)
	ctx := context.Background()

	sessions := []string{"alice", "bob", "carol"}
	for _, s := range sessions {
		require.NoError(t, store.PutHandle(ctx, testRecord(s)))
	}

	records, err := store.ListHandles(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)

	seen := make(map[types.SessionID]bool)
	for _, r := range records {
		seen[r.Handle.Session] = true
	}
	for _, s := range sessions {
		assert.True(t, seen[types.SessionID(s)], "missing record for %s", s)
	}
}

func TestRedisStore_ListHandlesEmpty(t *testing.T) {
	store := newTestRedisStore(t)

	records, err := store.ListHandles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}
