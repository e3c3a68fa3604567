package persistence

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataprochub/broker/internal/types"
)

func TestMemoryStore_RoundTrip(t *testing.T) {
	store := newMemoryStore()
	ctx := context.Background()

	record := testRecord("alice")
	require.NoError(t, store.PutHandle(ctx, record))

	got, err := store.GetHandle(ctx, record.Handle.Session)
	require.NoError(t, err)
	assert.Equal(t, record, got)

	records, err := store.ListHandles(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	require.NoError(t, store.DeleteHandle(ctx, record.Handle.Session))
	_, err = store.GetHandle(ctx, record.Handle.Session)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RejectsEmptySession(t *testing.T) {
	store := newMemoryStore()

	err := store.PutHandle(context.Background(), Record{})
	assert.ErrorIs(t, err, types.ErrEmptyID)
}
