package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_LoadReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Append(ctx, "conv-1", []Item{Item(`{"n":1}`)}))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	// Mutating the returned history must not touch the stored one.
	got[0][1] = 'x'

	fresh, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(fresh[0]))
}

func TestMemoryStore_WriteCopiesInput(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	item := Item(`{"n":1}`)
	require.NoError(t, store.Append(ctx, "conv-1", []Item{item}))

	// Mutating the caller's slice after the write must not leak in.
	item[1] = 'x'

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Equal(t, `{"n":1}`, string(got[0]))
}

func TestMemoryStore_ListOrdersByRecency(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	defer store.Close()

	require.NoError(t, store.Save(ctx, "conv-a", []Item{Item(`{"n":1}`)}))
	require.NoError(t, store.Save(ctx, "conv-b", []Item{Item(`{"n":2}`)}))
	require.NoError(t, store.Append(ctx, "conv-a", []Item{Item(`{"n":3}`)}))

	sessions, err := store.ListSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"conv-a", "conv-b"}, sessions)
}

func TestMemoryStore_NothingSurvivesNewInstance(t *testing.T) {
	ctx := context.Background()

	store := NewMemoryStore()
	require.NoError(t, store.Append(ctx, "conv-1", []Item{Item(`{"n":1}`)}))
	require.NoError(t, store.Close())

	fresh := NewMemoryStore()
	defer fresh.Close()

	items, err := fresh.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, items)
}
