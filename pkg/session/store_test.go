package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// contractBackends lists every locally runnable backend. The Redis backend
// runs the same contract from its own test, gated on a live server.
func contractBackends() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"sqlite": func(t *testing.T) Store {
			return NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
		},
		"blob": func(t *testing.T) Store {
			return NewBlobStore(filepath.Join(t.TempDir(), "sessions.db"))
		},
		"file": func(t *testing.T) Store {
			return NewFileStore(t.TempDir())
		},
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
	}
}

func TestStoreContract(t *testing.T) {
	for name, newStore := range contractBackends() {
		t.Run(name, func(t *testing.T) {
			runStoreContract(t, newStore)
		})
	}
}

// runStoreContract exercises the behavior shared by every backend.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("LoadUnknownSessionIsEmpty", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		items, err := store.Load(ctx, "never-written")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("AppendRoundTrip", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		want := []Item{
			MustItem(map[string]string{"role": "user", "content": "hello"}),
			MustItem(map[string]string{"role": "assistant", "content": "hi there"}),
		}
		require.NoError(t, store.Append(ctx, "conv-1", want))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, want, got)
	})

	t.Run("AppendExtendsInOrder", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		first := []Item{MustItem(map[string]int{"n": 1}), MustItem(map[string]int{"n": 2})}
		second := []Item{MustItem(map[string]int{"n": 3})}
		require.NoError(t, store.Append(ctx, "conv-1", first))
		require.NoError(t, store.Append(ctx, "conv-1", second))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, append(first, second...), got)
	})

	t.Run("SaveReplacesHistory", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))
		replacement := []Item{MustItem(map[string]int{"n": 10}), MustItem(map[string]int{"n": 11})}
		require.NoError(t, store.Save(ctx, "conv-1", replacement))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, replacement, got)
	})

	t.Run("SaveEmptyRemovesSession", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))
		require.NoError(t, store.Save(ctx, "conv-1", nil))

		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)

		items, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		assert.Empty(t, items)
	})

	t.Run("SaveEmptyOnUnknownSessionSucceeds", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Save(ctx, "never-written", []Item{}))
	})

	t.Run("ClearRemovesSession", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))
		require.NoError(t, store.Clear(ctx, "conv-1"))

		items, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		assert.Empty(t, items)

		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ClearUnknownSessionSucceeds", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Clear(ctx, "never-written"))
	})

	t.Run("ExistsTracksPersistedItems", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)

		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))

		exists, err = store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.True(t, exists)
	})

	t.Run("AppendNothingIsANoOp", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, "conv-1", nil))
		require.NoError(t, store.Append(ctx, "conv-1", []Item{}))

		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ListSessionsTracksMembership", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		sessions, err := store.ListSessions(ctx)
		require.NoError(t, err)
		assert.Empty(t, sessions)

		require.NoError(t, store.Save(ctx, "conv-a", []Item{MustItem(map[string]int{"n": 1})}))
		require.NoError(t, store.Save(ctx, "conv-b", []Item{MustItem(map[string]int{"n": 2})}))

		sessions, err = store.ListSessions(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"conv-a", "conv-b"}, sessions)

		require.NoError(t, store.Clear(ctx, "conv-a"))

		sessions, err = store.ListSessions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"conv-b"}, sessions)
	})

	t.Run("RejectsInvalidSessionIDs", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		item := []Item{MustItem(map[string]int{"n": 1})}
		for _, id := range []string{"", "../escape", "a/b", "a\\b", "bad\nid"} {
			assert.ErrorIs(t, store.Append(ctx, id, item), ErrInvalidSessionID, "append %q", id)
			assert.ErrorIs(t, store.Save(ctx, id, item), ErrInvalidSessionID, "save %q", id)
			assert.ErrorIs(t, store.Clear(ctx, id), ErrInvalidSessionID, "clear %q", id)
			_, err := store.Exists(ctx, id)
			assert.ErrorIs(t, err, ErrInvalidSessionID, "exists %q", id)

			// An id that can never be written has an empty history.
			items, err := store.Load(ctx, id)
			require.NoError(t, err, "load %q", id)
			assert.Empty(t, items)
		}
	})

	t.Run("RejectsNonJSONItems", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		err := store.Append(ctx, "conv-1", []Item{Item("{not json")})
		require.Error(t, err)

		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("PrettyJSONSurvivesRoundTrip", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		pretty := Item("{\n  \"role\": \"user\",\n  \"content\": \"spaced out\"\n}")
		require.NoError(t, store.Append(ctx, "conv-1", []Item{pretty}))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.JSONEq(t, string(pretty), string(got[0]))
	})

	t.Run("CanceledContextStopsLoad", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		canceled, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := store.Load(canceled, "conv-1")
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("CloseIsIdempotentAndNonTerminal", func(t *testing.T) {
		store := newStore(t)

		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))
		require.NoError(t, store.Close())
		require.NoError(t, store.Close())

		// A closed backend reopens on its next operation.
		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 2})}))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		assert.Len(t, got, 2)

		require.NoError(t, store.Close())
	})

	t.Run("ReplaceMatchesSave", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))
		replacement := []Item{MustItem(map[string]int{"n": 5})}
		require.NoError(t, Replace(ctx, store, "conv-1", replacement))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, replacement, got)

		require.NoError(t, Replace(ctx, store, "conv-1", nil))
		exists, err := store.Exists(ctx, "conv-1")
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("ConcurrentAppendsKeepBatchesIntact", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		const goroutines = 8
		const batchLen = 3

		var wg sync.WaitGroup
		errs := make([]error, goroutines)
		for g := 0; g < goroutines; g++ {
			wg.Add(1)
			go func(g int) {
				defer wg.Done()
				batch := make([]Item, batchLen)
				for i := 0; i < batchLen; i++ {
					batch[i] = MustItem(map[string]int{"g": g, "i": i})
				}
				errs[g] = store.Append(ctx, "conv-shared", batch)
			}(g)
		}
		wg.Wait()

		for g, err := range errs {
			require.NoError(t, err, "goroutine %d", g)
		}

		got, err := store.Load(ctx, "conv-shared")
		require.NoError(t, err)
		require.Len(t, got, goroutines*batchLen)

		type marker struct {
			G int `json:"g"`
			I int `json:"i"`
		}
		markers := make([]marker, len(got))
		for i, item := range got {
			require.NoError(t, json.Unmarshal(item, &markers[i]))
		}

		// Each batch must land contiguously and in its own order.
		for g := 0; g < goroutines; g++ {
			first := -1
			for i, m := range markers {
				if m.G == g && m.I == 0 {
					first = i
					break
				}
			}
			require.GreaterOrEqual(t, first, 0, "batch %d missing", g)
			require.LessOrEqual(t, first+batchLen, len(markers))
			for i := 0; i < batchLen; i++ {
				assert.Equal(t, marker{G: g, I: i}, markers[first+i])
			}
		}
	})

	t.Run("ConversationContinuation", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		turn1 := []Item{
			MustItem(map[string]string{"role": "user", "content": "what is the capital of france?"}),
			MustItem(map[string]string{"role": "assistant", "content": "Paris."}),
		}
		require.NoError(t, store.Append(ctx, "conv-1", turn1))

		// Next turn starts from the prior history.
		history, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, turn1, history)

		turn2 := []Item{
			MustItem(map[string]string{"role": "user", "content": "and its population?"}),
			MustItem(map[string]string{"role": "assistant", "content": "About two million."}),
		}
		require.NoError(t, store.Append(ctx, "conv-1", turn2))

		history, err = store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, append(turn1, turn2...), history)
	})

	t.Run("ClearStartsConversationOver", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		require.NoError(t, store.Append(ctx, "conv-1", []Item{
			MustItem(map[string]string{"role": "user", "content": "old topic"}),
		}))
		require.NoError(t, store.Clear(ctx, "conv-1"))

		fresh := []Item{MustItem(map[string]string{"role": "user", "content": "new topic"})}
		require.NoError(t, store.Append(ctx, "conv-1", fresh))

		got, err := store.Load(ctx, "conv-1")
		require.NoError(t, err)
		requireSameItems(t, fresh, got)
	})

	t.Run("SessionsAreIndependent", func(t *testing.T) {
		store := newStore(t)
		defer store.Close()

		a := []Item{MustItem(map[string]string{"conv": "a"})}
		b := []Item{MustItem(map[string]string{"conv": "b"})}
		require.NoError(t, store.Append(ctx, "conv-a", a))
		require.NoError(t, store.Append(ctx, "conv-b", b))
		require.NoError(t, store.Clear(ctx, "conv-a"))

		got, err := store.Load(ctx, "conv-b")
		require.NoError(t, err)
		requireSameItems(t, b, got)
	})
}

// requireSameItems compares histories element by element, tolerating
// whitespace differences from backends that re-encode payloads.
func requireSameItems(t *testing.T, want, got []Item) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		assert.JSONEq(t, string(want[i]), string(got[i]), "item %d", i)
	}
}

func TestNewItem(t *testing.T) {
	item, err := NewItem(map[string]string{"role": "user"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"role":"user"}`, string(item))

	_, err = NewItem(make(chan int))
	require.Error(t, err)
}

func TestMustItemPanicsOnUnmarshalable(t *testing.T) {
	assert.Panics(t, func() {
		MustItem(make(chan int))
	})
}

func TestItemMarshalsInline(t *testing.T) {
	// Item must marshal as raw JSON, not as base64 bytes.
	payload := struct {
		History []Item `json:"history"`
	}{
		History: []Item{MustItem(map[string]int{"n": 1})},
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.Equal(t, `{"history":[{"n":1}]}`, string(data))
}

func TestCloneItemsDoesNotAlias(t *testing.T) {
	original := []Item{Item(`{"n":1}`)}
	cloned := cloneItems(original)

	original[0][1] = 'x'
	assert.Equal(t, `{"n":1}`, string(cloned[0]))
	assert.Nil(t, cloneItems(nil))
}

func TestNewSessionID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		require.NoError(t, ValidateSessionID(id))
		assert.Contains(t, id, "sess_")
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	km := newKeyedMutex()

	// The same key always resolves to the same mutex, even after a
	// lock/unlock cycle; different keys stay independent.
	lock := km.get("a")
	lock.Lock()
	lock.Unlock()
	assert.Same(t, lock, km.get("a"))
	assert.NotSame(t, km.get("a"), km.get("b"))
}

func ExampleStore() {
	store := NewMemoryStore()
	defer store.Close()

	ctx := context.Background()
	_ = store.Append(ctx, "conv-1", []Item{
		MustItem(map[string]string{"role": "user", "content": "hello"}),
	})

	items, _ := store.Load(ctx, "conv-1")
	fmt.Println(len(items))
	// Output: 1
}
