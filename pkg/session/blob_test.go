package session

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlobStore_SingleRowPerSession(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store := NewBlobStore(path)
	defer store.Close()

	require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))
	require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 2})}))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var rows int
	require.NoError(t, db.QueryRow(
		"SELECT COUNT(*) FROM sessions WHERE session_id = ?", "conv-1",
	).Scan(&rows))
	assert.Equal(t, 1, rows)

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.JSONEq(t, `{"n":1}`, string(got[0]))
	assert.JSONEq(t, `{"n":2}`, string(got[1]))
}

func TestBlobStore_CorruptDocumentReadsEmpty(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store := NewBlobStore(path)
	defer store.Close()

	require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(
		"UPDATE sessions SET conversation_history = ? WHERE session_id = ?",
		`{broken`, "conv-1",
	)
	require.NoError(t, err)

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestBlobStore_AppendRestartsCorruptHistory(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store := NewBlobStore(path)
	defer store.Close()

	require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	_, err = db.Exec(
		"UPDATE sessions SET conversation_history = ? WHERE session_id = ?",
		`not json at all`, "conv-1",
	)
	require.NoError(t, err)

	require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 2})}))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"n":2}`, string(got[0]))
}

func TestBlobStore_PersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store := NewBlobStore(path)
	require.NoError(t, store.Save(ctx, "conv-1", []Item{
		MustItem(map[string]string{"role": "user", "content": "hello"}),
	}))
	require.NoError(t, store.Close())

	reopened := NewBlobStore(path)
	defer reopened.Close()

	got, err := reopened.Load(ctx, "conv-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"role":"user","content":"hello"}`, string(got[0]))
}

func TestBlobStore_StoresCompactDocument(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store := NewBlobStore(path)
	defer store.Close()

	pretty := Item("{\n  \"n\": 1\n}")
	require.NoError(t, store.Save(ctx, "conv-1", []Item{pretty}))

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var blob string
	require.NoError(t, db.QueryRow(
		"SELECT conversation_history FROM sessions WHERE session_id = ?", "conv-1",
	).Scan(&blob))
	assert.Equal(t, `[{"n":1}]`, blob)
}
