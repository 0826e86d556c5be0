package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsResolve_Disabled(t *testing.T) {
	store, err := Disabled().Resolve()
	require.NoError(t, err)
	assert.Nil(t, store)
}

func TestOptionsResolve_Default(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	store, err := Default(path).Resolve()
	require.NoError(t, err)
	require.NotNil(t, store)
	defer store.Close()

	require.NoError(t, store.Append(ctx, "conv-1", []Item{MustItem(map[string]int{"n": 1})}))

	got, err := store.Load(ctx, "conv-1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestOptionsResolve_DefaultEmptyPathUsesDefaultLocation(t *testing.T) {
	store, err := Default("").Resolve()
	require.NoError(t, err)
	require.NotNil(t, store)

	sqlite, ok := store.(*SQLiteStore)
	require.True(t, ok)
	assert.Equal(t, DefaultPath(), sqlite.path)

	// Nothing was opened yet, so Close must be a clean no-op.
	require.NoError(t, store.Close())
}

func TestOptionsResolve_CustomAdoptsStore(t *testing.T) {
	custom := NewMemoryStore()

	store, err := Custom(custom).Resolve()
	require.NoError(t, err)
	assert.Same(t, Store(custom), store)
}

func TestOptionsResolve_CustomNilFailsFast(t *testing.T) {
	_, err := Custom(nil).Resolve()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestOptionsResolve_UnknownModeFailsFast(t *testing.T) {
	_, err := Options{Mode: Mode(42)}.Resolve()
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "disabled", ModeDisabled.String())
	assert.Equal(t, "default", ModeDefault.String())
	assert.Equal(t, "custom", ModeCustom.String())
	assert.Equal(t, "mode(42)", Mode(42).String())
}

func TestDefaultPathIsStable(t *testing.T) {
	assert.Equal(t, DefaultPath(), DefaultPath())
	assert.Contains(t, DefaultPath(), "sessions.db")
}
