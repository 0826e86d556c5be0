package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRegistry(t *testing.T) {
	t.Run("should add, get and remove clients", func(t *testing.T) {
		registry := NewClientRegistry()

		registry.Add(&Client{ID: "client-1"})
		assert.Equal(t, 1, registry.Count())

		client, exists := registry.Get("client-1")
		require.True(t, exists)
		assert.Equal(t, "client-1", client.ID)

		registry.Remove("client-1")
		assert.Equal(t, 0, registry.Count())

		_, exists = registry.Get("client-1")
		assert.False(t, exists)
	})

	t.Run("should filter authenticated clients", func(t *testing.T) {
		registry := NewClientRegistry()

		registry.Add(&Client{ID: "authed", Authenticated: true})
		registry.Add(&Client{ID: "pending"})

		authed := registry.GetAuthenticatedClients()
		require.Len(t, authed, 1)
		assert.Equal(t, "authed", authed[0].ID)

		assert.Len(t, registry.GetAll(), 2)
	})

	t.Run("should mark stale clients idle", func(t *testing.T) {
		registry := NewClientRegistry()

		registry.Add(&Client{
			ID:           "stale",
			LastActivity: time.Now().Add(-10 * time.Minute),
		})
		registry.Add(&Client{
			ID:           "fresh",
			LastActivity: time.Now(),
		})

		infos := registry.GetConnectedClients()
		byID := make(map[string]ClientInfo, len(infos))
		for _, info := range infos {
			byID[info.ID] = info
		}

		assert.True(t, byID["stale"].Idle)
		assert.False(t, byID["fresh"].Idle)
	})

	t.Run("should update activity", func(t *testing.T) {
		registry := NewClientRegistry()

		registry.Add(&Client{
			ID:           "client-1",
			LastActivity: time.Now().Add(-10 * time.Minute),
		})

		registry.UpdateActivity("client-1")

		client, _ := registry.Get("client-1")
		assert.WithinDuration(t, time.Now(), client.LastActivity, time.Second)
	})
}
