package session

import (
	"context"
	"sort"
	"sync"

	"github.com/mnemokit/mnemo/internal/observability"
)

// MemoryStore keeps session histories in process memory. It is intended
// for tests and for ephemeral runs where persistence is not wanted;
// nothing survives a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Item
	touched  map[string]uint64
	clock    uint64
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	observability.EnsureRegistered()
	return &MemoryStore{
		sessions: make(map[string][]Item),
		touched:  make(map[string]uint64),
	}
}

// Load returns a copy of the session's history. Unknown and invalid
// session ids yield an empty history.
func (s *MemoryStore) Load(ctx context.Context, sessionID string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return []Item{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	items, ok := s.sessions[sessionID]
	if !ok {
		return []Item{}, nil
	}

	return cloneItems(items), nil
}

// Save replaces the session's history with a copy of items. Saving an
// empty history removes the session.
func (s *MemoryStore) Save(ctx context.Context, sessionID string, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateItems(items); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(items) == 0 {
		delete(s.sessions, sessionID)
		delete(s.touched, sessionID)
		return nil
	}

	s.sessions[sessionID] = cloneItems(items)
	s.clock++
	s.touched[sessionID] = s.clock

	return nil
}

// Append extends the session's history with a copy of items.
func (s *MemoryStore) Append(ctx context.Context, sessionID string, items []Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	if err := validateItems(items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.sessions[sessionID] = append(s.sessions[sessionID], cloneItems(items)...)
	s.clock++
	s.touched[sessionID] = s.clock

	return nil
}

// Clear removes the session. Clearing an absent session succeeds.
func (s *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
	delete(s.touched, sessionID)

	return nil
}

// ListSessions returns all sessions with at least one item, most recently
// written first.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	sessions := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		sessions = append(sessions, id)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return s.touched[sessions[i]] > s.touched[sessions[j]]
	})

	observability.SetActiveSessions(len(sessions))

	return sessions, nil
}

// Exists reports whether the session has at least one item.
func (s *MemoryStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.sessions[sessionID]
	return ok, nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
