package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Item is one unit of conversation content: a message, tool call, or tool
// result. The store treats it as an opaque JSON document and never inspects
// its fields; callers own the schema.
type Item = json.RawMessage

// NewItem marshals v into an Item.
func NewItem(v interface{}) (Item, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item: %w", err)
	}
	return Item(data), nil
}

// MustItem marshals v into an Item and panics on failure. Intended for
// literals in wiring and test code.
func MustItem(v interface{}) Item {
	item, err := NewItem(v)
	if err != nil {
		panic(err)
	}
	return item
}

var (
	// ErrInvalidSessionID reports a session ID rejected by validation.
	ErrInvalidSessionID = errors.New("session: invalid session id")

	// ErrInvalidConfig reports an unsupported backend selection value.
	ErrInvalidConfig = errors.New("session: invalid memory configuration")
)

// Store is the capability contract every history backend implements.
//
// Histories are ordered; every backend preserves insertion order exactly
// across round trips. Same-session writes serialize. Save, Append, and
// Clear propagate resource failures to the caller; Load instead degrades
// to an empty history when the session is absent or its persisted data
// cannot be read or decoded, and reports an error only for a canceled
// context. A session exists while at least one item is persisted for it.
type Store interface {
	// Load returns the session's full history in chronological order.
	// Unknown sessions and undecodable payloads yield an empty history,
	// never an error.
	Load(ctx context.Context, sessionID string) ([]Item, error)

	// Save atomically replaces the session's entire history with items.
	// Saving an empty history removes the session.
	Save(ctx context.Context, sessionID string, items []Item) error

	// Append atomically extends the stored history with items in the
	// order given, without rewriting what is already stored.
	Append(ctx context.Context, sessionID string, items []Item) error

	// Clear removes all history for the session. Clearing an absent
	// session is not an error.
	Clear(ctx context.Context, sessionID string) error

	// ListSessions returns all known sessions, most recently modified
	// first.
	ListSessions(ctx context.Context) ([]string, error)

	// Exists reports whether the session currently has persisted items.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Close releases held resources. It is idempotent and safe to call
	// on a store that never opened anything. Lazily-opening backends may
	// be used again after Close; the next operation reopens them.
	Close() error
}

// Replace replaces a session's history using only Clear and Append. It
// mirrors the older combined load/store interface shape; unlike Save it is
// not atomic across the two operations, so prefer Save when the backend is
// known.
func Replace(ctx context.Context, s Store, sessionID string, items []Item) error {
	if err := s.Clear(ctx, sessionID); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	return s.Append(ctx, sessionID, items)
}

// validItem reports whether a persisted payload is a decodable JSON
// document. Backends call it on the load path so a damaged record degrades
// to a skip instead of an error.
func validItem(payload []byte) bool {
	return len(payload) > 0 && json.Valid(payload)
}

// cloneItems deep-copies a history so callers and backends never alias the
// same byte slices.
func cloneItems(items []Item) []Item {
	if items == nil {
		return nil
	}
	out := make([]Item, len(items))
	for i, item := range items {
		buf := make([]byte, len(item))
		copy(buf, item)
		out[i] = Item(buf)
	}
	return out
}
