// Package session persists ordered conversation history for sessions.
//
// A Store keeps one history per session: an append-only, chronologically
// ordered sequence of opaque JSON items. The package ships several
// interchangeable backends: SQLiteStore (row per item, the reference
// implementation), BlobStore (one JSON document per session), FileStore
// (JSONL files), MemoryStore (in-process), and RedisStore.
//
// Invariants:
// - History order survives every store/load round trip: no reordering,
//   no deduplication, no truncation.
// - Save, Append, and Clear are atomic per call; a failed write leaves
//   the previous history intact. FileStore appends are the one
//   exception: a failed batch can persist a leading subset.
// - Writes for the same session are serialized; different sessions do
//   not block one another.
// - Load never fails on absent sessions or undecodable payloads: it
//   degrades to an empty history.
// - A session exists while at least one item is persisted for it;
//   saving an empty history is equivalent to Clear.
//
// Usage:
//
//	store := session.NewSQLiteStore(filepath.Join(dir, "sessions.db"))
//	defer store.Close()
//	_ = store.Append(ctx, "session:1", []session.Item{
//		session.MustItem(map[string]string{"role": "user", "content": "hello"}),
//	})
//	items, _ := store.Load(ctx, "session:1")
//	_ = items
package session
