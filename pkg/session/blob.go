package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mnemokit/mnemo/internal/observability"
	"github.com/mnemokit/mnemo/internal/tracing"
)

const blobBackend = "sqlite_blob"

// BlobStore keeps each session's entire history as a single JSON document
// in a SQLite row. Appends re-serialize the whole history, which keeps the
// schema trivial at the cost of O(history) writes; SQLiteStore is the
// better default for long sessions.
type BlobStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewBlobStore creates a whole-history store backed by the database at
// path. ":memory:" is accepted for an in-process database.
func NewBlobStore(path string) *BlobStore {
	observability.EnsureRegistered()
	return &BlobStore{path: path}
}

func (s *BlobStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return s.db, nil
	}

	if s.path != ":memory:" && !strings.HasPrefix(s.path, "file:") {
		if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			conversation_history TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);
		CREATE TRIGGER IF NOT EXISTS update_sessions_timestamp
		AFTER UPDATE ON sessions
		BEGIN
			UPDATE sessions SET updated_at = CURRENT_TIMESTAMP
			WHERE session_id = NEW.session_id;
		END;
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.db = db
	log.Debug().Str("path", s.path).Msg("Session blob database opened")

	return db, nil
}

// Load returns the session's history. Absent sessions, an unreachable
// database, and a corrupt history document all degrade to an empty
// history.
func (s *BlobStore) Load(ctx context.Context, sessionID string) ([]Item, error) {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.load",
		attribute.String("session_id", sessionID),
		attribute.String("backend", blobBackend),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(blobBackend, time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		return []Item{}, nil
	}

	db, err := s.conn()
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Session database unavailable, returning empty history")
		return []Item{}, nil
	}

	var blob []byte
	err = db.QueryRowContext(ctx,
		"SELECT conversation_history FROM sessions WHERE session_id = ?",
		sessionID,
	).Scan(&blob)
	if err == sql.ErrNoRows {
		return []Item{}, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		}
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to read session history, returning empty history")
		return []Item{}, nil
	}

	items, ok := decodeHistory(blob)
	if !ok {
		observability.RecordCorruptPayload(blobBackend)
		log.Warn().Str("session_id", sessionID).Msg("Corrupt history document, returning empty history")
		return []Item{}, nil
	}

	return items, nil
}

// Save replaces the session's history with items. Saving an empty history
// removes the session.
func (s *BlobStore) Save(ctx context.Context, sessionID string, items []Item) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.save",
		attribute.String("session_id", sessionID),
		attribute.String("backend", blobBackend),
		attribute.Int("items", len(items)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(blobBackend, "save", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(blobBackend, "save")
		return err
	}

	if err := ValidateSessionID(sessionID); err != nil {
		return fail(err)
	}
	if err := validateItems(items); err != nil {
		return fail(err)
	}

	db, err := s.conn()
	if err != nil {
		return fail(err)
	}

	if len(items) == 0 {
		if _, err := db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
			return fail(fmt.Errorf("failed to clear session: %w", err))
		}
		return nil
	}

	blob, err := json.Marshal(items)
	if err != nil {
		return fail(fmt.Errorf("failed to encode history: %w", err))
	}

	if _, err := db.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (session_id, conversation_history) VALUES (?, ?)",
		sessionID, string(blob),
	); err != nil {
		return fail(fmt.Errorf("failed to save session: %w", err))
	}

	log.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Msg("Session saved")

	return nil
}

// Append extends the session's history with items. The read and rewrite of
// the history document happen in one transaction.
func (s *BlobStore) Append(ctx context.Context, sessionID string, items []Item) error {
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.append",
		attribute.String("session_id", sessionID),
		attribute.String("backend", blobBackend),
		attribute.Int("items", len(items)),
	)
	defer span.End()
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(blobBackend, "append", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(blobBackend, "append")
		return err
	}

	if err := ValidateSessionID(sessionID); err != nil {
		return fail(err)
	}
	if err := validateItems(items); err != nil {
		return fail(err)
	}
	if len(items) == 0 {
		return nil
	}

	db, err := s.conn()
	if err != nil {
		return fail(err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	existing := []Item{}
	var blob []byte
	err = tx.QueryRowContext(ctx,
		"SELECT conversation_history FROM sessions WHERE session_id = ?",
		sessionID,
	).Scan(&blob)
	switch {
	case err == sql.ErrNoRows:
		// Fresh session.
	case err != nil:
		return fail(fmt.Errorf("failed to read existing history: %w", err))
	default:
		decoded, ok := decodeHistory(blob)
		if !ok {
			// A corrupt document reads as empty, so the append starts over.
			observability.RecordCorruptPayload(blobBackend)
			log.Warn().Str("session_id", sessionID).Msg("Corrupt history document, restarting history")
		} else {
			existing = decoded
		}
	}

	updated, err := json.Marshal(append(existing, items...))
	if err != nil {
		return fail(fmt.Errorf("failed to encode history: %w", err))
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT OR REPLACE INTO sessions (session_id, conversation_history) VALUES (?, ?)",
		sessionID, string(updated),
	); err != nil {
		return fail(fmt.Errorf("failed to write history: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("failed to commit append: %w", err))
	}

	return nil
}

// Clear removes all history for the session. Clearing an absent session
// succeeds.
func (s *BlobStore) Clear(ctx context.Context, sessionID string) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(blobBackend, "clear", time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		observability.RecordStoreError(blobBackend, "clear")
		return err
	}

	db, err := s.conn()
	if err != nil {
		observability.RecordStoreError(blobBackend, "clear")
		return err
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM sessions WHERE session_id = ?", sessionID); err != nil {
		observability.RecordStoreError(blobBackend, "clear")
		return fmt.Errorf("failed to clear session: %w", err)
	}

	log.Debug().Str("session_id", sessionID).Msg("Session cleared")

	return nil
}

// ListSessions returns all sessions with persisted history, most recently
// modified first.
func (s *BlobStore) ListSessions(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	// rowid breaks CURRENT_TIMESTAMP ties; a replaced row gets a fresh one.
	rows, err := db.QueryContext(ctx,
		"SELECT session_id FROM sessions ORDER BY updated_at DESC, rowid DESC",
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan session id: %w", err)
		}
		sessions = append(sessions, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	observability.SetActiveSessions(len(sessions))

	return sessions, nil
}

// Exists reports whether the session has persisted history.
func (s *BlobStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	db, err := s.conn()
	if err != nil {
		return false, err
	}

	var one int
	err = db.QueryRowContext(ctx,
		"SELECT 1 FROM sessions WHERE session_id = ? LIMIT 1",
		sessionID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}

	return true, nil
}

// Close releases the database handle. The next operation reopens it.
func (s *BlobStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// decodeHistory parses a stored history document. ok is false when the
// document is not a JSON array.
func decodeHistory(blob []byte) ([]Item, bool) {
	items := []Item{}
	if err := json.Unmarshal(blob, &items); err != nil {
		return nil, false
	}
	return items, true
}
