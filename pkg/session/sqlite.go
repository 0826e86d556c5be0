package session

import (
	"context"
	"database/sql"
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

const sqliteBackend = "sqlite"

// SQLiteStore is the reference Store: one row per item in a SQLite
// database. Appends insert rows at the next per-session sequence index
// inside a single transaction, so incremental extension never rewrites
// existing history.
//
// The database handle opens lazily on first use and is released by Close;
// a closed store reopens on its next operation.
type SQLiteStore struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates a store backed by the database at path. The file
// and schema are created on first use. ":memory:" is accepted for an
// in-process database.
func NewSQLiteStore(path string) *SQLiteStore {
	observability.EnsureRegistered()
	return &SQLiteStore{path: path}
}

// conn returns the open database handle, opening it and creating the
// schema on first call.
func (s *SQLiteStore) conn() (*sql.DB, error) {
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

	// sqlite has a single writer; one pooled connection also keeps
	// :memory: databases coherent across operations.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initItemSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	s.db = db
	log.Debug().Str("path", s.path).Msg("Session database opened")

	return db, nil
}

func initItemSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS session_items (
			session_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			payload TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (session_id, seq)
		);
		CREATE INDEX IF NOT EXISTS idx_session_items_updated_at ON session_items(updated_at);
	`
	_, err := db.Exec(schema)
	return err
}

// Load returns the session's history in sequence order. Absent sessions,
// an unreachable database, and undecodable payloads all degrade to an
// empty history.
func (s *SQLiteStore) Load(ctx context.Context, sessionID string) ([]Item, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.load",
		attribute.String("session_id", sessionID),
		attribute.String("backend", sqliteBackend),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(sqliteBackend, time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		// An ID that can never be written has no history.
		logger.Debug().Err(err).Msg("Load with invalid session id")
		return []Item{}, nil
	}

	db, err := s.conn()
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Session database unavailable, returning empty history")
		return []Item{}, nil
	}

	rows, err := db.QueryContext(ctx,
		"SELECT payload FROM session_items WHERE session_id = ? ORDER BY seq ASC",
		sessionID,
	)
	if err != nil {
		if ctx.Err() != nil {
			span.RecordError(ctx.Err())
			span.SetStatus(codes.Error, ctx.Err().Error())
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to read session history, returning empty history")
		return []Item{}, nil
	}
	defer rows.Close()

	items := []Item{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to scan item row, skipping")
			continue
		}
		if !validItem(payload) {
			observability.RecordCorruptPayload(sqliteBackend)
			logger.Warn().Str("session_id", sessionID).Msg("Skipping undecodable item payload")
			continue
		}
		items = append(items, Item(payload))
	}
	if err := rows.Err(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("History read ended early")
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Msg("Session loaded")

	return items, nil
}

// Save replaces the session's entire history with items inside one
// transaction. Fresh sequence indices start at zero. Saving an empty
// history removes the session.
func (s *SQLiteStore) Save(ctx context.Context, sessionID string, items []Item) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.save",
		attribute.String("session_id", sessionID),
		attribute.String("backend", sqliteBackend),
		attribute.Int("items", len(items)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(sqliteBackend, "save", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(sqliteBackend, "save")
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

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("failed to begin transaction: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_items WHERE session_id = ?", sessionID); err != nil {
		return fail(fmt.Errorf("failed to delete existing history: %w", err))
	}

	if len(items) > 0 {
		if err := insertItems(ctx, tx, sessionID, 0, items); err != nil {
			return fail(err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("failed to commit save: %w", err))
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Msg("Session saved")

	return nil
}

// Append extends the session's history with items inside one transaction.
// Indices continue from the current per-session maximum; on failure no row
// from this call becomes visible.
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, items []Item) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.append",
		attribute.String("session_id", sessionID),
		attribute.String("backend", sqliteBackend),
		attribute.Int("items", len(items)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(sqliteBackend, "append", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(sqliteBackend, "append")
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

	// MAX(seq) is NULL for a fresh session; COALESCE starts it at zero.
	var next int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM session_items WHERE session_id = ?",
		sessionID,
	).Scan(&next); err != nil {
		return fail(fmt.Errorf("failed to compute next sequence index: %w", err))
	}

	if err := insertItems(ctx, tx, sessionID, next, items); err != nil {
		return fail(err)
	}

	if err := tx.Commit(); err != nil {
		return fail(fmt.Errorf("failed to commit append: %w", err))
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Int64("first_seq", next).
		Msg("Items appended")

	return nil
}

// Clear removes all history for the session. Clearing an absent session
// succeeds.
func (s *SQLiteStore) Clear(ctx context.Context, sessionID string) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.clear",
		attribute.String("session_id", sessionID),
		attribute.String("backend", sqliteBackend),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(sqliteBackend, "clear", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(sqliteBackend, "clear")
		return err
	}

	if err := ValidateSessionID(sessionID); err != nil {
		return fail(err)
	}

	db, err := s.conn()
	if err != nil {
		return fail(err)
	}

	if _, err := db.ExecContext(ctx, "DELETE FROM session_items WHERE session_id = ?", sessionID); err != nil {
		return fail(fmt.Errorf("failed to clear session: %w", err))
	}

	logger.Debug().Str("session_id", sessionID).Msg("Session cleared")

	return nil
}

// ListSessions returns all sessions with persisted items, most recently
// modified first.
func (s *SQLiteStore) ListSessions(ctx context.Context) ([]string, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx,
		"SELECT session_id FROM session_items GROUP BY session_id ORDER BY MAX(updated_at) DESC, session_id ASC",
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

// Exists reports whether the session has at least one persisted item.
func (s *SQLiteStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	db, err := s.conn()
	if err != nil {
		return false, err
	}

	var exists bool
	if err := db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM session_items WHERE session_id = ?)",
		sessionID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check session existence: %w", err)
	}

	return exists, nil
}

// Close releases the database handle. The store may be used again; the
// next operation reopens it.
func (s *SQLiteStore) Close() error {
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

	log.Debug().Str("path", s.path).Msg("Session database closed")

	return nil
}

// Maintain checkpoints the WAL and refreshes planner statistics. It never
// deletes history.
func (s *SQLiteStore) Maintain(ctx context.Context) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("failed to checkpoint WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA optimize"); err != nil {
		return fmt.Errorf("failed to run optimize: %w", err)
	}

	return nil
}

// insertItems writes items at consecutive sequence indices starting at
// first, inside the caller's transaction.
func insertItems(ctx context.Context, tx *sql.Tx, sessionID string, first int64, items []Item) error {
	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO session_items (session_id, seq, payload, updated_at) VALUES (?, ?, ?, ?)",
	)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixNano()
	for i, item := range items {
		if _, err := stmt.ExecContext(ctx, sessionID, first+int64(i), string(item), now); err != nil {
			return fmt.Errorf("failed to insert item %d: %w", i, err)
		}
	}

	return nil
}

// validateItems rejects payloads that would be skipped as corrupt on the
// next load.
func validateItems(items []Item) error {
	for i, item := range items {
		if !validItem(item) {
			return fmt.Errorf("item %d is not a valid JSON document", i)
		}
	}
	return nil
}
