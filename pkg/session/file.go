package session

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mnemokit/mnemo/internal/observability"
	"github.com/mnemokit/mnemo/internal/tracing"
)

const fileBackend = "file"

// maxItemLine bounds a single history line when scanning JSONL files.
const maxItemLine = 16 * 1024 * 1024

// FileStore keeps each session as a JSONL file, one item per line, under a
// single directory. Appends are O_APPEND writes; saves go through a temp
// file and rename so a crash never leaves a half-written history behind.
//
// A failed append can persist a leading subset of the batch; the trailing
// partial line, if any, is skipped on the next load.
type FileStore struct {
	dir   string
	locks *keyedMutex
}

// NewFileStore creates a store that keeps session files under dir. The
// directory is created on first write.
func NewFileStore(dir string) *FileStore {
	observability.EnsureRegistered()
	return &FileStore{
		dir:   dir,
		locks: newKeyedMutex(),
	}
}

func (s *FileStore) sessionPath(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".jsonl")
}

// Load returns the session's history in append order. A missing file, an
// unreadable file, and undecodable lines all degrade to an empty history.
func (s *FileStore) Load(ctx context.Context, sessionID string) ([]Item, error) {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.load",
		attribute.String("session_id", sessionID),
		attribute.String("backend", fileBackend),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreLoad(fileBackend, time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		logger.Debug().Err(err).Msg("Load with invalid session id")
		return []Item{}, nil
	}

	if err := ctx.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	file, err := os.Open(s.sessionPath(sessionID))
	if os.IsNotExist(err) {
		return []Item{}, nil
	}
	if err != nil {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to open session file, returning empty history")
		return []Item{}, nil
	}
	defer file.Close()

	items := []Item{}
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), maxItemLine)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Text()

		if line == "" {
			continue
		}

		if !validItem([]byte(line)) {
			observability.RecordCorruptPayload(fileBackend)
			logger.Warn().
				Str("session_id", sessionID).
				Int("line", lineNum).
				Msg("Failed to parse line, skipping")
			continue
		}

		items = append(items, Item(line))
	}

	if err := scanner.Err(); err != nil {
		// Keep what was readable.
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("History read ended early")
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Msg("Session loaded")

	return items, nil
}

// Save replaces the session's history with items. The new history is
// written to a temp file, synced, and renamed over the old one. Saving an
// empty history removes the session file.
func (s *FileStore) Save(ctx context.Context, sessionID string, items []Item) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.save",
		attribute.String("session_id", sessionID),
		attribute.String("backend", fileBackend),
		attribute.Int("items", len(items)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(fileBackend, "save", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(fileBackend, "save")
		return err
	}

	if err := ValidateSessionID(sessionID); err != nil {
		return fail(err)
	}
	if err := validateItems(items); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	lock := s.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sessionPath := s.sessionPath(sessionID)

	if len(items) == 0 {
		if err := os.Remove(sessionPath); err != nil && !os.IsNotExist(err) {
			return fail(fmt.Errorf("failed to remove session file: %w", err))
		}
		return nil
	}

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fail(fmt.Errorf("failed to create sessions directory: %w", err))
	}

	buf, err := encodeLines(items)
	if err != nil {
		return fail(err)
	}

	tempPath := sessionPath + ".tmp"
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fail(fmt.Errorf("failed to create temp file: %w", err))
	}

	if _, err := file.Write(buf); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fail(fmt.Errorf("failed to write session file: %w", err))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fail(fmt.Errorf("failed to sync session file: %w", err))
	}
	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fail(fmt.Errorf("failed to close session file: %w", err))
	}

	if err := os.Rename(tempPath, sessionPath); err != nil {
		os.Remove(tempPath)
		return fail(fmt.Errorf("failed to replace session file: %w", err))
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Msg("Session saved")

	return nil
}

// Append extends the session's history with items, written as one buffered
// O_APPEND write.
func (s *FileStore) Append(ctx context.Context, sessionID string, items []Item) error {
	ctx = tracing.WithSessionID(ctx, sessionID)
	ctx, span := tracing.StartSpan(
		ctx,
		"mnemo.session",
		"session.append",
		attribute.String("session_id", sessionID),
		attribute.String("backend", fileBackend),
		attribute.Int("items", len(items)),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, log.Logger)
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(fileBackend, "append", time.Since(start))
	}()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordStoreError(fileBackend, "append")
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
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	lock := s.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return fail(fmt.Errorf("failed to create sessions directory: %w", err))
	}

	buf, err := encodeLines(items)
	if err != nil {
		return fail(err)
	}

	file, err := os.OpenFile(s.sessionPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return fail(fmt.Errorf("failed to open session file: %w", err))
	}
	defer file.Close()

	if _, err := file.Write(buf); err != nil {
		return fail(fmt.Errorf("failed to append to session file: %w", err))
	}
	if err := file.Sync(); err != nil {
		return fail(fmt.Errorf("failed to sync session file: %w", err))
	}

	logger.Debug().
		Str("session_id", sessionID).
		Int("items", len(items)).
		Msg("Items appended")

	return nil
}

// Clear removes the session file. Clearing an absent session succeeds.
func (s *FileStore) Clear(ctx context.Context, sessionID string) error {
	start := time.Now()
	defer func() {
		observability.RecordStoreWrite(fileBackend, "clear", time.Since(start))
	}()

	if err := ValidateSessionID(sessionID); err != nil {
		observability.RecordStoreError(fileBackend, "clear")
		return err
	}

	lock := s.locks.get(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(s.sessionPath(sessionID)); err != nil && !os.IsNotExist(err) {
		observability.RecordStoreError(fileBackend, "clear")
		return fmt.Errorf("failed to remove session file: %w", err)
	}

	log.Debug().Str("session_id", sessionID).Msg("Session cleared")

	return nil
}

// ListSessions returns all sessions with a history file, most recently
// modified first.
func (s *FileStore) ListSessions(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	type sessionFile struct {
		id      string
		modTime time.Time
	}

	files := []sessionFile{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.Size() == 0 {
			continue
		}
		files = append(files, sessionFile{
			id:      strings.TrimSuffix(name, ".jsonl"),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].id < files[j].id
		}
		return files[i].modTime.After(files[j].modTime)
	})

	sessions := make([]string, 0, len(files))
	for _, f := range files {
		sessions = append(sessions, f.id)
	}

	observability.SetActiveSessions(len(sessions))

	return sessions, nil
}

// Exists reports whether the session has at least one persisted item.
func (s *FileStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return false, err
	}

	info, err := os.Stat(s.sessionPath(sessionID))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to stat session file: %w", err)
	}

	return info.Size() > 0, nil
}

// Close is a no-op; files are opened per operation.
func (s *FileStore) Close() error {
	return nil
}

// encodeLines renders items as compact JSONL, one item per line.
func encodeLines(items []Item) ([]byte, error) {
	var buf bytes.Buffer
	for i, item := range items {
		var line bytes.Buffer
		if err := json.Compact(&line, item); err != nil {
			return nil, fmt.Errorf("failed to encode item %d: %w", i, err)
		}
		buf.Write(line.Bytes())
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}
