// Package storage persists capture sessions in SQLite.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"live-recorder/internal/recorder"
)

// SQLiteStore implements recorder.SessionStore and recorder.SessionHistory
// on a single SQLite file.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens (creating if needed) the database at path and applies the
// schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &SQLiteStore{db: db, path: path}
	if err := s.initSchema(pctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS capture_sessions (
  session_id TEXT PRIMARY KEY,
  platform TEXT NOT NULL,
  channel TEXT NOT NULL,
  name TEXT NOT NULL,
  started_at_ns INTEGER NOT NULL,
  ended_at_ns INTEGER NOT NULL,
  output_path TEXT NOT NULL,
  status TEXT NOT NULL,
  error TEXT NOT NULL,
  archive_url TEXT NOT NULL DEFAULT '',
  archive_backup_url TEXT NOT NULL DEFAULT ''
);`,
		`CREATE INDEX IF NOT EXISTS capture_sessions_target ON capture_sessions(platform, channel, started_at_ns);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema: %w", err)
		}
	}
	return nil
}

// UpsertSession implements recorder.SessionStore.
func (s *SQLiteStore) UpsertSession(ctx context.Context, rec recorder.SessionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO capture_sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id) DO UPDATE SET
  name = excluded.name,
  ended_at_ns = excluded.ended_at_ns,
  output_path = excluded.output_path,
  status = excluded.status,
  error = excluded.error,
  archive_url = CASE WHEN excluded.archive_url != '' THEN excluded.archive_url ELSE archive_url END,
  archive_backup_url = CASE WHEN excluded.archive_url != '' THEN excluded.archive_backup_url ELSE archive_backup_url END`,
		rec.ID, rec.Platform, rec.Channel, rec.Name,
		unixNano(rec.StartedAt), unixNano(rec.EndedAt),
		rec.OutputPath, string(rec.Status), rec.Error,
		rec.ArchiveURL, rec.ArchiveBackupURL)
	if err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}
	return nil
}

// AttachArchive implements recorder.SessionStore.
func (s *SQLiteStore) AttachArchive(ctx context.Context, id string, a recorder.Archive) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE capture_sessions SET archive_url = ?, archive_backup_url = ?
WHERE session_id = ?`, a.URL, a.BackupURL, id)
	if err != nil {
		return fmt.Errorf("attach archive to %s: %w", id, err)
	}
	return nil
}

// Session loads one record. Unknown ids yield recorder.ErrSessionNotFound.
func (s *SQLiteStore) Session(ctx context.Context, id string) (recorder.SessionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+sessionColumns+`
FROM capture_sessions WHERE session_id = ?`, id)
	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.SessionRecord{}, recorder.ErrSessionNotFound
	}
	return rec, err
}

// RecentSessions returns up to limit records for one target, newest first.
func (s *SQLiteStore) RecentSessions(ctx context.Context, key recorder.TargetKey, limit int) ([]recorder.SessionRecord, error) {
	if limit <= 0 {
		limit = recorder.DefaultHistoryLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sessionColumns+`
FROM capture_sessions WHERE platform = ? AND channel = ?
ORDER BY started_at_ns DESC LIMIT ?`, key.Platform, key.Channel, limit)
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []recorder.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// MarkInterrupted flags sessions left in the recording state by a previous
// process that did not shut down cleanly. It returns how many were updated.
func (s *SQLiteStore) MarkInterrupted(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE capture_sessions SET status = ?, error = 'process exited during capture'
WHERE status = ?`, string(recorder.SessionFailed), string(recorder.SessionRecording))
	if err != nil {
		return 0, fmt.Errorf("mark interrupted sessions: %w", err)
	}
	return res.RowsAffected()
}

const sessionColumns = `session_id, platform, channel, name, started_at_ns, ended_at_ns, output_path, status, error, archive_url, archive_backup_url`

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (recorder.SessionRecord, error) {
	var (
		rec            recorder.SessionRecord
		status         string
		started, ended int64
	)
	if err := row.Scan(&rec.ID, &rec.Platform, &rec.Channel, &rec.Name, &started, &ended, &rec.OutputPath, &status, &rec.Error, &rec.ArchiveURL, &rec.ArchiveBackupURL); err != nil {
		return recorder.SessionRecord{}, fmt.Errorf("scan session: %w", err)
	}
	rec.Status = recorder.SessionStatus(status)
	rec.StartedAt = fromUnixNano(started)
	rec.EndedAt = fromUnixNano(ended)
	return rec, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}
