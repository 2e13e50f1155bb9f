// Package store implements Quill's durable session and burst persistence on
// an embedded SQLite database.
//
// Every mutating operation runs inside an explicit transaction; a failed
// write rolls back and leaves prior state untouched. The database is opened
// in WAL journal mode so that a committed burst survives a process crash and
// a crash mid-transaction never leaves a partial write visible. All access
// is serialised behind one mutex per Store; burst writes arrive at most
// once every 35 seconds, so correctness wins over throughput here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/quillaudio/quill/pkg/types"
)

// ErrClosed is returned by every operation after Close.
var ErrClosed = errors.New("store: database is closed")

// schema creates the tables and index on first open. Idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	created_at INTEGER NOT NULL,
	completed_at INTEGER,
	status TEXT NOT NULL DEFAULT 'recording',
	duration_ms INTEGER,
	transcript TEXT
);
CREATE TABLE IF NOT EXISTS bursts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	burst_index INTEGER NOT NULL,
	audio_blob BLOB NOT NULL,
	duration_ms INTEGER,
	created_at INTEGER NOT NULL,
	FOREIGN KEY (session_id) REFERENCES sessions(id)
);
CREATE INDEX IF NOT EXISTS idx_bursts_session
	ON bursts(session_id, burst_index);
`

// Store is the transactional persistence layer for sessions and bursts.
// All exported methods are safe for concurrent use.
type Store struct {
	mu     sync.Mutex
	db     *sql.DB
	closed bool
}

// Open opens (creating if necessary) the SQLite database at path, switches
// it to WAL journaling, enables foreign keys, and bootstraps the schema.
// The parent directory is created if it does not exist.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("store: database path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	// A single connection keeps transactions and pragmas on one handle;
	// the Store mutex serialises callers anyway.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database. Safe to call more than once.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// CreateSession inserts a new session in [types.StatusRecording] and returns
// its generated id.
func (s *Store) CreateSession(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", ErrClosed
	}

	id := uuid.NewString()
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (id, created_at, status) VALUES (?, ?, ?)`,
			id, time.Now().Unix(), types.StatusRecording.String(),
		)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("store: create session: %w", err)
	}
	return id, nil
}

// AddBurst persists one finalized burst. The caller (the capture engine)
// guarantees index uniqueness within a session; retrieval order is by index
// regardless of insertion order.
func (s *Store) AddBurst(ctx context.Context, sessionID string, index int, audio []byte, durationMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO bursts (session_id, burst_index, audio_blob, duration_ms, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			sessionID, index, audio, durationMS, time.Now().Unix(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: add burst %d for session %s: %w", index, sessionID, err)
	}
	return nil
}

// UpdateTranscript atomically sets the transcript, total duration,
// completion timestamp, and status=complete for a session.
func (s *Store) UpdateTranscript(ctx context.Context, sessionID, transcript string, durationMS int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET transcript = ?, duration_ms = ?, status = ?, completed_at = ?
			 WHERE id = ?`,
			transcript, durationMS, types.StatusComplete.String(), time.Now().Unix(), sessionID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: update transcript for session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateStatus sets the status of a session.
func (s *Store) UpdateStatus(ctx context.Context, sessionID string, status types.Status) error {
	if !status.IsValid() {
		return fmt.Errorf("store: invalid status %q", status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ? WHERE id = ?`,
			status.String(), sessionID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: update status for session %s: %w", sessionID, err)
	}
	return nil
}

// MarkFailed is shorthand for UpdateStatus(..., StatusFailed).
func (s *Store) MarkFailed(ctx context.Context, sessionID string) error {
	return s.UpdateStatus(ctx, sessionID, types.StatusFailed)
}

// GetSession returns the session with the given id, or (nil, nil) if no such
// session exists.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, created_at, completed_at, status, duration_ms, transcript
		 FROM sessions WHERE id = ?`, sessionID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get session %s: %w", sessionID, err)
	}
	return sess, nil
}

// ListSessions returns all sessions ordered by creation time, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]types.Session, error) {
	return s.querySessions(ctx,
		`SELECT id, created_at, completed_at, status, duration_ms, transcript
		 FROM sessions ORDER BY created_at DESC`)
}

// ListOrphaned returns sessions still in [types.StatusRecording], the input
// to startup crash recovery.
func (s *Store) ListOrphaned(ctx context.Context) ([]types.Session, error) {
	return s.querySessions(ctx,
		`SELECT id, created_at, completed_at, status, duration_ms, transcript
		 FROM sessions WHERE status = 'recording' ORDER BY created_at DESC`)
}

// GetBursts returns all bursts of a session ordered by index ascending.
func (s *Store) GetBursts(ctx context.Context, sessionID string) ([]types.Burst, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, burst_index, audio_blob, duration_ms, created_at
		 FROM bursts WHERE session_id = ? ORDER BY burst_index ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: query bursts for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var bursts []types.Burst
	for rows.Next() {
		var b types.Burst
		var durationMS sql.NullInt64
		var createdAt int64
		if err := rows.Scan(&b.SessionID, &b.Index, &b.Audio, &durationMS, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan burst: %w", err)
		}
		b.DurationMS = durationMS.Int64
		b.CreatedAt = time.Unix(createdAt, 0)
		bursts = append(bursts, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate bursts: %w", err)
	}
	return bursts, nil
}

// DeleteSession removes a session and all of its bursts in one transaction.
// Bursts are deleted first to respect referential integrity.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM bursts WHERE session_id = ?`, sessionID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`DELETE FROM sessions WHERE id = ?`, sessionID)
		return err
	})
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", sessionID, err)
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
// Callers must hold s.mu.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// querySessions runs a sessions SELECT and scans the result set.
func (s *Store) querySessions(ctx context.Context, query string) ([]types.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate sessions: %w", err)
	}
	return sessions, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanSession reads one sessions row into a types.Session.
func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	var createdAt int64
	var completedAt, durationMS sql.NullInt64
	var status string
	var transcript sql.NullString

	if err := row.Scan(&sess.ID, &createdAt, &completedAt, &status, &durationMS, &transcript); err != nil {
		return nil, err
	}

	sess.CreatedAt = time.Unix(createdAt, 0)
	if completedAt.Valid {
		sess.CompletedAt = time.Unix(completedAt.Int64, 0)
	}
	sess.Status = types.ParseStatus(status)
	sess.DurationMS = durationMS.Int64
	sess.Transcript = transcript.String
	return &sess, nil
}
