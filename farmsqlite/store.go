// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned by Get when no record exists for the given id.
var ErrNotFound = errors.New("farmsqlite: record not found")

// Store is the durable local queue: a persistent, transactional table of
// QueueRecords keyed by idempotency key, surviving process restarts.
// All mutating operations either fully commit or leave the record unchanged.
type Store struct {
	db      *sql.DB
	writeMu sync.Mutex // Serialize write transactions to prevent SQLite locking issues
	changed chan struct{}
}

// NewStore initializes the queue schema on db and returns a Store.
// The database is put in WAL mode so readers are never blocked by the
// engine's write transactions.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS _sync_queue (
			id             TEXT PRIMARY KEY,
			table_name     TEXT NOT NULL,
			payload        TEXT NOT NULL,
			status         TEXT NOT NULL CHECK (status IN ('pending','syncing','failed','synced')),
			retries        INTEGER NOT NULL DEFAULT 0,
			created_at     TEXT NOT NULL,
			conflict_flag  INTEGER NOT NULL DEFAULT 0,
			server_payload TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON _sync_queue(status)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_queue_created_at ON _sync_queue(created_at)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create queue schema: %w", err)
		}
	}

	// Recover from a crash mid-drain: records left as syncing belong to no
	// live drain pass anymore and must become eligible again.
	if _, err := db.Exec(`UPDATE _sync_queue SET status = 'pending' WHERE status = 'syncing'`); err != nil {
		return nil, fmt.Errorf("failed to reset stale syncing records: %w", err)
	}

	return &Store{
		db:      db,
		changed: make(chan struct{}, 1),
	}, nil
}

// Changes returns a coalesced change signal: the channel receives at most one
// buffered notification covering any number of queue mutations. The status
// surface subscribes to it and keeps interval polling only as a fallback.
func (s *Store) Changes() <-chan struct{} {
	return s.changed
}

func (s *Store) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

// Enqueue inserts a new record with status pending, retries 0 and a fresh
// created_at. If a record with the same id already exists it is replaced in
// place: status reset to pending, conflict flag cleared, retries reset,
// created_at preserved so FIFO order reflects the original intent time.
// This is the path used by both first submission and manual re-submission
// (retry, keep-local conflict resolution).
func (s *Store) Enqueue(ctx context.Context, id, table string, payload json.RawMessage) (*QueueRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("id cannot be empty")
	}
	if table == "" {
		return nil, fmt.Errorf("table cannot be empty")
	}
	key, err := EmbeddedKey(payload)
	if err != nil {
		return nil, fmt.Errorf("invalid payload for %s: %w", id, err)
	}
	if key != id {
		return nil, fmt.Errorf("payload key %q does not match record id %q", key, id)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO _sync_queue (id, table_name, payload, status, retries, created_at, conflict_flag, server_payload)
		VALUES (?, ?, ?, 'pending', 0, ?, 0, NULL)
		ON CONFLICT(id) DO UPDATE SET
			table_name     = excluded.table_name,
			payload        = excluded.payload,
			status         = 'pending',
			retries        = 0,
			conflict_flag  = 0,
			server_payload = NULL
	`, id, table, string(payload), now)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s: %w", id, err)
	}

	s.notify()
	return s.Get(ctx, id)
}

// Requeue returns a failed record to pending while preserving its retry
// count. This is the engine's automatic-retry path; the monotonically
// increasing retry count is what drives backoff growth and the retry ceiling.
// No-op if the record no longer exists or already reached synced.
func (s *Store) Requeue(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'pending' WHERE id = ? AND status != 'synced'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify()
	}
	return nil
}

// MarkSyncing claims a record for an in-flight gateway call.
// Only the engine enters and leaves this state.
func (s *Store) MarkSyncing(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'syncing' WHERE id = ? AND status IN ('pending','failed')
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s syncing: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify()
	}
	return nil
}

// MarkSynced transitions a record to its terminal success state and clears
// any conflict leftovers. No-op if the record no longer exists.
func (s *Store) MarkSynced(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'synced', conflict_flag = 0, server_payload = NULL WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark %s synced: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify()
	}
	return nil
}

// MarkFailed transitions a record to failed and increments its retry count.
// Returns the new retry count, or 0 when the record no longer exists.
func (s *Store) MarkFailed(ctx context.Context, id string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue SET status = 'failed', retries = retries + 1 WHERE id = ? AND status != 'synced'
	`, id)
	if err != nil {
		return 0, fmt.Errorf("failed to mark %s failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, nil
	}

	var retries int
	if err := s.db.QueryRowContext(ctx, `SELECT retries FROM _sync_queue WHERE id = ?`, id).Scan(&retries); err != nil {
		return 0, fmt.Errorf("failed to read retries for %s: %w", id, err)
	}
	s.notify()
	return retries, nil
}

// MarkConflict transitions a record to failed with the conflict flag set and
// stores the server's version of the row for the resolution UI. The retry
// count is untouched: conflicts wait for a user decision, not for backoff.
func (s *Store) MarkConflict(ctx context.Context, id string, serverPayload json.RawMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE _sync_queue
		SET status = 'failed', conflict_flag = 1, server_payload = ?
		WHERE id = ? AND status != 'synced'
	`, string(serverPayload), id)
	if err != nil {
		return fmt.Errorf("failed to mark %s conflicted: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.notify()
	}
	return nil
}

// Get returns the record for id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*QueueRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, table_name, payload, status, retries, created_at, conflict_flag, server_payload
		FROM _sync_queue WHERE id = ?
	`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", id, err)
	}
	return rec, nil
}

// GetPending returns all pending records, oldest first.
func (s *Store) GetPending(ctx context.Context) ([]*QueueRecord, error) {
	return s.getByStatus(ctx, StatusPending)
}

// GetFailed returns all failed records, oldest first. Records that exhausted
// the retry ceiling remain here indefinitely; they are never silently dropped.
func (s *Store) GetFailed(ctx context.Context) ([]*QueueRecord, error) {
	return s.getByStatus(ctx, StatusFailed)
}

func (s *Store) getByStatus(ctx context.Context, status string) ([]*QueueRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, payload, status, retries, created_at, conflict_flag, server_payload
		FROM _sync_queue WHERE status = ?
		ORDER BY created_at ASC, rowid ASC
	`, status)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", status, err)
	}
	defer rows.Close()

	var records []*QueueRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating records: %w", err)
	}
	return records, nil
}

// Counts returns the number of pending and failed records.
func (s *Store) Counts(ctx context.Context) (pending, failed int, err error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM _sync_queue WHERE status IN ('pending','failed') GROUP BY status
	`)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return 0, 0, fmt.Errorf("failed to scan count: %w", err)
		}
		switch status {
		case StatusPending:
			pending = n
		case StatusFailed:
			failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("error iterating counts: %w", err)
	}
	return pending, failed, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*QueueRecord, error) {
	var (
		rec           QueueRecord
		payload       string
		createdAt     string
		conflictFlag  int
		serverPayload sql.NullString
	)
	if err := row.Scan(&rec.ID, &rec.Table, &payload, &rec.Status, &rec.Retries,
		&createdAt, &conflictFlag, &serverPayload); err != nil {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}
	rec.CreatedAt = ts
	rec.Payload = json.RawMessage(payload)
	rec.ConflictFlag = conflictFlag != 0
	if serverPayload.Valid {
		rec.ServerPayload = json.RawMessage(serverPayload.String)
	}
	return &rec, nil
}
