// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SyncService provides the conflict-aware idempotent upsert entry point.
// A write carrying a previously-seen idempotency key is a no-op success that
// returns the already-stored row; a concurrent update from another session
// is reported back with a conflict marker instead of being overwritten.
type SyncService struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	config *ServiceConfig

	registeredTables map[string]bool

	mu     sync.RWMutex
	closed bool
}

// ServiceConfig holds configuration for the gateway service.
type ServiceConfig struct {
	AppName          string          // Application name for logging/status
	RegisteredTables []string        // Logical tables allowed in upserts (required)
	MaxPayloadBytes  int             // Maximum JSON payload size per upsert (0 = unlimited)
	TxRetryAttempts  int             // Attempts for retryable PG tx errors (default 3)
	Metrics          MetricsRecorder // Optional upsert outcome metrics sink
}

// DefaultTables are the logical collections of the farm record-keeping app.
var DefaultTables = []string{"parcels", "harvests", "sales", "expenses"}

// NewSyncService creates the gateway service and initializes its sidecar
// schema. The caller owns the pool lifecycle.
func NewSyncService(pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil {
		config = &ServiceConfig{AppName: "farmsync-gateway", RegisteredTables: DefaultTables}
	}
	if len(config.RegisteredTables) == 0 {
		config.RegisteredTables = DefaultTables
	}
	if config.TxRetryAttempts <= 0 {
		config.TxRetryAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}

	service := &SyncService{
		pool:             pool,
		logger:           logger,
		config:           config,
		registeredTables: make(map[string]bool),
	}
	for _, table := range config.RegisteredTables {
		service.registeredTables[strings.ToLower(table)] = true
	}

	ctx := context.Background()
	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return service.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync service: %w", err)
	}

	return service, nil
}

// Close shuts down the service. Safe to call multiple times; the pool is not
// closed, the caller is responsible for it.
func (s *SyncService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.logger.Debug("Shutting down sync service")
	s.closed = true
	return nil
}

// Pool returns the underlying database connection pool.
func (s *SyncService) Pool() *pgxpool.Pool {
	return s.pool
}

// IsTableRegistered checks whether a logical table is allowed in upserts.
func (s *SyncService) IsTableRegistered(table string) bool {
	return s.registeredTables[strings.ToLower(table)]
}

// RegisteredTables returns the allowed logical tables.
func (s *SyncService) RegisteredTables() []string {
	tables := make([]string, 0, len(s.registeredTables))
	for table := range s.registeredTables {
		tables = append(tables, table)
	}
	return tables
}

func (s *SyncService) checkClosed() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// ProcessUpsert applies one record mutation for the authenticated tenant.
//
// Outcomes:
//   - row absent: insert, return the stored row;
//   - row present and the incoming write is not older than the stored one,
//     or is a retry from the same source: upsert/no-op, return the stored row;
//   - row present, incoming write older and last writer was a different
//     source: soft conflict, return the stored row with the conflict marker;
//   - two inserts racing on the same key: the loser sees ErrDuplicate
//     (Postgres 23505), which clients treat as already-synced.
func (s *SyncService) ProcessUpsert(ctx context.Context, tenantID, sourceID string, req *UpsertRequest) (*UpsertResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}

	start := time.Now()
	fields, updatedAt, err := s.validateRequest(tenantID, req)
	if err != nil {
		s.observeUpsert(ctx, req, OutcomeInvalid, start)
		return nil, err
	}
	table := strings.ToLower(strings.TrimSpace(req.TableName))

	var response *UpsertResponse
	attempts := s.config.TxRetryAttempts
	for attempt := 1; ; attempt++ {
		response, err = s.upsertOnce(ctx, tenantID, sourceID, table, fields.ID, req.Payload, updatedAt)
		if err == nil || !isRetryablePGTxError(err) || attempt >= attempts {
			break
		}
		s.logger.Warn("Retrying upsert after transient database error",
			"error", err, "table", table, "record_id", fields.ID, "attempt", attempt)
		if serr := sleepWithContext(ctx, time.Duration(attempt)*50*time.Millisecond); serr != nil {
			return nil, serr
		}
	}

	switch {
	case err != nil && isUniqueViolation(err):
		s.observeUpsert(ctx, req, OutcomeDuplicate, start)
		return nil, fmt.Errorf("%w: %s.%s", ErrDuplicate, table, fields.ID)
	case err != nil:
		s.observeUpsert(ctx, req, OutcomeError, start)
		return nil, err
	case response.Conflict:
		s.observeUpsert(ctx, req, OutcomeConflict, start)
	default:
		s.observeUpsert(ctx, req, OutcomeApplied, start)
	}
	return response, nil
}

// writeDecision is the outcome of comparing an incoming write against the
// stored row.
type writeDecision int

const (
	writeApply    writeDecision = iota // incoming write is newer; store it
	writeNoop                          // stale retry; keep the stored row
	writeConflict                      // concurrent edit; report, never overwrite
)

// decideWrite implements the last-writer comparison. An incoming write that
// is older than the stored row and came from a different client session is a
// concurrent edit; an older or equal write from the same session is a retry
// of something already applied and collapses to a no-op.
func decideWrite(incomingUpdatedAt, storedUpdatedAt time.Time, incomingSource, storedSource string) writeDecision {
	if incomingUpdatedAt.Before(storedUpdatedAt) && storedSource != incomingSource {
		return writeConflict
	}
	if !incomingUpdatedAt.After(storedUpdatedAt) {
		return writeNoop
	}
	return writeApply
}

// upsertOnce runs one upsert transaction. The row lock taken by the initial
// SELECT serializes concurrent writers of the same record; racing inserts of
// a missing row are resolved by the primary key instead.
func (s *SyncService) upsertOnce(ctx context.Context, tenantID, sourceID, table, recordID string, payload json.RawMessage, updatedAt time.Time) (*UpsertResponse, error) {
	var response *UpsertResponse

	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		var (
			storedPayload   json.RawMessage
			storedUpdatedAt time.Time
			storedSourceID  string
		)
		err := tx.QueryRow(ctx, `
			SELECT payload, updated_at, source_id
			FROM farmsync.records
			WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3
			FOR UPDATE
		`, tenantID, table, recordID).Scan(&storedPayload, &storedUpdatedAt, &storedSourceID)

		if errors.Is(err, pgx.ErrNoRows) {
			_, err = tx.Exec(ctx, `
				INSERT INTO farmsync.records (tenant_id, table_name, record_id, payload, updated_at, source_id)
				VALUES ($1, $2, $3, $4, $5, $6)
			`, tenantID, table, recordID, payload, updatedAt, sourceID)
			if err != nil {
				return fmt.Errorf("failed to insert record: %w", err)
			}
			response = &UpsertResponse{Row: payload}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read record: %w", err)
		}

		switch decideWrite(updatedAt, storedUpdatedAt, sourceID, storedSourceID) {
		case writeConflict:
			response = &UpsertResponse{Row: storedPayload, Conflict: true}
			return nil
		case writeNoop:
			response = &UpsertResponse{Row: storedPayload}
			return nil
		}

		_, err = tx.Exec(ctx, `
			UPDATE farmsync.records
			SET payload = $4, updated_at = $5, source_id = $6, server_updated_at = now()
			WHERE tenant_id = $1 AND table_name = $2 AND record_id = $3
		`, tenantID, table, recordID, payload, updatedAt, sourceID)
		if err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		response = &UpsertResponse{Row: payload}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (s *SyncService) observeUpsert(ctx context.Context, req *UpsertRequest, outcome string, start time.Time) {
	if s.config.Metrics == nil {
		return
	}
	table := ""
	if req != nil {
		table = strings.ToLower(strings.TrimSpace(req.TableName))
	}
	s.config.Metrics.ObserveUpsert(ctx, UpsertTiming{
		Table:    table,
		Outcome:  outcome,
		Duration: time.Since(start),
	})
}
