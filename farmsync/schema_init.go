// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchemaInTx creates the gateway's sidecar schema. Every synced
// record lives in one table keyed by (tenant, logical table, idempotency
// key); the primary key is what turns racing inserts of the same entity into
// a 23505 unique violation, which the API surfaces as a hard duplicate.
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS farmsync`,

		`CREATE TABLE IF NOT EXISTS farmsync.records (
			tenant_id         TEXT        NOT NULL,
			table_name        TEXT        NOT NULL,
			record_id         TEXT        NOT NULL,
			payload           JSONB       NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			source_id         TEXT        NOT NULL,
			server_updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (tenant_id, table_name, record_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_farmsync_records_tenant_updated
			ON farmsync.records (tenant_id, server_updated_at)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize gateway schema: %w", err)
		}
	}
	return nil
}
