// Package farmsqlite provides the offline-first client core for farmsync:
// a durable SQLite-backed queue of pending record mutations, a background
// sync engine that drains the queue against the remote upsert gateway, and
// a status surface for user feedback and manual recovery.
//
// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Queue record statuses. A record is created as pending, claimed by the
// engine as syncing, and ends up synced (terminal) or failed (retryable,
// possibly conflicted).
const (
	StatusPending = "pending"
	StatusSyncing = "syncing"
	StatusFailed  = "failed"
	StatusSynced  = "synced"
)

// QueueRecord is a pending or historical mutation intent.
// ID is the client-assigned idempotency key and doubles as the record's
// identity both locally and in the remote upsert call.
type QueueRecord struct {
	ID            string          `json:"id"`
	Table         string          `json:"table"`
	Payload       json.RawMessage `json:"payload"`
	Status        string          `json:"status"`
	Retries       int             `json:"retries"`
	CreatedAt     time.Time       `json:"created_at"`
	ConflictFlag  bool            `json:"conflict_flag"`
	ServerPayload json.RawMessage `json:"server_payload,omitempty"`
}

// NewIdempotencyKey returns a fresh client-assigned idempotency key.
// The same value must be used as the queue record ID and as the "id" field
// embedded in the payload; the remote gateway collapses repeated submissions
// carrying the same key into a single effective write.
func NewIdempotencyKey() string {
	return uuid.New().String()
}

// EmbeddedKey extracts the idempotency key field from a record payload.
func EmbeddedKey(payload json.RawMessage) (string, error) {
	var fields struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return "", fmt.Errorf("failed to parse payload: %w", err)
	}
	if fields.ID == "" {
		return "", fmt.Errorf("payload has no embedded idempotency key")
	}
	return fields.ID, nil
}

// withRefreshedTimestamp returns a copy of payload with its updated_at field
// set to now. Used by the keep-local conflict resolution path so the
// re-submitted record wins the server's last-writer comparison.
func withRefreshedTimestamp(payload json.RawMessage, now time.Time) (json.RawMessage, error) {
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}
	fields["updated_at"] = now.UTC().Format(time.RFC3339Nano)
	refreshed, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	return refreshed, nil
}
