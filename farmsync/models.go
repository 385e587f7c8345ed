// Package farmsync implements the remote upsert gateway for the farmsync
// record-keeping application: a Postgres-backed, conflict-aware idempotent
// upsert service keyed by client-assigned idempotency keys, plus the HTTP
// surface clients talk to.
//
// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"errors"
)

// REST/JSON models for the gateway API.

// UpsertRequest carries a single record mutation from a client.
// Payload always embeds the idempotency key ("id"), the tenant scope
// ("tenant_id") and an "updated_at" timestamp.
type UpsertRequest struct {
	TableName string          `json:"table_name"`
	Payload   json.RawMessage `json:"payload"`
}

// UpsertResponse is the gateway's success response: the stored row, plus a
// conflict marker when a concurrent write from another session was detected
// and the gateway chose to report it rather than silently overwrite.
type UpsertResponse struct {
	Row      json.RawMessage `json:"row"`
	Conflict bool            `json:"conflict,omitempty"`
}

// ErrorResponse is the standardized error envelope. Error carries a stable
// machine-readable code; clients classify outcomes by it.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// StatusResponse reports gateway health.
type StatusResponse struct {
	Status           string   `json:"status"`
	AppName          string   `json:"app_name"`
	RegisteredTables []string `json:"registered_tables"`
}

// Machine-readable error codes carried in ErrorResponse.Error.
// CodeUniqueViolation is the hard-duplicate signature: the same logical
// entity was durably applied already, so callers treat it as success.
const (
	CodeUniqueViolation      = "unique_violation"
	CodeUnregisteredTable    = "unregistered_table"
	CodeBadPayload           = "bad_payload"
	CodeTenantMismatch       = "tenant_mismatch"
	CodeInvalidRequest       = "invalid_request"
	CodeAuthenticationFailed = "authentication_failed"
	CodeMethodNotAllowed     = "method_not_allowed"
	CodeUpsertFailed         = "upsert_failed"
)

// Sentinel errors returned by SyncService, mapped to HTTP statuses and error
// codes by the handlers.
var (
	ErrUnregisteredTable = errors.New("table not registered for sync")
	ErrBadPayload        = errors.New("payload is missing required sync fields")
	ErrTenantMismatch    = errors.New("payload tenant does not match authenticated tenant")
	ErrDuplicate         = errors.New("record already exists")
	ErrClosed            = errors.New("sync service has been closed")
)
