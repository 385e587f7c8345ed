// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// recordFields is the envelope every synced payload must carry regardless of
// the business columns of its logical table.
type recordFields struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	UpdatedAt string `json:"updated_at"`
}

// validateRequest checks table registration and the payload sync envelope,
// and returns the parsed envelope fields.
func (s *SyncService) validateRequest(tenantID string, req *UpsertRequest) (*recordFields, time.Time, error) {
	if req == nil {
		return nil, time.Time{}, fmt.Errorf("%w: nil request", ErrBadPayload)
	}

	table := strings.ToLower(strings.TrimSpace(req.TableName))
	if table == "" {
		return nil, time.Time{}, fmt.Errorf("%w: empty table_name", ErrBadPayload)
	}
	if !s.IsTableRegistered(table) {
		return nil, time.Time{}, fmt.Errorf("%w: %s", ErrUnregisteredTable, table)
	}

	if s.config.MaxPayloadBytes > 0 && len(req.Payload) > s.config.MaxPayloadBytes {
		return nil, time.Time{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrBadPayload, s.config.MaxPayloadBytes)
	}

	var fields recordFields
	if err := json.Unmarshal(req.Payload, &fields); err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if fields.ID == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing id", ErrBadPayload)
	}
	if fields.TenantID == "" {
		return nil, time.Time{}, fmt.Errorf("%w: missing tenant_id", ErrBadPayload)
	}
	if fields.TenantID != tenantID {
		return nil, time.Time{}, fmt.Errorf("%w: payload tenant %q", ErrTenantMismatch, fields.TenantID)
	}

	updatedAt, err := parseTimestamp(fields.UpdatedAt)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("%w: bad updated_at: %v", ErrBadPayload, err)
	}

	return &fields, updatedAt, nil
}

// parseTimestamp accepts the RFC3339 variants clients produce.
func parseTimestamp(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", value)
}
