// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A single connection keeps the in-memory database alive and shared.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	require.NoError(t, err)
	return store
}

func testPayload(id string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(
		`{"id":%q,"tenant_id":"farm-1","crop":"rye","updated_at":"2026-03-01T10:00:00Z"}`, id))
}

func TestEnqueueInsertsPending(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec, err := store.Enqueue(ctx, "k1", "harvests", testPayload("k1"))
	require.NoError(t, err)
	require.Equal(t, "k1", rec.ID)
	require.Equal(t, "harvests", rec.Table)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 0, rec.Retries)
	require.False(t, rec.ConflictFlag)
	require.False(t, rec.CreatedAt.IsZero())
}

func TestEnqueueRejectsMismatchedKey(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Enqueue(context.Background(), "k1", "harvests", testPayload("other"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "does not match")
}

func TestEnqueueReplacesInPlace(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, "k1", "harvests", testPayload("k1"))
	require.NoError(t, err)

	// Fail it and flag a conflict, then re-enqueue; the record must come back
	// pending with flag and server payload cleared and created_at preserved.
	_, err = store.MarkFailed(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, store.MarkConflict(ctx, "k1", json.RawMessage(`{"id":"k1"}`)))

	second, err := store.Enqueue(ctx, "k1", "harvests", testPayload("k1"))
	require.NoError(t, err)
	require.Equal(t, StatusPending, second.Status)
	require.Equal(t, 0, second.Retries)
	require.False(t, second.ConflictFlag)
	require.Nil(t, second.ServerPayload)
	require.True(t, second.CreatedAt.Equal(first.CreatedAt))

	// Exactly one record per id.
	pending, err := store.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestMarkTransitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "k1", "sales", testPayload("k1"))
	require.NoError(t, err)

	require.NoError(t, store.MarkSyncing(ctx, "k1"))
	rec, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusSyncing, rec.Status)

	retries, err := store.MarkFailed(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 1, retries)

	retries, err = store.MarkFailed(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 2, retries)

	require.NoError(t, store.MarkSynced(ctx, "k1"))
	rec, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)

	// No transition out of synced except an explicit re-enqueue.
	require.NoError(t, store.MarkSyncing(ctx, "k1"))
	retries, err = store.MarkFailed(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, 0, retries)
	rec, err = store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusSynced, rec.Status)
}

func TestMarkOpsAreNoOpsForMissingRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkSyncing(ctx, "ghost"))
	require.NoError(t, store.MarkSynced(ctx, "ghost"))
	require.NoError(t, store.MarkConflict(ctx, "ghost", json.RawMessage(`{}`)))
	require.NoError(t, store.Requeue(ctx, "ghost"))
	retries, err := store.MarkFailed(ctx, "ghost")
	require.NoError(t, err)
	require.Equal(t, 0, retries)
}

func TestMarkConflictStoresServerPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "k1", "parcels", testPayload("k1"))
	require.NoError(t, err)

	serverRow := json.RawMessage(`{"id":"k1","crop":"wheat"}`)
	require.NoError(t, store.MarkConflict(ctx, "k1", serverRow))

	rec, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rec.Status)
	require.True(t, rec.ConflictFlag)
	require.JSONEq(t, string(serverRow), string(rec.ServerPayload))
}

func TestGetPendingIsFIFO(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, id, "expenses", testPayload(id))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond) // distinct created_at
	}

	pending, err := store.GetPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	require.Equal(t, "a", pending[0].ID)
	require.Equal(t, "b", pending[1].ID)
	require.Equal(t, "c", pending[2].ID)
}

func TestRequeuePreservesRetries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "k1", "harvests", testPayload("k1"))
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "k1")
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "k1")
	require.NoError(t, err)

	require.NoError(t, store.Requeue(ctx, "k1"))
	rec, err := store.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
	require.Equal(t, 2, rec.Retries)
}

func TestFailedRecordsNeverDisappear(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, "k1", "harvests", testPayload("k1"))
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		_, err = store.MarkFailed(ctx, "k1")
		require.NoError(t, err)
	}

	failed, err := store.GetFailed(ctx)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	require.Equal(t, 7, failed[0].Retries)
}

func TestCounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := store.Enqueue(ctx, id, "sales", testPayload(id))
		require.NoError(t, err)
	}
	_, err := store.Enqueue(ctx, "c", "sales", testPayload("c"))
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, "c")
	require.NoError(t, err)

	pending, failed, err := store.Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, pending)
	require.Equal(t, 1, failed)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStaleSyncingResetOnOpen(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer db.Close()

	store, err := NewStore(db)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = store.Enqueue(ctx, "k1", "harvests", testPayload("k1"))
	require.NoError(t, err)
	require.NoError(t, store.MarkSyncing(ctx, "k1"))

	// Simulate an app restart over the same database file.
	reopened, err := NewStore(db)
	require.NoError(t, err)

	rec, err := reopened.Get(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, StatusPending, rec.Status)
}

func TestChangesSignalCoalesces(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := store.Enqueue(ctx, id, "sales", testPayload(id))
		require.NoError(t, err)
	}

	select {
	case <-store.Changes():
	default:
		t.Fatal("expected a buffered change notification")
	}

	// All three mutations coalesced into a single signal.
	select {
	case <-store.Changes():
		t.Fatal("expected notifications to coalesce")
	default:
	}
}
