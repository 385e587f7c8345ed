// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DisplayState is the single state the status badge shows, derived from
// connectivity and queue counts. Offline takes priority, then failed, then
// syncing (anything pending), then synced.
type DisplayState string

const (
	StateOffline DisplayState = "offline"
	StateFailed  DisplayState = "failed"
	StateSyncing DisplayState = "syncing"
	StateSynced  DisplayState = "synced"
)

// Snapshot is one observation of queue health.
type Snapshot struct {
	State   DisplayState `json:"state"`
	Pending int          `json:"pending"`
	Failed  int          `json:"failed"`
}

// StatusMonitor is a reactive view over queue state for user feedback and
// manual control. It refreshes on the store's change signal and keeps
// interval polling only as a fallback safety net.
type StatusMonitor struct {
	store    *Store
	engine   *Engine
	logger   *slog.Logger
	interval time.Duration

	// OnChange, if set before Run, is invoked whenever the snapshot changes.
	OnChange func(Snapshot)

	mu   sync.RWMutex
	last Snapshot
}

// NewStatusMonitor creates a monitor over the given queue and engine.
// interval is the polling fallback period; zero selects 5s.
func NewStatusMonitor(store *Store, engine *Engine, interval time.Duration, logger *slog.Logger) (*StatusMonitor, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusMonitor{
		store:    store,
		engine:   engine,
		logger:   logger,
		interval: interval,
		last:     Snapshot{State: StateSynced},
	}, nil
}

// Run refreshes the snapshot until ctx is cancelled. It blocks; callers run
// it in a goroutine next to the engine.
func (m *StatusMonitor) Run(ctx context.Context) {
	m.refresh(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.store.Changes():
		case <-ticker.C:
		}
		m.refresh(ctx)
	}
}

// Snapshot returns the last observed queue health.
func (m *StatusMonitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Refresh recomputes the snapshot immediately and returns it.
func (m *StatusMonitor) Refresh(ctx context.Context) Snapshot {
	m.refresh(ctx)
	return m.Snapshot()
}

func (m *StatusMonitor) refresh(ctx context.Context) {
	pending, failed, err := m.store.Counts(ctx)
	if err != nil {
		m.logger.Warn("Failed to read queue counts", "error", err)
		return
	}

	snapshot := Snapshot{Pending: pending, Failed: failed}
	switch {
	case !m.engine.Online():
		snapshot.State = StateOffline
	case failed > 0:
		snapshot.State = StateFailed
	case pending > 0:
		snapshot.State = StateSyncing
	default:
		snapshot.State = StateSynced
	}

	m.mu.Lock()
	changed := snapshot != m.last
	m.last = snapshot
	m.mu.Unlock()

	if changed && m.OnChange != nil {
		m.OnChange(snapshot)
	}
}

// ForceSync invokes the engine drain immediately regardless of timer phase.
func (m *StatusMonitor) ForceSync(ctx context.Context) error {
	return m.engine.SyncNow(ctx)
}

// RetryRecord re-enqueues one record with its existing table and payload,
// then force-syncs. Re-enqueueing resets the retry count, so records that
// exhausted the automatic ceiling become eligible again.
func (m *StatusMonitor) RetryRecord(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := m.store.Enqueue(ctx, rec.ID, rec.Table, rec.Payload); err != nil {
		return err
	}
	return m.engine.SyncNow(ctx)
}

// RetryAllFailed re-enqueues every failed record, then force-syncs once.
// Safe to invoke repeatedly.
func (m *StatusMonitor) RetryAllFailed(ctx context.Context) error {
	failed, err := m.store.GetFailed(ctx)
	if err != nil {
		return err
	}
	for _, rec := range failed {
		if _, err := m.store.Enqueue(ctx, rec.ID, rec.Table, rec.Payload); err != nil {
			return err
		}
	}
	if len(failed) == 0 {
		return nil
	}
	return m.engine.SyncNow(ctx)
}

// KeepLocal resolves a conflict in favor of the local copy: the payload's
// updated_at is refreshed so the re-submission wins the server's last-writer
// comparison, the conflict flag is cleared by the re-enqueue, and a drain is
// forced.
func (m *StatusMonitor) KeepLocal(ctx context.Context, id string) error {
	rec, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}
	refreshed, err := withRefreshedTimestamp(rec.Payload, time.Now())
	if err != nil {
		return fmt.Errorf("failed to refresh payload for %s: %w", id, err)
	}
	if _, err := m.store.Enqueue(ctx, rec.ID, rec.Table, refreshed); err != nil {
		return err
	}
	return m.engine.SyncNow(ctx)
}

// KeepServer resolves a conflict in favor of the server's copy: the record
// is marked synced directly, discarding the local payload without another
// gateway call.
func (m *StatusMonitor) KeepServer(ctx context.Context, id string) error {
	return m.store.MarkSynced(ctx, id)
}
