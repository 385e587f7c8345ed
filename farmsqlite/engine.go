// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Config holds configuration for the sync engine.
type Config struct {
	Interval     time.Duration // drain timer period
	RetryCeiling int           // automatic retry attempts before a record is left for manual handling
	BackoffMin   time.Duration // first network-failure retry delay
	BackoffMax   time.Duration // backoff cap
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:     30 * time.Second,
		RetryCeiling: 5,
		BackoffMin:   1 * time.Second,
		BackoffMax:   30 * time.Second,
	}
}

// Engine drives queue records toward synced whenever connectivity allows.
// It is constructed explicitly and owned by the application's composition
// root; lifecycle is tied to Start/Stop, not first use. All triggers (timer
// tick, connectivity regained, manual force-sync) funnel into one drain
// routine, and a reentrancy guard ensures at most one drain is in flight
// engine-wide; a trigger that arrives mid-drain is absorbed.
type Engine struct {
	store   *Store
	gateway Gateway
	config  *Config
	logger  *slog.Logger

	online   int32 // atomic: 1 = connected
	draining int32 // atomic reentrancy guard

	mu      sync.Mutex // guards lifecycle state below
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	kick    chan struct{}
	wg      sync.WaitGroup
}

// NewEngine creates a sync engine over the given queue and gateway.
// The engine starts in the online state; the platform's connectivity watcher
// should call SetOnline as conditions change.
func NewEngine(store *Store, gateway Gateway, config *Config, logger *slog.Logger) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gateway == nil {
		return nil, fmt.Errorf("gateway cannot be nil")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Interval <= 0 {
		config.Interval = 30 * time.Second
	}
	if config.RetryCeiling <= 0 {
		config.RetryCeiling = 5
	}
	if config.BackoffMin <= 0 {
		config.BackoffMin = 1 * time.Second
	}
	if config.BackoffMax < config.BackoffMin {
		config.BackoffMax = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:   store,
		gateway: gateway,
		config:  config,
		logger:  logger,
		online:  1,
		kick:    make(chan struct{}, 1),
	}, nil
}

// Start launches the background drain loop. A drain runs immediately, then
// on every timer tick and trigger until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	runCtx := e.ctx
	e.mu.Unlock()

	e.wg.Add(1)
	go e.run(runCtx)
	return nil
}

// Stop cancels the drain loop and any in-progress backoff sleeps, then waits
// for them to finish. Records mid-backoff simply stay failed; they are never
// lost and the next Start picks them up again.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.Interval)
	defer ticker.Stop()

	if err := e.drainOnce(ctx); err != nil {
		e.logger.Warn("Initial drain failed", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-e.kick:
		}
		if err := e.drainOnce(ctx); err != nil {
			e.logger.Warn("Drain failed", "error", err)
		}
	}
}

// Online reports the engine's current connectivity assumption.
func (e *Engine) Online() bool {
	return atomic.LoadInt32(&e.online) == 1
}

// SetOnline records a connectivity change. Transitioning from offline to
// online triggers a drain without further user action.
func (e *Engine) SetOnline(online bool) {
	var next int32
	if online {
		next = 1
	}
	prev := atomic.SwapInt32(&e.online, next)
	if prev == 0 && next == 1 {
		e.trigger()
	}
}

// trigger requests a drain from the background loop. Coalesced: if a kick is
// already queued the new one is absorbed.
func (e *Engine) trigger() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// SyncNow runs a drain pass immediately, regardless of timer phase. Safe to
// invoke repeatedly: if a drain is already in flight the call is a no-op.
func (e *Engine) SyncNow(ctx context.Context) error {
	return e.drainOnce(ctx)
}

// Submit is the UI-facing enqueue path: it assigns an idempotency key and an
// updated_at timestamp if absent, persists the record as pending, and nudges
// the engine. Returns the queued record.
func (e *Engine) Submit(ctx context.Context, table string, record map[string]any) (*QueueRecord, error) {
	if record == nil {
		return nil, fmt.Errorf("record cannot be nil")
	}
	id, _ := record["id"].(string)
	if id == "" {
		id = NewIdempotencyKey()
		record["id"] = id
	}
	if _, ok := record["updated_at"]; !ok {
		record["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	}

	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	queued, err := e.store.Enqueue(ctx, id, table, json.RawMessage(payload))
	if err != nil {
		return nil, err
	}
	e.trigger()
	return queued, nil
}

// drainOnce processes all eligible records strictly sequentially in
// ascending created_at order. Skipped entirely when offline or when another
// drain is already running.
func (e *Engine) drainOnce(ctx context.Context) error {
	if !e.Online() {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&e.draining, 0, 1) {
		return nil
	}
	defer atomic.StoreInt32(&e.draining, 0)

	pending, err := e.store.GetPending(ctx)
	if err != nil {
		return fmt.Errorf("failed to read pending records: %w", err)
	}
	failed, err := e.store.GetFailed(ctx)
	if err != nil {
		return fmt.Errorf("failed to read failed records: %w", err)
	}

	eligible := make([]*QueueRecord, 0, len(pending)+len(failed))
	for _, rec := range append(pending, failed...) {
		// Records past the retry ceiling stay visible as permanently failed;
		// conflicted records wait for an explicit user decision.
		if rec.Retries >= e.config.RetryCeiling {
			continue
		}
		if rec.ConflictFlag {
			continue
		}
		eligible = append(eligible, rec)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	for _, rec := range eligible {
		if ctx.Err() != nil {
			return nil
		}
		// A mid-drain disconnect stops the loop cleanly; the remaining
		// records are picked up when connectivity returns.
		if !e.Online() {
			return nil
		}
		if err := e.syncRecord(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// syncRecord pushes one record through the gateway and classifies the
// outcome. Only store failures propagate; gateway outcomes are absorbed into
// queue state so the original UI call site never sees them.
func (e *Engine) syncRecord(ctx context.Context, rec *QueueRecord) error {
	if err := e.store.MarkSyncing(ctx, rec.ID); err != nil {
		return err
	}

	result, err := e.gateway.Upsert(ctx, rec.Table, rec.Payload)
	switch {
	case err == nil && result.Conflict:
		e.logger.Info("Server reported concurrent edit; awaiting user resolution",
			"table", rec.Table, "id", rec.ID)
		return e.store.MarkConflict(ctx, rec.ID, result.Row)

	case err == nil:
		return e.store.MarkSynced(ctx, rec.ID)

	case IsDuplicate(err):
		// Idempotency is the contract, not an error.
		e.logger.Debug("Duplicate submission collapsed by server",
			"table", rec.Table, "id", rec.ID)
		return e.store.MarkSynced(ctx, rec.ID)

	case IsNetworkError(err):
		return e.handleNetworkFailure(ctx, rec)

	default:
		e.logger.Warn("Upsert rejected by server; manual retry required",
			"error", err, "table", rec.Table, "id", rec.ID)
		_, markErr := e.store.MarkFailed(ctx, rec.ID)
		return markErr
	}
}

// handleNetworkFailure marks the record failed immediately (so the UI shows
// the failure without delay) and schedules its automatic retry after an
// exponential backoff. The sleep runs in its own goroutine so it never
// blocks the drain loop from processing other records.
func (e *Engine) handleNetworkFailure(ctx context.Context, rec *QueueRecord) error {
	attempt, err := e.store.MarkFailed(ctx, rec.ID)
	if err != nil {
		return err
	}
	if attempt == 0 {
		return nil // record no longer exists
	}
	if attempt >= e.config.RetryCeiling {
		e.logger.Warn("Record exhausted its retry ceiling; leaving for manual action",
			"table", rec.Table, "id", rec.ID, "retries", attempt)
		return nil
	}

	delay := e.backoffDelay(attempt)
	e.logger.Debug("Scheduling automatic retry after network failure",
		"table", rec.Table, "id", rec.ID, "attempt", attempt, "delay", delay)

	// Only a running engine may schedule the retry sleep: wg.Add must not
	// race Stop's wg.Wait, and running is flipped under the same mutex. A
	// stopped engine leaves the record failed for the next Start to drain.
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	backoffCtx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		if err := sleepBackoff(backoffCtx, delay); err != nil {
			return // engine stopped; the record stays failed, nothing is lost
		}
		if !e.Online() {
			return
		}
		if err := e.store.Requeue(backoffCtx, rec.ID); err != nil {
			e.logger.Warn("Failed to requeue record after backoff", "error", err, "id", rec.ID)
			return
		}
		e.trigger()
	}()
	return nil
}

// backoffDelay computes min(BackoffMin * 2^(attempt-1), BackoffMax).
func (e *Engine) backoffDelay(attempt int) time.Duration {
	delay := e.config.BackoffMin
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.config.BackoffMax {
			return e.config.BackoffMax
		}
	}
	if delay > e.config.BackoffMax {
		delay = e.config.BackoffMax
	}
	return delay
}

func sleepBackoff(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
