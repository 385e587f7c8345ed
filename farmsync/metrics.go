// Copyright 2025 Harvesthand
// SPDX-License-Identifier: Apache-2.0

package farmsync

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Upsert outcome labels reported to the metrics sink.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeConflict  = "conflict"
	OutcomeInvalid   = "invalid"
	OutcomeError     = "error"
)

// UpsertTiming describes a single processed upsert.
type UpsertTiming struct {
	Table    string
	Outcome  string
	Duration time.Duration
}

// MetricsRecorder receives per-upsert observations. Implementations must be
// safe for concurrent use.
type MetricsRecorder interface {
	ObserveUpsert(ctx context.Context, timing UpsertTiming)
}

// MetricsRecorderFunc adapts a function to the MetricsRecorder interface.
type MetricsRecorderFunc func(ctx context.Context, timing UpsertTiming)

func (f MetricsRecorderFunc) ObserveUpsert(ctx context.Context, timing UpsertTiming) {
	f(ctx, timing)
}

// PromMetrics is a Prometheus-backed MetricsRecorder.
type PromMetrics struct {
	upsertsTotal   *prometheus.CounterVec
	upsertDuration *prometheus.HistogramVec
}

// NewPromMetrics registers the gateway metrics on reg and returns the
// recorder. Pass prometheus.DefaultRegisterer for the default registry.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	factory := promauto.With(reg)
	return &PromMetrics{
		upsertsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "farmsync",
			Name:      "upserts_total",
			Help:      "Processed upsert requests by logical table and outcome.",
		}, []string{"table", "outcome"}),
		upsertDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "farmsync",
			Name:      "upsert_duration_seconds",
			Help:      "Upsert processing duration by outcome.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

func (m *PromMetrics) ObserveUpsert(_ context.Context, timing UpsertTiming) {
	m.upsertsTotal.WithLabelValues(timing.Table, timing.Outcome).Inc()
	m.upsertDuration.WithLabelValues(timing.Outcome).Observe(timing.Duration.Seconds())
}
