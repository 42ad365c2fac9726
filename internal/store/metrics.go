// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pdiddy/refmirror/pkg/types"
)

var (
	upsertDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refmirror_store_upsert_duration_seconds",
			Help:    "Duration of one BulkUpsert transaction",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		},
		[]string{"backend", "entity"},
	)

	upsertRows = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_store_rows_total",
			Help: "Rows handled by BulkUpsert by outcome (inserted, updated, unchanged)",
		},
		[]string{"backend", "entity", "outcome"},
	)

	poolExhausted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_store_pool_exhausted_total",
			Help: "Operations that gave up waiting for a pooled connection",
		},
		[]string{"backend"},
	)
)

func observeUpsert(backend string, e types.EntityType, res UpsertResult, d time.Duration) {
	upsertDuration.WithLabelValues(backend, string(e)).Observe(d.Seconds())
	upsertRows.WithLabelValues(backend, string(e), "inserted").Add(float64(res.Inserted))
	upsertRows.WithLabelValues(backend, string(e), "updated").Add(float64(res.Updated))
	upsertRows.WithLabelValues(backend, string(e), "unchanged").Add(float64(res.Unchanged))
}
