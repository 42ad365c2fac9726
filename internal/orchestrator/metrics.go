// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	unitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_download_units_total",
			Help: "Units handled by outcome (downloaded, failed, rate_limited, permanently_failed, cancelled, processed, process_failed)",
		},
		[]string{"source", "outcome"},
	)

	downloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refmirror_download_duration_seconds",
			Help:    "Time to fetch and persist one unit",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		},
		[]string{"source"},
	)

	downloadBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_download_bytes_total",
			Help: "Bytes of unit content downloaded",
		},
		[]string{"source"},
	)

	runsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_runs_total",
			Help: "Orchestrator runs by mode",
		},
		[]string{"source", "mode"},
	)
)
