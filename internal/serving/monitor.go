// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package serving

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

var (
	queryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "refmirror_serving_query_duration_seconds",
			Help:    "Serving query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op", "source_used"},
	)

	queriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_serving_queries_total",
			Help: "Serving queries by operation, source used, and condition",
		},
		[]string{"op", "source_used", "condition"},
	)

	fallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_serving_fallbacks_total",
			Help: "Queries answered by the external API, by reason",
		},
		[]string{"reason"},
	)

	errorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_serving_errors_total",
			Help: "Serving errors by kind (store_unavailable, pool_exhausted, external, other)",
		},
		[]string{"kind"},
	)

	pingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_serving_external_pings_total",
			Help: "Background external API pings by entity and result",
		},
		[]string{"entity", "result"},
	)

	storeHealthy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "refmirror_serving_store_healthy",
			Help: "1 when the mirror store passed its last health check",
		},
	)

	degradedMode = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "refmirror_serving_degraded",
			Help: "1 while the connector serves from the external API only",
		},
	)
)

// Query describes one finished serving request.
type Query struct {
	Op         string
	Entity     types.EntityType
	Query      string
	SourceUsed types.SourceUsed
	Condition  types.Condition
	Fallback   string
	Duration   time.Duration

	// StoreErr is the store failure that caused a fallback or an
	// unavailable condition.
	StoreErr error
	Err      error
}

// Monitor records serving metrics and warns about slow queries and high
// error rates.
type Monitor struct {
	slow      time.Duration
	threshold float64
	window    time.Duration
	now       func() time.Time
	log       zerolog.Logger

	mu       sync.Mutex
	outcomes []outcome
	warned   time.Time
}

type outcome struct {
	at     time.Time
	failed bool
}

// NewMonitor returns a Monitor for the slow-query and error-rate settings
// of cfg. A nil now uses time.Now.
func NewMonitor(cfg types.ServingConfig, now func() time.Time, log zerolog.Logger) *Monitor {
	if now == nil {
		now = time.Now
	}
	window := cfg.ErrorRateWindow
	if window <= 0 {
		window = time.Minute
	}
	return &Monitor{
		slow:      cfg.SlowQueryThreshold,
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		now:       now,
		log:       log,
	}
}

// minSamples keeps a single early failure from tripping the error-rate
// warning.
const minSamples = 5

// Observe records q.
func (m *Monitor) Observe(q Query) {
	queryDuration.WithLabelValues(q.Op, string(q.SourceUsed)).Observe(q.Duration.Seconds())
	queriesTotal.WithLabelValues(q.Op, string(q.SourceUsed), string(q.Condition)).Inc()
	if q.Fallback != "" {
		fallbacksTotal.WithLabelValues(q.Fallback).Inc()
	}

	failed := q.Err != nil || q.StoreErr != nil
	if failed {
		errorsTotal.WithLabelValues(errorKind(q)).Inc()
	}

	if m.slow > 0 && q.Duration > m.slow {
		m.log.Warn().
			Str("op", q.Op).
			Str("entity", string(q.Entity)).
			Str("query", q.Query).
			Str("source_used", string(q.SourceUsed)).
			Dur("duration", q.Duration).
			Dur("threshold", m.slow).
			Msg("slow query")
	}

	if rate, n, warn := m.record(failed); warn {
		m.log.Warn().
			Float64("error_rate", rate).
			Int("queries", n).
			Float64("threshold", m.threshold).
			Dur("window", m.window).
			Msg("serving error rate above threshold")
	}
}

// ErrorRate returns the failure ratio over the current window and the
// number of queries in it.
func (m *Monitor) ErrorRate() (float64, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trim(m.now())
	return m.rate(), len(m.outcomes)
}

// record adds an outcome and reports whether a warning is due. Warnings
// repeat at most once per window.
func (m *Monitor) record(failed bool) (float64, int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.outcomes = append(m.outcomes, outcome{at: now, failed: failed})
	m.trim(now)

	rate := m.rate()
	n := len(m.outcomes)
	if m.threshold <= 0 || n < minSamples || rate <= m.threshold {
		return rate, n, false
	}
	if !m.warned.IsZero() && now.Sub(m.warned) < m.window {
		return rate, n, false
	}
	m.warned = now
	return rate, n, true
}

func (m *Monitor) trim(now time.Time) {
	cut := 0
	for cut < len(m.outcomes) && now.Sub(m.outcomes[cut].at) > m.window {
		cut++
	}
	m.outcomes = m.outcomes[cut:]
}

func (m *Monitor) rate() float64 {
	if len(m.outcomes) == 0 {
		return 0
	}
	failed := 0
	for _, o := range m.outcomes {
		if o.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(m.outcomes))
}

// Ping records the result of a background external ping.
func (m *Monitor) Ping(e types.EntityType, err error, d time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	pingsTotal.WithLabelValues(string(e), result).Inc()
	if err != nil {
		m.log.Warn().Err(err).Str("entity", string(e)).Dur("duration", d).Msg("external ping failed")
		return
	}
	m.log.Debug().Str("entity", string(e)).Dur("duration", d).Msg("external ping")
}

// StoreHealth records a store state change.
func (m *Monitor) StoreHealth(healthy, degraded bool) {
	storeHealthy.Set(boolGauge(healthy))
	degradedMode.Set(boolGauge(degraded))
}

func errorKind(q Query) string {
	switch {
	case errors.Is(q.StoreErr, mirrorerr.ErrPoolExhausted):
		return "pool_exhausted"
	case q.StoreErr != nil:
		return "store_unavailable"
	case q.Fallback != "":
		return "external"
	default:
		return "other"
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
