// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package serving answers reads from the mirror store and falls back to the
// external reference APIs when the store cannot serve them.
package serving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/pdiddy/refmirror/internal/external"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/internal/store"
	"github.com/pdiddy/refmirror/pkg/types"
)

const (
	defaultHealthInterval = 15 * time.Second
	defaultHealthTimeout  = 2 * time.Second
	defaultHealthMaxAge   = time.Minute
	defaultThreshold      = 3
	defaultReconnects     = 5
	defaultReconnectDelay = time.Second
)

// Fallback reasons reported to the monitor.
const (
	reasonDegraded      = "degraded"
	reasonUnavailable   = "store_unavailable"
	reasonPoolExhausted = "pool_exhausted"
	reasonEmpty         = "empty"
)

// Options configures a Connector beyond its ServingConfig.
type Options struct {
	// Monitor receives query outcomes. Nil builds one from the config.
	Monitor *Monitor

	// Now is the clock used for health freshness (default time.Now).
	Now func() time.Time
}

// Connector is the database-first read path. The store answers while its
// last health check is fresh and successful. Otherwise, and whenever a
// query finds the store unavailable, the external API answers if fallback
// is enabled.
type Connector struct {
	store  store.Store
	ext    external.API
	cfg    types.ServingConfig
	mon    *Monitor
	now    func() time.Time
	log    zerolog.Logger
	pings  *rate.Limiter

	mu        sync.Mutex
	healthy   bool
	checkedAt time.Time
	failures  int
	degraded  bool
	lastErr   error
	cancel    context.CancelFunc

	wg sync.WaitGroup
}

// New returns a Connector over st. A nil ext disables fallback.
func New(st store.Store, ext external.API, cfg types.ServingConfig, opts Options, log zerolog.Logger) *Connector {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = defaultHealthInterval
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	if cfg.HealthMaxAge <= 0 {
		cfg.HealthMaxAge = defaultHealthMaxAge
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultThreshold
	}
	if cfg.ReconnectAttempts <= 0 {
		cfg.ReconnectAttempts = defaultReconnects
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = defaultReconnectDelay
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = store.DefaultLimit
	}
	if opts.Monitor == nil {
		opts.Monitor = NewMonitor(cfg, opts.Now, log)
	}

	c := &Connector{
		store: st,
		ext:   ext,
		cfg:   cfg,
		mon:   opts.Monitor,
		now:   opts.Now,
		log:   log,
	}
	if ext != nil && cfg.PingInterval > 0 {
		c.pings = rate.NewLimiter(rate.Every(cfg.PingInterval), 1)
	}
	return c
}

// Search returns at most limit items matching query. A store failure is
// reported through the result's Condition, not as an error, when no
// fallback can answer.
func (c *Connector) Search(ctx context.Context, e types.EntityType, query string, limit int) (types.SearchResults, error) {
	if limit <= 0 {
		limit = c.cfg.DefaultLimit
	}
	began := time.Now()
	q := Query{Op: "search", Entity: e, Query: query}

	res, err := c.search(ctx, e, query, limit, &q)

	q.SourceUsed = res.SourceUsed
	q.Condition = res.Condition
	q.Duration = time.Since(began)
	q.Err = err
	c.mon.Observe(q)
	return res, err
}

func (c *Connector) search(ctx context.Context, e types.EntityType, query string, limit int, q *Query) (types.SearchResults, error) {
	reason, storeErr := c.storeDown(ctx)
	if storeErr == nil {
		c.pingExternal(e)
		items, total, err := c.store.Search(ctx, e, query, limit)
		if err == nil {
			res := types.SearchResults{Items: items, Total: total, SourceUsed: types.SourceDatabase, Condition: condition(items)}
			if c.ext != nil && c.supplements(len(items), limit) {
				res = c.supplement(ctx, e, query, limit, res, q)
			}
			return res, nil
		}
		if !mirrorerr.IsStoreUnavailable(err) {
			return types.SearchResults{SourceUsed: types.SourceNone, Condition: types.ConditionNoData},
				fmt.Errorf("searching %s: %w", e, err)
		}
		c.markUnhealthy(err)
		storeErr, reason = err, failureReason(err)
	}

	q.StoreErr = storeErr
	down := types.SearchResults{SourceUsed: types.SourceNone, Condition: unavailable(storeErr)}
	if !c.cfg.FallbackEnabled || c.ext == nil {
		return down, nil
	}

	q.Fallback = reason
	items, total, err := c.ext.Search(ctx, e, query, limit)
	if err != nil {
		return down, fmt.Errorf("external search of %s: %w", e, err)
	}
	return types.SearchResults{Items: items, Total: total, SourceUsed: types.SourceExternal, Condition: condition(items)}, nil
}

// supplements reports whether a database result of n items is completed
// from the external API: an empty one under FallbackOnEmpty, a short one
// under SupplementShortResults.
func (c *Connector) supplements(n, limit int) bool {
	switch {
	case n == 0:
		return c.cfg.FallbackOnEmpty
	case n < limit:
		return c.cfg.SupplementShortResults
	}
	return false
}

// supplement fills a short database result from the external API. Keys
// already returned by the store are not repeated.
func (c *Connector) supplement(ctx context.Context, e types.EntityType, query string, limit int, res types.SearchResults, q *Query) types.SearchResults {
	items, total, err := c.ext.Search(ctx, e, query, limit)
	if err != nil {
		c.log.Warn().Err(err).Str("entity", string(e)).Str("query", query).Msg("external supplement failed")
		return res
	}
	q.Fallback = reasonEmpty

	seen := make(map[string]struct{}, len(res.Items))
	for _, it := range res.Items {
		seen[it.Key] = struct{}{}
	}
	added := 0
	for _, it := range items {
		if len(res.Items) >= limit {
			break
		}
		if _, ok := seen[it.Key]; ok {
			continue
		}
		seen[it.Key] = struct{}{}
		res.Items = append(res.Items, it)
		added++
	}
	switch {
	case added == 0:
		return res
	case added == len(res.Items):
		res.SourceUsed = types.SourceExternal
		res.Total = total
	default:
		res.SourceUsed = types.SourceMixed
		res.Total += added
	}
	res.Condition = condition(res.Items)
	return res
}

// GetByID returns the item with key, or nil when neither the store nor the
// fallback knows it. With the store unavailable and no fallback the store
// error is returned.
func (c *Connector) GetByID(ctx context.Context, e types.EntityType, key string) (*types.Item, types.SourceUsed, error) {
	began := time.Now()
	q := Query{Op: "get", Entity: e, Query: key}

	it, src, err := c.get(ctx, e, key, &q)

	q.SourceUsed = src
	q.Condition = types.ConditionOK
	switch {
	case q.StoreErr != nil && src == types.SourceNone:
		q.Condition = unavailable(q.StoreErr)
	case it == nil:
		q.Condition = types.ConditionNoData
	}
	q.Duration = time.Since(began)
	q.Err = err
	c.mon.Observe(q)
	return it, src, err
}

func (c *Connector) get(ctx context.Context, e types.EntityType, key string, q *Query) (*types.Item, types.SourceUsed, error) {
	reason, storeErr := c.storeDown(ctx)
	if storeErr == nil {
		c.pingExternal(e)
		it, err := c.store.Get(ctx, e, key)
		switch {
		case err == nil:
			return it, types.SourceDatabase, nil
		case errors.Is(err, store.ErrNotFound):
			if c.cfg.FallbackOnEmpty && c.ext != nil {
				q.Fallback = reasonEmpty
				return c.getExternal(ctx, e, key)
			}
			return nil, types.SourceDatabase, nil
		case !mirrorerr.IsStoreUnavailable(err):
			return nil, types.SourceNone, fmt.Errorf("getting %s %s: %w", e, key, err)
		}
		c.markUnhealthy(err)
		storeErr, reason = err, failureReason(err)
	}

	q.StoreErr = storeErr
	if !c.cfg.FallbackEnabled || c.ext == nil {
		return nil, types.SourceNone, fmt.Errorf("getting %s %s: %w", e, key, storeErr)
	}
	q.Fallback = reason
	return c.getExternal(ctx, e, key)
}

func (c *Connector) getExternal(ctx context.Context, e types.EntityType, key string) (*types.Item, types.SourceUsed, error) {
	it, err := c.ext.Get(ctx, e, key)
	switch {
	case err == nil:
		return it, types.SourceExternal, nil
	case errors.Is(err, external.ErrNotFound):
		return nil, types.SourceExternal, nil
	default:
		return nil, types.SourceNone, fmt.Errorf("external get of %s %s: %w", e, key, err)
	}
}

// storeDown returns a nil error when the store may be queried, or the
// fallback reason and the error that rules it out. A stale health check is
// refreshed inline.
func (c *Connector) storeDown(ctx context.Context) (string, error) {
	c.mu.Lock()
	degraded, healthy, lastErr := c.degraded, c.healthy, c.lastErr
	fresh := !c.checkedAt.IsZero() && c.now().Sub(c.checkedAt) <= c.cfg.HealthMaxAge
	c.mu.Unlock()

	switch {
	case degraded:
		if lastErr == nil {
			lastErr = errDegraded
		}
		return reasonDegraded, lastErr
	case fresh && healthy:
		return "", nil
	case fresh:
		return failureReason(lastErr), lastErr
	}
	if err := c.ping(ctx); err != nil {
		return failureReason(err), err
	}
	return "", nil
}

// pingExternal fires a background health request at the external API, at most
// once per PingInterval. Its result only reaches the monitor.
func (c *Connector) pingExternal(e types.EntityType) {
	if c.pings == nil || !c.pings.Allow() {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.HealthTimeout)
		defer cancel()
		began := time.Now()
		err := c.ext.Health(ctx, e)
		c.mon.Ping(e, err, time.Since(began))
	}()
}

// State reports the connector's view of the store.
type State struct {
	Healthy   bool      `json:"healthy" yaml:"healthy"`
	Degraded  bool      `json:"degraded" yaml:"degraded"`
	Failures  int       `json:"consecutive_failures" yaml:"consecutive_failures"`
	CheckedAt time.Time `json:"checked_at" yaml:"checked_at"`
	LastError string    `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// State returns a snapshot of the store health.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := State{Healthy: c.healthy, Degraded: c.degraded, Failures: c.failures, CheckedAt: c.checkedAt}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

func condition(items []types.Item) types.Condition {
	if len(items) == 0 {
		return types.ConditionNoData
	}
	return types.ConditionOK
}

func unavailable(err error) types.Condition {
	if errors.Is(err, mirrorerr.ErrPoolExhausted) {
		return types.ConditionPoolExhausted
	}
	return types.ConditionStoreUnavailable
}

func failureReason(err error) string {
	if errors.Is(err, mirrorerr.ErrPoolExhausted) {
		return reasonPoolExhausted
	}
	return reasonUnavailable
}
