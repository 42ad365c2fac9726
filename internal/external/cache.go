// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/pkg/types"
)

// DefaultCacheTTL is used when the cache config sets no TTL.
const DefaultCacheTTL = 15 * time.Minute

var (
	cacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_external_cache_hits_total",
			Help: "External API responses served from Redis",
		},
		[]string{"op"},
	)

	cacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_external_cache_misses_total",
			Help: "External API lookups not found in Redis",
		},
		[]string{"op"},
	)

	cacheErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "refmirror_external_cache_errors_total",
			Help: "Redis errors by operation (get, set)",
		},
		[]string{"operation"},
	)
)

// OpenRedis connects to the Redis server of cfg and pings it.
func OpenRedis(ctx context.Context, cfg types.CacheConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

// Cache stores successful external responses in Redis. Redis failures are
// logged and the request goes to the wrapped API, so the cache never makes
// the fallback path less available.
type Cache struct {
	next   API
	redis  *redis.Client
	ttl    time.Duration
	prefix string
	log    zerolog.Logger
}

// NewCache wraps next with a Redis cache.
func NewCache(next API, rdb *redis.Client, cfg types.CacheConfig, log zerolog.Logger) *Cache {
	if rdb == nil {
		panic("redis client cannot be nil")
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{next: next, redis: rdb, ttl: ttl, prefix: cfg.Prefix, log: log}
}

type searchEntry struct {
	Items []types.Item `json:"items"`
	Total int          `json:"total"`
}

// Search returns a cached result or queries the wrapped API and caches it.
func (c *Cache) Search(ctx context.Context, e types.EntityType, query string, limit int) ([]types.Item, int, error) {
	key := c.key("search", string(e), fmt.Sprint(limit), strings.ToLower(strings.TrimSpace(query)))

	var entry searchEntry
	if c.load(ctx, "search", key, &entry) {
		for i := range entry.Items {
			restore(&entry.Items[i])
		}
		return entry.Items, entry.Total, nil
	}

	items, total, err := c.next.Search(ctx, e, query, limit)
	if err != nil {
		return nil, 0, err
	}
	c.store(ctx, key, searchEntry{Items: items, Total: total})
	return items, total, nil
}

// Get returns a cached item or fetches it. Misses are not cached.
func (c *Cache) Get(ctx context.Context, e types.EntityType, key string) (*types.Item, error) {
	ck := c.key("get", string(e), key)

	var item types.Item
	if c.load(ctx, "get", ck, &item) {
		restore(&item)
		return &item, nil
	}

	it, err := c.next.Get(ctx, e, key)
	if err != nil {
		return nil, err
	}
	c.store(ctx, ck, it)
	return it, nil
}

// Health always reaches the wrapped API.
func (c *Cache) Health(ctx context.Context, e types.EntityType) error {
	return c.next.Health(ctx, e)
}

func (c *Cache) key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

func (c *Cache) load(ctx context.Context, op, key string, v any) bool {
	data, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			cacheErrors.WithLabelValues("get").Inc()
			c.log.Warn().Err(err).Str("key", key).Msg("redis get failed")
		}
		cacheMisses.WithLabelValues(op).Inc()
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		cacheErrors.WithLabelValues("get").Inc()
		c.log.Warn().Err(err).Str("key", key).Msg("invalid cache entry")
		return false
	}
	cacheHits.WithLabelValues(op).Inc()
	return true
}

func (c *Cache) store(ctx context.Context, key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		return
	}
	if err := c.redis.Set(ctx, key, data, c.ttl).Err(); err != nil {
		cacheErrors.WithLabelValues("set").Inc()
		c.log.Warn().Err(err).Str("key", key).Msg("redis set failed")
	}
}

// restore converts JSON-decoded field values back to their schema kinds.
func restore(it *types.Item) {
	schema, err := entity.Lookup(it.Entity)
	if err != nil {
		return
	}
	for name, v := range it.Fields {
		f, ok := schema.Field(name)
		if !ok {
			continue
		}
		switch f.Kind {
		case entity.KindInteger:
			if n, ok := v.(float64); ok {
				it.Fields[name] = int64(n)
			}
		case entity.KindList:
			if list, ok := v.([]any); ok {
				out := make([]string, 0, len(list))
				for _, x := range list {
					if s, ok := x.(string); ok {
						out = append(out, s)
					}
				}
				it.Fields[name] = out
			}
		}
	}
}
