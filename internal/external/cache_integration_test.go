// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

//go:build integration

package external

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/pdiddy/refmirror/pkg/types"
)

// setupRedis starts a Redis container and returns a connected client.
func setupRedis(t *testing.T) (*redis.Client, types.CacheConfig) {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	cfg := types.CacheConfig{Enabled: true, Addr: endpoint, TTL: time.Minute, Prefix: "refmirror:"}
	rdb, err := OpenRedis(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { rdb.Close() })
	return rdb, cfg
}

func TestCache_Integration(t *testing.T) {
	rdb, cfg := setupRedis(t)
	ctx := context.Background()

	next := &countingAPI{}
	c := NewCache(next, rdb, cfg, zerolog.Nop())

	for i := 0; i < 3; i++ {
		items, total, err := c.Search(ctx, types.EntityArticle, "Zinc ", 5)
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		assert.Equal(t, "1", items[0].Key)
	}
	_, _, err := c.Search(ctx, types.EntityArticle, "zinc", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, next.searches, "queries differing in case and spacing share an entry")

	_, err = c.Get(ctx, types.EntityArticle, "42")
	require.NoError(t, err)
	it, err := c.Get(ctx, types.EntityArticle, "42")
	require.NoError(t, err)
	assert.Equal(t, "42", it.Key)
	assert.Equal(t, 1, next.gets)

	ttl, err := rdb.TTL(ctx, "refmirror:get:article:42").Result()
	require.NoError(t, err)
	assert.InDelta(t, time.Minute.Seconds(), ttl.Seconds(), 5)
}
