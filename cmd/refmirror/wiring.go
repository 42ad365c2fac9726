// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/pdiddy/refmirror/internal/checkpoint"
	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/external"
	"github.com/pdiddy/refmirror/internal/logging"
	"github.com/pdiddy/refmirror/internal/serving"
	"github.com/pdiddy/refmirror/internal/source"
	"github.com/pdiddy/refmirror/internal/store"
	"github.com/pdiddy/refmirror/pkg/types"
)

func openStore(ctx context.Context) (store.Store, error) {
	return store.Open(ctx, app.cfg.Store, logging.NewLogger("store"))
}

func openCheckpoints() (*checkpoint.Store, error) {
	d := app.cfg.Download
	return checkpoint.Open(d.CheckpointPath, checkpoint.Options{
		MaxAttempts: d.MaxAttempts,
		Backoff:     checkpoint.Backoff{Base: d.BackoffBase, Max: d.BackoffMax},
	})
}

// newAdapter builds the adapter of a configured source, resolving its API
// key from the secrets directory.
func newAdapter(cfg types.SourceConfig) (source.Adapter, error) {
	d := app.cfg.Download
	return source.New(cfg, source.Options{
		Client:    &http.Client{Timeout: d.Timeout},
		UserAgent: d.UserAgent,
		APIKey:    app.secrets[cfg.APIKeySecret],
	})
}

// externalAPI returns the external client, wrapped in the Redis cache when
// caching is enabled and Redis answers. It returns nil when no endpoint is
// configured. The returned func releases the Redis connection.
func externalAPI(ctx context.Context) (external.API, func()) {
	if len(app.cfg.External.Endpoints) == 0 {
		return nil, func() {}
	}
	var api external.API = external.NewClient(app.cfg.External, nil, logging.NewLogger("external"))
	if !app.cfg.Cache.Enabled {
		return api, func() {}
	}

	log := logging.NewLogger("cache")
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	rdb, err := external.OpenRedis(pctx, app.cfg.Cache)
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, external responses are not cached")
		return api, func() {}
	}
	return external.NewCache(api, rdb, app.cfg.Cache, log), func() { rdb.Close() }
}

// newConnector opens the store and the external API behind a serving
// connector. The returned func stops the connector and closes both.
func newConnector(ctx context.Context) (*serving.Connector, func(), error) {
	ext, closeExt := externalAPI(ctx)

	st, err := openStore(ctx)
	if err != nil {
		// Without a store every read falls back, so keep going when the
		// external API can answer.
		if ext == nil || !app.cfg.Serving.FallbackEnabled {
			closeExt()
			return nil, nil, err
		}
		app.log.Warn().Err(err).Msg("mirror store unavailable, serving from external API")
		st = unavailableStore{err: err}
	}

	c := serving.New(st, ext, app.cfg.Serving, serving.Options{}, logging.NewLogger("serving"))
	return c, func() {
		c.Stop()
		st.Close()
		closeExt()
	}, nil
}

// unavailableStore stands in for a store that could not be opened. Every
// call reports the open error.
type unavailableStore struct {
	store.Store
	err error
}

func (s unavailableStore) Ping(context.Context) error { return s.err }

func (s unavailableStore) Close() error { return nil }

func parseEntity(name string) (types.EntityType, error) {
	e := types.EntityType(name)
	if _, err := entity.Lookup(e); err != nil {
		return "", fmt.Errorf("%w (known: %s)", err, entityNames())
	}
	return e, nil
}

func entityNames() string {
	var names []string
	for _, s := range entity.All() {
		names = append(names, string(s.Entity))
	}
	return fmt.Sprint(names)
}
