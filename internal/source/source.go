// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package source defines upstream dataset adapters. Each adapter lists the
// units (files or pages) a source publishes, fetches one unit's content,
// and decodes content into raw records.
package source

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pdiddy/refmirror/internal/httputil"
	"github.com/pdiddy/refmirror/pkg/types"
)

// Unit is one independently downloadable piece of a source.
type Unit struct {
	ID string

	// URL is the remote location of the unit. Path is set instead for
	// manifest units stored on the local filesystem.
	URL  string
	Path string
}

// Adapter is implemented by each source kind.
type Adapter interface {
	Name() string
	Entity() types.EntityType

	// RefreshInterval marks downloaded units stale after this long; zero
	// means never.
	RefreshInterval() time.Duration

	ListUnits(ctx context.Context) ([]Unit, error)
	FetchUnit(ctx context.Context, u Unit) ([]byte, error)

	// Decode turns a unit's content into raw records. Gzip content is
	// decompressed transparently.
	Decode(unitID string, content []byte) ([]types.RawRecord, error)
}

// Options carries runtime dependencies shared by all adapters.
type Options struct {
	Client    *http.Client
	UserAgent string

	// APIKey is sent as the source's api_key_param when both are set.
	APIKey string
}

// New builds the adapter for cfg.Kind.
func New(cfg types.SourceConfig, opts Options) (Adapter, error) {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 60 * time.Second}
	}
	dec, err := NewDecoder(cfg)
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", cfg.Name, err)
	}
	b := base{cfg: cfg, opts: opts, decoder: dec}

	switch cfg.Kind {
	case types.KindDirectory:
		return newDirectory(b)
	case types.KindPagedAPI:
		return &pagedAPI{base: b}, nil
	case types.KindManifest:
		return &manifest{base: b}, nil
	default:
		return nil, fmt.Errorf("source %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}

// base holds what every adapter shares.
type base struct {
	cfg     types.SourceConfig
	opts    Options
	decoder Decoder
}

func (b base) Name() string                   { return b.cfg.Name }
func (b base) Entity() types.EntityType       { return b.cfg.Entity }
func (b base) RefreshInterval() time.Duration { return b.cfg.RefreshInterval }

// Config returns the source configuration the adapter was built from.
func (b base) Config() types.SourceConfig { return b.cfg }

func (b base) Decode(unitID string, content []byte) ([]types.RawRecord, error) {
	return b.decoder.Decode(b.cfg.Name, unitID, content)
}

// get performs one GET without in-run retries; the orchestrator schedules
// retries through checkpoints. Failures are classified into the mirror
// error taxonomy.
func (b base) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if b.opts.UserAgent != "" {
		req.Header.Set("User-Agent", b.opts.UserAgent)
	}

	resp, err := httputil.DoWithRetry(ctx, b.opts.Client, req, -1)
	if cerr := httputil.Classify("GET "+url, resp, err); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return nil, cerr
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, httputil.Classify("reading "+url, nil, err)
	}
	return data, nil
}
