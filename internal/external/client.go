// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package external queries the public reference APIs the mirror copies
// from. It serves the connector's fallback path, so responses are
// normalized exactly like mirrored records.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/httputil"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/internal/validate"
	"github.com/pdiddy/refmirror/pkg/types"
)

// SourceName is the Item.Source of externally fetched items.
const SourceName = "external"

var (
	// ErrNoEndpoint is returned for an entity type with no configured API.
	ErrNoEndpoint = errors.New("no external endpoint configured")

	// ErrNotFound is returned by Get when the API does not know the key.
	ErrNotFound = errors.New("not found in external API")
)

// API is implemented by Client and by the Redis cache in front of it.
type API interface {
	Search(ctx context.Context, e types.EntityType, query string, limit int) ([]types.Item, int, error)
	Get(ctx context.Context, e types.EntityType, key string) (*types.Item, error)

	// Health pings the API of e.
	Health(ctx context.Context, e types.EntityType) error
}

// Client is a generic JSON REST client driven by per-entity endpoint
// templates.
type Client struct {
	http       *http.Client
	userAgent  string
	maxRetries int
	endpoints  map[types.EntityType]types.EndpointConfig
	log        zerolog.Logger
}

// NewClient returns a Client for cfg. A nil client uses one with
// cfg.Timeout.
func NewClient(cfg types.ExternalConfig, client *http.Client, log zerolog.Logger) *Client {
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	eps := make(map[types.EntityType]types.EndpointConfig, len(cfg.Endpoints))
	for name, ep := range cfg.Endpoints {
		eps[types.EntityType(name)] = ep
	}
	return &Client{
		http:       client,
		userAgent:  cfg.UserAgent,
		maxRetries: cfg.MaxRetries,
		endpoints:  eps,
		log:        log,
	}
}

// Search runs query against the search endpoint of e and returns the
// normalized items and the total the API reports (the item count when it
// reports none).
func (c *Client) Search(ctx context.Context, e types.EntityType, query string, limit int) ([]types.Item, int, error) {
	ep, ok := c.endpoints[e]
	if !ok || ep.SearchURL == "" {
		return nil, 0, fmt.Errorf("%s search: %w", e, ErrNoEndpoint)
	}
	u := expand(ep.SearchURL, map[string]string{
		"query": url.QueryEscape(query),
		"limit": strconv.Itoa(limit),
	})

	doc, err := c.getJSON(ctx, u)
	if err != nil {
		return nil, 0, err
	}
	items, err := c.items(e, ep, doc)
	if err != nil {
		return nil, 0, err
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}

	total, ok := Int(doc, ep.TotalPath)
	if ep.TotalPath == "" || !ok {
		total = len(items)
	}
	return items, total, nil
}

// Get fetches one item by natural key.
func (c *Client) Get(ctx context.Context, e types.EntityType, key string) (*types.Item, error) {
	ep, ok := c.endpoints[e]
	if !ok || ep.GetURL == "" {
		return nil, fmt.Errorf("%s get: %w", e, ErrNoEndpoint)
	}
	doc, err := c.getJSON(ctx, expand(ep.GetURL, map[string]string{"key": url.PathEscape(key)}))
	if err != nil {
		var rejected *mirrorerr.RequestRejectedError
		if errors.As(err, &rejected) && rejected.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s %s: %w", e, key, ErrNotFound)
		}
		return nil, err
	}
	items, err := c.items(e, ep, doc)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s %s: %w", e, key, ErrNotFound)
	}
	return &items[0], nil
}

// Health requests the health URL of e, or the search URL with an empty
// query.
func (c *Client) Health(ctx context.Context, e types.EntityType) error {
	ep, ok := c.endpoints[e]
	if !ok {
		return fmt.Errorf("%s health: %w", e, ErrNoEndpoint)
	}
	u := ep.HealthURL
	if u == "" {
		u = expand(ep.SearchURL, map[string]string{"query": "", "limit": "1"})
	}
	body, err := c.get(ctx, u, -1)
	if err != nil {
		return err
	}
	body.Close()
	return nil
}

// Entities returns the entity types with a configured endpoint.
func (c *Client) Entities() []types.EntityType {
	out := make([]types.EntityType, 0, len(c.endpoints))
	for e := range c.endpoints {
		out = append(out, e)
	}
	return out
}

func (c *Client) getJSON(ctx context.Context, u string) (any, error) {
	body, err := c.get(ctx, u, c.maxRetries)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	var doc any
	if err := json.NewDecoder(body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding response from %s: %w", u, err)
	}
	return doc, nil
}

func (c *Client) get(ctx context.Context, u string, maxRetries int) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	began := time.Now()
	resp, err := httputil.DoWithRetry(ctx, c.http, req, maxRetries)
	if cerr := httputil.Classify("GET "+u, resp, err); cerr != nil {
		if resp != nil {
			resp.Body.Close()
		}
		c.log.Debug().Err(cerr).Str("url", u).Dur("duration", time.Since(began)).Msg("external request failed")
		return nil, cerr
	}
	c.log.Debug().Str("url", u).Int("status", resp.StatusCode).Dur("duration", time.Since(began)).Msg("external request")
	return resp.Body, nil
}

// items extracts and normalizes the items of a response. Items that fail
// validation are skipped.
func (c *Client) items(e types.EntityType, ep types.EndpointConfig, doc any) ([]types.Item, error) {
	schema, err := entity.Lookup(e)
	if err != nil {
		return nil, err
	}
	v, err := validate.New(e)
	if err != nil {
		return nil, err
	}

	keyPath := ep.KeyPath
	if keyPath == "" {
		keyPath = schema.KeyName
	}

	raw := Items(doc, ep.ItemsPath)
	out := make([]types.Item, 0, len(raw))
	for i, obj := range raw {
		fields := types.Fields{schema.KeyName: String(obj, keyPath)}
		for _, name := range schema.FieldNames() {
			path := name
			if m, ok := ep.FieldMap[name]; ok && m != "" {
				path = m
			}
			if val := Path(obj, path); val != nil {
				fields[name] = val
			}
		}

		rec, err := v.Validate(types.RawRecord{Source: SourceName, Ordinal: i, Fields: fields})
		if err != nil {
			c.log.Debug().Err(err).Str("entity", string(e)).Int("ordinal", i).Msg("external item skipped")
			continue
		}
		out = append(out, types.Item{Entity: e, Key: rec.Key, Source: SourceName, Fields: rec.Fields})
	}
	return out, nil
}

// expand substitutes {name} placeholders in a URL template.
func expand(tmpl string, vars map[string]string) string {
	pairs := make([]string, 0, 2*len(vars))
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}
