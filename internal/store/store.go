// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists mirrored entities. Each entity type has one table
// keyed by its natural key, with typed field columns, a content hash, the
// search text, and a last-updated timestamp. Writes follow the merge-preserve
// rule: an empty incoming value never erases a stored one.
package store

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/merge"
	"github.com/pdiddy/refmirror/pkg/types"
)

// ErrNotFound is returned by Get when no row has the key.
var ErrNotFound = errors.New("not found")

// UpsertResult counts the outcome of a BulkUpsert.
type UpsertResult struct {
	Inserted  int `json:"inserted" yaml:"inserted"`
	Updated   int `json:"updated" yaml:"updated"`
	Unchanged int `json:"unchanged" yaml:"unchanged"`
}

// Written returns the number of rows inserted or updated.
func (r UpsertResult) Written() int { return r.Inserted + r.Updated }

// Add accumulates o into r.
func (r *UpsertResult) Add(o UpsertResult) {
	r.Inserted += o.Inserted
	r.Updated += o.Updated
	r.Unchanged += o.Unchanged
}

// Store is a mirror store backend.
type Store interface {
	// EnsureSchema creates every entity table and its search index.
	EnsureSchema(ctx context.Context) error

	// BulkUpsert merges records into the store in one transaction.
	BulkUpsert(ctx context.Context, e types.EntityType, recs []types.CleanRecord) (UpsertResult, error)

	// Existing returns the stored fields of the keys that exist. Keys are
	// looked up in chunks of keyChunk, one query each.
	Existing(ctx context.Context, e types.EntityType, keys []string) (map[string]types.Fields, error)

	// Search runs a full-text query and returns at most limit items plus
	// the total number of matches. An empty query lists rows by key.
	Search(ctx context.Context, e types.EntityType, query string, limit int) ([]types.Item, int, error)

	Get(ctx context.Context, e types.EntityType, key string) (*types.Item, error)
	Count(ctx context.Context, e types.EntityType) (int, error)

	// Export writes every row of e to w and returns the row count.
	Export(ctx context.Context, e types.EntityType, w io.Writer, format ExportFormat) (int, error)

	Ping(ctx context.Context) error
	Close() error
}

// Reconnecter is implemented by backends that can re-establish their
// connection pool in place.
type Reconnecter interface {
	Reconnect(ctx context.Context) error
}

// Open returns the backend selected by cfg.Driver with its schema in place.
func Open(ctx context.Context, cfg types.StoreConfig, log zerolog.Logger) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case types.DriverSQLite, "":
		s, err = OpenSQLite(ctx, cfg, log)
	case types.DriverPostgres:
		s, err = OpenPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// keyChunk bounds the number of keys bound into one IN clause.
const keyChunk = 500

func chunks(keys []string, n int) [][]string {
	var out [][]string
	for len(keys) > n {
		out = append(out, keys[:n])
		keys = keys[n:]
	}
	if len(keys) > 0 {
		out = append(out, keys)
	}
	return out
}

// row is one merged record ready to be written.
type row struct {
	key         string
	source      string
	fields      types.Fields
	contentHash string
	searchText  string
	exists      bool
}

// plan collapses recs by key and merges each against its stored row. Rows
// that would not change are counted as unchanged and left out.
func plan(s *entity.Schema, recs []types.CleanRecord, stored map[string]types.Fields) ([]row, UpsertResult) {
	var (
		order    []string
		incoming = map[string]types.Fields{}
		sources  = map[string]string{}
		res      UpsertResult
	)
	for _, rec := range recs {
		prev, ok := incoming[rec.Key]
		if !ok {
			order = append(order, rec.Key)
		}
		merged, _ := merge.Preserve(prev, rec.Fields)
		incoming[rec.Key] = merged
		if rec.Source != "" {
			sources[rec.Key] = rec.Source
		}
	}

	rows := make([]row, 0, len(order))
	for _, key := range order {
		old, exists := stored[key]
		merged, changed := merge.Preserve(old, incoming[key])
		if exists && !changed {
			res.Unchanged++
			continue
		}
		if exists {
			res.Updated++
		} else {
			res.Inserted++
		}
		rows = append(rows, row{
			key:         key,
			source:      sources[key],
			fields:      merged,
			contentHash: s.Fingerprint(key, merged),
			searchText:  s.SearchText(key, merged),
			exists:      exists,
		})
	}
	return rows, res
}

// quote quotes an SQL identifier.
func quote(name string) string { return `"` + name + `"` }

func columns(s *entity.Schema) []string {
	cols := []string{quote("natural_key")}
	for _, f := range s.Fields {
		cols = append(cols, quote(f.Name))
	}
	return append(cols, quote("source"), quote("content_hash"), quote("search_text"), quote("last_updated"))
}

// itemColumns lists the columns read back into an Item, optionally
// qualified with a table alias.
func itemColumns(s *entity.Schema, alias string) []string {
	names := append([]string{"natural_key"}, s.FieldNames()...)
	names = append(names, "source", "last_updated")
	cols := make([]string, len(names))
	for i, n := range names {
		if alias != "" {
			cols[i] = alias + "." + quote(n)
		} else {
			cols[i] = quote(n)
		}
	}
	return cols
}

func uniqueKeys(recs []types.CleanRecord) []string {
	seen := make(map[string]struct{}, len(recs))
	keys := make([]string, 0, len(recs))
	for _, rec := range recs {
		if _, ok := seen[rec.Key]; ok {
			continue
		}
		seen[rec.Key] = struct{}{}
		keys = append(keys, rec.Key)
	}
	return keys
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	return limit
}

// DefaultLimit is the search limit used when none is given.
const DefaultLimit = 20
