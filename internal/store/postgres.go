// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/merge"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

const postgresBackend = "postgres"

// Postgres stores the mirror in PostgreSQL. Search uses a generated
// tsvector column with a GIN index.
type Postgres struct {
	mu   sync.RWMutex
	pool *pgxpool.Pool
	cfg  types.StoreConfig
	log  zerolog.Logger
	now  func() time.Time
	sb   sq.StatementBuilderType
}

// OpenPostgres connects a pool to cfg.DSN. Connection failures are
// reported as *mirrorerr.StoreUnavailableError.
func OpenPostgres(ctx context.Context, cfg types.StoreConfig, log zerolog.Logger) (*Postgres, error) {
	if cfg.DSN == "" {
		return nil, &mirrorerr.StoreUnavailableError{Backend: postgresBackend, Err: errors.New("no DSN configured")}
	}
	p := &Postgres{
		cfg: cfg,
		log: log,
		now: time.Now,
		sb:  sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
	pool, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.pool = pool
	return p, nil
}

func (p *Postgres) open(ctx context.Context) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(p.cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parsing postgres DSN: %w", err)
	}
	if p.cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(p.cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, p.unavailable(err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, p.unavailable(err)
	}
	return pool, nil
}

func (p *Postgres) unavailable(err error) error {
	return &mirrorerr.StoreUnavailableError{Backend: postgresBackend, Err: err}
}

// acquire takes a pooled connection, waiting at most PoolWait when every
// connection is in use.
func (p *Postgres) acquire(ctx context.Context) (*pgxpool.Conn, func(), error) {
	p.mu.RLock()
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if p.cfg.PoolWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, p.cfg.PoolWait)
	}
	c, err := p.pool.Acquire(waitCtx)
	cancel()
	if err != nil {
		stat := p.pool.Stat()
		p.mu.RUnlock()
		switch {
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded) && stat.AcquiredConns() >= stat.MaxConns():
			poolExhausted.WithLabelValues(postgresBackend).Inc()
			return nil, nil, fmt.Errorf("waited %v: %w", p.cfg.PoolWait, mirrorerr.ErrPoolExhausted)
		default:
			return nil, nil, p.unavailable(err)
		}
	}
	return c, func() {
		c.Release()
		p.mu.RUnlock()
	}, nil
}

// EnsureSchema creates every entity table with its search and content-hash
// indexes.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	c, release, err := p.acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, sc := range entity.All() {
		for _, stmt := range postgresSchema(sc) {
			if _, err := c.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("creating %s schema: %w", sc.Table, err)
			}
		}
	}
	return nil
}

func postgresSchema(sc *entity.Schema) []string {
	var cols strings.Builder
	cols.WriteString("natural_key TEXT PRIMARY KEY")
	for _, f := range sc.Fields {
		typ := "TEXT"
		switch f.Kind {
		case entity.KindInteger:
			typ = "BIGINT"
		case entity.KindList:
			typ = "TEXT[]"
		}
		fmt.Fprintf(&cols, ",\n\t\t%s %s", quote(f.Name), typ)
	}
	cols.WriteString(",\n\t\tsource TEXT" +
		",\n\t\tcontent_hash TEXT NOT NULL" +
		",\n\t\tsearch_text TEXT NOT NULL DEFAULT ''" +
		",\n\t\tsearch_vector tsvector GENERATED ALWAYS AS (to_tsvector('simple', search_text)) STORED" +
		",\n\t\tlast_updated TIMESTAMPTZ NOT NULL")

	t := quote(sc.Table)
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s\n\t)", t, cols.String()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (search_vector)", quote("idx_"+sc.Table+"_search"), t),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (content_hash)", quote("idx_"+sc.Table+"_content_hash"), t),
	}
}

func postgresConflict(sc *entity.Schema) string {
	t := quote(sc.Table)
	sets := make([]string, 0, len(sc.Fields)+4)
	for _, f := range sc.Fields {
		c := quote(f.Name)
		switch f.Kind {
		case entity.KindInteger:
			sets = append(sets, fmt.Sprintf("%s = COALESCE(excluded.%s, %s.%s)", c, c, t, c))
		case entity.KindList:
			sets = append(sets, fmt.Sprintf("%s = COALESCE(NULLIF(excluded.%s, '{}'::text[]), %s.%s)", c, c, t, c))
		default:
			sets = append(sets, fmt.Sprintf("%s = COALESCE(NULLIF(excluded.%s, ''), %s.%s)", c, c, t, c))
		}
	}
	sets = append(sets,
		fmt.Sprintf("source = COALESCE(NULLIF(excluded.source, ''), %s.source)", t),
		"content_hash = excluded.content_hash",
		"search_text = excluded.search_text",
		fmt.Sprintf("last_updated = GREATEST(excluded.last_updated, %s.last_updated + interval '1 microsecond')", t),
	)
	return "ON CONFLICT (natural_key) DO UPDATE SET " + strings.Join(sets, ", ")
}

// BulkUpsert merges records with merge.Preserve and queues one upsert per
// changed row in a pgx.Batch inside a single transaction.
func (p *Postgres) BulkUpsert(ctx context.Context, e types.EntityType, recs []types.CleanRecord) (UpsertResult, error) {
	if len(recs) == 0 {
		return UpsertResult{}, nil
	}
	sc, err := entity.Lookup(e)
	if err != nil {
		return UpsertResult{}, err
	}
	start := time.Now()

	c, release, err := p.acquire(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	defer release()

	tx, err := c.Begin(ctx)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	stored, err := p.load(ctx, tx, sc, uniqueKeys(recs))
	if err != nil {
		return UpsertResult{}, err
	}
	rows, res := plan(sc, recs, stored)
	if len(rows) > 0 {
		if err := p.write(ctx, tx, sc, rows); err != nil {
			return UpsertResult{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return UpsertResult{}, fmt.Errorf("committing %s batch: %w", e, err)
	}

	observeUpsert(postgresBackend, e, res, time.Since(start))
	return res, nil
}

func (p *Postgres) write(ctx context.Context, tx pgx.Tx, sc *entity.Schema, rows []row) error {
	now := p.now().UTC()
	query, _, err := p.sb.Insert(quote(sc.Table)).
		Columns(columns(sc)...).
		Values(pgValues(sc, rows[0], now)...).
		Suffix(postgresConflict(sc)).
		ToSql()
	if err != nil {
		return fmt.Errorf("building %s upsert: %w", sc.Table, err)
	}

	b := &pgx.Batch{}
	for _, r := range rows {
		b.Queue(query, pgValues(sc, r, now)...)
	}
	br := tx.SendBatch(ctx, b)
	for _, r := range rows {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("upserting %s %s: %w", sc.Table, r.key, err)
		}
	}
	if err := br.Close(); err != nil {
		return fmt.Errorf("upserting %s rows: %w", sc.Table, err)
	}
	return nil
}

type pgQueryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *Postgres) load(ctx context.Context, q pgQueryer, sc *entity.Schema, keys []string) (map[string]types.Fields, error) {
	out := make(map[string]types.Fields, len(keys))
	for _, chunk := range chunks(keys, keyChunk) {
		query, args, err := p.sb.Select(itemColumns(sc, "")...).
			From(quote(sc.Table)).
			Where(sq.Eq{"natural_key": chunk}).
			ToSql()
		if err != nil {
			return nil, fmt.Errorf("building %s lookup: %w", sc.Table, err)
		}
		items, err := p.queryItems(ctx, q, sc, query, args)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			out[item.Key] = item.Fields
		}
	}
	return out, nil
}

// Existing returns the stored fields for the keys present in the store.
func (p *Postgres) Existing(ctx context.Context, e types.EntityType, keys []string) (map[string]types.Fields, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]types.Fields{}, nil
	}
	c, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return p.load(ctx, c, sc, keys)
}

// Search matches query against the tsvector column, ranked by ts_rank.
func (p *Postgres) Search(ctx context.Context, e types.EntityType, query string, limit int) ([]types.Item, int, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return nil, 0, err
	}
	limit = clampLimit(limit)
	query = strings.TrimSpace(query)

	t := quote(sc.Table)
	sel := p.sb.Select(itemColumns(sc, "")...).From(t)
	count := p.sb.Select("count(*)").From(t)
	if query == "" {
		sel = sel.OrderBy("natural_key")
	} else {
		const match = "search_vector @@ plainto_tsquery('simple', ?)"
		sel = sel.Where(match, query).
			OrderByClause("ts_rank(search_vector, plainto_tsquery('simple', ?)) DESC", query).
			OrderBy("natural_key")
		count = count.Where(match, query)
	}

	c, release, err := p.acquire(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	q, args, err := count.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building %s count: %w", sc.Table, err)
	}
	var total int
	if err := c.QueryRow(ctx, q, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting %s matches: %w", sc.Table, err)
	}

	q, args, err = sel.Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building %s search: %w", sc.Table, err)
	}
	items, err := p.queryItems(ctx, c, sc, q, args)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Get returns the row with the given natural key.
func (p *Postgres) Get(ctx context.Context, e types.EntityType, key string) (*types.Item, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return nil, err
	}
	c, release, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	q, args, err := p.sb.Select(itemColumns(sc, "")...).From(quote(sc.Table)).Where(sq.Eq{"natural_key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building %s get: %w", sc.Table, err)
	}
	item, err := scanPGItem(c.QueryRow(ctx, q, args...), sc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", e, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Count returns the number of rows of e.
func (p *Postgres) Count(ctx context.Context, e types.EntityType) (int, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return 0, err
	}
	c, release, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := c.QueryRow(ctx, "SELECT count(*) FROM "+quote(sc.Table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", sc.Table, err)
	}
	return n, nil
}

// Export writes every row of e in key order.
func (p *Postgres) Export(ctx context.Context, e types.EntityType, w io.Writer, format ExportFormat) (int, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return 0, err
	}
	return export(ctx, w, format, func(ctx context.Context, after string, n int) ([]types.Item, error) {
		c, release, err := p.acquire(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		q, args, err := p.sb.Select(itemColumns(sc, "")...).
			From(quote(sc.Table)).
			Where(sq.Gt{"natural_key": after}).
			OrderBy("natural_key").
			Limit(uint64(n)).
			ToSql()
		if err != nil {
			return nil, err
		}
		return p.queryItems(ctx, c, sc, q, args)
	})
}

func (p *Postgres) queryItems(ctx context.Context, q pgQueryer, sc *entity.Schema, query string, args []any) ([]types.Item, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", sc.Table, err)
	}
	defer rows.Close()

	var items []types.Item
	for rows.Next() {
		item, err := scanPGItem(rows, sc)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("querying %s: %w", sc.Table, err)
	}
	return items, nil
}

// Ping checks the server is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if err := p.pool.Ping(ctx); err != nil {
		return p.unavailable(err)
	}
	return nil
}

// Reconnect builds a fresh pool and swaps it in.
func (p *Postgres) Reconnect(ctx context.Context) error {
	pool, err := p.open(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	old := p.pool
	p.pool = pool
	p.mu.Unlock()
	old.Close()
	p.log.Info().Msg("store reconnected")
	return nil
}

// Close releases the pool.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pool.Close()
	return nil
}

func scanPGItem(r scanner, sc *entity.Schema) (types.Item, error) {
	var (
		key     string
		source  *string
		updated time.Time
	)
	vals := make([]any, len(sc.Fields))
	dest := make([]any, 0, len(sc.Fields)+3)
	dest = append(dest, &key)
	for i, f := range sc.Fields {
		switch f.Kind {
		case entity.KindInteger:
			vals[i] = new(*int64)
		case entity.KindList:
			vals[i] = new([]string)
		default:
			vals[i] = new(*string)
		}
		dest = append(dest, vals[i])
	}
	dest = append(dest, &source, &updated)

	if err := r.Scan(dest...); err != nil {
		return types.Item{}, fmt.Errorf("scanning %s row: %w", sc.Table, err)
	}

	fields := types.Fields{}
	for i, f := range sc.Fields {
		var v any
		switch val := vals[i].(type) {
		case **int64:
			if *val != nil {
				v = **val
			}
		case *[]string:
			if len(*val) > 0 {
				v = *val
			}
		case **string:
			if *val != nil {
				v = **val
			}
		}
		if !merge.IsEmpty(v) {
			fields[f.Name] = v
		}
	}

	item := types.Item{Entity: sc.Entity, Key: key, Fields: fields, LastUpdated: updated.UTC()}
	if source != nil {
		item.Source = *source
	}
	return item, nil
}

func pgValues(sc *entity.Schema, r row, now time.Time) []any {
	vals := make([]any, 0, len(sc.Fields)+5)
	vals = append(vals, r.key)
	for _, f := range sc.Fields {
		v := r.fields[f.Name]
		if merge.IsEmpty(v) {
			v = nil
		}
		vals = append(vals, v)
	}
	return append(vals, nullIfEmpty(r.source), r.contentHash, r.searchText, now)
}
