// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/merge"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

const sqliteBackend = "sqlite"

// writeChunk bounds the rows in one multi-row INSERT.
const writeChunk = 200

// SQLite stores the mirror in a single WAL-mode database file with one
// FTS5 index per entity table.
type SQLite struct {
	mu  sync.RWMutex
	db  *sql.DB
	cfg types.StoreConfig
	log zerolog.Logger
	now func() time.Time
}

// OpenSQLite opens or creates the database at cfg.Path. Open and ping
// failures are reported as *mirrorerr.StoreUnavailableError.
func OpenSQLite(ctx context.Context, cfg types.StoreConfig, log zerolog.Logger) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, &mirrorerr.StoreUnavailableError{Backend: sqliteBackend, Err: errors.New("no database path configured")}
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 8
	}
	s := &SQLite{cfg: cfg, log: log, now: time.Now}
	db, err := s.open(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *SQLite) open(ctx context.Context) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.cfg.Path), 0o755); err != nil {
		return nil, s.unavailable(fmt.Errorf("creating database directory: %w", err))
	}
	db, err := sql.Open("sqlite3", s.cfg.Path+"?_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, s.unavailable(fmt.Errorf("opening database: %w", err))
	}
	db.SetMaxOpenConns(s.cfg.MaxConns)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, s.unavailable(err)
	}
	return db, nil
}

func (s *SQLite) unavailable(err error) error {
	return &mirrorerr.StoreUnavailableError{Backend: sqliteBackend, Err: err}
}

// conn takes a pooled connection, waiting at most PoolWait for one. The
// release func returns it to the pool.
func (s *SQLite) conn(ctx context.Context) (*sql.Conn, func(), error) {
	s.mu.RLock()
	waitCtx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.PoolWait > 0 {
		waitCtx, cancel = context.WithTimeout(ctx, s.cfg.PoolWait)
	}
	c, err := s.db.Conn(waitCtx)
	cancel()
	if err != nil {
		s.mu.RUnlock()
		switch {
		case ctx.Err() != nil:
			return nil, nil, ctx.Err()
		case errors.Is(err, context.DeadlineExceeded):
			poolExhausted.WithLabelValues(sqliteBackend).Inc()
			return nil, nil, fmt.Errorf("waited %v: %w", s.cfg.PoolWait, mirrorerr.ErrPoolExhausted)
		default:
			return nil, nil, s.unavailable(err)
		}
	}
	return c, func() {
		c.Close()
		s.mu.RUnlock()
	}, nil
}

// EnsureSchema creates every entity table, its content-hash index, and its
// FTS5 table.
func (s *SQLite) EnsureSchema(ctx context.Context) error {
	c, release, err := s.conn(ctx)
	if err != nil {
		return err
	}
	defer release()

	for _, sc := range entity.All() {
		for _, stmt := range sqliteSchema(sc) {
			if _, err := c.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("creating %s schema: %w", sc.Table, err)
			}
		}
	}
	return nil
}

func sqliteSchema(sc *entity.Schema) []string {
	var cols strings.Builder
	cols.WriteString("id INTEGER PRIMARY KEY AUTOINCREMENT,\n\t\tnatural_key TEXT NOT NULL UNIQUE")
	for _, f := range sc.Fields {
		typ := "TEXT"
		if f.Kind == entity.KindInteger {
			typ = "INTEGER"
		}
		fmt.Fprintf(&cols, ",\n\t\t%s %s", quote(f.Name), typ)
	}
	cols.WriteString(",\n\t\tsource TEXT,\n\t\tcontent_hash TEXT NOT NULL,\n\t\tsearch_text TEXT NOT NULL DEFAULT '',\n\t\tlast_updated INTEGER NOT NULL")

	t := quote(sc.Table)
	return []string{
		fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t\t%s\n\t)", t, cols.String()),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s(content_hash)", quote("idx_"+sc.Table+"_content_hash"), t),
		fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS %s USING fts5(search_text)", quote(sc.Table+"_fts")),
	}
}

// sqliteConflict is the upsert clause. Empty incoming values keep the stored
// column, and last_updated always moves forward.
func sqliteConflict(sc *entity.Schema) string {
	t := quote(sc.Table)
	sets := make([]string, 0, len(sc.Fields)+4)
	for _, name := range append(sc.FieldNames(), "source") {
		c := quote(name)
		sets = append(sets, fmt.Sprintf("%s = COALESCE(NULLIF(excluded.%s, ''), %s.%s)", c, c, t, c))
	}
	sets = append(sets,
		"content_hash = excluded.content_hash",
		"search_text = excluded.search_text",
		fmt.Sprintf("last_updated = MAX(excluded.last_updated, %s.last_updated + 1)", t),
	)
	return "ON CONFLICT(natural_key) DO UPDATE SET " + strings.Join(sets, ", ")
}

// BulkUpsert loads the stored rows for the batch keys in one pass, merges
// each record with merge.Preserve, and writes only the rows that change.
func (s *SQLite) BulkUpsert(ctx context.Context, e types.EntityType, recs []types.CleanRecord) (UpsertResult, error) {
	if len(recs) == 0 {
		return UpsertResult{}, nil
	}
	sc, err := entity.Lookup(e)
	if err != nil {
		return UpsertResult{}, err
	}
	start := time.Now()

	c, release, err := s.conn(ctx)
	if err != nil {
		return UpsertResult{}, err
	}
	defer release()

	tx, err := c.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stored, err := s.load(ctx, tx, sc, uniqueKeys(recs))
	if err != nil {
		return UpsertResult{}, err
	}
	rows, res := plan(sc, recs, stored)
	if len(rows) > 0 {
		if err := s.write(ctx, tx, sc, rows); err != nil {
			return UpsertResult{}, err
		}
		if err := s.reindex(ctx, tx, sc, rows); err != nil {
			return UpsertResult{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing %s batch: %w", e, err)
	}

	observeUpsert(sqliteBackend, e, res, time.Since(start))
	return res, nil
}

func (s *SQLite) write(ctx context.Context, tx *sql.Tx, sc *entity.Schema, rows []row) error {
	cols := columns(sc)
	suffix := sqliteConflict(sc)
	now := s.now().UnixNano()

	for start := 0; start < len(rows); start += writeChunk {
		end := min(start+writeChunk, len(rows))
		ins := sq.Insert(quote(sc.Table)).Columns(cols...)
		for _, r := range rows[start:end] {
			ins = ins.Values(sqliteValues(sc, r, now)...)
		}
		query, args, err := ins.Suffix(suffix).ToSql()
		if err != nil {
			return fmt.Errorf("building %s upsert: %w", sc.Table, err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("upserting %s rows: %w", sc.Table, err)
		}
	}
	return nil
}

// reindex replaces the FTS5 rows of every touched key, once per batch.
func (s *SQLite) reindex(ctx context.Context, tx *sql.Tx, sc *entity.Schema, rows []row) error {
	fts := quote(sc.Table + "_fts")
	keys := make([]string, len(rows))
	for i, r := range rows {
		keys[i] = r.key
	}

	for _, chunk := range chunks(keys, keyChunk) {
		ids, args, err := sq.Select("id").From(quote(sc.Table)).Where(sq.Eq{"natural_key": chunk}).ToSql()
		if err != nil {
			return fmt.Errorf("building %s index query: %w", sc.Table, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+fts+" WHERE rowid IN ("+ids+")", args...); err != nil {
			return fmt.Errorf("clearing %s search index: %w", sc.Table, err)
		}

		src, args, err := sq.Select("id", "search_text").From(quote(sc.Table)).Where(sq.Eq{"natural_key": chunk}).ToSql()
		if err != nil {
			return fmt.Errorf("building %s index query: %w", sc.Table, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO "+fts+"(rowid, search_text) "+src, args...); err != nil {
			return fmt.Errorf("rebuilding %s search index: %w", sc.Table, err)
		}
	}
	return nil
}

type sqlQueryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLite) load(ctx context.Context, q sqlQueryer, sc *entity.Schema, keys []string) (map[string]types.Fields, error) {
	out := make(map[string]types.Fields, len(keys))
	cols := itemColumns(sc, "")

	for _, chunk := range chunks(keys, keyChunk) {
		query, args, err := sq.Select(cols...).From(quote(sc.Table)).Where(sq.Eq{"natural_key": chunk}).ToSql()
		if err != nil {
			return nil, fmt.Errorf("building %s lookup: %w", sc.Table, err)
		}
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("loading %s rows: %w", sc.Table, err)
		}
		for rows.Next() {
			item, err := scanSQLiteItem(rows, sc)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[item.Key] = item.Fields
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("loading %s rows: %w", sc.Table, err)
		}
	}
	return out, nil
}

// Existing returns the stored fields for the keys present in the store.
func (s *SQLite) Existing(ctx context.Context, e types.EntityType, keys []string) (map[string]types.Fields, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return map[string]types.Fields{}, nil
	}
	c, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.load(ctx, c, sc, keys)
}

// Search matches query against the FTS5 index, ranked by relevance.
func (s *SQLite) Search(ctx context.Context, e types.EntityType, query string, limit int) ([]types.Item, int, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return nil, 0, err
	}
	limit = clampLimit(limit)

	t := quote(sc.Table)
	var sel, count sq.SelectBuilder
	if match := ftsQuery(query); match == "" {
		sel = sq.Select(itemColumns(sc, "")...).From(t).OrderBy("natural_key")
		count = sq.Select("count(*)").From(t)
	} else {
		fts := quote(sc.Table + "_fts")
		sel = sq.Select(itemColumns(sc, "t")...).
			From(fts).
			Join(t + " t ON t.id = " + fts + ".rowid").
			Where(fts+" MATCH ?", match).
			OrderBy(fts + ".rank")
		count = sq.Select("count(*)").From(fts).Where(fts+" MATCH ?", match)
	}

	c, release, err := s.conn(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer release()

	q, args, err := count.ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building %s count: %w", sc.Table, err)
	}
	var total int
	if err := c.QueryRowContext(ctx, q, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting %s matches: %w", sc.Table, err)
	}

	q, args, err = sel.Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, 0, fmt.Errorf("building %s search: %w", sc.Table, err)
	}
	items, err := s.queryItems(ctx, c, sc, q, args)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// ftsQuery turns free text into an FTS5 query requiring every term.
func ftsQuery(q string) string {
	var terms []string
	for _, term := range strings.Fields(q) {
		term = strings.ReplaceAll(term, `"`, "")
		if term != "" {
			terms = append(terms, `"`+term+`"`)
		}
	}
	return strings.Join(terms, " ")
}

// Get returns the row with the given natural key.
func (s *SQLite) Get(ctx context.Context, e types.EntityType, key string) (*types.Item, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return nil, err
	}
	c, release, err := s.conn(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	q, args, err := sq.Select(itemColumns(sc, "")...).From(quote(sc.Table)).Where(sq.Eq{"natural_key": key}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building %s get: %w", sc.Table, err)
	}
	item, err := scanSQLiteItem(c.QueryRowContext(ctx, q, args...), sc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s %s: %w", e, key, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Count returns the number of rows of e.
func (s *SQLite) Count(ctx context.Context, e types.EntityType) (int, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return 0, err
	}
	c, release, err := s.conn(ctx)
	if err != nil {
		return 0, err
	}
	defer release()

	var n int
	if err := c.QueryRowContext(ctx, "SELECT count(*) FROM "+quote(sc.Table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting %s: %w", sc.Table, err)
	}
	return n, nil
}

// Export writes every row of e in key order.
func (s *SQLite) Export(ctx context.Context, e types.EntityType, w io.Writer, format ExportFormat) (int, error) {
	sc, err := entity.Lookup(e)
	if err != nil {
		return 0, err
	}
	return export(ctx, w, format, func(ctx context.Context, after string, n int) ([]types.Item, error) {
		c, release, err := s.conn(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
		q, args, err := sq.Select(itemColumns(sc, "")...).
			From(quote(sc.Table)).
			Where(sq.Gt{"natural_key": after}).
			OrderBy("natural_key").
			Limit(uint64(n)).
			ToSql()
		if err != nil {
			return nil, err
		}
		return s.queryItems(ctx, c, sc, q, args)
	})
}

func (s *SQLite) queryItems(ctx context.Context, q sqlQueryer, sc *entity.Schema, query string, args []any) ([]types.Item, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", sc.Table, err)
	}
	defer rows.Close()

	var items []types.Item
	for rows.Next() {
		item, err := scanSQLiteItem(rows, sc)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Ping checks the database is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.db.PingContext(ctx); err != nil {
		return s.unavailable(err)
	}
	return nil
}

// Reconnect opens a fresh connection pool and swaps it in.
func (s *SQLite) Reconnect(ctx context.Context) error {
	db, err := s.open(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.mu.Unlock()
	old.Close()
	s.log.Info().Str("path", s.cfg.Path).Msg("store reconnected")
	return nil
}

// Close releases the database.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteItem(r scanner, sc *entity.Schema) (types.Item, error) {
	var (
		key     string
		source  sql.NullString
		updated int64
	)
	vals := make([]any, len(sc.Fields))
	dest := make([]any, 0, len(sc.Fields)+3)
	dest = append(dest, &key)
	for i, f := range sc.Fields {
		if f.Kind == entity.KindInteger {
			vals[i] = new(sql.NullInt64)
		} else {
			vals[i] = new(sql.NullString)
		}
		dest = append(dest, vals[i])
	}
	dest = append(dest, &source, &updated)

	if err := r.Scan(dest...); err != nil {
		return types.Item{}, fmt.Errorf("scanning %s row: %w", sc.Table, err)
	}

	fields := types.Fields{}
	for i, f := range sc.Fields {
		switch v := vals[i].(type) {
		case *sql.NullInt64:
			if v.Valid {
				fields[f.Name] = v.Int64
			}
		case *sql.NullString:
			if !v.Valid || v.String == "" {
				continue
			}
			if f.Kind != entity.KindList {
				fields[f.Name] = v.String
				continue
			}
			var list []string
			if err := json.Unmarshal([]byte(v.String), &list); err != nil {
				return types.Item{}, fmt.Errorf("decoding %s.%s of %s: %w", sc.Table, f.Name, key, err)
			}
			if len(list) > 0 {
				fields[f.Name] = list
			}
		}
	}

	return types.Item{
		Entity:      sc.Entity,
		Key:         key,
		Source:      source.String,
		Fields:      fields,
		LastUpdated: time.Unix(0, updated).UTC(),
	}, nil
}

func sqliteValues(sc *entity.Schema, r row, now int64) []any {
	vals := make([]any, 0, len(sc.Fields)+5)
	vals = append(vals, r.key)
	for _, f := range sc.Fields {
		vals = append(vals, sqliteValue(r.fields[f.Name]))
	}
	return append(vals, nullIfEmpty(r.source), r.contentHash, r.searchText, now)
}

// sqliteValue encodes a field value; lists are stored as JSON arrays and
// empty values as NULL.
func sqliteValue(v any) any {
	if merge.IsEmpty(v) {
		return nil
	}
	if list, ok := v.([]string); ok {
		data, _ := json.Marshal(list)
		return string(data)
	}
	return v
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
