// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/refmirror/internal/entity"
	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

func testSQLite(t *testing.T, maxConns int) *SQLite {
	t.Helper()
	cfg := types.StoreConfig{
		Driver:   types.DriverSQLite,
		Path:     filepath.Join(t.TempDir(), "mirror.db"),
		MaxConns: maxConns,
		PoolWait: 50 * time.Millisecond,
	}
	st, err := Open(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st.(*SQLite)
}

func article(key string, fields types.Fields) types.CleanRecord {
	sc, _ := entity.Lookup(types.EntityArticle)
	return types.CleanRecord{
		Entity:      types.EntityArticle,
		Key:         key,
		Fingerprint: sc.Fingerprint(key, fields),
		Source:      "pubmed",
		Fields:      fields,
	}
}

func keysOf(items []types.Item) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	sort.Strings(keys)
	return keys
}

func TestSQLite_BulkUpsertOutcomes(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	first := []types.CleanRecord{
		article("1", types.Fields{"title": "Asthma in adults", "journal": "Lancet", "authors": []string{"Smith J"}}),
		article("2", types.Fields{"title": "Insulin therapy"}),
	}
	res, err := s.BulkUpsert(ctx, types.EntityArticle, first)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 2}, res)

	res, err = s.BulkUpsert(ctx, types.EntityArticle, first)
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Unchanged: 2}, res, "re-upserting identical rows writes nothing")

	res, err = s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{
		article("1", types.Fields{"title": "Asthma in adults", "abstract": "New abstract"}),
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Updated: 1}, res)

	got, err := s.Get(ctx, types.EntityArticle, "1")
	require.NoError(t, err)
	assert.Equal(t, types.Fields{
		"title":    "Asthma in adults",
		"journal":  "Lancet",
		"authors":  []string{"Smith J"},
		"abstract": "New abstract",
	}, got.Fields)
	assert.Equal(t, "pubmed", got.Source)

	n, err := s.Count(ctx, types.EntityArticle)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSQLite_EmptyValuesNeverErase(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	_, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{
		article("1", types.Fields{"title": "T", "journal": "Lancet", "authors": []string{"Smith J"}}),
	})
	require.NoError(t, err)

	res, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{
		article("1", types.Fields{"title": "T", "journal": "", "authors": []string{}}),
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Unchanged: 1}, res)

	// Bypass the merge step so only the upsert clause protects stored values.
	sc, _ := entity.Lookup(types.EntityArticle)
	tx, err := s.db.BeginTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, s.write(ctx, tx, sc, []row{{
		key:         "1",
		fields:      types.Fields{"title": "Retitled"},
		contentHash: "h",
		searchText:  "1 Retitled",
	}}))
	require.NoError(t, tx.Commit())

	got, err := s.Get(ctx, types.EntityArticle, "1")
	require.NoError(t, err)
	assert.Equal(t, "Retitled", got.Fields["title"])
	assert.Equal(t, "Lancet", got.Fields["journal"])
	assert.Equal(t, []string{"Smith J"}, got.Fields["authors"])
	assert.Equal(t, "pubmed", got.Source)
}

func TestSQLite_DuplicateKeysInBatchCollapse(t *testing.T) {
	s := testSQLite(t, 4)

	res, err := s.BulkUpsert(context.Background(), types.EntityArticle, []types.CleanRecord{
		article("7", types.Fields{"title": "A"}),
		article("7", types.Fields{"journal": "J"}),
	})
	require.NoError(t, err)
	assert.Equal(t, UpsertResult{Inserted: 1}, res)

	got, err := s.Get(context.Background(), types.EntityArticle, "7")
	require.NoError(t, err)
	assert.Equal(t, types.Fields{"title": "A", "journal": "J"}, got.Fields)
}

func TestSQLite_LastUpdatedAdvances(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	_, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{article("1", types.Fields{"title": "A"})})
	require.NoError(t, err)
	before, err := s.Get(ctx, types.EntityArticle, "1")
	require.NoError(t, err)
	assert.True(t, before.LastUpdated.Equal(fixed))

	_, err = s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{article("1", types.Fields{"title": "A", "doi": "10.1/x"})})
	require.NoError(t, err)
	after, err := s.Get(ctx, types.EntityArticle, "1")
	require.NoError(t, err)
	assert.True(t, after.LastUpdated.After(before.LastUpdated), "clock did not move but the row changed")
}

func TestSQLite_TypedFields(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	sc, _ := entity.Lookup(types.EntityTrial)
	fields := types.Fields{
		"title":      "A trial",
		"enrollment": int64(0),
		"conditions": []string{"Asthma", "COPD"},
		"start_date": "2021-03-05",
	}
	_, err := s.BulkUpsert(ctx, types.EntityTrial, []types.CleanRecord{{
		Entity:      types.EntityTrial,
		Key:         "NCT01234567",
		Fingerprint: sc.Fingerprint("NCT01234567", fields),
		Fields:      fields,
	}})
	require.NoError(t, err)

	got, err := s.Get(ctx, types.EntityTrial, "NCT01234567")
	require.NoError(t, err)
	assert.Equal(t, fields, got.Fields, "integer zero is stored as a value")
	assert.Equal(t, types.EntityTrial, got.Entity)
}

func TestSQLite_Search(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	_, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{
		article("1", types.Fields{"title": "Asthma in adults"}),
		article("2", types.Fields{"title": "Insulin therapy"}),
		article("3", types.Fields{"title": "Severe asthma exacerbation", "mesh_terms": []string{"Asthma"}}),
	})
	require.NoError(t, err)

	items, total, err := s.Search(ctx, types.EntityArticle, "asthma", 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, []string{"1", "3"}, keysOf(items))

	items, total, err = s.Search(ctx, types.EntityArticle, "severe ASTHMA", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"3"}, keysOf(items))

	items, total, err = s.Search(ctx, types.EntityArticle, `"unbalanced`, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, items)

	items, total, err = s.Search(ctx, types.EntityArticle, "", 2)
	require.NoError(t, err)
	assert.Equal(t, 3, total, "total counts every match, not just the page")
	assert.Equal(t, []string{"1", "2"}, keysOf(items))

	// The index follows updates.
	_, err = s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{article("2", types.Fields{"title": "Asthma and insulin"})})
	require.NoError(t, err)
	_, total, err = s.Search(ctx, types.EntityArticle, "asthma", 10)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	_, total, err = s.Search(ctx, types.EntityArticle, "therapy", 10)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestSQLite_ExistingAndGet(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	_, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{
		article("1", types.Fields{"title": "A"}),
		article("2", types.Fields{"title": "B"}),
	})
	require.NoError(t, err)

	found, err := s.Existing(ctx, types.EntityArticle, []string{"1", "2", "99"})
	require.NoError(t, err)
	assert.Equal(t, map[string]types.Fields{"1": {"title": "A"}, "2": {"title": "B"}}, found)

	empty, err := s.Existing(ctx, types.EntityArticle, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = s.Get(ctx, types.EntityArticle, "99")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = s.Get(ctx, types.EntityType("nope"), "1")
	assert.Error(t, err)
}

func TestSQLite_LargeBatch(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	const n = 1234
	recs := make([]types.CleanRecord, n)
	keys := make([]string, n)
	for i := range recs {
		keys[i] = fmt.Sprint(i + 1)
		recs[i] = article(keys[i], types.Fields{"title": fmt.Sprintf("title %d", i)})
	}

	res, err := s.BulkUpsert(ctx, types.EntityArticle, recs)
	require.NoError(t, err)
	assert.Equal(t, n, res.Inserted)

	found, err := s.Existing(ctx, types.EntityArticle, keys)
	require.NoError(t, err)
	assert.Len(t, found, n)

	_, total, err := s.Search(ctx, types.EntityArticle, "title", 5)
	require.NoError(t, err)
	assert.Equal(t, n, total)
}

func TestSQLite_PoolExhausted(t *testing.T) {
	s := testSQLite(t, 1)
	ctx := context.Background()

	_, release, err := s.conn(ctx)
	require.NoError(t, err)

	_, err = s.Count(ctx, types.EntityArticle)
	require.Error(t, err)
	assert.True(t, errors.Is(err, mirrorerr.ErrPoolExhausted))
	assert.True(t, mirrorerr.IsStoreUnavailable(err))

	release()
	n, err := s.Count(ctx, types.EntityArticle)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSQLite_UnavailableAndReconnect(t *testing.T) {
	s := testSQLite(t, 2)
	ctx := context.Background()

	_, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{article("1", types.Fields{"title": "A"})})
	require.NoError(t, err)
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Close())

	var su *mirrorerr.StoreUnavailableError
	assert.ErrorAs(t, s.Ping(ctx), &su)
	_, err = s.Count(ctx, types.EntityArticle)
	assert.ErrorAs(t, err, &su)

	require.NoError(t, s.Reconnect(ctx))
	require.NoError(t, s.Ping(ctx))
	n, err := s.Count(ctx, types.EntityArticle)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestOpen_Unavailable(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o644))

	_, err := Open(context.Background(), types.StoreConfig{Driver: types.DriverSQLite, Path: filepath.Join(blocker, "mirror.db")}, zerolog.Nop())
	var su *mirrorerr.StoreUnavailableError
	require.ErrorAs(t, err, &su)
	assert.Equal(t, "sqlite", su.Backend)

	_, err = Open(context.Background(), types.StoreConfig{Driver: "oracle"}, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown store driver")
}

func TestSQLite_Export(t *testing.T) {
	s := testSQLite(t, 4)
	ctx := context.Background()

	_, err := s.BulkUpsert(ctx, types.EntityArticle, []types.CleanRecord{
		article("2", types.Fields{"title": "B", "authors": []string{"Doe A"}}),
		article("1", types.Fields{"title": "A"}),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := s.Export(ctx, types.EntityArticle, &buf, ExportJSON)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	var decoded []types.Item
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "1", decoded[0].Key)
	assert.Equal(t, "B", decoded[1].Fields["title"])

	buf.Reset()
	n, err = s.Export(ctx, types.EntityArticle, &buf, ExportYAML)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	var rows []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &rows))
	assert.Len(t, rows, 2)

	_, err = s.Export(ctx, types.EntityArticle, &buf, ExportFormat("csv"))
	assert.Error(t, err)

	buf.Reset()
	n, err = s.Export(ctx, types.EntityDrug, &buf, ExportJSON)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, "[]\n", buf.String())
}

func TestParseExportFormat(t *testing.T) {
	f, err := ParseExportFormat("")
	require.NoError(t, err)
	assert.Equal(t, ExportJSON, f)

	f, err = ParseExportFormat("yaml")
	require.NoError(t, err)
	assert.Equal(t, ExportYAML, f)

	_, err = ParseExportFormat("xml")
	assert.Error(t, err)
}

func TestChunks(t *testing.T) {
	assert.Nil(t, chunks(nil, 3))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, chunks([]string{"a", "b", "c"}, 2))
}

func TestFTSQuery(t *testing.T) {
	assert.Equal(t, `"severe" "asthma"`, ftsQuery("  severe asthma "))
	assert.Equal(t, `"unbalanced"`, ftsQuery(`"unbalanced`))
	assert.Equal(t, "", ftsQuery(`" "`))
}
