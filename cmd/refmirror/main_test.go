// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/refmirror/internal/config"
	"github.com/pdiddy/refmirror/internal/orchestrator"
	"github.com/pdiddy/refmirror/pkg/types"
)

func TestSelectSources(t *testing.T) {
	app.cfg = types.MirrorConfig{Sources: []types.SourceConfig{
		{Name: "pubmed-baseline", Entity: types.EntityArticle},
		{Name: "icd10-cm", Entity: types.EntityICD10},
	}}
	t.Cleanup(func() { app.cfg = types.MirrorConfig{} })

	all, err := selectSources(nil, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := selectSources([]string{"icd10-cm"}, false)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, types.EntityICD10, one[0].Entity)

	_, err = selectSources([]string{"nope"}, false)
	assert.Error(t, err)
	_, err = selectSources(nil, false)
	assert.Error(t, err)
}

const workersYAML = `
download:
  workers: 2
sources:
  - name: icd10
    kind: manifest
    entity: icd10
    manifest_path: manifests/icd10.yaml
    format: csv
    field_map:
      code: CODE
      description: SHORT DESCRIPTION
  - name: openfda-ndc
    kind: paged_api
    entity: drug
    url: https://api.fda.gov/drug/ndc.json
    items_path: results
    total_path: meta.results.total
    workers: 6
`

func TestSyncWorkers(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(strings.NewReader(workersYAML)))
	cfg, err := config.Load(v)
	require.NoError(t, err)
	app.cfg = cfg
	t.Cleanup(func() { app.cfg = types.MirrorConfig{} })

	assert.Equal(t, 2, syncWorkers(0))
	assert.Equal(t, 8, syncWorkers(8))

	icdCfg, _ := cfg.Source("icd10")
	icd, err := newAdapter(icdCfg)
	require.NoError(t, err)
	ndcCfg, _ := cfg.Source("openfda-ndc")
	ndc, err := newAdapter(ndcCfg)
	require.NoError(t, err)

	flagged := orchestrator.New(nil, nil, orchestrator.Options{Workers: syncWorkers(8)}, zerolog.Nop())
	assert.Equal(t, 8, flagged.Workers(icd), "--workers beats download.workers")
	assert.Equal(t, 6, flagged.Workers(ndc), "a source's own workers beat --workers")

	plain := orchestrator.New(nil, nil, orchestrator.Options{Workers: syncWorkers(0)}, zerolog.Nop())
	assert.Equal(t, 2, plain.Workers(icd))
	assert.Equal(t, 6, plain.Workers(ndc))
}

func TestExportFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "articles.json")

	n, err := exportFile(path, func(w io.Writer) (int, error) {
		_, err := w.Write([]byte("[]\n"))
		return 3, err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data))

	_, err = exportFile(path, func(w io.Writer) (int, error) {
		w.Write([]byte("partial"))
		return 0, errors.New("store closed")
	})
	require.Error(t, err)
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[]\n", string(data), "a failed export leaves the previous file")

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are removed")
}

func TestParseEntity(t *testing.T) {
	e, err := parseEntity("trial")
	require.NoError(t, err)
	assert.Equal(t, types.EntityTrial, e)

	_, err = parseEntity("patient")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "article")
}

func TestTitle(t *testing.T) {
	it := types.Item{Fields: types.Fields{"title": "Zinc for the common cold"}}
	assert.Equal(t, "Zinc for the common cold", title(types.EntityArticle, it))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "short", truncate("short", 10))
}
