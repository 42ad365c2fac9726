// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pdiddy/refmirror/internal/mirrorerr"
	"github.com/pdiddy/refmirror/pkg/types"
)

const indexHTML = `<html><body>
<a href="?C=N;O=D">Name</a>
<a href="../">Parent Directory</a>
<a href="pubmed26n0001.xml.gz">pubmed26n0001.xml.gz</a>
<a href="pubmed26n0001.xml.gz.md5">pubmed26n0001.xml.gz.md5</a>
<a href="/baseline/pubmed26n0002.xml.gz">pubmed26n0002.xml.gz</a>
<a href="pubmed26n0001.xml.gz">duplicate link</a>
<a href="README.txt">README.txt</a>
</body></html>`

func TestDirectory_ListUnits(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "refmirror-test", r.Header.Get("User-Agent"))
		w.Write([]byte(indexHTML))
	}))
	defer ts.Close()

	a, err := New(types.SourceConfig{
		Name:    "pubmed-baseline",
		Kind:    types.KindDirectory,
		Entity:  types.EntityArticle,
		URL:     ts.URL + "/baseline/",
		Pattern: `\.xml\.gz$`,
		Format:  types.FormatPubMedXML,
	}, Options{Client: ts.Client(), UserAgent: "refmirror-test"})
	require.NoError(t, err)

	units, err := a.ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "pubmed26n0001.xml.gz", units[0].ID)
	assert.Equal(t, ts.URL+"/baseline/pubmed26n0001.xml.gz", units[0].URL)
	assert.Equal(t, "pubmed26n0002.xml.gz", units[1].ID)
}

func TestDirectory_FetchClassifiesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/limited":
			w.Header().Set("Retry-After", "120")
			w.WriteHeader(http.StatusTooManyRequests)
		case "/gone":
			w.WriteHeader(http.StatusNotFound)
		case "/broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.Write([]byte("ok"))
		}
	}))
	defer ts.Close()

	a, err := New(types.SourceConfig{
		Name: "s", Kind: types.KindDirectory, Entity: types.EntityICD10, URL: ts.URL, Format: types.FormatCSV,
	}, Options{Client: ts.Client()})
	require.NoError(t, err)
	ctx := context.Background()

	data, err := a.FetchUnit(ctx, Unit{ID: "ok", URL: ts.URL + "/ok"})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))

	_, err = a.FetchUnit(ctx, Unit{ID: "l", URL: ts.URL + "/limited"})
	retryAfter, limited := mirrorerr.IsRateLimited(err)
	assert.True(t, limited)
	assert.Equal(t, 120, int(retryAfter.Seconds()))

	_, err = a.FetchUnit(ctx, Unit{ID: "g", URL: ts.URL + "/gone"})
	assert.False(t, mirrorerr.IsRetryable(err))

	_, err = a.FetchUnit(ctx, Unit{ID: "b", URL: ts.URL + "/broken"})
	var transient *mirrorerr.TransientNetworkError
	assert.ErrorAs(t, err, &transient)
}

func TestPagedAPI_ListAndFetch(t *testing.T) {
	var calls int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		q := r.URL.Query()
		assert.Equal(t, "secret", q.Get("api_key"))
		if q.Get("limit") == "1" {
			w.Write([]byte(`{"meta":{"results":{"total":250}},"results":[]}`))
			return
		}
		skip, _ := strconv.Atoi(q.Get("skip"))
		w.Write([]byte(`{"results":[{"product_ndc":"0002-` + strconv.Itoa(3000+skip) + `","generic_name":"x"}]}`))
	}))
	defer ts.Close()

	a, err := New(types.SourceConfig{
		Name:        "openfda-ndc",
		Kind:        types.KindPagedAPI,
		Entity:      types.EntityDrug,
		URL:         ts.URL + "/drug/ndc.json",
		PageSize:    100,
		OffsetParam: "skip",
		LimitParam:  "limit",
		TotalPath:   "meta.results.total",
		Format:      types.FormatJSON,
		ItemsPath:   "results",
		FieldMap:    map[string]string{"ndc": "product_ndc"},
		APIKeyParam: "api_key",
	}, Options{Client: ts.Client(), APIKey: "secret"})
	require.NoError(t, err)

	units, err := a.ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 3)
	assert.Equal(t, "offset-000000000", units[0].ID)
	assert.Equal(t, "offset-000000200", units[2].ID)

	data, err := a.FetchUnit(context.Background(), units[2])
	require.NoError(t, err)
	recs, err := a.Decode(units[2].ID, data)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0002-3200", recs[0].Fields["ndc"])
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestManifest_ListAndFetchLocal(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "codes.csv"), []byte("code,description\nA00,Cholera\n"), 0o644))
	manifestPath := filepath.Join(dir, "icd10.yaml")
	require.NoError(t, os.WriteFile(manifestPath, []byte(`
units:
  - id: local
    path: codes.csv
  - id: remote
    url: https://example.org/icd10.csv
`), 0o644))

	a, err := New(types.SourceConfig{
		Name: "icd10", Kind: types.KindManifest, Entity: types.EntityICD10,
		ManifestPath: manifestPath, Format: types.FormatCSV,
	}, Options{})
	require.NoError(t, err)

	units, err := a.ListUnits(context.Background())
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, filepath.Join(dir, "codes.csv"), units[0].Path)
	assert.Equal(t, "https://example.org/icd10.csv", units[1].URL)

	data, err := a.FetchUnit(context.Background(), units[0])
	require.NoError(t, err)
	recs, err := a.Decode("local", data)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, types.Fields{"code": "A00", "description": "Cholera"}, recs[0].Fields)
}

func TestManifest_RejectsBadEntries(t *testing.T) {
	dir := t.TempDir()
	tests := map[string]string{
		"missing id":   "units:\n  - url: https://x\n",
		"duplicate id": "units:\n  - id: a\n    url: https://x\n  - id: a\n    url: https://y\n",
		"both":         "units:\n  - id: a\n    url: https://x\n    path: y.csv\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, "m.yaml")
			require.NoError(t, os.WriteFile(p, []byte(doc), 0o644))
			a, err := New(types.SourceConfig{
				Name: "m", Kind: types.KindManifest, Entity: types.EntityHCPCS, ManifestPath: p, Format: types.FormatCSV,
			}, Options{})
			require.NoError(t, err)
			_, err = a.ListUnits(context.Background())
			assert.Error(t, err)
		})
	}
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New(types.SourceConfig{Name: "x", Kind: "ftp", Entity: types.EntityFood, Format: types.FormatCSV}, Options{})
	assert.Error(t, err)
}
