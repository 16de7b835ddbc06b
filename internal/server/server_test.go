package server

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sitepull/internal/api"
	"github.com/bamsammich/sitepull/internal/dbexport"
	"github.com/bamsammich/sitepull/internal/jobstore"
	"github.com/bamsammich/sitepull/internal/manifest"
)

const testKey = "s3cret-key"

type fixture struct {
	srv   *Server
	store *jobstore.Memory
	site  string
	now   time.Time
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixture(t *testing.T, withDB bool) *fixture {
	t.Helper()
	site := t.TempDir()
	writeFile(t, filepath.Join(site, "wp-content", "uploads", "a.txt"), "alpha")
	writeFile(t, filepath.Join(site, "wp-content", "uploads", "b.txt"), "bravo!")
	writeFile(t, filepath.Join(site, "wp-content", "themes", "x", "style.css"), "body{}")
	writeFile(t, filepath.Join(site, "wp-config.php"), "DB_PASSWORD")

	f := &fixture{site: site, now: time.Unix(1_700_000_000, 0)}
	f.store = jobstore.NewMemory(func() time.Time { return f.now })

	cfg := Config{
		Key:     testKey,
		Version: "test",
		Scanner: manifest.NewScanner(manifest.ScannerConfig{SiteRoot: site, ContentDir: "wp-content"}),
		Store:   f.store,
	}
	if withDB {
		db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "wp.db"))
		require.NoError(t, err)
		t.Cleanup(func() { db.Close() })
		_, err = db.Exec(`CREATE TABLE wp_options (id INTEGER PRIMARY KEY, name TEXT);
			INSERT INTO wp_options VALUES (1, 'siteurl'), (2, 'home');`)
		require.NoError(t, err)
		cfg.Export = dbexport.NewManager(db, dbexport.SQLite{}, f.store, dbexport.Options{
			Dir: t.TempDir(),
			TTL: time.Minute,
			Now: func() time.Time { return f.now },
		})
	}

	srv, err := New(cfg)
	require.NoError(t, err)
	f.srv = srv
	return f
}

func (f *fixture) do(t *testing.T, method string, op api.Op, params url.Values, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	target := op.Path()
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set(api.KeyHeader, testKey)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestNew_RequiresKey(t *testing.T) {
	_, err := New(Config{Store: jobstore.NewMemory(nil), Scanner: manifest.NewScanner(manifest.ScannerConfig{})})
	assert.Error(t, err)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, false)

	tests := []struct {
		name   string
		header string
		query  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong header", "nope", "", http.StatusUnauthorized},
		{"header", testKey, "", http.StatusOK},
		{"query param", "", testKey, http.StatusOK},
		{"wrong prefix", testKey[:4], "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := api.OpPing.Path()
			if tt.query != "" {
				target += "?" + api.KeyParam + "=" + url.QueryEscape(tt.query)
			}
			req := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				req.Header.Set(api.KeyHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			f.srv.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestUnauthorizedDoesNoWork(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, api.OpManifestInit.Path(), nil)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	swept, err := f.store.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept)
	f.now = f.now.Add(time.Hour)
	swept, err = f.store.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, swept, "no manifest job may be created")
}

func TestUnknownOp(t *testing.T) {
	f := newFixture(t, false)
	req := httptest.NewRequest(http.MethodGet, "/v1/rm-rf", nil)
	req.Header.Set(api.KeyHeader, testKey)
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPing(t *testing.T) {
	f := newFixture(t, true)
	rec := f.do(t, http.MethodGet, api.OpPing, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	got := decode[api.PingResponse](t, rec)
	assert.Equal(t, "wp-content", got.ContentDir)
	assert.True(t, got.Database)
}

func TestManifestJob(t *testing.T) {
	f := newFixture(t, false)

	rec := f.do(t, http.MethodPost, api.OpManifestInit, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	init := decode[api.ManifestInitResponse](t, rec)
	assert.Equal(t, 3, init.TotalFiles)
	assert.Equal(t, int64(5+6+6), init.TotalBytes)

	rec = f.do(t, http.MethodGet, api.OpManifestSlice, url.Values{
		"job_id": {init.JobID}, "offset": {"1"}, "limit": {"1"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	slice := decode[api.ManifestSliceResponse](t, rec)
	require.Len(t, slice.Files, 1)
	assert.Equal(t, "wp-content/uploads/a.txt", slice.Files[0].Path)
	assert.Equal(t, 3, slice.TotalFiles)

	// Oversized limits are clamped, past-the-end offsets return nothing.
	rec = f.do(t, http.MethodGet, api.OpManifestSlice, url.Values{
		"job_id": {init.JobID}, "limit": {"999999"},
	}, nil)
	assert.Len(t, decode[api.ManifestSliceResponse](t, rec).Files, 3)
	rec = f.do(t, http.MethodGet, api.OpManifestSlice, url.Values{
		"job_id": {init.JobID}, "offset": {"50"},
	}, nil)
	assert.Empty(t, decode[api.ManifestSliceResponse](t, rec).Files)

	rec = f.do(t, http.MethodPost, api.OpManifestFinish, url.Values{"job_id": {init.JobID}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[api.OKResponse](t, rec).OK)

	rec = f.do(t, http.MethodGet, api.OpManifestSlice, url.Values{"job_id": {init.JobID}}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFile(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, os.Symlink(
		filepath.Join(f.site, "wp-config.php"),
		filepath.Join(f.site, "wp-content", "uploads", "evil.php"),
	))

	rec := f.do(t, http.MethodGet, api.OpFile, url.Values{"path": {"wp-content/uploads/b.txt"}}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "bravo!", rec.Body.String())

	for _, bad := range []string{
		"wp-config.php",
		"wp-content/../wp-config.php",
		"/etc/passwd",
		"wp-content/uploads/evil.php",
		"wp-content/uploads/missing.txt",
		"",
	} {
		rec := f.do(t, http.MethodGet, api.OpFile, url.Values{"path": {bad}}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, bad)
		assert.NotContains(t, rec.Body.String(), "DB_PASSWORD", bad)
	}
}

func TestBatchZip_SkipsInvalidPaths(t *testing.T) {
	f := newFixture(t, false)

	body, err := json.Marshal(api.BatchZipRequest{Paths: []string{
		"wp-content/uploads/a.txt",
		"wp-content/../wp-config.php",
		"wp-content/themes/x/style.css",
		"wp-content/uploads/gone.txt",
	}})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, api.OpBatchZip, nil, bytes.NewReader(body))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))

	zr, err := zip.NewReader(bytes.NewReader(rec.Body.Bytes()), int64(rec.Body.Len()))
	require.NoError(t, err)
	var names []string
	for _, zf := range zr.File {
		names = append(names, zf.Name)
	}
	sort.Strings(names)
	assert.Equal(t, []string{"wp-content/themes/x/style.css", "wp-content/uploads/a.txt"}, names)
}

func TestBatchZip_RequiresPost(t *testing.T) {
	f := newFixture(t, false)
	rec := f.do(t, http.MethodGet, api.OpBatchZip, nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDatabaseOps(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodGet, api.OpDBMeta, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	meta := decode[api.DBMetaResponse](t, rec)
	assert.Equal(t, 1, meta.TotalTables)
	assert.Equal(t, int64(2), meta.TotalRows)
	assert.Greater(t, meta.TotalApproxBytes, int64(2*256))

	rec = f.do(t, http.MethodPost, api.OpDBJobInit, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	init := decode[api.DBJobInitResponse](t, rec)
	require.NotEmpty(t, init.JobID)
	job := url.Values{"job_id": {init.JobID}}

	rec = f.do(t, http.MethodGet, api.OpDBJobDownload, job, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	params := url.Values{"job_id": {init.JobID}, "time_budget_ms": {"5000"}}
	rec = f.do(t, http.MethodPost, api.OpDBJobProcess, params, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	proc := decode[api.DBJobProcessResponse](t, rec)
	assert.True(t, proc.Done)
	assert.Equal(t, []string{"wp_options"}, proc.CompletedTables)
	assert.Equal(t, int64(2), proc.RowsProcessed)

	// Processing a finished job changes nothing.
	rec = f.do(t, http.MethodPost, api.OpDBJobProcess, params, nil)
	assert.Equal(t, proc, decode[api.DBJobProcessResponse](t, rec))

	rec = f.do(t, http.MethodGet, api.OpDBJobDownload, job, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, proc.BytesWritten, int64(rec.Body.Len()))
	assert.Contains(t, rec.Body.String(), "INSERT INTO \"wp_options\"")

	rec = f.do(t, http.MethodPost, api.OpDBJobFinish, job, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, api.OpDBJobDownload, job, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, api.OpDBJobFinish, job, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDatabaseDisabled(t *testing.T) {
	f := newFixture(t, false)
	for _, op := range []api.Op{api.OpDBMeta, api.OpDBJobInit, api.OpDBJobProcess} {
		rec := f.do(t, http.MethodPost, op, url.Values{"job_id": {"x"}}, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code, op.String())
	}
}

func TestSweepReleasesExports(t *testing.T) {
	f := newFixture(t, true)

	rec := f.do(t, http.MethodPost, api.OpDBJobInit, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	init := decode[api.DBJobInitResponse](t, rec)

	f.now = f.now.Add(time.Hour)
	f.srv.Sweep(context.Background())

	rec = f.do(t, http.MethodPost, api.OpDBJobProcess, url.Values{"job_id": {init.JobID}}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "not found"))
}
