package main

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sitepull/internal/archive"
	"github.com/bamsammich/sitepull/internal/client"
	"github.com/bamsammich/sitepull/internal/config"
	"github.com/bamsammich/sitepull/internal/engine"
	"github.com/bamsammich/sitepull/internal/filter"
)

const testKey = "cli-key"

// isolate points config lookup at an empty directory and clears the key
// environment variable.
func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(config.EnvKey, "")
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: nil, want: exitOK},
		{err: fmt.Errorf("ping: %w", engine.ErrNetwork), want: exitTransfer},
		{err: fmt.Errorf("%w: 2 files failed", engine.ErrIncomplete), want: exitTransfer},
		{err: context.Canceled, want: exitTransfer},
		{err: errors.New("disk full"), want: exitInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, exitCode(tt.err), "%v", tt.err)
	}
}

func TestRun_UsageErrors(t *testing.T) {
	isolate(t)
	tests := []struct {
		name string
		args []string
	}{
		{name: "no url", args: []string{"pull", "--key", testKey}},
		{name: "no key", args: []string{"pull", "http://127.0.0.1:1"}},
		{name: "bad scheme", args: []string{"pull", "ftp://example.com", "--key", testKey}},
		{name: "bad size", args: []string{"pull", "http://127.0.0.1:1", "--key", testKey, "--bwlimit", "fast"}},
		{name: "zero workers", args: []string{"pull", "http://127.0.0.1:1", "--key", testKey, "-n", "0"}},
		{name: "nothing to pull", args: []string{"pull", "http://127.0.0.1:1", "--key", testKey, "--no-db", "--no-files"}},
		{name: "bad recipient", args: []string{"pull", "http://127.0.0.1:1", "--key", testKey, "--encrypt-to", "nope"}},
		{name: "unknown flag", args: []string{"pull", "--bogus"}},
		{name: "serve without key", args: []string{"serve", "--site-root", "."}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, exitUsage, run(tt.args))
		})
	}
}

func TestApplyConfigDefaults(t *testing.T) {
	workers, output, bw := 12, "/backups", "10M"
	budget := 1500
	defaults := config.DefaultsConfig{Workers: &workers, Output: &output, BWLimit: &bw, DBBudgetMS: &budget}

	var opts pullOptions
	cmd := &cobra.Command{}
	cmd.Flags().IntVarP(&opts.workers, "workers", "n", 4, "")
	cmd.Flags().StringVarP(&opts.output, "output", "o", ".", "")
	cmd.Flags().StringVar(&opts.bwLimit, "bwlimit", "", "")
	cmd.Flags().DurationVar(&opts.dbBudget, "db-budget", 0, "")
	require.NoError(t, cmd.Flags().Parse([]string{"-n", "2"}))

	applyConfigDefaults(cmd, defaults, &opts)
	assert.Equal(t, 2, opts.workers, "flag set on the CLI wins")
	assert.Equal(t, "/backups", opts.output)
	assert.Equal(t, "10M", opts.bwLimit)
	assert.Equal(t, 1500*time.Millisecond, opts.dbBudget)
}

func TestPlanPull(t *testing.T) {
	isolate(t)
	opts := pullOptions{
		key:            testKey,
		workers:        4,
		largeThreshold: "4M",
		batchMaxBytes:  "16M",
		batchMaxFiles:  10,
		bwLimit:        "1M",
	}
	plan, err := planPull("https://www.example.com/sitepull", opts)
	require.NoError(t, err)
	assert.Equal(t, int64(4<<20), plan.partition.LargeThreshold)
	assert.Equal(t, int64(16<<20), plan.partition.BatchMaxBytes)
	assert.Equal(t, 10, plan.partition.BatchMaxFiles)
	assert.Equal(t, "www.example.com", plan.remote.Host())

	t.Setenv(config.EnvKey, "env-key")
	opts.key = ""
	_, err = planPull("https://example.com", opts)
	require.NoError(t, err)
}

func createSite(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range map[string]string{
		"wp-content/uploads/a.txt":      "alpha",
		"wp-content/uploads/skip.log":   "noise",
		"wp-content/themes/x/style.css": "body{}",
	} {
		p := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
	return root
}

func testServer(t *testing.T, opts serveOptions) *httptest.Server {
	t.Helper()
	stack, err := buildServer(opts)
	require.NoError(t, err)
	t.Cleanup(func() { stack.Close() })
	ts := httptest.NewServer(stack.srv)
	t.Cleanup(ts.Close)
	return ts
}

func TestBuildServer(t *testing.T) {
	chain := filter.NewChain()
	require.NoError(t, chain.AddExclude("*.log"))
	ts := testServer(t, serveOptions{
		key:        testKey,
		siteRoot:   createSite(t),
		contentDir: "wp-content",
		store:      filepath.Join(t.TempDir(), "jobs.db"),
		dbDriver:   "sqlite",
		dbDSN:      filepath.Join(t.TempDir(), "site.db"),
		jobTTL:     time.Minute,
		chain:      chain,
	})

	c, err := client.New(client.Config{BaseURL: ts.URL, Key: testKey})
	require.NoError(t, err)
	ping, err := c.Ping(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wp-content", ping.ContentDir)
	assert.True(t, ping.Database)

	job, err := c.ManifestInit(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, job.TotalFiles, "*.log excluded")
}

func TestBuildServer_DefaultExcludes(t *testing.T) {
	site := createSite(t)
	for _, name := range []string{"wp-content/cache/page.html", "wp-content/upgrade/core.zip"} {
		p := filepath.Join(site, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	tests := []struct {
		name  string
		chain func(t *testing.T) *filter.Chain
		want  int
	}{
		{"no rules", func(*testing.T) *filter.Chain { return nil }, 2},
		{"empty chain", func(*testing.T) *filter.Chain { return filter.NewChain() }, 2},
		{"explicit rules replace defaults", func(t *testing.T) *filter.Chain {
			c := filter.NewChain()
			require.NoError(t, c.AddExclude("themes/"))
			return c
		}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := testServer(t, serveOptions{
				key:        testKey,
				siteRoot:   site,
				contentDir: "wp-content",
				chain:      tt.chain(t),
			})
			c, err := client.New(client.Config{BaseURL: ts.URL, Key: testKey})
			require.NoError(t, err)
			job, err := c.ManifestInit(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.want, job.TotalFiles)
		})
	}
}

func TestBuildServer_Errors(t *testing.T) {
	_, err := buildServer(serveOptions{siteRoot: t.TempDir()})
	require.Error(t, err)

	_, err = buildServer(serveOptions{key: testKey, siteRoot: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)

	_, err = buildServer(serveOptions{key: testKey, siteRoot: t.TempDir(), dbDriver: "oracle"})
	require.Error(t, err)
}

func TestRun_PullEndToEnd(t *testing.T) {
	isolate(t)
	ts := testServer(t, serveOptions{
		key:        testKey,
		siteRoot:   createSite(t),
		contentDir: "wp-content",
	})
	out := t.TempDir()

	code := run([]string{"pull", ts.URL, "--key", testKey, "-o", out, "-q", "--no-db"})
	require.Equal(t, exitOK, code)

	ents, err := os.ReadDir(out)
	require.NoError(t, err)
	var zips, sidecars int
	for _, e := range ents {
		switch {
		case strings.HasSuffix(e.Name(), ".zip"):
			zips++
		case strings.HasSuffix(e.Name(), ".zip.yaml"):
			sidecars++
			sc, err := archive.ReadSidecar(filepath.Join(out, e.Name()))
			require.NoError(t, err)
			assert.Equal(t, int64(2), sc.Files.OK, "*.log excluded by default")
			assert.Equal(t, "skipped", sc.Database.Status)
		default:
			t.Errorf("unexpected output %s", e.Name())
		}
	}
	assert.Equal(t, 1, zips)
	assert.Equal(t, 1, sidecars)
}

func TestRun_PullWrongKeyExitsTransfer(t *testing.T) {
	isolate(t)
	ts := testServer(t, serveOptions{key: testKey, siteRoot: createSite(t), contentDir: "wp-content"})
	out := t.TempDir()

	assert.Equal(t, exitTransfer, run([]string{"pull", ts.URL, "--key", "wrong", "-o", out, "-q"}))
	ents, err := os.ReadDir(out)
	require.NoError(t, err)
	assert.Empty(t, ents)
}

func TestGenDocs(t *testing.T) {
	for _, tc := range []struct {
		format string
		files  []string
	}{
		{"markdown", []string{"sitepull.md", "sitepull_pull.md", "sitepull_serve.md"}},
		{"man", []string{"sitepull.1", "sitepull-pull.1", "sitepull-serve.1"}},
		{"yaml", []string{"sitepull.yaml", "sitepull_pull.yaml", "sitepull_serve.yaml"}},
	} {
		t.Run(tc.format, func(t *testing.T) {
			dir := filepath.Join(t.TempDir(), "docs")
			require.Equal(t, exitOK, run([]string{"gen-docs", "--dir", dir, "--format", tc.format}))
			for _, f := range tc.files {
				assert.FileExists(t, filepath.Join(dir, f))
			}
			assert.NoFileExists(t, filepath.Join(dir, "sitepull_gen-docs.md"), "hidden command is not documented")
		})
	}

	assert.Equal(t, exitUsage, run([]string{"gen-docs", "--dir", t.TempDir(), "--format", "pdf"}))
}
