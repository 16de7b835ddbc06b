package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/sitepull/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	configDir := filepath.Join(dir, "sitepull")
	require.NoError(t, os.MkdirAll(configDir, 0o755))
	path := filepath.Join(configDir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "sitepull", "config.toml"), config.Path())
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Nil(t, cfg.Defaults.Workers)
	assert.Nil(t, cfg.Server.Listen)
	assert.Empty(t, cfg.Server.Excludes)
}

func TestLoad_FullConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
workers = 8
output = "/backups"
bwlimit = "20M"
large_threshold = "4M"
batch_max_files = 300
batch_max_bytes = "16MiB"
db_budget_ms = 5000

[server]
listen = ":8765"
key = "s3cret"
site_root = "/var/www/html"
content_dir = "wp-content"
db_driver = "mysql"
db_dsn = "wp:pw@tcp(127.0.0.1:3306)/wp"
export_dir = "/tmp/exports"
store = "/var/lib/sitepull/jobs.db"
job_ttl = "30m"
excludes = ["cache/", "*.log"]
`)

	cfg, err := config.Load()
	require.NoError(t, err)

	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 8, *cfg.Defaults.Workers)
	require.NotNil(t, cfg.Defaults.BWLimit)
	assert.Equal(t, "20M", *cfg.Defaults.BWLimit)
	require.NotNil(t, cfg.Defaults.BatchMaxFiles)
	assert.Equal(t, 300, *cfg.Defaults.BatchMaxFiles)
	require.NotNil(t, cfg.Defaults.DBBudgetMS)
	assert.Equal(t, 5000, *cfg.Defaults.DBBudgetMS)

	require.NotNil(t, cfg.Server.DBDriver)
	assert.Equal(t, "mysql", *cfg.Server.DBDriver)
	assert.Equal(t, []string{"cache/", "*.log"}, cfg.Server.Excludes)

	ttl, err := cfg.Server.TTL()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, ttl)
}

func TestLoad_PartialConfig(t *testing.T) {
	writeConfig(t, `
[defaults]
workers = 2
`)
	cfg, err := config.Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Defaults.Workers)
	assert.Equal(t, 2, *cfg.Defaults.Workers)
	assert.Nil(t, cfg.Defaults.Output)
	assert.Nil(t, cfg.Server.Key)

	ttl, err := cfg.Server.TTL()
	require.NoError(t, err)
	assert.Zero(t, ttl)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "syntax", content: "[defaults\nworkers = 1"},
		{name: "unknown key", content: "[defaults]\nverify = true"},
		{name: "bad size", content: "[defaults]\nbwlimit = \"fast\""},
		{name: "zero workers", content: "[defaults]\nworkers = 0"},
		{name: "bad ttl", content: "[server]\njob_ttl = \"soon\""},
		{name: "negative ttl", content: "[server]\njob_ttl = \"-1m\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := config.LoadFile(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), path)
		})
	}
}

func TestResolveKey(t *testing.T) {
	file := "from-file"

	t.Setenv(config.EnvKey, "")
	assert.Equal(t, "from-flag", config.ResolveKey("from-flag", &file))
	assert.Equal(t, "from-file", config.ResolveKey("", &file))
	assert.Empty(t, config.ResolveKey("", nil))

	t.Setenv(config.EnvKey, "from-env")
	assert.Equal(t, "from-env", config.ResolveKey("", &file))
	assert.Equal(t, "from-flag", config.ResolveKey("from-flag", &file))
}
