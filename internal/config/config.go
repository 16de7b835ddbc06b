package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/bamsammich/sitepull/internal/filter"
)

// EnvKey names the environment variable that may carry the access key.
const EnvKey = "SITEPULL_KEY"

// Config represents the optional sitepull configuration file.
type Config struct {
	Defaults DefaultsConfig `toml:"defaults"`
	Server   ServerConfig   `toml:"server"`
}

// DefaultsConfig holds persistent defaults for `sitepull pull` flags.
type DefaultsConfig struct {
	Workers        *int    `toml:"workers"`
	Output         *string `toml:"output"`
	BWLimit        *string `toml:"bwlimit"`
	LargeThreshold *string `toml:"large_threshold"`
	BatchMaxFiles  *int    `toml:"batch_max_files"`
	BatchMaxBytes  *string `toml:"batch_max_bytes"`
	DBBudgetMS     *int    `toml:"db_budget_ms"`
}

// ServerConfig holds settings for `sitepull serve`.
type ServerConfig struct {
	Listen     *string  `toml:"listen"`
	Key        *string  `toml:"key"`
	SiteRoot   *string  `toml:"site_root"`
	ContentDir *string  `toml:"content_dir"`
	DBDriver   *string  `toml:"db_driver"`
	DBDSN      *string  `toml:"db_dsn"`
	ExportDir  *string  `toml:"export_dir"`
	Store      *string  `toml:"store"` // "memory" or a SQLite file path
	JobTTL     *string  `toml:"job_ttl"`
	Excludes   []string `toml:"excludes"`
}

// Path returns the resolved path to the config file.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "sitepull", "config.toml")
}

// Load reads the config file from the XDG path. Returns a zero Config
// (no error) if the file does not exist. Config is always optional.
func Load() (Config, error) {
	path := Path()
	if path == "" {
		return Config{}, nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates the config file at path. A missing file
// yields a zero Config.
func LoadFile(path string) (Config, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config %s: unknown key %q", path, undecoded[0].String())
	}
	if err := cfg.validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) validate() error {
	d := c.Defaults
	for name, v := range map[string]*string{
		"bwlimit":         d.BWLimit,
		"large_threshold": d.LargeThreshold,
		"batch_max_bytes": d.BatchMaxBytes,
	} {
		if v == nil {
			continue
		}
		if _, err := filter.ParseSize(*v); err != nil {
			return fmt.Errorf("defaults.%s: %w", name, err)
		}
	}
	if d.Workers != nil && *d.Workers < 1 {
		return fmt.Errorf("defaults.workers must be at least 1, got %d", *d.Workers)
	}
	if _, err := c.Server.TTL(); err != nil {
		return err
	}
	return nil
}

// TTL parses job_ttl. Zero means unset.
func (s ServerConfig) TTL() (time.Duration, error) {
	if s.JobTTL == nil {
		return 0, nil
	}
	d, err := time.ParseDuration(*s.JobTTL)
	if err != nil {
		return 0, fmt.Errorf("server.job_ttl: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("server.job_ttl must be positive, got %s", d)
	}
	return d, nil
}

// ResolveKey picks the access key: an explicit flag wins, then the
// environment, then the config file.
func ResolveKey(flag string, file *string) string {
	if flag != "" {
		return flag
	}
	if env := os.Getenv(EnvKey); env != "" {
		return env
	}
	if file != nil {
		return *file
	}
	return ""
}
