package manifest

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bamsammich/sitepull/internal/filter"
)

// ScannerConfig controls the server-side manifest scan.
type ScannerConfig struct {
	Filter     *filter.Chain
	SiteRoot   string // absolute directory the manifest paths are relative to
	ContentDir string // directory under SiteRoot that is mirrored, e.g. "wp-content"
}

// Scanner enumerates the eligible files below the content directory.
type Scanner struct {
	cfg ScannerConfig
}

// NewScanner creates a scanner with the given config.
func NewScanner(cfg ScannerConfig) *Scanner {
	cfg.ContentDir = strings.Trim(filepath.ToSlash(cfg.ContentDir), "/")
	return &Scanner{cfg: cfg}
}

// ContentDir returns the mirrored directory name.
func (s *Scanner) ContentDir() string { return s.cfg.ContentDir }

// SiteRoot returns the directory manifest paths are relative to.
func (s *Scanner) SiteRoot() string { return s.cfg.SiteRoot }

// Scan walks the content directory once and returns every regular file in
// lexical order. Symlinks and other special files are skipped.
func (s *Scanner) Scan(ctx context.Context) ([]FileEntry, error) {
	root := filepath.Join(s.cfg.SiteRoot, filepath.FromSlash(s.cfg.ContentDir))
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("content root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("content root %s is not a directory", root)
	}

	var entries []FileEntry
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			// Unreadable subtrees are left out rather than failing the scan.
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(s.cfg.SiteRoot, p)
		if err != nil {
			return fmt.Errorf("rel path for %s: %w", p, err)
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if p != root && !s.cfg.Filter.Match(rel, true) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !s.cfg.Filter.Match(rel, false) {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr // file vanished between readdir and stat
		}
		entries = append(entries, FileEntry{
			Path:  rel,
			Size:  fi.Size(),
			MTime: fi.ModTime().Unix(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	return entries, nil
}
