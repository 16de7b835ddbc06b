package server

import (
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/bamsammich/sitepull/internal/manifest"
)

var errUnsafePath = errors.New("unsafe path")

func cleanRel(rel string) string {
	return path.Clean(strings.TrimLeft(strings.ReplaceAll(rel, `\`, "/"), "/"))
}

// resolve maps a manifest path onto the filesystem. The path must stay
// inside the content directory after symlinks are evaluated.
func (s *Server) resolve(rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", errUnsafePath
	}
	if _, err := manifest.StripRoot(s.cfg.Scanner.ContentDir(), rel); err != nil {
		return "", fmt.Errorf("%w: %w", errUnsafePath, err)
	}

	site := s.cfg.Scanner.SiteRoot()
	root, err := filepath.EvalSymlinks(filepath.Join(site, filepath.FromSlash(s.cfg.Scanner.ContentDir())))
	if err != nil {
		return "", fmt.Errorf("content root: %w", err)
	}
	abs, err := filepath.EvalSymlinks(filepath.Join(site, filepath.FromSlash(cleanRel(rel))))
	if err != nil {
		return "", err
	}
	if !strings.HasPrefix(abs, root+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s escapes content root", errUnsafePath, rel)
	}
	return abs, nil
}
