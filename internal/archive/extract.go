package archive

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/bamsammich/sitepull/internal/manifest"
)

// ExtractResult reports what a batch zip contained.
type ExtractResult struct {
	// Extracted holds the normalized entry names (including the root
	// segment) of every file written.
	Extracted []string
	// Rejected counts entries skipped for unsafe paths.
	Rejected int
}

// NormalizeEntry converts a zip entry name to a clean relative slash path.
// It reports false for names that must not be extracted.
func NormalizeEntry(name string) (string, bool) {
	name = strings.ReplaceAll(name, `\`, "/")
	name = strings.TrimLeft(name, "/")
	if name == "" || manifest.HasParentSegment(name) || strings.ContainsRune(name, 0) {
		return "", false
	}
	// Windows drive letters.
	if len(name) >= 2 && name[1] == ':' {
		return "", false
	}
	return path.Clean(name), true
}

// ExtractBatch unpacks zipPath into destDir. Entry names have root (and
// its trailing slash) stripped before being joined to destDir. Unsafe
// entries and entries outside root are skipped, not fatal.
func ExtractBatch(zipPath, destDir, root string) (ExtractResult, error) {
	var res ExtractResult

	zr, err := zip.OpenReader(zipPath)
	if err != nil {
		return res, fmt.Errorf("open batch zip: %w", err)
	}
	defer zr.Close()

	absDest, err := filepath.Abs(destDir)
	if err != nil {
		return res, err
	}
	root = strings.Trim(root, "/")

	for _, zf := range zr.File {
		name, ok := NormalizeEntry(zf.Name)
		if !ok {
			slog.Warn("skipping unsafe zip entry", "name", zf.Name)
			res.Rejected++
			continue
		}
		rel := name
		if root != "" {
			if name == root {
				continue
			}
			var inRoot bool
			if rel, inRoot = strings.CutPrefix(name, root+"/"); !inRoot {
				slog.Warn("skipping zip entry outside root", "name", zf.Name, "root", root)
				res.Rejected++
				continue
			}
		}

		target := filepath.Join(absDest, filepath.FromSlash(rel))
		if r, err := filepath.Rel(absDest, target); err != nil || r == ".." || strings.HasPrefix(r, ".."+string(filepath.Separator)) {
			slog.Warn("skipping zip entry outside destination", "name", zf.Name)
			res.Rejected++
			continue
		}

		if zf.FileInfo().IsDir() || strings.HasSuffix(zf.Name, "/") {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return res, fmt.Errorf("create %s: %w", rel, err)
			}
			continue
		}
		if !zf.Mode().IsRegular() {
			slog.Debug("skipping non-regular zip entry", "name", zf.Name)
			res.Rejected++
			continue
		}

		if err := extractFile(zf, target); err != nil {
			return res, fmt.Errorf("extract %s: %w", rel, err)
		}
		res.Extracted = append(res.Extracted, name)
	}
	return res, nil
}

func extractFile(zf *zip.File, target string) (err error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	src, err := zf.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := dst.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(target)
		}
	}()

	if _, err := io.Copy(dst, src); err != nil {
		return err
	}
	if mt := zf.Modified; !mt.IsZero() {
		// Best effort; the content is what matters.
		_ = os.Chtimes(target, mt, mt)
	}
	return nil
}
