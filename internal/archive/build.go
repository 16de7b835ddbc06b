package archive

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
)

var unsafeHostChars = regexp.MustCompile(`[^a-z0-9.-]`)

// Name returns the archive file name for a pull of host at t:
// <host>-<YYYYMMDD-HHMMSS>.zip in UTC, with the host lowercased, any
// "www." prefix removed and other characters replaced by "-".
func Name(host string, t time.Time) string {
	h := strings.TrimPrefix(strings.ToLower(host), "www.")
	h = unsafeHostChars.ReplaceAllString(h, "-")
	if h == "" {
		h = "site"
	}
	return h + "-" + t.UTC().Format("20060102-150405") + ".zip"
}

// Build packs the workspace into a zip at dest. It writes to dest.part
// first and renames on success, so dest never holds a partial archive.
// The returned size is the final archive size.
func Build(ctx context.Context, ws Workspace, dest string) (size int64, err error) {
	part := dest + ".part"
	f, err := os.OpenFile(part, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(part)
		}
	}()

	zw := zip.NewWriter(f)
	err = filepath.WalkDir(ws.Root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == ws.Root {
			return nil
		}
		rel, err := filepath.Rel(ws.Root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == tmpDirName {
			return filepath.SkipDir
		}
		return addEntry(zw, p, rel, d)
	})
	if err != nil {
		return 0, fmt.Errorf("write archive: %w", err)
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish archive: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync archive: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat archive: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(part, dest); err != nil {
		return 0, fmt.Errorf("rename archive: %w", err)
	}
	return fi.Size(), nil
}

func addEntry(zw *zip.Writer, abs, rel string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel
	if d.IsDir() {
		hdr.Name += "/"
		hdr.Method = zip.Store
		_, err := zw.CreateHeader(hdr)
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}
	hdr.Method = zip.Deflate

	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return err
	}
	src, err := os.Open(abs)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(w, src)
	return err
}
