package manifest

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// ErrOutsideRoot is returned when a manifest path does not live under the
// content root it is supposed to be mirrored from.
var ErrOutsideRoot = errors.New("path outside content root")

// FileEntry describes one transferable file. Path is relative to the site
// root and always forward-slash separated.
type FileEntry struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	MTime int64  `json:"mtime"`
}

// StripRoot maps a manifest path onto the local asset mirror by removing the
// content root prefix. "wp-content/uploads/a.jpg" with root "wp-content"
// becomes "uploads/a.jpg". Paths outside root, absolute paths and paths with
// parent segments are rejected.
func StripRoot(root, p string) (string, error) {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" || path.IsAbs(p) || HasParentSegment(p) {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	root = strings.Trim(root, "/")
	if root == "" {
		return path.Clean(p), nil
	}
	rel, ok := strings.CutPrefix(path.Clean(p), root+"/")
	if !ok || rel == "" || rel == "." {
		return "", fmt.Errorf("%w: %q", ErrOutsideRoot, p)
	}
	return rel, nil
}

// HasParentSegment reports whether any slash-separated segment of p is "..".
func HasParentSegment(p string) bool {
	for seg := range strings.SplitSeq(strings.ReplaceAll(p, `\`, "/"), "/") {
		if seg == ".." {
			return true
		}
	}
	return false
}
