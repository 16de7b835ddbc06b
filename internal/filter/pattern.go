package filter

import (
	"fmt"
	"path"
	"strings"
)

// pattern is a glob matched segment-wise with path.Match. Patterns without a
// slash match any basename; patterns with a slash (or a leading one) are
// anchored at the scan root. A trailing slash restricts the rule to
// directories.
type pattern struct {
	glob     string
	anchored bool
	dirOnly  bool
}

func parsePattern(p string) (pattern, error) {
	p = strings.TrimSpace(p)
	if p == "" || p == "/" {
		return pattern{}, fmt.Errorf("empty filter pattern")
	}

	var pat pattern
	if strings.HasSuffix(p, "/") {
		pat.dirOnly = true
		p = strings.TrimSuffix(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		pat.anchored = true
		p = strings.TrimPrefix(p, "/")
	} else if strings.Contains(p, "/") {
		pat.anchored = true
	}

	// Validate once so match can ignore ErrBadPattern.
	if _, err := path.Match(p, ""); err != nil {
		return pattern{}, fmt.Errorf("bad filter pattern %q: %w", p, err)
	}
	pat.glob = p
	return pat, nil
}

func (p pattern) match(relPath string, isDir bool) bool {
	if p.dirOnly && !isDir {
		return false
	}
	relPath = strings.Trim(relPath, "/")
	if p.anchored {
		ok, _ := path.Match(p.glob, relPath) //nolint:errcheck // validated in parsePattern
		return ok
	}
	ok, _ := path.Match(p.glob, path.Base(relPath)) //nolint:errcheck // validated in parsePattern
	return ok
}
