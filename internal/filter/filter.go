package filter

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// DefaultExcludes are skipped by the server scanner when no include or
// exclude rules are configured. They cover cache and upgrade directories
// that are regenerated on the destination anyway.
var DefaultExcludes = []string{
	"cache/",
	"upgrade/",
	"*.log",
	".DS_Store",
}

type rule struct {
	pat     pattern
	include bool
}

// Chain is an ordered list of include/exclude rules. The first matching
// rule wins; paths that match nothing are included.
type Chain struct {
	rules []rule
}

// NewChain creates an empty filter chain.
func NewChain() *Chain {
	return &Chain{}
}

// AddExclude appends an exclude rule.
func (c *Chain) AddExclude(p string) error {
	return c.add(p, false)
}

// AddInclude appends an include rule.
func (c *Chain) AddInclude(p string) error {
	return c.add(p, true)
}

func (c *Chain) add(p string, include bool) error {
	pat, err := parsePattern(p)
	if err != nil {
		return err
	}
	c.rules = append(c.rules, rule{pat: pat, include: include})
	return nil
}

// Empty reports whether the chain has no rules.
func (c *Chain) Empty() bool {
	return c == nil || len(c.rules) == 0
}

// Match reports whether relPath (slash separated, relative to the scan
// root) should be kept.
func (c *Chain) Match(relPath string, isDir bool) bool {
	if c == nil {
		return true
	}
	for _, r := range c.rules {
		if r.pat.match(relPath, isDir) {
			return r.include
		}
	}
	return true
}

// LoadFile reads rules from a file, one per line. "+ pattern" includes,
// "- pattern" or a bare pattern excludes; blank lines and "#" comments
// are ignored.
func (c *Chain) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open filter file: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		var addErr error
		switch {
		case strings.HasPrefix(text, "+ "):
			addErr = c.AddInclude(strings.TrimSpace(text[2:]))
		case strings.HasPrefix(text, "- "):
			addErr = c.AddExclude(strings.TrimSpace(text[2:]))
		default:
			addErr = c.AddExclude(text)
		}
		if addErr != nil {
			return fmt.Errorf("%s:%d: %w", path, line, addErr)
		}
	}
	return sc.Err()
}
