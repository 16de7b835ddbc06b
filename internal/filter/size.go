package filter

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable size into bytes. Bare K/M/G/T suffixes
// are powers of 1024 (rsync style); explicit units such as "20MB" or
// "20MiB" follow go-humanize.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	switch strings.ToUpper(s[len(s)-1:]) {
	case "K", "M", "G", "T":
		s += "iB"
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n > 1<<62 {
		return 0, fmt.Errorf("size %q out of range", s)
	}
	return int64(n), nil
}
