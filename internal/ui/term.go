package ui

import (
	"os"

	"golang.org/x/term"
)

// Terminal describes the stream progress is drawn on.
type Terminal struct {
	IsTTY bool
	Width int
}

// DetectTerminal inspects f. Width is 80 when f is not a terminal or its
// size cannot be read.
//
//nolint:gosec // G115: fd values are small non-negative integers
func DetectTerminal(f *os.File) Terminal {
	fd := int(f.Fd())
	t := Terminal{IsTTY: term.IsTerminal(fd), Width: 80}
	if !t.IsTTY {
		return t
	}
	if w, _, err := term.GetSize(fd); err == nil && w > 0 {
		t.Width = w
	}
	return t
}
