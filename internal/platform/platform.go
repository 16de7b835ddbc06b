// Package platform wraps the few OS-specific calls the client needs.
package platform

import (
	"errors"
	"fmt"
	"os"
)

// ErrUnsupported is returned where a probe is not available on this OS.
var ErrUnsupported = errors.New("not supported on this platform")

// Preallocate reserves disk blocks for size bytes of f where the
// filesystem supports it. The file's length is left unchanged. A returned
// error means the disk is likely too full for the download.
func Preallocate(f *os.File, size int64) error {
	if size <= 0 {
		return nil
	}
	if err := reserve(f, size); err != nil {
		return fmt.Errorf("preallocate %s: %w", f.Name(), err)
	}
	return nil
}

// Shortfall reports how many bytes dir is short of to hold need bytes. It
// returns 0 when there is enough room.
func Shortfall(dir string, need int64) (int64, error) {
	free, err := FreeSpace(dir)
	if err != nil {
		return 0, fmt.Errorf("free space of %s: %w", dir, err)
	}
	if free >= need {
		return 0, nil
	}
	return need - free, nil
}
