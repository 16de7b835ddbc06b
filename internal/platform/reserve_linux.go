//go:build linux

package platform

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// reserve allocates backing blocks without changing the file size, so an
// interrupted download never looks complete. Filesystems without fallocate
// report EOPNOTSUPP, which is not an error here.
//
//nolint:gosec // G115: fd values are small non-negative integers
func reserve(f *os.File, size int64) error {
	err := unix.Fallocate(int(f.Fd()), unix.FALLOC_FL_KEEP_SIZE, 0, size)
	if errors.Is(err, unix.EOPNOTSUPP) || errors.Is(err, unix.ENOSYS) {
		return nil
	}
	return err
}
