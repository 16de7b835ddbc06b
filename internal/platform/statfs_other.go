//go:build !linux && !darwin

package platform

// FreeSpace is not implemented on this platform.
func FreeSpace(string) (int64, error) {
	return 0, ErrUnsupported
}
