package platform

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFreeSpace(t *testing.T) {
	free, err := FreeSpace(t.TempDir())
	if errors.Is(err, ErrUnsupported) {
		t.Skip("free space probe unsupported")
	}
	require.NoError(t, err)
	assert.Positive(t, free)
}

func TestFreeSpaceMissingDir(t *testing.T) {
	_, err := FreeSpace(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestShortfall(t *testing.T) {
	dir := t.TempDir()
	if _, err := FreeSpace(dir); errors.Is(err, ErrUnsupported) {
		t.Skip("free space probe unsupported")
	}

	short, err := Shortfall(dir, 1)
	require.NoError(t, err)
	assert.Zero(t, short)

	short, err = Shortfall(dir, math.MaxInt64)
	require.NoError(t, err)
	assert.Positive(t, short)
}

func TestPreallocateKeepsLength(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "f"))
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, Preallocate(f, 0))
	require.NoError(t, Preallocate(f, 1<<20))
	_, err = f.Write([]byte("abc"))
	require.NoError(t, err)

	fi, err := f.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(3), fi.Size())
}
