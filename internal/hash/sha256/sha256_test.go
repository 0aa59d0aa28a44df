// Package sha256 includes tests for artifact fingerprinting.
package sha256

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileDeterministic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "GEMC-1.pdf")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o600))

	got, err := File(path)
	require.NoError(t, err)
	require.Equal(t, "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9", got.Sum)
	require.Equal(t, int64(11), got.Size)

	again, err := File(path)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestFileMissing(t *testing.T) {
	t.Parallel()

	_, err := File(filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
}
