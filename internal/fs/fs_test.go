package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSuffix(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000002.log", "000001.log", "LOCK", "x.sst"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.log"), 0o755))

	names, err := ListSuffix(Default, dir, ".log")
	require.NoError(t, err)
	assert.Equal(t, []string{"000001.log", "000002.log"}, names)

	names, err = ListSuffix(Default, filepath.Join(dir, "missing"), ".log")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestRemoveIfExists(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), nil, 0o644))

	require.NoError(t, RemoveIfExists(Default, dir, "a"))
	require.NoError(t, RemoveIfExists(Default, dir, "a"))
	_, err := os.Stat(filepath.Join(dir, "a"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
