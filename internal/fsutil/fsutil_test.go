package fsutil

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListDataFiles(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.gr", "a.GR", "ni.stru", "notes.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.gr"), 0o755))

	files, err := ListDataFiles(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.GR"), filepath.Join(dir, "b.gr")}, files)
	assert.True(t, IsDataFile("x.fgr"))
	assert.False(t, IsDataFile("ni.stru"))
}

func TestReplaceFileKeepsMode(t *testing.T) {
	dir := t.TempDir()
	dst := filepath.Join(dir, "proj.ddp")
	require.NoError(t, os.WriteFile(dst, []byte("old"), 0o600))
	src := filepath.Join(dir, "tmp")
	require.NoError(t, os.WriteFile(src, []byte("new content"), 0o644))

	require.NoError(t, ReplaceFile(src, dst))
	b, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(b))
	st, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestReplaceFileCreates(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tmp")
	require.NoError(t, os.WriteFile(src, []byte("x"), 0o644))
	dst := filepath.Join(dir, "new.ddp")
	require.NoError(t, ReplaceFile(src, dst))
	assert.True(t, IsFile(dst))
	assert.False(t, IsFile(src))
	assert.False(t, IsFile(dir))
	assert.Equal(t, dst, FirstExisting(filepath.Join(dir, "missing"), dst))
}
