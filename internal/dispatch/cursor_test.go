package dispatch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileCursor_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.cursor")
	c := NewFileCursor(path)

	seq, err := c.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), seq)

	require.NoError(t, c.Save(42))
	require.NoError(t, c.Save(43))
	seq, err = NewFileCursor(path).Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(43), seq)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileCursor_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dispatch.cursor")
	require.NoError(t, os.WriteFile(path, []byte("not-a-number"), 0o644))
	_, err := NewFileCursor(path).Load()
	assert.Error(t, err)
}

func TestFileCursor_MissingDirectory(t *testing.T) {
	c := NewFileCursor(filepath.Join(t.TempDir(), "missing", "dispatch.cursor"))
	assert.Error(t, c.Save(1))
}
