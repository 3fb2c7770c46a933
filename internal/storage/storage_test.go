package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestWriteJSON_ReadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "record.json")

	require.NoError(t, WriteJSON(path, record{Name: "a", Count: 1}))
	require.NoError(t, WriteJSON(path, record{Name: "b", Count: 2}))

	var got record
	require.NoError(t, ReadJSON(path, &got))
	assert.Equal(t, record{Name: "b", Count: 2}, got)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestReadJSON_Errors(t *testing.T) {
	dir := t.TempDir()

	var r record
	err := ReadJSON(filepath.Join(dir, "missing.json"), &r)
	assert.ErrorIs(t, err, ErrNotFound)

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))
	err = ReadJSON(bad, &r)
	assert.True(t, IsPersistence(err))
	assert.False(t, errors.Is(err, ErrNotFound))
}

func TestWriteFileAtomic_UnwritableKeepsOld(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o600))
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	err := WriteFileAtomic(path, []byte("new"), 0o600)
	require.Error(t, err)
	assert.True(t, IsPersistence(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
}
