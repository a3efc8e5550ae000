package pkg

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/simpledht/pkg/hash"
)

func TestNewFileStorage(t *testing.T) {
	t.Run("empty dir", func(t *testing.T) {
		fs, err := NewFileStorage("")
		assert.Error(t, err)
		assert.Nil(t, fs)
	})

	t.Run("creates nested dir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		fs, err := NewFileStorage(dir)
		require.NoError(t, err)
		assert.Equal(t, dir, fs.Dir())

		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})
}

func TestFileStorageSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := NewFileStorage(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Put(ctx, "persistent", "value"))
	require.NoError(t, fs.Close())

	reopened, err := NewFileStorage(dir)
	require.NoError(t, err)
	defer reopened.Close()

	value, err := reopened.Get(ctx, "persistent")
	require.NoError(t, err)
	assert.Equal(t, "value", value)
}

func TestFileStorageIgnoresForeignFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := NewFileStorage(dir)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Put(ctx, "k", "v"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leftover"+tempSuffix), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "not a digest"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))

	entries, err := fs.ListAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Entry{{Key: "k", Value: "v"}}, entries)
}

func TestFileStorageLongKeys(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := NewFileStorage(dir)
	require.NoError(t, err)
	defer fs.Close()

	keys := []string{
		strings.Repeat("k", 200),
		strings.Repeat("long/key-", 100),
		"short",
	}
	for _, key := range keys {
		require.NoError(t, fs.Put(ctx, key, "v-"+key[:5]))
	}

	for _, key := range keys {
		value, err := fs.Get(ctx, key)
		require.NoError(t, err, "key of %d bytes", len(key))
		assert.Equal(t, "v-"+key[:5], value)

		_, err = os.Stat(filepath.Join(dir, hash.Sum(key)))
		assert.NoError(t, err, "entry file is named by the key digest")
	}

	entries, err := fs.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, entries, len(keys))
	for _, e := range entries {
		assert.Contains(t, keys, e.Key)
	}

	require.NoError(t, fs.Delete(ctx, keys[0]))
	_, err = fs.Get(ctx, keys[0])
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestFileStorageRejectsMismatchedRecord(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	fs, err := NewFileStorage(dir)
	require.NoError(t, err)
	defer fs.Close()

	require.NoError(t, fs.Put(ctx, "other", "v"))
	require.NoError(t, os.Rename(filepath.Join(dir, hash.Sum("other")), filepath.Join(dir, hash.Sum("wanted"))))

	_, err = fs.Get(ctx, "wanted")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
