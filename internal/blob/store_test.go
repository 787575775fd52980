package blob

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreUploadAndExists(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "BTCUSDT/2021/03.csv")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, store.Upload(ctx, "BTCUSDT/2021/03.csv", []byte("a,b,c\n")))

	exists, err = store.Exists(ctx, "BTCUSDT/2021/03.csv")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestFSStoreUploadOverwrites(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFSStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "key.csv", []byte("first")))
	require.NoError(t, store.Upload(ctx, "key.csv", []byte("second")))

	data, err := os.ReadFile(filepath.Join(dir, "key.csv"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))

	// No temp files left behind after the rename.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFSStoreDeleteIdempotent(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "key.csv", []byte("data")))
	require.NoError(t, store.Delete(ctx, "key.csv"))
	require.NoError(t, store.Delete(ctx, "key.csv"))

	exists, err := store.Exists(ctx, "key.csv")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestFSStoreRejectsTraversalKeys(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for _, key := range []string{"../escape.csv", "/abs/path.csv", "."} {
		assert.Error(t, store.Upload(ctx, key, []byte("x")), "key %q", key)
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upload(ctx, "k", []byte("v")))
	assert.Equal(t, 1, store.Len())

	data, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v", string(data))

	require.NoError(t, store.Delete(ctx, "k"))
	_, ok = store.Get("k")
	assert.False(t, ok)
}
