package cachestore

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	// Deterministic, strictly increasing access times.
	clock := time.Unix(1700000000, 0)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return s
}

func TestStore_PutAndRead(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	n, err := s.Put(ctx, "song-1", strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)

	ok, err := s.Has(ctx, "song-1")
	require.NoError(t, err)
	assert.True(t, ok)

	f, err := s.OpenFile(ctx, "song-1")
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	used, err := s.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), used)
}

func TestStore_PutReplaces(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.Put(ctx, "k", strings.NewReader("first version"))
	require.NoError(t, err)
	_, err = s.Put(ctx, "k", strings.NewReader("v2"))
	require.NoError(t, err)

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"k"}, keys)

	used, err := s.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), used)
}

func TestStore_CancelledPutLeavesNothing(t *testing.T) {
	s := openTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Put(ctx, "k", strings.NewReader("data"))
	require.Error(t, err)

	ok, err := s.Has(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(s.Path("k"))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(s.Path("k")))
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "."), "pending file %s left behind", e.Name())
	}
}

func TestStore_RemoveAndClear(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, k, strings.NewReader(k))
		require.NoError(t, err)
	}

	require.NoError(t, s.Remove(ctx, "b"))
	require.NoError(t, s.Remove(ctx, "missing"))

	_, err := s.OpenFile(ctx, "b")
	assert.ErrorIs(t, err, ErrNotFound)

	removed, err := s.Clear(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "c"}, removed)

	used, err := s.UsedBytes(ctx)
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestStore_EvictLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	for _, k := range []string{"a", "b", "c"} {
		_, err := s.Put(ctx, k, strings.NewReader("1234"))
		require.NoError(t, err)
	}

	// Reading "a" makes "b" the oldest.
	f, err := s.OpenFile(ctx, "a")
	require.NoError(t, err)
	f.Close()

	evicted, err := s.Evict(ctx, 8)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, evicted)

	evicted, err = s.Evict(ctx, 8)
	require.NoError(t, err)
	assert.Empty(t, evicted, "already within budget")

	keys, err := s.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c", "a"}, keys)
}

func TestStore_Settings(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(dir, "")
	require.NoError(t, err)

	_, ok, err := s.Setting(ctx, "enabled")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "enabled", "true"))
	require.NoError(t, s.SetSetting(ctx, "enabled", "false"))
	require.NoError(t, s.Close())

	s, err = Open(dir, "")
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Setting(ctx, "enabled")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", v, "settings persist across reopen")
}

func TestOpen_RequiresDirectory(t *testing.T) {
	_, err := Open("", "")
	assert.Error(t, err)
}
