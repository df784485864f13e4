package cache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop(), opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t, Options{})

	content := strings.Repeat("x", 100)
	key, err := s.Put("fs.read_file", content)
	require.NoError(t, err)
	assert.Len(t, key, 64) // hex sha-256
	assert.Equal(t, Key("fs.read_file", content), key)

	record, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "fs.read_file", record.ToolName)
	assert.Equal(t, content, record.Content)
	assert.Equal(t, 100, record.TotalSize)
	assert.Equal(t, 1, record.AccessCount)

	record, err = s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, 2, record.AccessCount)
}

func TestGetUnknownKeyIsMiss(t *testing.T) {
	s := openTestStore(t, Options{})

	_, err := s.Get("deadbeef")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")

	stats := s.GetStats()
	assert.Equal(t, 1, stats.MissCount)
	assert.Equal(t, 0, stats.HitCount)
}

func TestExpiredRecordEvictedOnGet(t *testing.T) {
	s := openTestStore(t, Options{TTL: time.Hour})

	key, err := s.Put("a.b", "payload")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Get(key)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")

	stats := s.GetStats()
	assert.Equal(t, 0, stats.TotalEntries)
	assert.Equal(t, 1, stats.EvictedCount)
	assert.Equal(t, 1, stats.MissCount)
}

func TestReadPagesContent(t *testing.T) {
	s := openTestStore(t, Options{})

	content := "0123456789"
	key, err := s.Put("a.b", content)
	require.NoError(t, err)

	chunk, err := s.Read(key, 0, 4)
	require.NoError(t, err)
	assert.Equal(t, "0123", chunk.Content)
	assert.True(t, chunk.HasMore)
	assert.Equal(t, 10, chunk.TotalSize)

	chunk, err = s.Read(key, 4, 4)
	require.NoError(t, err)
	assert.Equal(t, "4567", chunk.Content)
	assert.True(t, chunk.HasMore)

	chunk, err = s.Read(key, 8, 4)
	require.NoError(t, err)
	assert.Equal(t, "89", chunk.Content)
	assert.False(t, chunk.HasMore)

	chunk, err = s.Read(key, 50, 4)
	require.NoError(t, err)
	assert.Empty(t, chunk.Content)
	assert.False(t, chunk.HasMore)
}

func TestPutSameContentIsIdempotent(t *testing.T) {
	s := openTestStore(t, Options{})

	key1, err := s.Put("a.b", "same")
	require.NoError(t, err)
	key2, err := s.Put("a.b", "same")
	require.NoError(t, err)
	assert.Equal(t, key1, key2)

	stats := s.GetStats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 4, stats.TotalSizeBytes)
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	s := openTestStore(t, Options{TTL: time.Hour})

	_, err := s.Put("a.old", "stale")
	require.NoError(t, err)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	freshKey, err := s.Put("a.new", "fresh")
	require.NoError(t, err)

	removed, err := s.Cleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = s.Get(freshKey)
	assert.NoError(t, err)

	stats := s.GetStats()
	assert.Equal(t, 1, stats.TotalEntries)
}

func TestStatsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, zap.NewNop(), Options{})
	require.NoError(t, err)
	key, err := s.Put("a.b", "persisted")
	require.NoError(t, err)
	_, err = s.Get(key)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(dir, zap.NewNop(), Options{})
	require.NoError(t, err)
	defer s.Close()

	stats := s.GetStats()
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 1, stats.HitCount)

	record, err := s.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "persisted", record.Content)
}

func TestThresholdDefaults(t *testing.T) {
	s := openTestStore(t, Options{})
	assert.Equal(t, DefaultThreshold, s.Threshold())

	s = openTestStore(t, Options{Threshold: 1024})
	assert.Equal(t, 1024, s.Threshold())
}
