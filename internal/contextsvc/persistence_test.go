package contextsvc

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marduk/internal/contextcache"
	"marduk/internal/persist"
)

func newPersistedCache(t *testing.T) (*contextcache.Cache, *CachePersister, string) {
	t.Helper()
	dir := t.TempDir()
	cache := contextcache.New(contextcache.Options{Capacity: 50})
	p := NewCachePersister(cache, PersisterOptions{Dir: dir})
	return cache, p, dir
}

func TestCachePersisterRoundTrip(t *testing.T) {
	cache, p, dir := newPersistedCache(t)
	cache.Set("query:alpha", &contextcache.Entry{
		Context:    []string{"first line", "second line"},
		Relevance:  0.7,
		QueryTerms: []string{"alpha"},
		Weight:     0.4,
	})
	cache.Set("query:beta", &contextcache.Entry{
		Context:   []string{"beta context"},
		Relevance: 0.3,
	})
	require.NoError(t, p.Save())

	assert.FileExists(t, filepath.Join(dir, cacheFileName))
	assert.FileExists(t, filepath.Join(dir, metadataFileName))

	restored := contextcache.New(contextcache.Options{Capacity: 50})
	rp := NewCachePersister(restored, PersisterOptions{Dir: dir})
	require.NoError(t, rp.Load())

	require.Equal(t, 2, restored.Len())
	entry, ok := restored.Get("query:alpha")
	require.True(t, ok)
	assert.Equal(t, []string{"first line", "second line"}, entry.Context)
	assert.Equal(t, []string{"alpha"}, entry.QueryTerms)
	assert.InDelta(t, 0.7, entry.Relevance, 1e-9)
}

func TestCachePersisterLoadMissingFile(t *testing.T) {
	cache, p, _ := newPersistedCache(t)
	require.NoError(t, p.Load())
	assert.Equal(t, 0, cache.Len())
}

func TestCachePersisterSkipsEntriesMissingScoringFields(t *testing.T) {
	_, _, dir := newPersistedCache(t)

	pairs := [][2]any{
		{"query:complete", map[string]any{
			"context":      []string{"complete entry"},
			"lastAccessed": 1000,
			"createdAt":    1000,
			"accessCount":  1,
			"relevance":    0.5,
		}},
		{"query:partial", map[string]any{
			"context":   []string{"missing scoring fields"},
			"createdAt": 1000,
		}},
	}
	data, err := json.Marshal(pairs)
	require.NoError(t, err)
	require.NoError(t, persist.WriteFileAtomic(filepath.Join(dir, cacheFileName), data))

	cache := contextcache.New(contextcache.Options{Capacity: 50})
	p := NewCachePersister(cache, PersisterOptions{Dir: dir})
	require.NoError(t, p.Load())

	assert.Equal(t, 1, cache.Len())
	_, ok := cache.Get("query:complete")
	assert.True(t, ok)
	_, ok = cache.Get("query:partial")
	assert.False(t, ok)
}

func TestCachePersisterSnapshotRestore(t *testing.T) {
	cache, p, _ := newPersistedCache(t)
	cache.Set("query:kept", &contextcache.Entry{
		Context:   []string{"snapshot payload"},
		Relevance: 0.9,
	})

	ts, err := p.SaveSnapshot()
	require.NoError(t, err)
	require.NotEmpty(t, ts)

	cache.Set("query:later", &contextcache.Entry{
		Context:   []string{"added after the snapshot"},
		Relevance: 0.2,
	})
	require.Equal(t, 2, cache.Len())

	require.NoError(t, p.RestoreSnapshot(ts))
	assert.Equal(t, 1, cache.Len())
	entry, ok := cache.Get("query:kept")
	require.True(t, ok)
	assert.Equal(t, []string{"snapshot payload"}, entry.Context)
}

func TestCachePersisterListSnapshotsNewestFirst(t *testing.T) {
	cache, _, dir := newPersistedCache(t)
	cache.Set("query:x", &contextcache.Entry{Context: []string{"x"}, Relevance: 0.1})

	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	var stamps []string
	for i := 0; i < 3; i++ {
		now := base.Add(time.Duration(i) * time.Minute)
		p := NewCachePersister(cache, PersisterOptions{Dir: dir, Now: func() time.Time { return now }})
		ts, err := p.SaveSnapshot()
		require.NoError(t, err)
		stamps = append(stamps, ts)
	}

	p := NewCachePersister(cache, PersisterOptions{Dir: dir})
	listed, err := p.ListSnapshots()
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, stamps[2], listed[0])
	assert.Equal(t, stamps[0], listed[2])
}

func TestCachePersisterListSnapshotsEmpty(t *testing.T) {
	_, p, _ := newPersistedCache(t)
	listed, err := p.ListSnapshots()
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestCachePersisterFlushWritesImmediately(t *testing.T) {
	cache, p, dir := newPersistedCache(t)
	cache.Set("query:flush", &contextcache.Entry{Context: []string{"flush me"}, Relevance: 0.5})

	p.ScheduleSave()
	require.NoError(t, p.Flush())
	assert.FileExists(t, filepath.Join(dir, cacheFileName))

	// The cancelled scheduled save must not race the flushed write.
	data, err := os.ReadFile(filepath.Join(dir, cacheFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "query:flush")
}
