package contextsvc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"marduk/internal/contextcache"
	"marduk/internal/logging"
	"marduk/internal/mardukerr"
	"marduk/internal/persist"
)

const (
	cacheFileName    = "context-cache.json"
	metadataFileName = "context-metadata.json"
	snapshotDirName  = "snapshots"
	snapshotPrefix   = "context-snapshot-"
)

// cacheMetadata is the sidecar summary written next to the cache file.
type cacheMetadata struct {
	SavedAt    string `json:"savedAt"`
	EntryCount int    `json:"entryCount"`
	Version    int    `json:"version"`
}

// CachePersister saves and restores the context cache as an ordered list of
// [fingerprint, entry] pairs, with snapshots under snapshots/.
type CachePersister struct {
	dir      string
	cache    *contextcache.Cache
	logger   logging.Logger
	now      func() time.Time
	debounce time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// PersisterOptions configures a CachePersister.
type PersisterOptions struct {
	Dir string
	// Debounce coalesces ScheduleSave bursts. Default 5s.
	Debounce time.Duration
	Logger   logging.Logger
	Now      func() time.Time
}

// NewCachePersister creates a persister rooted at opts.Dir.
func NewCachePersister(cache *contextcache.Cache, opts PersisterOptions) *CachePersister {
	if opts.Debounce <= 0 {
		opts.Debounce = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &CachePersister{
		dir:      opts.Dir,
		cache:    cache,
		logger:   logging.OrNop(opts.Logger),
		now:      opts.Now,
		debounce: opts.Debounce,
	}
}

// Save writes the cache and its metadata sidecar atomically.
func (p *CachePersister) Save() error {
	entries := p.cache.Entries()
	data, err := encodeCachePairs(entries)
	if err != nil {
		return mardukerr.NewPersistenceError("encode", cacheFileName, err)
	}
	path := filepath.Join(p.dir, cacheFileName)
	if err := persist.WriteFileAtomic(path, data); err != nil {
		return mardukerr.NewPersistenceError("save", path, err)
	}

	meta := cacheMetadata{
		SavedAt:    p.now().UTC().Format(time.RFC3339),
		EntryCount: len(entries),
		Version:    1,
	}
	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return mardukerr.NewPersistenceError("encode", metadataFileName, err)
	}
	metaPath := filepath.Join(p.dir, metadataFileName)
	if err := persist.WriteFileAtomic(metaPath, metaData); err != nil {
		return mardukerr.NewPersistenceError("save", metaPath, err)
	}

	p.logger.Debug("persisted %d cache entries to %s", len(entries), path)
	return nil
}

// ScheduleSave arranges a save after the debounce interval, coalescing bursts
// of invalidations into one write.
func (p *CachePersister) ScheduleSave() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timer != nil {
		p.timer.Stop()
	}
	p.timer = time.AfterFunc(p.debounce, func() {
		if err := p.Save(); err != nil {
			p.logger.Warn("scheduled cache save failed: %v", err)
		}
	})
}

// Flush cancels any pending scheduled save and saves immediately.
func (p *CachePersister) Flush() error {
	p.mu.Lock()
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()
	return p.Save()
}

// Load restores the cache from disk. A missing file leaves the cache empty;
// entries missing any of the scoring fields are skipped with a warning.
func (p *CachePersister) Load() error {
	path := filepath.Join(p.dir, cacheFileName)
	data, err := persist.ReadFileVerified(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return mardukerr.NewPersistenceError("load", path, err)
	}

	entries, skipped, err := decodeCachePairs(data)
	if err != nil {
		return mardukerr.NewPersistenceError("decode", path, err)
	}
	if skipped > 0 {
		p.logger.Warn("skipped %d cache entries missing scoring fields", skipped)
	}
	p.cache.Load(entries)
	p.logger.Info("restored %d cache entries from %s", len(entries), path)
	return nil
}

// SaveSnapshot writes a point-in-time copy under snapshots/, returning the
// snapshot timestamp.
func (p *CachePersister) SaveSnapshot() (string, error) {
	entries := p.cache.Entries()
	data, err := encodeCachePairs(entries)
	if err != nil {
		return "", mardukerr.NewPersistenceError("encode", snapshotDirName, err)
	}
	ts := persist.Timestamp(p.now())
	path := filepath.Join(p.dir, snapshotDirName, snapshotPrefix+ts+".json")
	if err := persist.WriteFileAtomic(path, data); err != nil {
		return "", mardukerr.NewPersistenceError("save", path, err)
	}
	p.logger.Info("saved context snapshot %s (%d entries)", ts, len(entries))
	return ts, nil
}

// ListSnapshots returns the available snapshot timestamps, newest first.
func (p *CachePersister) ListSnapshots() ([]string, error) {
	dir := filepath.Join(p.dir, snapshotDirName)
	names, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mardukerr.NewPersistenceError("list", dir, err)
	}
	var stamps []string
	for _, entry := range names {
		name := entry.Name()
		if !strings.HasPrefix(name, snapshotPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		stamps = append(stamps, strings.TrimSuffix(strings.TrimPrefix(name, snapshotPrefix), ".json"))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	return stamps, nil
}

// RestoreSnapshot replaces the cache contents with the named snapshot.
func (p *CachePersister) RestoreSnapshot(ts string) error {
	path := filepath.Join(p.dir, snapshotDirName, snapshotPrefix+ts+".json")
	data, err := persist.ReadFileVerified(path)
	if err != nil {
		return mardukerr.NewPersistenceError("load", path, err)
	}
	entries, skipped, err := decodeCachePairs(data)
	if err != nil {
		return mardukerr.NewPersistenceError("decode", path, err)
	}
	if skipped > 0 {
		p.logger.Warn("snapshot %s: skipped %d entries missing scoring fields", ts, skipped)
	}
	p.cache.Load(entries)
	p.logger.Info("restored context snapshot %s (%d entries)", ts, len(entries))
	return nil
}

// encodeCachePairs renders entries as a deterministic [key, entry] pair list.
func encodeCachePairs(entries map[string]*contextcache.Entry) ([]byte, error) {
	keys := make([]string, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([][2]json.RawMessage, 0, len(entries))
	for _, k := range keys {
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		entryJSON, err := json.Marshal(entries[k])
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, [2]json.RawMessage{keyJSON, entryJSON})
	}
	return json.MarshalIndent(pairs, "", "  ")
}

// decodeCachePairs parses a pair list, dropping entries that lack any of the
// lastAccessed, createdAt, accessCount, or relevance fields.
func decodeCachePairs(data []byte) (map[string]*contextcache.Entry, int, error) {
	var pairs [][2]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return nil, 0, err
	}

	entries := make(map[string]*contextcache.Entry, len(pairs))
	skipped := 0
	for _, pair := range pairs {
		var key string
		if err := json.Unmarshal(pair[0], &key); err != nil {
			return nil, 0, fmt.Errorf("cache pair key: %w", err)
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(pair[1], &fields); err != nil {
			return nil, 0, fmt.Errorf("cache entry %q: %w", key, err)
		}
		if !hasScoringFields(fields) {
			skipped++
			continue
		}
		var entry contextcache.Entry
		if err := json.Unmarshal(pair[1], &entry); err != nil {
			return nil, 0, fmt.Errorf("cache entry %q: %w", key, err)
		}
		entries[key] = &entry
	}
	return entries, skipped, nil
}

func hasScoringFields(fields map[string]json.RawMessage) bool {
	for _, name := range []string{"lastAccessed", "createdAt", "accessCount", "relevance"} {
		if _, ok := fields[name]; !ok {
			return false
		}
	}
	return true
}
