// Package contextcache implements the weighted LRU cache holding retrieval
// results under query fingerprints. Eviction combines recency, frequency,
// caller-assigned weight, and age decay rather than pure LRU order; the
// generic LRU from hashicorp/golang-lru cannot express that policy, so the
// scoring map is maintained here directly.
package contextcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"marduk/internal/logging"
)

// Entry is a fingerprint's cached retrieval payload plus scoring metadata.
// When persisted, LastAccessed, CreatedAt, AccessCount, and Relevance must all
// be present.
type Entry struct {
	Context       []string       `json:"context"`
	LastAccessed  int64          `json:"lastAccessed"` // unix millis
	CreatedAt     int64          `json:"createdAt"`    // unix millis
	AccessCount   int            `json:"accessCount"`
	Relevance     float64        `json:"relevance"`
	QueryTerms    []string       `json:"queryTerms,omitempty"`
	Weight        float64        `json:"weight,omitempty"`
	TTL           int64          `json:"ttl,omitempty"` // millis from CreatedAt
	TTLExtensions int            `json:"ttlExtensions,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Clone returns an independent copy safe to hand to callers.
func (e *Entry) Clone() *Entry {
	out := *e
	out.Context = append([]string(nil), e.Context...)
	out.QueryTerms = append([]string(nil), e.QueryTerms...)
	if e.Metadata != nil {
		out.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func (e *Entry) expired(now int64) bool {
	return e.TTL > 0 && now > e.CreatedAt+e.TTL
}

// Weights are the α, β, γ, δ coefficients of the eviction score.
type Weights struct {
	Recency   float64 // α
	Frequency float64 // β
	Weight    float64 // γ
	AgeDecay  float64 // δ
}

// DefaultWeights favor recency slightly over declared weight and frequency.
func DefaultWeights() Weights {
	return Weights{Recency: 0.35, Frequency: 0.25, Weight: 0.3, AgeDecay: 0.1}
}

// Options configures the cache.
type Options struct {
	Capacity           int
	Weights            Weights
	TTLExtensionFactor float64       // default 1.5
	MaxTTLExtensions   int           // default 3
	SweepInterval      time.Duration // default 5 min
	// OnEvict runs for every removed entry (eviction or expiry sweep).
	OnEvict func(key string, entry *Entry)
	Logger  logging.Logger
	// Now overrides the clock in tests.
	Now func() time.Time
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
	Capacity  int
	OldestAge time.Duration
	NewestAge time.Duration
}

// Cache is the weighted LRU. The coordinator is its single writer; reads and
// the background sweep take the same lock.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*Entry
	opts    Options
	logger  logging.Logger

	hits      int64
	misses    int64
	evictions int64
}

// New creates a cache bounded at opts.Capacity entries.
func New(opts Options) *Cache {
	if opts.Capacity <= 0 {
		opts.Capacity = 200
	}
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.TTLExtensionFactor <= 1 {
		opts.TTLExtensionFactor = 1.5
	}
	if opts.MaxTTLExtensions <= 0 {
		opts.MaxTTLExtensions = 3
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		entries: make(map[string]*Entry),
		opts:    opts,
		logger:  logging.OrNop(opts.Logger),
	}
}

func (c *Cache) nowMillis() int64 { return c.opts.Now().UnixMilli() }

// Get returns a copy of the entry for key, updating its access bookkeeping
// and extending its TTL when the entry's weight is above the cache median.
func (c *Cache) Get(key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowMillis()
	entry, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if entry.expired(now) {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}

	c.hits++
	entry.LastAccessed = now
	entry.AccessCount++

	if entry.TTL > 0 && entry.TTLExtensions < c.opts.MaxTTLExtensions &&
		entry.Weight > c.medianWeightLocked() {
		entry.TTL = int64(float64(entry.TTL) * c.opts.TTLExtensionFactor)
		entry.TTLExtensions++
	}

	return entry.Clone(), true
}

// Set inserts or replaces the entry for key, evicting the lowest-scoring
// entry first when the cache is full. Set never blocks on the dispose hook's
// side effects beyond the callback itself.
func (c *Cache) Set(key string, entry *Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowMillis()
	stored := entry.Clone()
	if stored.CreatedAt == 0 {
		stored.CreatedAt = now
	}
	if stored.LastAccessed < stored.CreatedAt {
		stored.LastAccessed = stored.CreatedAt
	}
	if stored.AccessCount < 1 {
		stored.AccessCount = 1
	}

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.opts.Capacity {
		c.evictLowestLocked()
	}
	c.entries[key] = stored
}

// Delete removes key, invoking the dispose hook when present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[key]
	if ok {
		c.removeLocked(key)
	}
	return ok
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Keys returns the cached fingerprints in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entries returns a deep copy of the cache contents for persistence.
func (c *Cache) Entries() map[string]*Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]*Entry, len(c.entries))
	for k, e := range c.entries {
		out[k] = e.Clone()
	}
	return out
}

// Load replaces the cache contents, dropping entries beyond capacity by
// score. Used at startup restore.
func (c *Cache) Load(entries map[string]*Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry, len(entries))
	for k, e := range entries {
		c.entries[k] = e.Clone()
	}
	for len(c.entries) > c.opts.Capacity {
		c.evictLowestLocked()
	}
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.entries),
		Capacity:  c.opts.Capacity,
	}
	now := c.nowMillis()
	first := true
	for _, e := range c.entries {
		age := time.Duration(now-e.CreatedAt) * time.Millisecond
		if first {
			s.OldestAge, s.NewestAge = age, age
			first = false
			continue
		}
		if age > s.OldestAge {
			s.OldestAge = age
		}
		if age < s.NewestAge {
			s.NewestAge = age
		}
	}
	return s
}

// Sweep removes expired entries and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowMillis()
	var expired []string
	for k, e := range c.entries {
		if e.expired(now) {
			expired = append(expired, k)
		}
	}
	sort.Strings(expired)
	for _, k := range expired {
		c.removeLocked(k)
	}
	return len(expired)
}

// StartSweeper runs periodic expiry sweeps until ctx is done.
func (c *Cache) StartSweeper(ctx context.Context) {
	ticker := time.NewTicker(c.opts.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.Sweep(); n > 0 {
					c.logger.Debug("cache sweep removed %d expired entries", n)
				}
			}
		}
	}()
}

// removeLocked deletes key and fires the dispose hook. It does not touch the
// eviction counter; only capacity eviction counts there.
func (c *Cache) removeLocked(key string) {
	entry := c.entries[key]
	delete(c.entries, key)
	if c.opts.OnEvict != nil && entry != nil {
		c.opts.OnEvict(key, entry)
	}
}

// evictLowestLocked removes the entry with the lowest weighted score, ties
// broken by oldest LastAccessed then key order.
func (c *Cache) evictLowestLocked() {
	if len(c.entries) == 0 {
		return
	}

	now := c.nowMillis()
	var oldestAccess, newestAccess, oldestCreated int64
	var maxCount int
	first := true
	for _, e := range c.entries {
		if first {
			oldestAccess, newestAccess = e.LastAccessed, e.LastAccessed
			oldestCreated = e.CreatedAt
			maxCount = e.AccessCount
			first = false
			continue
		}
		if e.LastAccessed < oldestAccess {
			oldestAccess = e.LastAccessed
		}
		if e.LastAccessed > newestAccess {
			newestAccess = e.LastAccessed
		}
		if e.CreatedAt < oldestCreated {
			oldestCreated = e.CreatedAt
		}
		if e.AccessCount > maxCount {
			maxCount = e.AccessCount
		}
	}

	accessSpan := float64(newestAccess - oldestAccess)
	ageSpan := float64(now - oldestCreated)
	w := c.opts.Weights

	score := func(e *Entry) float64 {
		var recency, frequency, ageDecay float64
		if accessSpan > 0 {
			recency = float64(e.LastAccessed-oldestAccess) / accessSpan
		}
		if maxCount > 0 {
			frequency = float64(e.AccessCount) / float64(maxCount)
		}
		if ageSpan > 0 {
			ageDecay = float64(now-e.CreatedAt) / ageSpan
		}
		return w.Recency*recency + w.Frequency*frequency + w.Weight*e.Weight - w.AgeDecay*ageDecay
	}

	var victim string
	var victimScore float64
	var victimAccess int64
	first = true
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		e := c.entries[k]
		s := score(e)
		if first || s < victimScore ||
			(s == victimScore && e.LastAccessed < victimAccess) {
			victim, victimScore, victimAccess = k, s, e.LastAccessed
			first = false
		}
	}
	c.removeLocked(victim)
	c.evictions++
}

// medianWeightLocked returns the median of the stored entries' weights.
func (c *Cache) medianWeightLocked() float64 {
	if len(c.entries) == 0 {
		return 0
	}
	weights := make([]float64, 0, len(c.entries))
	for _, e := range c.entries {
		weights = append(weights, e.Weight)
	}
	sort.Float64s(weights)
	mid := len(weights) / 2
	if len(weights)%2 == 1 {
		return weights[mid]
	}
	return (weights[mid-1] + weights[mid]) / 2
}
