package contextsvc

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
)

// QueryOptions controls one fan-out retrieval.
type QueryOptions struct {
	// MaxSources bounds how many sources (by priority) participate.
	MaxSources int
	// Timeout bounds each source's retrieval. Default 2s.
	Timeout time.Duration
	// MinConfidence drops items whose confidence metadata is below it.
	MinConfidence float64
	// Recency "recent" drops items older than the 30-day window; "any" (or
	// empty) keeps everything.
	Recency string
	// MaxResults truncates the combined result.
	MaxResults int
}

// Manager fans a query out to the registered sources, applies the confidence
// and recency filters, and returns items ordered by source priority. Failures
// and timeouts of individual sources never surface to the caller; an error is
// returned only when every participating source failed outright.
type Manager struct {
	mu      sync.RWMutex
	sources []Source
	logger  logging.Logger
	now     func() time.Time
}

// NewManager creates a manager with no sources registered.
func NewManager(logger logging.Logger) *Manager {
	return &Manager{logger: logging.OrNop(logger), now: time.Now}
}

// Register adds a source. Sources are consulted highest priority first; ties
// resolve by type name for determinism.
func (m *Manager) Register(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, source)
	sort.SliceStable(m.sources, func(i, j int) bool {
		if m.sources[i].Priority() != m.sources[j].Priority() {
			return m.sources[i].Priority() > m.sources[j].Priority()
		}
		return m.sources[i].Type() < m.sources[j].Type()
	})
}

// SourceCount returns the number of registered sources.
func (m *Manager) SourceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// SourceTypes returns the registered source types in fan-out order.
func (m *Manager) SourceTypes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	types := make([]string, len(m.sources))
	for i, s := range m.sources {
		types[i] = s.Type()
	}
	return types
}

// GetContext runs the fan-out. Items from higher-priority sources precede
// those from lower-priority ones; order within a source is preserved.
func (m *Manager) GetContext(ctx context.Context, query string, opts QueryOptions) ([]Item, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}

	m.mu.RLock()
	selected := make([]Source, len(m.sources))
	copy(selected, m.sources)
	m.mu.RUnlock()

	if opts.MaxSources > 0 && len(selected) > opts.MaxSources {
		selected = selected[:opts.MaxSources]
	}
	if len(selected) == 0 {
		return nil, nil
	}

	results := make([][]Item, len(selected))
	failures := 0
	var failMu sync.Mutex

	g, ctx := errgroup.WithContext(ctx)
	for i, source := range selected {
		g.Go(func() error {
			items, err := m.retrieveWithTimeout(ctx, source, query, opts)
			if err != nil {
				m.logger.Debug("source %s contributed nothing: %v", source.Type(), err)
				failMu.Lock()
				failures++
				failMu.Unlock()
				return nil // individual failures never abort the fan-out
			}
			results[i] = items
			return nil
		})
	}
	_ = g.Wait()

	if failures == len(selected) {
		return nil, mardukerr.NewContextError("all context sources failed", nil)
	}

	var combined []Item
	for _, items := range results {
		combined = append(combined, items...)
	}
	return m.filter(combined, opts), nil
}

// retrieveWithTimeout bounds one source call. Late results from a timed-out
// source are discarded when the goroutine eventually finishes.
func (m *Manager) retrieveWithTimeout(ctx context.Context, source Source, query string, opts QueryOptions) ([]Item, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	type result struct {
		items []Item
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		items, err := source.Retrieve(ctx, query, RetrieveOptions{MaxResults: opts.MaxResults})
		ch <- result{items: items, err: err}
	}()

	select {
	case r := <-ch:
		return r.items, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// filter applies confidence and recency filters, then truncates.
func (m *Manager) filter(items []Item, opts QueryOptions) []Item {
	cutoff := m.now().Add(-DefaultMaxContextAge)

	filtered := items[:0]
	for _, item := range items {
		if opts.MinConfidence > 0 {
			if conf, ok := item.Confidence(); ok && conf < opts.MinConfidence {
				continue
			}
		}
		if opts.Recency == "recent" {
			if ts, ok := item.Timestamp(); ok && ts.Before(cutoff) {
				continue
			}
		}
		filtered = append(filtered, item)
	}

	if opts.MaxResults > 0 && len(filtered) > opts.MaxResults {
		filtered = filtered[:opts.MaxResults]
	}
	return filtered
}
