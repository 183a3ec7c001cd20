package memory

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
	"marduk/internal/persist"
)

// behavior supplies the subsystem-specific hooks the shared base delegates to.
type behavior interface {
	Name() string
	AllowedTypes() []string
	// ValidateContent checks the content payload and subsystem metadata rules.
	ValidateContent(item Item) error
	// Matches applies the subsystem's term matching (case-insensitive substring
	// over its searchable fields).
	Matches(item Item, q Query) bool
	// IndexValues returns the extra index fields for an item (field -> values).
	IndexValues(item Item) map[string][]string
	// DecodeContent converts a persisted payload back into its typed form.
	DecodeContent(typ string, raw json.RawMessage) (any, error)
}

// Store is the shared subsystem base: an id-keyed map with capacity-bound
// eviction, an inverted index, and optional file persistence. Each subsystem
// owns its Store exclusively; cross-subsystem access goes through the Factory.
type Store struct {
	mu       sync.RWMutex
	behavior behavior
	capacity int
	items    map[string]Item
	// index: field -> value -> set of item ids. The "type" field is always
	// maintained; behaviors add their own fields (tags, category, ...).
	index  map[string]map[string]map[string]struct{}
	files  *persist.FileStore // nil disables persistence
	logger logging.Logger

	accessSeq int64 // monotonic lastAccessed source
}

// NewStore builds a subsystem store and restores persisted items when a
// FileStore is supplied. Items that fail validation on load are skipped.
func NewStore(b behavior, capacity int, files *persist.FileStore, logger logging.Logger) (*Store, error) {
	if capacity <= 0 {
		return nil, mardukerr.NewValidationError("store", "capacity must be positive")
	}
	s := &Store{
		behavior: b,
		capacity: capacity,
		items:    make(map[string]Item),
		index:    make(map[string]map[string]map[string]struct{}),
		files:    files,
		logger:   logging.OrNop(logger),
	}
	if files != nil {
		records, err := files.Load()
		if err != nil {
			// Read path degrades to an empty store plus a warning.
			s.logger.Warn("%s: failed to load persisted items, starting empty: %v", b.Name(), err)
		} else {
			s.ingest(records)
		}
	}
	return s, nil
}

// Name returns the subsystem name.
func (s *Store) Name() string { return s.behavior.Name() }

// Size returns the number of stored items.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// nextAccess issues a monotonically increasing lastAccessed stamp. Wall-clock
// millis are used as the base so persisted values stay meaningful across runs.
func (s *Store) nextAccess() int64 {
	now := time.Now().UnixMilli()
	if now <= s.accessSeq {
		now = s.accessSeq + 1
	}
	s.accessSeq = now
	return now
}

// Query validates q, consults the index for candidates, then applies the
// subsystem's Matches plus any numeric/membership filters.
func (s *Store) Query(q Query) (*Response, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := s.candidateIDs(q)
	items := make([]Item, 0, len(candidates))
	for _, id := range candidates {
		item := s.items[id]
		if !s.behavior.Matches(item, q) {
			continue
		}
		if !passesFilters(item, q.Filters) {
			continue
		}
		if item.Metadata == nil {
			item.Metadata = map[string]any{}
		}
		item.Metadata[MetaLastAccessed] = s.nextAccess()
		s.items[id] = item
		items = append(items, item.Clone())
	}

	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return &Response{
		Items:    items,
		Metadata: ResponseMeta{Total: len(items), Timestamp: time.Now()},
	}, nil
}

// candidateIDs intersects the type index with any exact-membership filters on
// indexed fields, returning a deterministic id ordering.
func (s *Store) candidateIDs(q Query) []string {
	byType := s.index["type"][q.Type]
	if len(byType) == 0 {
		return nil
	}

	result := make(map[string]struct{}, len(byType))
	for id := range byType {
		result[id] = struct{}{}
	}

	for field, f := range q.Filters {
		if len(f.In) == 0 {
			continue
		}
		fieldIndex, indexed := s.index[field]
		if !indexed {
			continue // fall through to the predicate stage
		}
		union := make(map[string]struct{})
		for _, value := range f.In {
			for id := range fieldIndex[value] {
				union[id] = struct{}{}
			}
		}
		for id := range result {
			if _, ok := union[id]; !ok {
				delete(result, id)
			}
		}
	}

	ids := make([]string, 0, len(result))
	for id := range result {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// passesFilters applies numeric range and (non-indexed) membership filters
// against item metadata.
func passesFilters(item Item, filters map[string]Filter) bool {
	for field, f := range filters {
		if f.Min != nil || f.Max != nil {
			value, ok := metaFloat(item.Metadata, field)
			if !ok {
				return false
			}
			if f.Min != nil && value < *f.Min {
				return false
			}
			if f.Max != nil && value > *f.Max {
				return false
			}
		}
		if len(f.In) > 0 {
			value, ok := metaString(item.Metadata, field)
			if !ok {
				// A multi-valued field passes when any element is in the set.
				values := metaStrings(item.Metadata, field)
				if !intersects(values, f.In) {
					return false
				}
				continue
			}
			if !contains(f.In, value) {
				return false
			}
		}
	}
	return true
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		if contains(b, x) {
			return true
		}
	}
	return false
}

// validateItem runs the shared structural checks before the behavior's own.
func (s *Store) validateItem(item Item) error {
	if item.ID == "" {
		return mardukerr.NewValidationError("memory item", "id is required")
	}
	if !contains(s.behavior.AllowedTypes(), item.Type) {
		return mardukerr.NewValidationError("memory item",
			"type %q not allowed in subsystem %s", item.Type, s.behavior.Name())
	}
	if c, ok := metaFloat(item.Metadata, MetaConfidence); ok && !inUnitRange(c) {
		return mardukerr.NewValidationError("memory item", "confidence %v outside [0,1]", c)
	}
	return s.behavior.ValidateContent(item)
}

// StoreItem validates and inserts an item, evicting when at capacity. The
// persistence write, when enabled, completes before return.
func (s *Store) StoreItem(item Item) error {
	if err := s.validateItem(item); err != nil {
		return err
	}

	s.mu.Lock()
	if _, exists := s.items[item.ID]; !exists && len(s.items) >= s.capacity {
		s.evictOldestLocked()
	}
	item = item.Clone()
	if item.Metadata == nil {
		item.Metadata = map[string]any{}
	}
	item.Metadata[MetaLastAccessed] = s.nextAccess()
	s.removeFromIndexLocked(item.ID)
	s.items[item.ID] = item
	s.addToIndexLocked(item)
	s.mu.Unlock()

	return s.save()
}

// Patch is a shallow update: a non-nil Content replaces the payload, Metadata
// keys merge over the existing mapping.
type Patch struct {
	Content  any
	Metadata map[string]any
}

// Update applies patch to the item with the given id. A missing id is a no-op.
func (s *Store) Update(id string, patch Patch) error {
	s.mu.Lock()
	existing, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return nil
	}

	updated := existing.Clone()
	if patch.Content != nil {
		updated.Content = patch.Content
	}
	if updated.Metadata == nil {
		updated.Metadata = map[string]any{}
	}
	for k, v := range patch.Metadata {
		updated.Metadata[k] = v
	}

	if err := s.validateItem(updated); err != nil {
		s.mu.Unlock()
		return err
	}

	updated.Metadata[MetaLastAccessed] = s.nextAccess()
	s.removeFromIndexLocked(id)
	s.items[id] = updated
	s.addToIndexLocked(updated)
	s.mu.Unlock()

	return s.save()
}

// Delete removes the item with the given id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	if _, ok := s.items[id]; !ok {
		s.mu.Unlock()
		return nil
	}
	s.removeFromIndexLocked(id)
	delete(s.items, id)
	s.mu.Unlock()

	return s.save()
}

// evictOldestLocked removes the oldest 10% (at least one) of items by
// lastAccessed, ties broken by id ascending.
func (s *Store) evictOldestLocked() {
	count := s.capacity / 10
	if count < 1 {
		count = 1
	}

	type aged struct {
		id       string
		accessed int64
	}
	all := make([]aged, 0, len(s.items))
	for id, item := range s.items {
		all = append(all, aged{id: id, accessed: lastAccessed(item.Metadata)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].accessed != all[j].accessed {
			return all[i].accessed < all[j].accessed
		}
		return all[i].id < all[j].id
	})

	if count > len(all) {
		count = len(all)
	}
	for _, victim := range all[:count] {
		s.removeFromIndexLocked(victim.id)
		delete(s.items, victim.id)
	}
	s.logger.Debug("%s: evicted %d items at capacity %d", s.behavior.Name(), count, s.capacity)
}

func (s *Store) addToIndexLocked(item Item) {
	s.indexValueLocked("type", item.Type, item.ID)
	for field, values := range s.behavior.IndexValues(item) {
		for _, value := range values {
			s.indexValueLocked(field, value, item.ID)
		}
	}
}

func (s *Store) indexValueLocked(field, value, id string) {
	byValue, ok := s.index[field]
	if !ok {
		byValue = make(map[string]map[string]struct{})
		s.index[field] = byValue
	}
	ids, ok := byValue[value]
	if !ok {
		ids = make(map[string]struct{})
		byValue[value] = ids
	}
	ids[id] = struct{}{}
}

func (s *Store) removeFromIndexLocked(id string) {
	for field, byValue := range s.index {
		for value, ids := range byValue {
			delete(ids, id)
			if len(ids) == 0 {
				delete(byValue, value)
			}
		}
		if len(byValue) == 0 {
			delete(s.index, field)
		}
	}
}

// encodeAllLocked renders the current items in id order for persistence.
func (s *Store) encodeAllLocked() ([]json.RawMessage, error) {
	ids := make([]string, 0, len(s.items))
	for id := range s.items {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		raw, err := encodeItem(s.items[id])
		if err != nil {
			return nil, err
		}
		records = append(records, raw)
	}
	return records, nil
}

// save writes the full store through the persistence layer, when enabled.
func (s *Store) save() error {
	if s.files == nil {
		return nil
	}
	s.mu.RLock()
	records, err := s.encodeAllLocked()
	s.mu.RUnlock()
	if err != nil {
		return mardukerr.NewPersistenceError("save", s.behavior.Name(), err)
	}
	return s.files.Save(records)
}

// ingest replaces the in-memory map with decoded records, skipping entries
// that fail validation.
func (s *Store) ingest(records []json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.items = make(map[string]Item, len(records))
	s.index = make(map[string]map[string]map[string]struct{})
	skipped := 0
	for _, raw := range records {
		item, err := decodeItem(raw, s.behavior)
		if err != nil {
			skipped++
			continue
		}
		if err := s.validateItem(item); err != nil {
			skipped++
			continue
		}
		s.items[item.ID] = item
		s.addToIndexLocked(item)
		if la := lastAccessed(item.Metadata); la > s.accessSeq {
			s.accessSeq = la
		}
	}
	if skipped > 0 {
		s.logger.Warn("%s: skipped %d invalid persisted items", s.behavior.Name(), skipped)
	}
}

// CreateSnapshot persists an immutable timestamped copy of the store.
func (s *Store) CreateSnapshot() (string, error) {
	if s.files == nil {
		return "", mardukerr.NewPersistenceError("snapshot", s.behavior.Name(),
			errNoPersistence)
	}
	s.mu.RLock()
	records, err := s.encodeAllLocked()
	s.mu.RUnlock()
	if err != nil {
		return "", mardukerr.NewPersistenceError("snapshot", s.behavior.Name(), err)
	}
	return s.files.SaveSnapshot(records)
}

// ListSnapshots returns available snapshot timestamps, newest first.
func (s *Store) ListSnapshots() ([]string, error) {
	if s.files == nil {
		return nil, nil
	}
	return s.files.ListSnapshots()
}

// RestoreSnapshot replaces the in-memory store with the snapshot taken at ts.
// Entries that fail validation are silently skipped.
func (s *Store) RestoreSnapshot(ts string) error {
	if s.files == nil {
		return mardukerr.NewPersistenceError("restore", s.behavior.Name(), errNoPersistence)
	}
	records, err := s.files.LoadSnapshot(ts)
	if err != nil {
		return err
	}
	s.ingest(records)
	return s.save()
}

// Flush forces a synchronous persistence write. Used at shutdown.
func (s *Store) Flush() error {
	return s.save()
}
