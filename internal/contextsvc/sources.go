package contextsvc

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// DocumentSource holds an in-process mapping of document id to content. The
// coordinator forwards AddDocument calls here.
type DocumentSource struct {
	mu   sync.RWMutex
	docs map[string]string
}

// NewDocumentSource creates an empty document source.
func NewDocumentSource() *DocumentSource {
	return &DocumentSource{docs: make(map[string]string)}
}

func (s *DocumentSource) Type() string  { return "internal:documents" }
func (s *DocumentSource) Priority() int { return 4 }

// Add stores (or replaces) a document.
func (s *DocumentSource) Add(id, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = content
}

// Len returns the number of stored documents.
func (s *DocumentSource) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// Retrieve matches a document when any whitespace-split query token appears
// in the lowered content.
func (s *DocumentSource) Retrieve(_ context.Context, query string, opts RetrieveOptions) ([]Item, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var items []Item
	for _, id := range ids {
		content := s.docs[id]
		lowered := strings.ToLower(content)
		for _, token := range tokens {
			if strings.Contains(lowered, token) {
				items = append(items, Item{
					Content:  content,
					Source:   s.Type(),
					Type:     "document",
					Metadata: map[string]any{"documentId": id},
				})
				break
			}
		}
		if opts.MaxResults > 0 && len(items) >= opts.MaxResults {
			break
		}
	}
	return items, nil
}

// ActivityRecord is one entry in the user-activity ring.
type ActivityRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	activityCapacity = 50
	activityHorizon  = 7 * 24 * time.Hour
)

// ActivitySource keeps a ring buffer of recent user activity records.
type ActivitySource struct {
	mu      sync.RWMutex
	records []ActivityRecord
	now     func() time.Time
}

// NewActivitySource creates an empty activity ring.
func NewActivitySource() *ActivitySource {
	return &ActivitySource{now: time.Now}
}

func (s *ActivitySource) Type() string  { return "internal:user-activity" }
func (s *ActivitySource) Priority() int { return 3 }

// Record appends an activity entry, dropping the oldest beyond capacity.
func (s *ActivitySource) Record(record ActivityRecord) {
	if record.Timestamp.IsZero() {
		record.Timestamp = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	if len(s.records) > activityCapacity {
		s.records = s.records[len(s.records)-activityCapacity:]
	}
}

// Retrieve matches records by token overlap against description and tags,
// discarding entries older than the 7-day horizon.
func (s *ActivitySource) Retrieve(_ context.Context, query string, opts RetrieveOptions) ([]Item, error) {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return nil, nil
	}
	cutoff := s.now().Add(-activityHorizon)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []Item
	for _, record := range s.records {
		if record.Timestamp.Before(cutoff) {
			continue
		}
		haystack := strings.ToLower(record.Description + " " + strings.Join(record.Tags, " "))
		matched := false
		for _, token := range tokens {
			if strings.Contains(haystack, token) {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		items = append(items, Item{
			Content: record.Description,
			Source:  s.Type(),
			Type:    record.Type,
			Metadata: map[string]any{
				MetaTimestamp: record.Timestamp.UTC().Format(time.RFC3339),
				MetaTags:      record.Tags,
			},
		})
		if opts.MaxResults > 0 && len(items) >= opts.MaxResults {
			break
		}
	}
	return items, nil
}

// WebSource is the optional external web retriever. Without configuration it
// reports a timeout-style failure, which the manager treats as no items.
type WebSource struct {
	configured bool
}

// NewWebSource creates an unconfigured web source.
func NewWebSource() *WebSource { return &WebSource{} }

func (s *WebSource) Type() string  { return "external:web" }
func (s *WebSource) Priority() int { return 1 }

func (s *WebSource) Retrieve(context.Context, string, RetrieveOptions) ([]Item, error) {
	if !s.configured {
		return nil, fmt.Errorf("web source not configured: retrieval timed out")
	}
	return nil, nil
}
