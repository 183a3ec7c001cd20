// Package contextsvc implements the context retrieval side of the core: the
// uniform context item record, the concrete sources (memory adapters,
// documents, user activity, web), the fan-out source manager, the validator,
// and the cache persistence layer.
package contextsvc

import (
	"context"
	"time"
)

// Metadata keys recognized on context items.
const (
	MetaConfidence = "confidence"
	MetaTimestamp  = "timestamp"
	MetaTags       = "tags"
	MetaOutdated   = "outdated"
)

// DefaultMaxContextAge is the shared 30-day window used by both the manager's
// recency filter and the validator's outdated check.
const DefaultMaxContextAge = 30 * 24 * time.Hour

// Item is the uniform record every source produces for the coordinator to
// rank and pass to the LLM.
type Item struct {
	Content  string         `json:"content"`
	Source   string         `json:"source"`
	Type     string         `json:"type"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Confidence reads the item's confidence metadata.
func (i Item) Confidence() (float64, bool) {
	if i.Metadata == nil {
		return 0, false
	}
	switch v := i.Metadata[MetaConfidence].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// Timestamp reads the item's timestamp metadata, accepting time.Time values
// and RFC 3339 strings.
func (i Item) Timestamp() (time.Time, bool) {
	if i.Metadata == nil {
		return time.Time{}, false
	}
	switch v := i.Metadata[MetaTimestamp].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, false
		}
		return t, true
	default:
		return time.Time{}, false
	}
}

// RetrieveOptions bounds a single source retrieval.
type RetrieveOptions struct {
	MaxResults int
}

// Source is one provider of context items. Implementations log failures and
// return an error only when they produced nothing usable; the manager treats
// errors as empty results.
type Source interface {
	Retrieve(ctx context.Context, query string, opts RetrieveOptions) ([]Item, error)
	// Type returns a stable identifier like "memory:concept" or
	// "internal:documents".
	Type() string
	// Priority orders sources for fan-out; higher runs earlier and its items
	// rank first in the combined result.
	Priority() int
}
