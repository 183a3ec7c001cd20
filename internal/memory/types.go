// Package memory implements the four typed memory subsystems (factual, event,
// concept, workflow) behind a uniform query/store/update/delete contract with
// capacity-bound eviction, indexed search, and snapshot-capable persistence.
package memory

import (
	"encoding/json"
	"time"

	"marduk/internal/mardukerr"
)

// Subsystem names.
const (
	SubsystemFactual  = "factual"
	SubsystemEvent    = "event"
	SubsystemConcept  = "concept"
	SubsystemWorkflow = "workflow"
)

// Well-known metadata keys.
const (
	MetaLastAccessed     = "lastAccessed"
	MetaTags             = "tags"
	MetaConfidence       = "confidence"
	MetaTimestamp        = "timestamp"
	MetaCategory         = "category"
	MetaSource           = "source"
	MetaImportance       = "importance"
	MetaEmotionalValence = "emotionalValence"
	MetaSuccessRate      = "successRate"
	MetaComplexity       = "complexity"
)

// Item is a single memory record. Content holds the subsystem-specific
// payload: a string for factual items, EventContent or InteractionContent for
// event items, ConceptContent for concepts, WorkflowContent for workflows.
type Item struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Content  any            `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy for handing items across goroutines:
// metadata is copied, content values are immutable by convention.
func (i Item) Clone() Item {
	out := i
	if i.Metadata != nil {
		out.Metadata = make(map[string]any, len(i.Metadata))
		for k, v := range i.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// EventContent is the payload of a plain event item.
type EventContent struct {
	Description string   `json:"description"`
	Timestamp   string   `json:"timestamp"`
	Context     string   `json:"context,omitempty"`
	Actors      []string `json:"actors,omitempty"`
	Location    string   `json:"location,omitempty"`
}

// InteractionContent is the payload of an ai_interaction event written by the
// coordinator after each successful LLM exchange.
type InteractionContent struct {
	Query    string `json:"query"`
	Response string `json:"response"`
	Model    string `json:"model"`
	Usage    Usage  `json:"usage"`
}

// Usage mirrors the token accounting returned by the LLM client.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Relationship links a concept to a target concept.
type Relationship struct {
	Type          string  `json:"type"`
	Target        string  `json:"target"`
	Strength      float64 `json:"strength"`
	Bidirectional bool    `json:"bidirectional,omitempty"`
}

// ConceptContent is the payload of a concept item.
type ConceptContent struct {
	Name          string         `json:"name"`
	Description   string         `json:"description,omitempty"`
	Relationships []Relationship `json:"relationships,omitempty"`
	Properties    map[string]any `json:"properties,omitempty"`
}

// WorkflowContent is the payload of a workflow item.
type WorkflowContent struct {
	Title             string   `json:"title"`
	Steps             []string `json:"steps"`
	Tags              []string `json:"tags,omitempty"`
	Prerequisites     []string `json:"prerequisites,omitempty"`
	EstimatedDuration string   `json:"estimatedDuration,omitempty"`
}

// Filter constrains one metadata field: a numeric range, a membership set, or
// both are representable, though callers use one at a time.
type Filter struct {
	Min *float64 `json:"min,omitempty"`
	Max *float64 `json:"max,omitempty"`
	In  []string `json:"in,omitempty"`
}

// Query describes a retrieval request against one subsystem.
type Query struct {
	Type    string            `json:"type"`
	Term    string            `json:"term"`
	Filters map[string]Filter `json:"filters,omitempty"`
}

// Validate checks the structural requirements shared by all subsystems.
func (q Query) Validate() error {
	if q.Type == "" {
		return mardukerr.NewValidationError("query", "type is required")
	}
	if q.Term == "" {
		return mardukerr.NewValidationError("query", "term is required")
	}
	return nil
}

// ResponseMeta carries bookkeeping alongside query results.
type ResponseMeta struct {
	Total     int       `json:"total"`
	Timestamp time.Time `json:"timestamp"`
}

// Response is the result of a subsystem query.
type Response struct {
	Items    []Item       `json:"items"`
	Metadata ResponseMeta `json:"metadata"`
}

// envelope is the persisted wire form of an Item; content stays opaque until
// the owning subsystem decodes it.
type envelope struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Content  json.RawMessage `json:"content"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

func encodeItem(item Item) (json.RawMessage, error) {
	content, err := json.Marshal(item.Content)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		ID:       item.ID,
		Type:     item.Type,
		Content:  content,
		Metadata: item.Metadata,
	})
}

func decodeItem(raw json.RawMessage, b behavior) (Item, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Item{}, err
	}
	content, err := b.DecodeContent(env.Type, env.Content)
	if err != nil {
		return Item{}, err
	}
	return Item{ID: env.ID, Type: env.Type, Content: content, Metadata: env.Metadata}, nil
}
