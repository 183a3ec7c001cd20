package contextsvc

import (
	"context"
	"fmt"
	"strings"

	"marduk/internal/logging"
	"marduk/internal/memory"
)

// memorySource adapts one memory subsystem to the Source contract. Each
// subsystem gets its own formatter so concept items read as prose rather than
// raw records.
type memorySource struct {
	store     *memory.Store
	itemTypes []string
	priority  int
	format    func(memory.Item) string
	logger    logging.Logger
}

func (s *memorySource) Type() string  { return "memory:" + s.store.Name() }
func (s *memorySource) Priority() int { return s.priority }

func (s *memorySource) Retrieve(_ context.Context, query string, opts RetrieveOptions) ([]Item, error) {
	var items []Item
	for _, itemType := range s.itemTypes {
		resp, err := s.store.Query(memory.Query{Type: itemType, Term: query})
		if err != nil {
			// Adapters never surface errors to the manager.
			s.logger.Debug("%s: query failed: %v", s.Type(), err)
			continue
		}
		for _, record := range resp.Items {
			items = append(items, Item{
				Content:  s.format(record),
				Source:   s.Type(),
				Type:     record.Type,
				Metadata: contextMetadata(record),
			})
			if opts.MaxResults > 0 && len(items) >= opts.MaxResults {
				return items, nil
			}
		}
	}
	return items, nil
}

// contextMetadata carries the well-known memory metadata over to the context
// item.
func contextMetadata(record memory.Item) map[string]any {
	out := make(map[string]any, 3)
	if record.Metadata != nil {
		for _, key := range []string{memory.MetaConfidence, memory.MetaTimestamp, memory.MetaTags} {
			if v, ok := record.Metadata[key]; ok {
				out[key] = v
			}
		}
	}
	return out
}

// NewFactualSource adapts the factual subsystem.
func NewFactualSource(store *memory.Store, logger logging.Logger) Source {
	return &memorySource{
		store:     store,
		itemTypes: []string{memory.TypeFact, memory.TypeKnowledge},
		priority:  8,
		logger:    logging.OrNop(logger),
		format: func(record memory.Item) string {
			content, _ := record.Content.(string)
			return content
		},
	}
}

// NewEventSource adapts the event subsystem.
func NewEventSource(store *memory.Store, logger logging.Logger) Source {
	return &memorySource{
		store:     store,
		itemTypes: []string{memory.TypeEvent, memory.TypeInteraction},
		priority:  6,
		logger:    logging.OrNop(logger),
		format: func(record memory.Item) string {
			switch content := record.Content.(type) {
			case memory.EventContent:
				if content.Context != "" {
					return fmt.Sprintf("%s (%s)", content.Description, content.Context)
				}
				return content.Description
			case memory.InteractionContent:
				return fmt.Sprintf("Q: %s\nA: %s", content.Query, content.Response)
			default:
				return ""
			}
		},
	}
}

// NewConceptSource adapts the concept subsystem, synthesizing a prose view of
// the concept and its relationships.
func NewConceptSource(store *memory.Store, logger logging.Logger) Source {
	return &memorySource{
		store:     store,
		itemTypes: []string{memory.TypeConcept},
		priority:  7,
		logger:    logging.OrNop(logger),
		format: func(record memory.Item) string {
			content, ok := record.Content.(memory.ConceptContent)
			if !ok {
				return ""
			}
			var b strings.Builder
			b.WriteString(content.Name)
			if content.Description != "" {
				b.WriteString(": ")
				b.WriteString(content.Description)
			}
			if len(content.Relationships) > 0 {
				b.WriteString("\nRelated concepts:")
				for _, rel := range content.Relationships {
					b.WriteString(fmt.Sprintf(" %s %s (%.1f);", rel.Type, rel.Target, rel.Strength))
				}
			}
			return b.String()
		},
	}
}

// NewWorkflowSource adapts the workflow subsystem.
func NewWorkflowSource(store *memory.Store, logger logging.Logger) Source {
	return &memorySource{
		store:     store,
		itemTypes: []string{memory.TypeWorkflow, memory.TypeProcedure},
		priority:  5,
		logger:    logging.OrNop(logger),
		format: func(record memory.Item) string {
			content, ok := record.Content.(memory.WorkflowContent)
			if !ok {
				return ""
			}
			return fmt.Sprintf("%s: %s", content.Title, strings.Join(content.Steps, " -> "))
		},
	}
}
