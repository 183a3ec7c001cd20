package memory

import (
	"encoding/json"
	"fmt"

	"marduk/internal/mardukerr"
)

// Item types per subsystem.
const (
	TypeFact        = "fact"
	TypeKnowledge   = "knowledge"
	TypeEvent       = "event"
	TypeInteraction = "ai_interaction"
	TypeConcept     = "concept"
	TypeWorkflow    = "workflow"
	TypeProcedure   = "procedure"
)

// factualBehavior: content is a plain string; tags and confidence are
// required metadata.
type factualBehavior struct{}

func (factualBehavior) Name() string           { return SubsystemFactual }
func (factualBehavior) AllowedTypes() []string { return []string{TypeFact, TypeKnowledge} }

func (factualBehavior) ValidateContent(item Item) error {
	content, ok := item.Content.(string)
	if !ok || content == "" {
		return mardukerr.NewValidationError("factual item", "content must be a non-empty string")
	}
	if len(metaStrings(item.Metadata, MetaTags)) == 0 {
		return mardukerr.NewValidationError("factual item", "tags metadata is required")
	}
	if _, ok := metaFloat(item.Metadata, MetaConfidence); !ok {
		return mardukerr.NewValidationError("factual item", "confidence metadata is required")
	}
	return nil
}

func (factualBehavior) Matches(item Item, q Query) bool {
	content, _ := item.Content.(string)
	if containsFold(content, q.Term) {
		return true
	}
	return anyContainsFold(metaStrings(item.Metadata, MetaTags), q.Term)
}

func (factualBehavior) IndexValues(item Item) map[string][]string {
	return map[string][]string{MetaTags: metaStrings(item.Metadata, MetaTags)}
}

func (factualBehavior) DecodeContent(_ string, raw json.RawMessage) (any, error) {
	var content string
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("factual content: %w", err)
	}
	return content, nil
}

// eventBehavior: content is EventContent for events, InteractionContent for
// ai_interaction records written by the coordinator.
type eventBehavior struct{}

func (eventBehavior) Name() string           { return SubsystemEvent }
func (eventBehavior) AllowedTypes() []string { return []string{TypeEvent, TypeInteraction} }

func (eventBehavior) ValidateContent(item Item) error {
	switch content := item.Content.(type) {
	case EventContent:
		if content.Description == "" {
			return mardukerr.NewValidationError("event item", "description is required")
		}
		if content.Timestamp == "" {
			return mardukerr.NewValidationError("event item", "timestamp is required")
		}
	case InteractionContent:
		if content.Query == "" {
			return mardukerr.NewValidationError("event item", "interaction query is required")
		}
	default:
		return mardukerr.NewValidationError("event item", "unsupported content payload %T", item.Content)
	}
	if imp, ok := metaFloat(item.Metadata, MetaImportance); ok && !inUnitRange(imp) {
		return mardukerr.NewValidationError("event item", "importance %v outside [0,1]", imp)
	}
	if ev, ok := metaFloat(item.Metadata, MetaEmotionalValence); ok && (ev < -1 || ev > 1) {
		return mardukerr.NewValidationError("event item", "emotionalValence %v outside [-1,1]", ev)
	}
	return nil
}

func (eventBehavior) Matches(item Item, q Query) bool {
	switch content := item.Content.(type) {
	case EventContent:
		if containsFold(content.Description, q.Term) || containsFold(content.Context, q.Term) {
			return true
		}
		if anyContainsFold(content.Actors, q.Term) {
			return true
		}
	case InteractionContent:
		if containsFold(content.Query, q.Term) || containsFold(content.Response, q.Term) {
			return true
		}
	}
	return anyContainsFold(metaStrings(item.Metadata, MetaTags), q.Term)
}

func (eventBehavior) IndexValues(item Item) map[string][]string {
	return map[string][]string{MetaTags: metaStrings(item.Metadata, MetaTags)}
}

func (eventBehavior) DecodeContent(typ string, raw json.RawMessage) (any, error) {
	if typ == TypeInteraction {
		var content InteractionContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return nil, fmt.Errorf("interaction content: %w", err)
		}
		return content, nil
	}
	var content EventContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("event content: %w", err)
	}
	return content, nil
}

// conceptBehavior: content is ConceptContent with an ordered relationship list.
type conceptBehavior struct{}

func (conceptBehavior) Name() string           { return SubsystemConcept }
func (conceptBehavior) AllowedTypes() []string { return []string{TypeConcept} }

func (conceptBehavior) ValidateContent(item Item) error {
	content, ok := item.Content.(ConceptContent)
	if !ok {
		return mardukerr.NewValidationError("concept item", "content must be ConceptContent")
	}
	if content.Name == "" {
		return mardukerr.NewValidationError("concept item", "name is required")
	}
	for _, rel := range content.Relationships {
		if rel.Type == "" || rel.Target == "" {
			return mardukerr.NewValidationError("concept item", "relationship type and target are required")
		}
		if !inUnitRange(rel.Strength) {
			return mardukerr.NewValidationError("concept item",
				"relationship strength %v outside [0,1]", rel.Strength)
		}
	}
	return nil
}

func (conceptBehavior) Matches(item Item, q Query) bool {
	content, ok := item.Content.(ConceptContent)
	if !ok {
		return false
	}
	if containsFold(content.Name, q.Term) || containsFold(content.Description, q.Term) {
		return true
	}
	for _, rel := range content.Relationships {
		if containsFold(rel.Type, q.Term) || containsFold(rel.Target, q.Term) {
			return true
		}
	}
	return anyContainsFold(metaStrings(item.Metadata, MetaCategory), q.Term)
}

func (conceptBehavior) IndexValues(item Item) map[string][]string {
	return map[string][]string{MetaCategory: metaStrings(item.Metadata, MetaCategory)}
}

func (conceptBehavior) DecodeContent(_ string, raw json.RawMessage) (any, error) {
	var content ConceptContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("concept content: %w", err)
	}
	return content, nil
}

// workflowBehavior: content is WorkflowContent; successRate and complexity
// metadata are range-checked when present.
type workflowBehavior struct{}

func (workflowBehavior) Name() string           { return SubsystemWorkflow }
func (workflowBehavior) AllowedTypes() []string { return []string{TypeWorkflow, TypeProcedure} }

func (workflowBehavior) ValidateContent(item Item) error {
	content, ok := item.Content.(WorkflowContent)
	if !ok {
		return mardukerr.NewValidationError("workflow item", "content must be WorkflowContent")
	}
	if content.Title == "" {
		return mardukerr.NewValidationError("workflow item", "title is required")
	}
	if len(content.Steps) == 0 {
		return mardukerr.NewValidationError("workflow item", "at least one step is required")
	}
	if sr, ok := metaFloat(item.Metadata, MetaSuccessRate); ok && !inUnitRange(sr) {
		return mardukerr.NewValidationError("workflow item", "successRate %v outside [0,1]", sr)
	}
	if c, ok := metaFloat(item.Metadata, MetaComplexity); ok && (c < 1 || c > 5) {
		return mardukerr.NewValidationError("workflow item", "complexity %v outside 1..5", c)
	}
	return nil
}

func (workflowBehavior) Matches(item Item, q Query) bool {
	content, ok := item.Content.(WorkflowContent)
	if !ok {
		return false
	}
	if containsFold(content.Title, q.Term) {
		return true
	}
	if anyContainsFold(content.Steps, q.Term) || anyContainsFold(content.Tags, q.Term) {
		return true
	}
	return anyContainsFold(metaStrings(item.Metadata, MetaCategory), q.Term)
}

func (workflowBehavior) IndexValues(item Item) map[string][]string {
	content, _ := item.Content.(WorkflowContent)
	return map[string][]string{
		MetaTags:     content.Tags,
		MetaCategory: metaStrings(item.Metadata, MetaCategory),
	}
}

func (workflowBehavior) DecodeContent(_ string, raw json.RawMessage) (any, error) {
	var content WorkflowContent
	if err := json.Unmarshal(raw, &content); err != nil {
		return nil, fmt.Errorf("workflow content: %w", err)
	}
	return content, nil
}
