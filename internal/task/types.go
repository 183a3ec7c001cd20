// Package task implements the scheduling side of the core: task messages,
// the priority model with inheritance, aging, and decay, the resource
// monitor, deferred-task activation, and the deliberation cycle.
package task

import (
	"time"

	"marduk/internal/mardukerr"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusDeferred  Status = "deferred"
	StatusFailed    Status = "failed"
)

// ConditionDeferred is the only recognized condition type.
const ConditionDeferred = "deferred"

// Condition blocks a task until a prerequisite label is satisfied.
type Condition struct {
	Type         string `json:"type"`
	Prerequisite string `json:"prerequisite"`
}

// Message is one schedulable task. Dependencies and dependents reference
// other tasks by id; both lists are maintained by the manager.
type Message struct {
	TaskID                 int        `json:"task_id"`
	Type                   string     `json:"type"`
	Query                  string     `json:"query"`
	Target                 string     `json:"target,omitempty"`
	Priority               float64    `json:"priority,omitempty"`
	Urgency                float64    `json:"urgency,omitempty"`
	Category               string     `json:"category,omitempty"`
	Status                 Status     `json:"status"`
	CreatedAt              time.Time  `json:"createdAt"`
	StatusUpdatedAt        time.Time  `json:"statusUpdatedAt"`
	Condition              *Condition `json:"condition,omitempty"`
	Dependencies           []int      `json:"dependencies,omitempty"`
	Dependents             []int      `json:"dependents,omitempty"`
	RetryCount             int        `json:"retryCount,omitempty"`
	LastExecutionAttempt   time.Time  `json:"lastExecutionAttempt,omitempty"`
	InheritedPriorityBoost float64    `json:"inheritedPriorityBoost,omitempty"`
	IsSystemCritical       bool       `json:"isSystemCritical,omitempty"`
	HasRelevantContext     bool       `json:"hasRelevantContext,omitempty"`
	ResourceCost           float64    `json:"resourceCost,omitempty"`
	UserPriorityExpression string     `json:"userPriorityExpression,omitempty"`
}

// Clone returns an independent copy.
func (m *Message) Clone() *Message {
	out := *m
	out.Dependencies = append([]int(nil), m.Dependencies...)
	out.Dependents = append([]int(nil), m.Dependents...)
	if m.Condition != nil {
		cond := *m.Condition
		out.Condition = &cond
	}
	return &out
}

// Validate checks the fields the manager relies on.
func (m *Message) Validate() error {
	if m.TaskID <= 0 {
		return mardukerr.NewValidationError("task", "task_id must be positive")
	}
	if m.Query == "" {
		return mardukerr.NewValidationError("task", "query is required")
	}
	if m.Condition != nil && m.Condition.Type != ConditionDeferred {
		return mardukerr.NewValidationError("task", "unknown condition type %q", m.Condition.Type)
	}
	if m.ResourceCost < 0 || m.ResourceCost > 1 {
		return mardukerr.NewValidationError("task", "resourceCost must lie in [0,1]")
	}
	return nil
}

// Insight kinds produced by deliberation.
const (
	InsightError      = "error"
	InsightSuccess    = "success"
	InsightReflection = "reflection"
)

// Insight is one deliberation observation. Kind selects which fields are
// meaningful.
type Insight struct {
	Kind string `json:"kind"`

	// error
	Error            string `json:"error,omitempty"`
	ErrorCode        string `json:"errorCode,omitempty"`
	Context          string `json:"context,omitempty"`
	RequiresResearch bool   `json:"requiresResearch,omitempty"`
	Field            string `json:"field,omitempty"`
	Topic            string `json:"topic,omitempty"`

	// success
	Task          string   `json:"task,omitempty"`
	UnlockedPaths []string `json:"unlockedPaths,omitempty"`

	// reflection
	Content string `json:"content,omitempty"`
}

// MemoryState is the view of completed work used to release deferred tasks.
type MemoryState struct {
	CompletedTopics []string `json:"completedTopics"`
}

// Completed reports whether topic appears in the completed set.
func (s MemoryState) Completed(topic string) bool {
	for _, t := range s.CompletedTopics {
		if t == topic {
			return true
		}
	}
	return false
}
