package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseUserPriority(t *testing.T) {
	tests := []struct {
		expr string
		want float64
	}{
		{"CRITICAL", 10},
		{"HIGH", 8},
		{"MEDIUM", 5},
		{"LOW", 3},
		{"LOWEST", 1},
		{"HIGH+1", 9},
		{"low-2", 1},
		{"CRITICAL+5", 10},
		{"lowest-3", 0},
		{"  medium+2  ", 7},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := ParseUserPriority(tt.expr)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestParseUserPriorityRejectsGarbage(t *testing.T) {
	for _, expr := range []string{"", "URGENT", "HIGH++1", "HIGH 1", "5"} {
		_, err := ParseUserPriority(expr)
		assert.Error(t, err, expr)
	}
}

func TestCalculatePriorityComponents(t *testing.T) {
	w := DefaultWeights()
	now := time.Now()

	task := &Message{
		TaskID:                 1,
		Query:                  "baseline",
		Category:               "default",
		CreatedAt:              now,
		StatusUpdatedAt:        now,
		UserPriorityExpression: "HIGH",
	}
	// base 1 + user 8 = 9, default multiplier 1.0.
	got := w.calculatePriority(task, 0, false, now)
	assert.InDelta(t, 9, got, 1e-9)
}

func TestCalculatePriorityUrgencySuppressedByLoad(t *testing.T) {
	w := DefaultWeights()
	now := time.Now()
	task := &Message{
		TaskID:          1,
		Query:           "urgent",
		Category:        "default",
		Urgency:         6,
		ResourceCost:    1,
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}

	relaxed := w.calculatePriority(task, 0, false, now)
	loaded := w.calculatePriority(task, 0.8, false, now)
	assert.Greater(t, relaxed, loaded)
}

func TestCalculatePrioritySystemFloor(t *testing.T) {
	w := DefaultWeights()
	now := time.Now()
	task := &Message{
		TaskID:          1,
		Query:           "maintenance",
		Category:        "system",
		CreatedAt:       now,
		StatusUpdatedAt: now,
	}
	got := w.calculatePriority(task, 0, false, now)
	assert.GreaterOrEqual(t, got, 8.0)
}

func TestCalculatePriorityBackgroundCeiling(t *testing.T) {
	w := DefaultWeights()
	now := time.Now()
	task := &Message{
		TaskID:                 1,
		Query:                  "cleanup",
		Category:               "background",
		UserPriorityExpression: "CRITICAL",
		CreatedAt:              now,
		StatusUpdatedAt:        now,
	}
	got := w.calculatePriority(task, 0, false, now)
	assert.LessOrEqual(t, got, 6.0)
}

func TestApplyDecayFloorsAtOne(t *testing.T) {
	w := DefaultWeights()
	w.DecayRate = 10 // force the 0.9 cap
	now := time.Now()
	tasks := map[int]*Message{
		1: {TaskID: 1, Query: "old", Priority: 2, CreatedAt: now.Add(-72 * time.Hour)},
	}
	w.applyDecay(tasks, now)
	assert.InDelta(t, 1, tasks[1].Priority, 1e-9)
}

func TestApplyDecaySkipsCritical(t *testing.T) {
	w := DefaultWeights()
	now := time.Now()
	tasks := map[int]*Message{
		1: {TaskID: 1, Query: "vital", Priority: 8, IsSystemCritical: true,
			CreatedAt: now.Add(-72 * time.Hour)},
	}
	w.applyDecay(tasks, now)
	assert.InDelta(t, 8, tasks[1].Priority, 1e-9)
}

func TestApplyAgingCapsAtThree(t *testing.T) {
	w := DefaultWeights()
	now := time.Now()
	tasks := map[int]*Message{
		1: {TaskID: 1, Query: "waiting", Priority: 4, Status: StatusPending,
			CreatedAt: now.Add(-40 * time.Minute)},
		2: {TaskID: 2, Query: "forgotten", Priority: 4, Status: StatusPending,
			CreatedAt: now.Add(-5 * time.Hour)},
		3: {TaskID: 3, Query: "fresh", Priority: 4, Status: StatusPending,
			CreatedAt: now.Add(-10 * time.Minute)},
	}
	w.applyAging(tasks, now)
	assert.InDelta(t, 6, tasks[1].Priority, 1e-9) // +40/20
	assert.InDelta(t, 7, tasks[2].Priority, 1e-9) // capped at +3
	assert.InDelta(t, 4, tasks[3].Priority, 1e-9)
}
