package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(ManagerOptions{})
}

func pendingTask(id int, query string) *Message {
	return &Message{TaskID: id, Query: query}
}

func TestAddTaskDefaults(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddTask(pendingTask(1, "do something")))

	task, ok := m.Task(1)
	require.True(t, ok)
	assert.Equal(t, "task", task.Type)
	assert.Equal(t, StatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
	assert.Greater(t, task.Priority, 0.0)
}

func TestAddTaskRejectsInvalid(t *testing.T) {
	m := newTestManager(t)
	assert.Error(t, m.AddTask(&Message{TaskID: 0, Query: "q"}))
	assert.Error(t, m.AddTask(&Message{TaskID: 1}))
	assert.Error(t, m.AddTask(&Message{TaskID: 1, Query: "q", ResourceCost: 1.5}))

	require.NoError(t, m.AddTask(pendingTask(2, "ok")))
	assert.Error(t, m.AddTask(pendingTask(2, "duplicate")))
}

func TestAddTaskWithUnmetDependenciesStartsDeferred(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddTask(pendingTask(1, "first")))

	dependent := pendingTask(2, "second")
	dependent.Dependencies = []int{1}
	require.NoError(t, m.AddTask(dependent))

	task, _ := m.Task(2)
	assert.Equal(t, StatusDeferred, task.Status)

	// The dependency's dependents list was updated.
	dep, _ := m.Task(1)
	assert.Equal(t, []int{2}, dep.Dependents)
}

func TestCompletionUnblocksDependents(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddTask(pendingTask(1, "first")))
	dependent := pendingTask(2, "second")
	dependent.Dependencies = []int{1}
	require.NoError(t, m.AddTask(dependent))

	require.NoError(t, m.UpdateTaskStatus(1, StatusCompleted))

	task, _ := m.Task(2)
	assert.Equal(t, StatusPending, task.Status)
}

func TestStatusTransitions(t *testing.T) {
	m := newTestManager(t)
	require.NoError(t, m.AddTask(pendingTask(1, "flaky")))

	require.NoError(t, m.UpdateTaskStatus(1, StatusFailed))
	task, _ := m.Task(1)
	assert.Equal(t, 1, task.RetryCount)

	// failed -> completed is not a legal move.
	assert.Error(t, m.UpdateTaskStatus(1, StatusCompleted))

	require.NoError(t, m.Retry(1, false))
	task, _ = m.Task(1)
	assert.Equal(t, StatusPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)

	require.NoError(t, m.UpdateTaskStatus(1, StatusFailed))
	require.NoError(t, m.Retry(1, true))
	task, _ = m.Task(1)
	assert.Equal(t, 0, task.RetryCount)
}

// Priority inheritance: a low-priority task blocked on a critical
// high-priority one rises to match it and becomes critical itself.
func TestPriorityInheritance(t *testing.T) {
	m := newTestManager(t)
	a := pendingTask(1, "critical groundwork")
	a.Priority = 9
	a.IsSystemCritical = true
	require.NoError(t, m.AddTask(a))

	b := pendingTask(2, "blocked follow-up")
	b.Priority = 3
	b.Dependencies = []int{1}
	require.NoError(t, m.AddTask(b))

	ordered := m.PrioritizeTasks(PrioritizeOptions{ApplyInheritance: true})
	require.Len(t, ordered, 2)

	var got *Message
	for _, task := range ordered {
		if task.TaskID == 2 {
			got = task
		}
	}
	require.NotNil(t, got)
	assert.InDelta(t, 9, got.Priority, 1e-9)
	assert.True(t, got.IsSystemCritical)
	assert.InDelta(t, 6, got.InheritedPriorityBoost, 1e-9)
}

func TestInheritanceNeverLowersPriority(t *testing.T) {
	m := newTestManager(t)
	a := pendingTask(1, "minor dependency")
	a.Priority = 2
	require.NoError(t, m.AddTask(a))

	b := pendingTask(2, "already important")
	b.Priority = 8
	b.Dependencies = []int{1}
	require.NoError(t, m.AddTask(b))

	before, _ := m.Task(2)
	m.PrioritizeTasks(PrioritizeOptions{ApplyInheritance: true})
	after, _ := m.Task(2)
	assert.GreaterOrEqual(t, after.Priority, before.Priority)
}

func TestPrioritizeTasksBounded(t *testing.T) {
	m := newTestManager(t)
	specs := []*Message{
		{TaskID: 1, Query: "a", Priority: 9.5, Urgency: 10, Category: "system", IsSystemCritical: true},
		{TaskID: 2, Query: "b", UserPriorityExpression: "CRITICAL+9", Category: "ai"},
		{TaskID: 3, Query: "c", Priority: 0.5, Category: "background",
			CreatedAt: time.Now().Add(-48 * time.Hour)},
		{TaskID: 4, Query: "d", RetryCount: 12},
	}
	for _, spec := range specs {
		require.NoError(t, m.AddTask(spec))
	}

	ordered := m.PrioritizeTasks(PrioritizeOptions{
		ApplyAging:       true,
		ApplyInheritance: true,
		ApplyDecay:       true,
		IncludeContext:   true,
	})
	for _, task := range ordered {
		assert.GreaterOrEqual(t, task.Priority, 0.0, "task %d", task.TaskID)
		assert.LessOrEqual(t, task.Priority, 10.0, "task %d", task.TaskID)
	}
}

func TestPrioritizeTasksDeterministicTieBreak(t *testing.T) {
	m := newTestManager(t)
	for _, id := range []int{3, 1, 2} {
		task := pendingTask(id, "same")
		task.Priority = 5
		require.NoError(t, m.AddTask(task))
	}

	ordered := m.PrioritizeTasks(PrioritizeOptions{})
	require.Len(t, ordered, 3)
	assert.Equal(t, 1, ordered[0].TaskID)
	assert.Equal(t, 2, ordered[1].TaskID)
	assert.Equal(t, 3, ordered[2].TaskID)
}

func TestNextTaskRespectsFilters(t *testing.T) {
	m := newTestManager(t)
	high := pendingTask(1, "important")
	high.Priority = 9
	require.NoError(t, m.AddTask(high))
	low := pendingTask(2, "routine")
	low.Priority = 4
	require.NoError(t, m.AddTask(low))

	next := m.NextTask("", NextOptions{})
	require.NotNil(t, next)
	assert.Equal(t, 1, next.TaskID)

	next = m.NextTask("", NextOptions{ExcludeIDs: []int{1}})
	require.NotNil(t, next)
	assert.Equal(t, 2, next.TaskID)

	next = m.NextTask("", NextOptions{PriorityThreshold: 9.5})
	assert.Nil(t, next)
}

func TestNextTaskSkipsSaturatedCategory(t *testing.T) {
	m := newTestManager(t)
	aiTask := pendingTask(1, "model call")
	aiTask.Category = "ai"
	aiTask.Priority = 9
	require.NoError(t, m.AddTask(aiTask))
	other := pendingTask(2, "fallback work")
	other.Priority = 5
	require.NoError(t, m.AddTask(other))

	// Saturate the serial ai category.
	require.True(t, m.Resources().Acquire("ai"))
	defer m.Resources().Release("ai")

	next := m.NextTask("", NextOptions{})
	require.NotNil(t, next)
	assert.Equal(t, 2, next.TaskID)
}

func TestTaskBatchDistinctAndOrdered(t *testing.T) {
	m := newTestManager(t)
	for i := 1; i <= 5; i++ {
		task := pendingTask(i, "work")
		task.Priority = float64(i)
		require.NoError(t, m.AddTask(task))
	}

	batch := m.TaskBatch(3, "", NextOptions{})
	require.Len(t, batch, 3)
	assert.Equal(t, 5, batch[0].TaskID)
	assert.Equal(t, 4, batch[1].TaskID)
	assert.Equal(t, 3, batch[2].TaskID)

	seen := map[int]bool{}
	for _, task := range batch {
		assert.False(t, seen[task.TaskID])
		seen[task.TaskID] = true
	}
}

func TestResourceMonitorLimits(t *testing.T) {
	r := NewResourceMonitor(nil)

	// io allows three parallel slots.
	require.True(t, r.Acquire("io"))
	require.True(t, r.Acquire("io"))
	require.True(t, r.Acquire("io"))
	assert.False(t, r.Acquire("io"))
	r.Release("io")
	assert.True(t, r.Acquire("io"))

	// cpu is serial.
	require.True(t, r.Acquire("cpu"))
	assert.False(t, r.Acquire("cpu"))
	assert.InDelta(t, 0, r.Availability("cpu"), 1e-9)

	r.SetSystemLoad(0.5)
	assert.Less(t, r.Availability("default"), 1.0)
}
