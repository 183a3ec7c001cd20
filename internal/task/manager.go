package task

import (
	"sort"
	"sync"
	"time"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Weights   Weights
	Resources *ResourceMonitor
	Logger    logging.Logger
	Now       func() time.Time
}

// Manager owns the task set. Tasks enter via AddTask; the scheduler obtains
// read views and writes status back through UpdateTaskStatus.
type Manager struct {
	mu        sync.Mutex
	tasks     map[int]*Message
	weights   Weights
	resources *ResourceMonitor
	logger    logging.Logger
	now       func() time.Time
}

// NewManager creates an empty manager.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights()
	}
	if opts.Resources == nil {
		opts.Resources = NewResourceMonitor(opts.Logger)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		tasks:     make(map[int]*Message),
		weights:   opts.Weights,
		resources: opts.Resources,
		logger:    logging.OrNop(opts.Logger),
		now:       opts.Now,
	}
}

// Resources exposes the resource monitor.
func (m *Manager) Resources() *ResourceMonitor { return m.resources }

// AddTask validates and registers a task. A task whose dependencies are not
// all completed starts deferred; otherwise it starts pending. Dependents
// lists of referenced tasks are updated to include the new task.
func (m *Manager) AddTask(task *Message) error {
	if err := task.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[task.TaskID]; exists {
		return mardukerr.NewValidationError("task", "task %d already exists", task.TaskID)
	}

	stored := task.Clone()
	now := m.now()
	if stored.Type == "" {
		stored.Type = "task"
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.StatusUpdatedAt = now

	if stored.Status == "" {
		if m.dependenciesSatisfiedLocked(stored) {
			stored.Status = StatusPending
		} else {
			stored.Status = StatusDeferred
		}
	}

	if stored.Priority == 0 {
		stored.Priority = m.weights.calculatePriority(stored, m.resources.SystemLoad(), true, now)
	}
	stored.Priority = clamp(stored.Priority, 0, 10)

	m.tasks[stored.TaskID] = stored
	for _, depID := range stored.Dependencies {
		dep, ok := m.tasks[depID]
		if !ok {
			continue
		}
		if !containsID(dep.Dependents, stored.TaskID) {
			dep.Dependents = append(dep.Dependents, stored.TaskID)
		}
	}

	m.logger.Debug("added task %d (%s, priority %.1f, %s)",
		stored.TaskID, stored.Category, stored.Priority, stored.Status)
	return nil
}

// Task returns a copy of the task by id.
func (m *Manager) Task(id int) (*Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[id]
	if !ok {
		return nil, false
	}
	return task.Clone(), true
}

// Tasks returns copies of all tasks ordered by id.
func (m *Manager) Tasks() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Message, 0, len(m.tasks))
	for _, id := range sortedIDs(m.tasks) {
		out = append(out, m.tasks[id].Clone())
	}
	return out
}

// Len returns the number of tracked tasks.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// UpdateTaskStatus applies a status transition. Completing a task notifies
// its dependents; a dependent whose dependencies are now all completed flips
// from deferred to pending.
func (m *Manager) UpdateTaskStatus(id int, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return mardukerr.NewValidationError("task", "unknown task %d", id)
	}
	if !validTransition(task.Status, status) {
		return mardukerr.NewValidationError("task", "cannot move task %d from %s to %s",
			id, task.Status, status)
	}

	task.Status = status
	task.StatusUpdatedAt = m.now()
	if status == StatusFailed {
		task.RetryCount++
	}
	if status == StatusCompleted {
		m.notifyDependentsLocked(task)
	}
	return nil
}

// Retry moves a failed task back to pending, optionally clearing its retry
// count.
func (m *Manager) Retry(id int, resetCount bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, ok := m.tasks[id]
	if !ok {
		return mardukerr.NewValidationError("task", "unknown task %d", id)
	}
	if task.Status != StatusFailed {
		return mardukerr.NewValidationError("task", "task %d is %s, not failed", id, task.Status)
	}
	task.Status = StatusPending
	task.StatusUpdatedAt = m.now()
	if resetCount {
		task.RetryCount = 0
	}
	return nil
}

func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusCompleted || to == StatusDeferred || to == StatusFailed
	case StatusDeferred:
		return to == StatusPending
	case StatusFailed:
		return to == StatusPending
	default:
		return false
	}
}

func (m *Manager) notifyDependentsLocked(task *Message) {
	for _, depID := range task.Dependents {
		dependent, ok := m.tasks[depID]
		if !ok || dependent.Status != StatusDeferred {
			continue
		}
		if m.dependenciesSatisfiedLocked(dependent) {
			dependent.Status = StatusPending
			dependent.StatusUpdatedAt = m.now()
			m.logger.Debug("task %d unblocked by completion of task %d", depID, task.TaskID)
		}
	}
}

func (m *Manager) dependenciesSatisfiedLocked(task *Message) bool {
	for _, depID := range task.Dependencies {
		dep, ok := m.tasks[depID]
		if !ok {
			continue
		}
		if dep.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// PrioritizeOptions selects which maintenance passes run.
type PrioritizeOptions struct {
	ApplyAging       bool
	ApplyInheritance bool
	ApplyDecay       bool
	IncludeContext   bool
}

// PrioritizeTasks runs the selected maintenance passes and returns all tasks
// sorted by descending priority, ties broken by ascending task id. The sort
// is deterministic for a given task set.
func (m *Manager) PrioritizeTasks(opts PrioritizeOptions) []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, task := range m.tasks {
		if task.Priority == 0 {
			task.Priority = m.weights.calculatePriority(task, m.resources.SystemLoad(), opts.IncludeContext, now)
		}
	}
	if opts.ApplyInheritance {
		m.weights.applyInheritance(m.tasks)
	}
	if opts.ApplyAging {
		m.weights.applyAging(m.tasks, now)
	}
	if opts.ApplyDecay {
		m.weights.applyDecay(m.tasks, now)
	}
	for _, task := range m.tasks {
		task.Priority = clamp(task.Priority, 0, 10)
	}

	out := make([]*Message, 0, len(m.tasks))
	for _, id := range sortedIDs(m.tasks) {
		out = append(out, m.tasks[id].Clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].TaskID < out[j].TaskID
	})
	return out
}

// NextOptions filters candidate tasks for scheduling.
type NextOptions struct {
	ExcludeIDs        []int
	ResourceThreshold float64 // default 0.3
	PriorityThreshold float64
	IncludeDeferred   bool
}

// NextTask returns the highest-priority schedulable task, or nil when none
// qualifies. A category argument restricts candidates to that category.
func (m *Manager) NextTask(category string, opts NextOptions) *Message {
	batch := m.TaskBatch(1, category, opts)
	if len(batch) == 0 {
		return nil
	}
	return batch[0]
}

// TaskBatch returns up to count distinct schedulable tasks in priority
// order.
func (m *Manager) TaskBatch(count int, category string, opts NextOptions) []*Message {
	if count <= 0 {
		return nil
	}
	if opts.ResourceThreshold <= 0 {
		opts.ResourceThreshold = 0.3
	}
	excluded := make(map[int]bool, len(opts.ExcludeIDs))
	for _, id := range opts.ExcludeIDs {
		excluded[id] = true
	}

	var batch []*Message
	for _, task := range m.PrioritizeTasks(PrioritizeOptions{
		ApplyAging:       true,
		ApplyInheritance: true,
		IncludeContext:   true,
	}) {
		if len(batch) == count {
			break
		}
		if excluded[task.TaskID] {
			continue
		}
		if category != "" && task.Category != category {
			continue
		}
		switch task.Status {
		case StatusPending:
		case StatusDeferred:
			if !opts.IncludeDeferred {
				continue
			}
		default:
			continue
		}
		if task.Priority < opts.PriorityThreshold {
			continue
		}
		if m.resources.Availability(task.Category) < opts.ResourceThreshold {
			continue
		}
		batch = append(batch, task)
	}
	return batch
}

func containsID(ids []int, id int) bool {
	for _, existing := range ids {
		if existing == id {
			return true
		}
	}
	return false
}
