package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
	"marduk/internal/persist"
)

// Dispatcher executes one task and returns its result. The worker channel
// host implements this over its registered workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, task *Message) (any, error)
}

// DeliberationOptions configures the cycle runner.
type DeliberationOptions struct {
	// NotesPath is the self-notes file carried between cycles.
	NotesPath string
	// BatchSize bounds how many tasks one cycle dispatches. Default 5.
	BatchSize int
	// FirstTaskID seeds the task id sequence. Default 1.
	FirstTaskID int
	Logger      logging.Logger
}

// Deliberation runs the deliberation cycle: load notes, derive insights,
// generate goals, activate deferred work, dispatch a prioritized batch, and
// write notes for the next cycle.
type Deliberation struct {
	manager    *Manager
	deferred   *DeferredHandler
	dispatcher Dispatcher
	notesPath  string
	batchSize  int
	nextID     atomic.Int64
	logger     logging.Logger
}

// NewDeliberation wires a cycle runner.
func NewDeliberation(manager *Manager, deferred *DeferredHandler, dispatcher Dispatcher, opts DeliberationOptions) *Deliberation {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	if opts.FirstTaskID <= 0 {
		opts.FirstTaskID = 1
	}
	d := &Deliberation{
		manager:    manager,
		deferred:   deferred,
		dispatcher: dispatcher,
		notesPath:  opts.NotesPath,
		batchSize:  opts.BatchSize,
		logger:     logging.OrNop(opts.Logger),
	}
	d.nextID.Store(int64(opts.FirstTaskID - 1))
	return d
}

// NextTaskID reserves a fresh task id.
func (d *Deliberation) NextTaskID() int {
	return int(d.nextID.Add(1))
}

// CycleReport summarizes one deliberation cycle.
type CycleReport struct {
	Insights       int      `json:"insights"`
	GeneratedTasks int      `json:"generatedTasks"`
	DeferredTasks  int      `json:"deferredTasks"`
	ActivatedTasks int      `json:"activatedTasks"`
	Dispatched     int      `json:"dispatched"`
	Completed      int      `json:"completed"`
	Failed         int      `json:"failed"`
	Notes          []string `json:"notes"`
}

// RunCycle executes one full deliberation cycle against the given memory
// state.
func (d *Deliberation) RunCycle(ctx context.Context, state MemoryState) (*CycleReport, error) {
	notes, err := d.loadNotes()
	if err != nil {
		return nil, mardukerr.WrapCore(mardukerr.CodeDeliberation, err)
	}

	insights := d.deriveInsights(notes)
	generated := d.GenerateGoals(insights)

	report := &CycleReport{Insights: len(insights), GeneratedTasks: len(generated)}
	for _, task := range generated {
		if task.Condition != nil {
			d.deferred.Add(task)
			report.DeferredTasks++
			continue
		}
		if err := d.manager.AddTask(task); err != nil {
			d.logger.Warn("dropping generated task %d: %v", task.TaskID, err)
		}
	}

	for _, task := range d.deferred.ActivateTasks(state) {
		if err := d.manager.AddTask(task); err != nil {
			d.logger.Warn("dropping activated task %d: %v", task.TaskID, err)
			continue
		}
		report.ActivatedTasks++
	}

	d.executeBatch(ctx, report)

	if err := d.saveNotes(report.Notes); err != nil {
		return nil, mardukerr.WrapCore(mardukerr.CodeDeliberation, err)
	}
	d.logger.Info("cycle complete: %d insights, %d generated, %d activated, %d dispatched (%d failed)",
		report.Insights, report.GeneratedTasks, report.ActivatedTasks, report.Dispatched, report.Failed)
	return report, nil
}

// deriveInsights produces the two canonical seed insights plus one
// reflection per carried-over note.
func (d *Deliberation) deriveInsights(notes []string) []Insight {
	insights := []Insight{
		{
			Kind:             InsightError,
			Error:            "previous cycle left an unresolved question",
			ErrorCode:        "UNRESOLVED_TOPIC",
			Context:          "deliberation",
			RequiresResearch: true,
			Topic:            "recurring-failures",
		},
		{
			Kind:          InsightSuccess,
			Task:          "context-retrieval",
			UnlockedPaths: []string{"deep-analysis"},
		},
	}
	for _, note := range notes {
		insights = append(insights, Insight{Kind: InsightReflection, Content: note})
	}
	return insights
}

// GenerateGoals turns insights into task messages. Error insights yield an
// investigation task, plus a study task deferred on
// "research-completed:<topic>" when research is required. Success insights
// yield one follow-up task per unlocked path. Reflections produce no tasks.
func (d *Deliberation) GenerateGoals(insights []Insight) []*Message {
	var tasks []*Message
	for _, insight := range insights {
		switch insight.Kind {
		case InsightError:
			tasks = append(tasks, &Message{
				TaskID:   d.NextTaskID(),
				Type:     "task",
				Query:    fmt.Sprintf("Investigate error %s: %s", insight.ErrorCode, insight.Error),
				Category: "ai",
				Urgency:  7,
			})
			if insight.RequiresResearch && insight.Topic != "" {
				tasks = append(tasks, &Message{
					TaskID:   d.NextTaskID(),
					Type:     "task",
					Query:    fmt.Sprintf("Study topic: %s", insight.Topic),
					Category: "background",
					Condition: &Condition{
						Type:         ConditionDeferred,
						Prerequisite: "research-completed:" + insight.Topic,
					},
					Status: StatusDeferred,
				})
			}
		case InsightSuccess:
			for _, path := range insight.UnlockedPaths {
				tasks = append(tasks, &Message{
					TaskID:   d.NextTaskID(),
					Type:     "task",
					Query:    fmt.Sprintf("Follow up on %s unlocked by %s", path, insight.Task),
					Category: "default",
					Urgency:  4,
				})
			}
		}
	}
	return tasks
}

// executeBatch dispatches a prioritized batch, recording outcomes as notes
// for the next cycle. Dispatch failures mark the task failed and never abort
// the cycle.
func (d *Deliberation) executeBatch(ctx context.Context, report *CycleReport) {
	if d.dispatcher == nil {
		return
	}
	batch := d.manager.TaskBatch(d.batchSize, "", NextOptions{})
	for _, task := range batch {
		if !d.manager.Resources().Acquire(task.Category) {
			continue
		}
		report.Dispatched++
		_, err := d.dispatcher.Dispatch(ctx, task)
		d.manager.Resources().Release(task.Category)

		if err != nil {
			report.Failed++
			if statusErr := d.manager.UpdateTaskStatus(task.TaskID, StatusFailed); statusErr != nil {
				d.logger.Warn("mark task %d failed: %v", task.TaskID, statusErr)
			}
			report.Notes = append(report.Notes,
				fmt.Sprintf("failed task %d (%s): %v", task.TaskID, task.Query, err))
			continue
		}
		report.Completed++
		if statusErr := d.manager.UpdateTaskStatus(task.TaskID, StatusCompleted); statusErr != nil {
			d.logger.Warn("mark task %d completed: %v", task.TaskID, statusErr)
		}
		report.Notes = append(report.Notes,
			fmt.Sprintf("completed task %d (%s)", task.TaskID, task.Query))
	}
}

// loadNotes reads the self-notes file. A missing file means no notes.
func (d *Deliberation) loadNotes() ([]string, error) {
	if d.notesPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(d.notesPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, mardukerr.NewPersistenceError("load", d.notesPath, err)
	}
	var notes []string
	if err := json.Unmarshal(data, &notes); err != nil {
		return nil, mardukerr.NewPersistenceError("decode", d.notesPath, err)
	}
	return notes, nil
}

// saveNotes writes the next cycle's notes atomically.
func (d *Deliberation) saveNotes(notes []string) error {
	if d.notesPath == "" {
		return nil
	}
	if notes == nil {
		notes = []string{}
	}
	data, err := json.MarshalIndent(notes, "", "  ")
	if err != nil {
		return mardukerr.NewPersistenceError("encode", d.notesPath, err)
	}
	if err := persist.WriteFileAtomic(d.notesPath, data); err != nil {
		return mardukerr.NewPersistenceError("save", d.notesPath, err)
	}
	return nil
}
