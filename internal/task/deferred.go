package task

import (
	"sync"

	"marduk/internal/logging"
)

// DeferredHandler buffers tasks blocked on a prerequisite label until the
// memory state reports the label completed.
type DeferredHandler struct {
	mu     sync.Mutex
	buffer []*Message
	logger logging.Logger
}

// NewDeferredHandler creates an empty handler.
func NewDeferredHandler(logger logging.Logger) *DeferredHandler {
	return &DeferredHandler{logger: logging.OrNop(logger)}
}

// Add buffers a deferred task. Tasks without a deferred condition are
// ignored.
func (h *DeferredHandler) Add(task *Message) {
	if task.Condition == nil || task.Condition.Type != ConditionDeferred {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buffer = append(h.buffer, task.Clone())
}

// Len returns the number of buffered tasks.
func (h *DeferredHandler) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.buffer)
}

// ActivateTasks returns, in insertion order, the buffered tasks whose
// prerequisite appears in state.CompletedTopics, removing them from the
// buffer. Activated tasks come back with status pending.
func (h *DeferredHandler) ActivateTasks(state MemoryState) []*Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	var activated []*Message
	remaining := h.buffer[:0]
	for _, task := range h.buffer {
		if state.Completed(task.Condition.Prerequisite) {
			task.Status = StatusPending
			task.Condition = nil
			activated = append(activated, task)
			continue
		}
		remaining = append(remaining, task)
	}
	h.buffer = remaining

	if len(activated) > 0 {
		h.logger.Info("activated %d deferred tasks", len(activated))
	}
	return activated
}
