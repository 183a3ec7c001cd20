// Package server hosts the worker channel: an HTTP server with a WebSocket
// hub that routes task messages to registered subsystem workers.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"marduk/internal/logging"
	"marduk/internal/mardukerr"
	"marduk/internal/task"
)

// Envelope is the wire format of the worker channel. One JSON object per
// message.
type Envelope struct {
	Type      string          `json:"type"`
	Subsystem string          `json:"subsystem,omitempty"`
	TaskID    int             `json:"task_id,omitempty"`
	Query     string          `json:"query,omitempty"`
	Target    string          `json:"target,omitempty"`
	Condition *task.Condition `json:"condition,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Message types on the worker channel.
const (
	TypeRegister = "register"
	TypeTask     = "task"
	TypeResponse = "response"
)

type worker struct {
	subsystem string
	conn      *websocket.Conn
	send      chan Envelope
	done      chan struct{}
}

// Hub tracks connected workers by subsystem and routes dispatched tasks to
// them. It satisfies the task dispatcher contract.
type Hub struct {
	mu       sync.Mutex
	workers  map[string][]*worker
	pending  map[int]chan Envelope
	rotation map[string]int
	timeout  time.Duration
	logger   logging.Logger
}

// HubOptions configures dispatch behavior.
type HubOptions struct {
	// DispatchTimeout bounds how long Dispatch waits for a worker response.
	// Default 30s.
	DispatchTimeout time.Duration
	Logger          logging.Logger
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	return &Hub{
		workers:  make(map[string][]*worker),
		pending:  make(map[int]chan Envelope),
		rotation: make(map[string]int),
		timeout:  opts.DispatchTimeout,
		logger:   logging.OrNop(opts.Logger),
	}
}

// Subsystems returns the names with at least one connected worker.
func (h *Hub) Subsystems() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.workers))
	for name, list := range h.workers {
		if len(list) > 0 {
			names = append(names, name)
		}
	}
	return names
}

// WorkerCount returns how many workers are registered for a subsystem.
func (h *Hub) WorkerCount(subsystem string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.workers[subsystem])
}

// Dispatch routes one task to a worker and waits for its response. Tasks
// with a target go to that subsystem; untargeted tasks go to any worker,
// rotating across subsystems.
func (h *Hub) Dispatch(ctx context.Context, t *task.Message) (any, error) {
	w, err := h.pickWorker(t.Target)
	if err != nil {
		return nil, err
	}

	respCh := make(chan Envelope, 1)
	h.mu.Lock()
	h.pending[t.TaskID] = respCh
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.pending, t.TaskID)
		h.mu.Unlock()
	}()

	env := Envelope{
		Type:      TypeTask,
		TaskID:    t.TaskID,
		Query:     t.Query,
		Target:    t.Target,
		Condition: t.Condition,
	}
	select {
	case w.send <- env:
	case <-w.done:
		return nil, mardukerr.NewAPIError(
			fmt.Sprintf("worker for %q disconnected before dispatch", w.subsystem), 0, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	timer := time.NewTimer(h.timeout)
	defer timer.Stop()
	select {
	case resp := <-respCh:
		if resp.Error != "" {
			return nil, mardukerr.NewAPIError(
				fmt.Sprintf("worker %q failed task %d: %s", resp.Subsystem, t.TaskID, resp.Error), 0, nil)
		}
		var result any
		if len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, &result); err != nil {
				return nil, mardukerr.NewAPIError("malformed worker response", 0, err)
			}
		}
		return result, nil
	case <-timer.C:
		return nil, mardukerr.NewAPIError(
			fmt.Sprintf("task %d timed out waiting for worker", t.TaskID), 0, nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Hub) pickWorker(target string) (*worker, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if target != "" {
		list := h.workers[target]
		if len(list) == 0 {
			return nil, mardukerr.NewAPIError(
				fmt.Sprintf("no worker registered for subsystem %q", target), 0, nil)
		}
		idx := h.rotation[target] % len(list)
		h.rotation[target]++
		return list[idx], nil
	}

	for name, list := range h.workers {
		if len(list) > 0 {
			idx := h.rotation[name] % len(list)
			h.rotation[name]++
			return list[idx], nil
		}
	}
	return nil, mardukerr.NewAPIError("no workers registered", 0, nil)
}

// ServeConn runs the read and write loops for one worker connection. The
// first message must be a register envelope. Blocks until the connection
// closes or ctx is done.
func (h *Hub) ServeConn(ctx context.Context, conn *websocket.Conn) error {
	var reg Envelope
	if err := conn.ReadJSON(&reg); err != nil {
		return mardukerr.NewValidationError("worker handshake", "unreadable register message")
	}
	if reg.Type != TypeRegister || reg.Subsystem == "" {
		return mardukerr.NewValidationError("worker handshake",
			"expected register message, got %q", reg.Type)
	}

	w := &worker{
		subsystem: reg.Subsystem,
		conn:      conn,
		send:      make(chan Envelope, 16),
		done:      make(chan struct{}),
	}
	h.addWorker(w)
	defer h.removeWorker(w)
	h.logger.Info("worker registered for subsystem %s", w.subsystem)

	go h.writeLoop(w)
	defer close(w.done)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.logger.Info("worker for %s disconnected: %v", w.subsystem, err)
			return nil
		}
		if env.Type != TypeResponse {
			h.logger.Warn("ignoring %q message from worker %s", env.Type, w.subsystem)
			continue
		}
		h.deliverResponse(env)
	}
}

func (h *Hub) writeLoop(w *worker) {
	for {
		select {
		case env := <-w.send:
			if err := w.conn.WriteJSON(env); err != nil {
				h.logger.Warn("write to worker %s failed: %v", w.subsystem, err)
				return
			}
		case <-w.done:
			return
		}
	}
}

func (h *Hub) deliverResponse(env Envelope) {
	h.mu.Lock()
	ch, ok := h.pending[env.TaskID]
	h.mu.Unlock()
	if !ok {
		h.logger.Warn("response for unknown task %d from %s", env.TaskID, env.Subsystem)
		return
	}
	select {
	case ch <- env:
	default:
	}
}

func (h *Hub) addWorker(w *worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.workers[w.subsystem] = append(h.workers[w.subsystem], w)
}

func (h *Hub) removeWorker(w *worker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.workers[w.subsystem]
	for i, candidate := range list {
		if candidate == w {
			h.workers[w.subsystem] = append(list[:i], list[i+1:]...)
			break
		}
	}
}
