package task

import (
	"sync"

	"marduk/internal/logging"
)

// ResourceMonitor tracks system load and per-category occupancy. External
// inputs feed it; the manager only reads.
type ResourceMonitor struct {
	mu         sync.RWMutex
	systemLoad float64
	running    map[string]int
	logger     logging.Logger
}

// NewResourceMonitor creates a monitor with zero load.
func NewResourceMonitor(logger logging.Logger) *ResourceMonitor {
	return &ResourceMonitor{
		running: make(map[string]int),
		logger:  logging.OrNop(logger),
	}
}

// SetSystemLoad records the current load in [0,1].
func (r *ResourceMonitor) SetSystemLoad(load float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.systemLoad = clamp(load, 0, 1)
}

// SystemLoad returns the last recorded load.
func (r *ResourceMonitor) SystemLoad() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.systemLoad
}

// Acquire reserves an execution slot for the category, honoring its serial
// and parallel limits. It reports whether the slot was granted.
func (r *ResourceMonitor) Acquire(category string) bool {
	rule := RuleFor(category)
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.running[rule.Name]
	if rule.Serial && current >= 1 {
		return false
	}
	if rule.MaxParallel > 0 && current >= rule.MaxParallel {
		return false
	}
	r.running[rule.Name] = current + 1
	return true
}

// Release frees a previously acquired slot.
func (r *ResourceMonitor) Release(category string) {
	rule := RuleFor(category)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[rule.Name] > 0 {
		r.running[rule.Name]--
	}
}

// Running returns the occupancy for a category.
func (r *ResourceMonitor) Running(category string) int {
	rule := RuleFor(category)
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running[rule.Name]
}

// Availability scores how much headroom a category has in [0,1]: zero when
// its slots are saturated, otherwise the load-suppressed remainder.
func (r *ResourceMonitor) Availability(category string) float64 {
	rule := RuleFor(category)
	r.mu.RLock()
	defer r.mu.RUnlock()

	current := r.running[rule.Name]
	if rule.Serial && current >= 1 {
		return 0
	}
	if rule.MaxParallel > 0 && current >= rule.MaxParallel {
		return 0
	}
	return clamp(1-r.systemLoad*rule.LoadImpact, 0, 1)
}
