// Package health tracks response times, resource usage, component status
// rollups, and deduplicated alerts for the running process.
package health

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"time"

	"marduk/internal/logging"
)

// Component names tracked by the monitor.
const (
	ComponentAI     = "ai"
	ComponentMemory = "memory"
	ComponentAPI    = "api"
)

// Status levels for components and the overall rollup.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
	StatusCritical  = "critical"
)

// Severity levels for alerts.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

const (
	componentSampleCap = 1000
	endpointSampleCap  = 100
	maxAlerts          = 100
)

// Options configures the monitor's intervals and thresholds.
type Options struct {
	ResourceInterval      time.Duration // default 5s
	CheckInterval         time.Duration // default 60s
	AlertCooldown         time.Duration // default 5 min
	ResponseTimeThreshold time.Duration // default 2s
	Logger                logging.Logger
	Now                   func() time.Time
}

func (o Options) normalized() Options {
	if o.ResourceInterval <= 0 {
		o.ResourceInterval = 5 * time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Minute
	}
	if o.AlertCooldown <= 0 {
		o.AlertCooldown = 5 * time.Minute
	}
	if o.ResponseTimeThreshold <= 0 {
		o.ResponseTimeThreshold = 2 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// ring is a bounded sample buffer of response times.
type ring struct {
	samples []time.Duration
	cap     int
}

func newRing(cap int) *ring {
	return &ring{cap: cap}
}

func (r *ring) add(d time.Duration) {
	r.samples = append(r.samples, d)
	if len(r.samples) > r.cap {
		r.samples = r.samples[len(r.samples)-r.cap:]
	}
}

// TimingStats summarizes one ring buffer.
type TimingStats struct {
	Count int           `json:"count"`
	Avg   time.Duration `json:"avg"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	P95   time.Duration `json:"p95"`
}

func (r *ring) stats() TimingStats {
	n := len(r.samples)
	if n == 0 {
		return TimingStats{}
	}
	sorted := make([]time.Duration, n)
	copy(sorted, r.samples)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	idx := (n * 95) / 100
	if idx >= n {
		idx = n - 1
	}
	return TimingStats{
		Count: n,
		Avg:   total / time.Duration(n),
		Min:   sorted[0],
		Max:   sorted[n-1],
		P95:   sorted[idx],
	}
}

// ResourceSnapshot is one sample of process resource usage.
type ResourceSnapshot struct {
	Timestamp   time.Time `json:"timestamp"`
	HeapAlloc   uint64    `json:"heapAlloc"`
	HeapSys     uint64    `json:"heapSys"`
	NumGC       uint32    `json:"numGC"`
	Goroutines  int       `json:"goroutines"`
	MemoryUsage float64   `json:"memoryUsage"` // heap alloc / heap sys
}

// Alert is one raised condition. Alerts with the same component, severity,
// and message within the cooldown window are deduplicated.
type Alert struct {
	Component string    `json:"component"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Count     int       `json:"count"`
}

type alertKey struct {
	component string
	severity  string
	message   string
}

// Monitor is the per-process health tracker.
type Monitor struct {
	mu         sync.Mutex
	opts       Options
	logger     logging.Logger
	components map[string]*ring
	endpoints  map[string]*ring
	statuses   map[string]string
	snapshots  []ResourceSnapshot
	alerts     []*Alert
	lastAlert  map[alertKey]time.Time
}

// NewMonitor creates a monitor tracking the ai, memory, and api components.
func NewMonitor(opts Options) *Monitor {
	opts = opts.normalized()
	m := &Monitor{
		opts:       opts,
		logger:     logging.OrNop(opts.Logger),
		components: make(map[string]*ring),
		endpoints:  make(map[string]*ring),
		statuses:   make(map[string]string),
		lastAlert:  make(map[alertKey]time.Time),
	}
	for _, name := range []string{ComponentAI, ComponentMemory, ComponentAPI} {
		m.components[name] = newRing(componentSampleCap)
		m.statuses[name] = StatusHealthy
	}
	return m
}

// RecordResponseTime adds a sample for a component, plus the endpoint buffer
// when component is api and endpoint is set.
func (m *Monitor) RecordResponseTime(component, endpoint string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf, ok := m.components[component]
	if !ok {
		buf = newRing(componentSampleCap)
		m.components[component] = buf
		m.statuses[component] = StatusHealthy
	}
	buf.add(d)

	if component == ComponentAPI && endpoint != "" {
		eb, ok := m.endpoints[endpoint]
		if !ok {
			eb = newRing(endpointSampleCap)
			m.endpoints[endpoint] = eb
		}
		eb.add(d)
	}
	observeResponseTime(component, endpoint, d)
}

// MeasureResponseTime times fn, records the duration, and raises a warning
// alert when it exceeds the response-time threshold. The measured error is
// returned unchanged.
func (m *Monitor) MeasureResponseTime(component, endpoint string, fn func() error) error {
	start := m.opts.Now()
	err := fn()
	elapsed := m.opts.Now().Sub(start)

	m.RecordResponseTime(component, endpoint, elapsed)
	if elapsed > m.opts.ResponseTimeThreshold {
		m.RaiseAlert(component, SeverityWarning,
			"response time exceeded threshold")
	}
	return err
}

// ComponentStats returns timing statistics for a component.
func (m *Monitor) ComponentStats(component string) TimingStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.components[component]
	if !ok {
		return TimingStats{}
	}
	return buf.stats()
}

// EndpointStats returns timing statistics for an api endpoint.
func (m *Monitor) EndpointStats(endpoint string) TimingStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf, ok := m.endpoints[endpoint]
	if !ok {
		return TimingStats{}
	}
	return buf.stats()
}

// SetComponentStatus records an externally observed component status.
func (m *Monitor) SetComponentStatus(component, status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[component] = status
}

// ComponentStatus returns the last known status for a component.
func (m *Monitor) ComponentStatus(component string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	status, ok := m.statuses[component]
	if !ok {
		return StatusHealthy
	}
	return status
}

// OverallStatus rolls component statuses up: critical wins outright, a
// majority of unhealthy components makes the whole process unhealthy, any
// non-healthy component degrades it.
func (m *Monitor) OverallStatus() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	unhealthy := 0
	degraded := 0
	for _, status := range m.statuses {
		switch status {
		case StatusCritical:
			return StatusCritical
		case StatusUnhealthy:
			unhealthy++
		case StatusDegraded:
			degraded++
		}
	}
	if unhealthy*2 > len(m.statuses) {
		return StatusUnhealthy
	}
	if unhealthy > 0 || degraded > 0 {
		return StatusDegraded
	}
	return StatusHealthy
}

// SampleResources takes one resource snapshot and returns it. Snapshots are
// kept bounded to one check interval's worth.
func (m *Monitor) SampleResources() ResourceSnapshot {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	usage := 0.0
	if stats.HeapSys > 0 {
		usage = float64(stats.HeapAlloc) / float64(stats.HeapSys)
	}
	snapshot := ResourceSnapshot{
		Timestamp:   m.opts.Now(),
		HeapAlloc:   stats.HeapAlloc,
		HeapSys:     stats.HeapSys,
		NumGC:       stats.NumGC,
		Goroutines:  runtime.NumGoroutine(),
		MemoryUsage: usage,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshot)
	keep := int(m.opts.CheckInterval / m.opts.ResourceInterval)
	if keep < 1 {
		keep = 1
	}
	if len(m.snapshots) > keep {
		m.snapshots = m.snapshots[len(m.snapshots)-keep:]
	}
	setResourceGauges(snapshot)
	return snapshot
}

// Snapshots returns the retained resource snapshots, oldest first.
func (m *Monitor) Snapshots() []ResourceSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ResourceSnapshot, len(m.snapshots))
	copy(out, m.snapshots)
	return out
}

// RaiseAlert records an alert unless an identical one fired within the
// cooldown window, in which case only its count increments. At most 100
// alerts are retained.
func (m *Monitor) RaiseAlert(component, severity, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	key := alertKey{component: component, severity: severity, message: message}
	if last, ok := m.lastAlert[key]; ok && now.Sub(last) < m.opts.AlertCooldown {
		for i := len(m.alerts) - 1; i >= 0; i-- {
			a := m.alerts[i]
			if a.Component == component && a.Severity == severity && a.Message == message {
				a.Count++
				break
			}
		}
		return
	}

	m.lastAlert[key] = now
	m.alerts = append(m.alerts, &Alert{
		Component: component,
		Severity:  severity,
		Message:   message,
		Timestamp: now,
		Count:     1,
	})
	if len(m.alerts) > maxAlerts {
		m.alerts = m.alerts[len(m.alerts)-maxAlerts:]
	}
	countAlert(component, severity)
	m.logger.Warn("[%s] %s alert: %s", component, severity, message)
}

// Alerts returns the retained alerts, oldest first.
func (m *Monitor) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	for i, a := range m.alerts {
		out[i] = *a
	}
	return out
}

// Start runs the periodic resource sampler and health check until ctx is
// done.
func (m *Monitor) Start(ctx context.Context) {
	go m.loop(ctx, m.opts.ResourceInterval, func() { m.SampleResources() })
	go m.loop(ctx, m.opts.CheckInterval, m.runHealthCheck)
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// runHealthCheck re-derives component statuses from their response-time
// behavior and raises alerts on degradation.
func (m *Monitor) runHealthCheck() {
	for _, component := range []string{ComponentAI, ComponentMemory, ComponentAPI} {
		stats := m.ComponentStats(component)
		status := StatusHealthy
		if stats.Count > 0 {
			switch {
			case stats.P95 > 4*m.opts.ResponseTimeThreshold:
				status = StatusUnhealthy
			case stats.P95 > m.opts.ResponseTimeThreshold:
				status = StatusDegraded
			}
		}
		m.SetComponentStatus(component, status)
	}

	overall := m.OverallStatus()
	setOverallStatus(overall)
	if overall == StatusUnhealthy || overall == StatusCritical {
		m.RaiseAlert("system", SeverityCritical, "overall health is "+overall)
	}
}
