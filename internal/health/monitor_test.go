package health

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by step on every Now call.
type fakeClock struct {
	current time.Time
	step    time.Duration
}

func (c *fakeClock) Now() time.Time {
	now := c.current
	c.current = c.current.Add(c.step)
	return now
}

func newTestMonitor(step time.Duration) (*Monitor, *fakeClock) {
	clock := &fakeClock{
		current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		step:    step,
	}
	m := NewMonitor(Options{Now: clock.Now})
	return m, clock
}

func TestTimingStats(t *testing.T) {
	m, _ := newTestMonitor(0)
	for i := 1; i <= 100; i++ {
		m.RecordResponseTime(ComponentAI, "", time.Duration(i)*time.Millisecond)
	}

	stats := m.ComponentStats(ComponentAI)
	assert.Equal(t, 100, stats.Count)
	assert.Equal(t, time.Millisecond, stats.Min)
	assert.Equal(t, 100*time.Millisecond, stats.Max)
	assert.Equal(t, 96*time.Millisecond, stats.P95)
	assert.Equal(t, 50*time.Millisecond+500*time.Microsecond, stats.Avg)
}

func TestComponentRingBounded(t *testing.T) {
	m, _ := newTestMonitor(0)
	for i := 0; i < componentSampleCap+200; i++ {
		m.RecordResponseTime(ComponentMemory, "", time.Millisecond)
	}
	assert.Equal(t, componentSampleCap, m.ComponentStats(ComponentMemory).Count)
}

func TestEndpointRingBounded(t *testing.T) {
	m, _ := newTestMonitor(0)
	for i := 0; i < endpointSampleCap+50; i++ {
		m.RecordResponseTime(ComponentAPI, "/query", time.Millisecond)
	}
	assert.Equal(t, endpointSampleCap, m.EndpointStats("/query").Count)
	// The component buffer kept everything.
	assert.Equal(t, endpointSampleCap+50, m.ComponentStats(ComponentAPI).Count)
}

func TestEndpointBufferOnlyForAPI(t *testing.T) {
	m, _ := newTestMonitor(0)
	m.RecordResponseTime(ComponentAI, "/query", time.Millisecond)
	assert.Equal(t, 0, m.EndpointStats("/query").Count)
}

func TestMeasureResponseTime(t *testing.T) {
	m, _ := newTestMonitor(10 * time.Millisecond)

	err := m.MeasureResponseTime(ComponentAI, "", func() error { return nil })
	require.NoError(t, err)

	stats := m.ComponentStats(ComponentAI)
	assert.Equal(t, 1, stats.Count)
	assert.Equal(t, 10*time.Millisecond, stats.Max)
	assert.Empty(t, m.Alerts())
}

func TestMeasureResponseTimePropagatesError(t *testing.T) {
	m, _ := newTestMonitor(0)
	want := errors.New("backend down")
	err := m.MeasureResponseTime(ComponentMemory, "", func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestMeasureResponseTimeSlowCallAlerts(t *testing.T) {
	m, _ := newTestMonitor(3 * time.Second)

	require.NoError(t, m.MeasureResponseTime(ComponentAI, "", func() error { return nil }))

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, ComponentAI, alerts[0].Component)
	assert.Equal(t, SeverityWarning, alerts[0].Severity)
}

func TestAlertDeduplication(t *testing.T) {
	m, clock := newTestMonitor(0)

	m.RaiseAlert(ComponentAPI, SeverityWarning, "slow responses")
	m.RaiseAlert(ComponentAPI, SeverityWarning, "slow responses")
	m.RaiseAlert(ComponentAPI, SeverityWarning, "slow responses")

	alerts := m.Alerts()
	require.Len(t, alerts, 1)
	assert.Equal(t, 3, alerts[0].Count)

	// A different message is a distinct alert.
	m.RaiseAlert(ComponentAPI, SeverityWarning, "connection reset")
	assert.Len(t, m.Alerts(), 2)

	// Past the cooldown the same alert fires fresh.
	clock.current = clock.current.Add(6 * time.Minute)
	m.RaiseAlert(ComponentAPI, SeverityWarning, "slow responses")
	alerts = m.Alerts()
	require.Len(t, alerts, 3)
	assert.Equal(t, 1, alerts[2].Count)
}

func TestAlertsBounded(t *testing.T) {
	m, _ := newTestMonitor(0)
	for i := 0; i < maxAlerts+25; i++ {
		m.RaiseAlert("worker", SeverityInfo, time.Duration(i).String())
	}
	assert.Len(t, m.Alerts(), maxAlerts)
}

func TestOverallStatusRollup(t *testing.T) {
	m, _ := newTestMonitor(0)
	assert.Equal(t, StatusHealthy, m.OverallStatus())

	m.SetComponentStatus(ComponentAI, StatusDegraded)
	assert.Equal(t, StatusDegraded, m.OverallStatus())

	// One unhealthy of three is not a majority.
	m.SetComponentStatus(ComponentAI, StatusUnhealthy)
	assert.Equal(t, StatusDegraded, m.OverallStatus())

	m.SetComponentStatus(ComponentMemory, StatusUnhealthy)
	assert.Equal(t, StatusUnhealthy, m.OverallStatus())

	m.SetComponentStatus(ComponentAPI, StatusCritical)
	assert.Equal(t, StatusCritical, m.OverallStatus())
}

func TestHealthCheckDerivesStatusFromTimings(t *testing.T) {
	m, _ := newTestMonitor(0)
	for i := 0; i < 20; i++ {
		m.RecordResponseTime(ComponentAI, "", 3*time.Second)
	}
	m.runHealthCheck()
	assert.Equal(t, StatusDegraded, m.ComponentStatus(ComponentAI))
	assert.Equal(t, StatusHealthy, m.ComponentStatus(ComponentMemory))

	for i := 0; i < 100; i++ {
		m.RecordResponseTime(ComponentAI, "", 10*time.Second)
	}
	m.runHealthCheck()
	assert.Equal(t, StatusUnhealthy, m.ComponentStatus(ComponentAI))
}

func TestSampleResources(t *testing.T) {
	m, _ := newTestMonitor(0)
	snapshot := m.SampleResources()

	assert.Greater(t, snapshot.HeapAlloc, uint64(0))
	assert.Greater(t, snapshot.Goroutines, 0)
	assert.GreaterOrEqual(t, snapshot.MemoryUsage, 0.0)
	assert.LessOrEqual(t, snapshot.MemoryUsage, 1.0)
	assert.Len(t, m.Snapshots(), 1)
}

func TestSnapshotsBoundedToCheckWindow(t *testing.T) {
	clock := &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := NewMonitor(Options{
		ResourceInterval: time.Second,
		CheckInterval:    5 * time.Second,
		Now:              clock.Now,
	})
	for i := 0; i < 12; i++ {
		m.SampleResources()
	}
	assert.Len(t, m.Snapshots(), 5)
}
