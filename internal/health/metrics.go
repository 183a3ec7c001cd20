package health

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	responseTimeSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "marduk",
		Subsystem: "health",
		Name:      "response_time_seconds",
		Help:      "Measured operation durations per component.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"component", "endpoint"})

	alertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "marduk",
		Subsystem: "health",
		Name:      "alerts_total",
		Help:      "Alerts raised, after deduplication.",
	}, []string{"component", "severity"})

	heapAllocBytes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marduk",
		Subsystem: "health",
		Name:      "heap_alloc_bytes",
		Help:      "Heap bytes in use at the last resource sample.",
	})

	goroutineCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "marduk",
		Subsystem: "health",
		Name:      "goroutines",
		Help:      "Goroutine count at the last resource sample.",
	})

	overallStatusGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "marduk",
		Subsystem: "health",
		Name:      "overall_status",
		Help:      "Overall health rollup, 1 for the current status.",
	}, []string{"status"})
)

func observeResponseTime(component, endpoint string, d time.Duration) {
	responseTimeSeconds.WithLabelValues(component, endpoint).Observe(d.Seconds())
}

func countAlert(component, severity string) {
	alertsTotal.WithLabelValues(component, severity).Inc()
}

func setResourceGauges(s ResourceSnapshot) {
	heapAllocBytes.Set(float64(s.HeapAlloc))
	goroutineCount.Set(float64(s.Goroutines))
}

func setOverallStatus(status string) {
	for _, s := range []string{StatusHealthy, StatusDegraded, StatusUnhealthy, StatusCritical} {
		value := 0.0
		if s == status {
			value = 1.0
		}
		overallStatusGauge.WithLabelValues(s).Set(value)
	}
}
