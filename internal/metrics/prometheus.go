package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	namespace = "portprobe"

	subsystemScan   = "scan"
	subsystemQueue  = "queue"
	subsystemSystem = "system"
)

// PrometheusMetrics holds all Prometheus metric collectors
type PrometheusMetrics struct {
	// Scan metrics
	scansTotal       *prometheus.CounterVec
	scanDuration     *prometheus.HistogramVec
	activeScans      prometheus.Gauge
	attemptsTotal    *prometheus.CounterVec
	attemptsInFlight prometheus.Gauge

	// Queue metrics
	jobsTotal  *prometheus.CounterVec
	queueDepth prometheus.Gauge

	// System metrics
	goroutines prometheus.Gauge
	memory     prometheus.Gauge
	uptime     prometheus.Gauge

	startTime  time.Time
	lastUpdate time.Time
	mu         sync.RWMutex
	registry   *prometheus.Registry
}

// NewPrometheusMetrics creates a new Prometheus metrics instance with all collectors
// registered on a private registry.
func NewPrometheusMetrics() *PrometheusMetrics {
	registry := prometheus.NewRegistry()

	pm := &PrometheusMetrics{
		startTime: time.Now(),
		registry:  registry,
	}

	pm.initScanMetrics()
	pm.initQueueMetrics()
	pm.initSystemMetrics()

	registry.MustRegister(
		pm.scansTotal,
		pm.scanDuration,
		pm.activeScans,
		pm.attemptsTotal,
		pm.attemptsInFlight,
		pm.jobsTotal,
		pm.queueDepth,
		pm.goroutines,
		pm.memory,
		pm.uptime,
	)

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return pm
}

func (pm *PrometheusMetrics) initScanMetrics() {
	pm.scansTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "total",
			Help:      "Total number of finished scans by terminal status",
		},
		[]string{"status"},
	)

	pm.scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "duration_seconds",
			Help:      "Duration of scans in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0, 30.0, 60.0, 300.0},
		},
		[]string{"status"},
	)

	pm.activeScans = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "active",
			Help:      "Number of scans that have not yet produced a result",
		},
	)

	pm.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "attempts_total",
			Help:      "Total number of connection attempts by outcome",
		},
		[]string{"port_status"},
	)

	pm.attemptsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemScan,
			Name:      "attempts_in_flight",
			Help:      "Number of connection attempts currently dialing",
		},
	)
}

func (pm *PrometheusMetrics) initQueueMetrics() {
	pm.jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "jobs_total",
			Help:      "Total number of queued scan jobs by outcome",
		},
		[]string{"status"},
	)

	pm.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemQueue,
			Name:      "depth",
			Help:      "Number of scan jobs waiting for a worker",
		},
	)
}

func (pm *PrometheusMetrics) initSystemMetrics() {
	pm.goroutines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "goroutines",
			Help:      "Current number of goroutines",
		},
	)

	pm.memory = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "memory_bytes",
			Help:      "Current heap allocation in bytes",
		},
	)

	pm.uptime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemSystem,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
}

// GetRegistry returns the Prometheus registry for HTTP handler
func (pm *PrometheusMetrics) GetRegistry() *prometheus.Registry {
	return pm.registry
}

// ScanStarted marks a scan as active.
func (pm *PrometheusMetrics) ScanStarted() {
	pm.activeScans.Inc()
}

// ScanFinished records the terminal status and duration of a scan.
func (pm *PrometheusMetrics) ScanFinished(status string, duration time.Duration) {
	pm.activeScans.Dec()
	pm.scansTotal.WithLabelValues(status).Inc()
	pm.scanDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// AttemptStarted marks a connection attempt as dialing.
func (pm *PrometheusMetrics) AttemptStarted() {
	pm.attemptsInFlight.Inc()
}

// AttemptFinished records the outcome of one connection attempt.
func (pm *PrometheusMetrics) AttemptFinished(status string) {
	pm.attemptsInFlight.Dec()
	pm.attemptsTotal.WithLabelValues(status).Inc()
}

// IncrementJobs counts a queued scan job by outcome.
func (pm *PrometheusMetrics) IncrementJobs(status string) {
	pm.jobsTotal.WithLabelValues(status).Inc()
}

// SetQueueDepth sets the number of jobs waiting for a worker.
func (pm *PrometheusMetrics) SetQueueDepth(depth int) {
	pm.queueDepth.Set(float64(depth))
}

// UpdateSystemMetrics refreshes the runtime gauges.
func (pm *PrometheusMetrics) UpdateSystemMetrics() {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	pm.memory.Set(float64(memStats.Alloc))
	pm.goroutines.Set(float64(runtime.NumGoroutine()))
	pm.uptime.Set(time.Since(pm.startTime).Seconds())
	pm.lastUpdate = time.Now()
}

// GetLastUpdate returns the last system metrics update time
func (pm *PrometheusMetrics) GetLastUpdate() time.Time {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return pm.lastUpdate
}

// StartPeriodicUpdates refreshes system metrics every interval until ctx is done.
func (pm *PrometheusMetrics) StartPeriodicUpdates(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	pm.UpdateSystemMetrics()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pm.UpdateSystemMetrics()
		}
	}
}
