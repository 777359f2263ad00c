// Package handlers provides HTTP request handlers for the portprobe API.
// This file implements health check and system status endpoints.
package handlers

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
)

// PoolProbe reports worker pool state. *workers.Pool satisfies it.
type PoolProbe interface {
	QueueDepth() int
	Accepting() bool
}

// Status constants.
const (
	StatusHealthy       = "healthy"
	StatusDegraded      = "degraded"
	StatusUnhealthy     = "unhealthy"
	StatusNotConfigured = "not configured"
)

// HealthHandler handles health check and status endpoints.
type HealthHandler struct {
	pool      PoolProbe
	store     *ScanStore
	logger    *logging.Logger
	metrics   metrics.MetricsRegistry
	startTime time.Time
}

// NewHealthHandler creates a new health handler. pool and store may be nil.
func NewHealthHandler(pool PoolProbe, store *ScanStore, logger *logging.Logger, registry metrics.MetricsRegistry) *HealthHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &HealthHandler{
		pool:      pool,
		store:     store,
		logger:    logger.WithFields("handler", "health"),
		metrics:   registry,
		startTime: time.Now(),
	}
}

// HealthResponse represents a health check response.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
}

// LivenessResponse represents a simple liveness check response.
type LivenessResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
}

// StatusResponse represents a detailed status response.
type StatusResponse struct {
	Service   ServiceInfo    `json:"service"`
	System    SystemInfo     `json:"system"`
	Scans     ScansInfo      `json:"scans"`
	Metrics   MetricsInfo    `json:"metrics"`
	Health    HealthResponse `json:"health"`
	Timestamp time.Time      `json:"timestamp"`
}

// ServiceInfo contains service-related information.
type ServiceInfo struct {
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	StartTime time.Time `json:"start_time"`
	Uptime    string    `json:"uptime"`
	PID       int       `json:"pid"`
}

// SystemInfo contains system-related information.
type SystemInfo struct {
	OS           string     `json:"os"`
	Architecture string     `json:"architecture"`
	CPUs         int        `json:"cpus"`
	GoVersion    string     `json:"go_version"`
	Memory       MemoryInfo `json:"memory"`
	Goroutines   int        `json:"goroutines"`
}

// MemoryInfo contains memory usage information.
type MemoryInfo struct {
	Allocated   uint64 `json:"allocated_bytes"`
	TotalAlloc  uint64 `json:"total_alloc_bytes"`
	System      uint64 `json:"system_bytes"`
	GCCycles    uint32 `json:"gc_cycles"`
	LastGC      string `json:"last_gc"`
	HeapObjects uint64 `json:"heap_objects"`
}

// ScansInfo counts stored scans by status.
type ScansInfo struct {
	Total      int            `json:"total"`
	ByStatus   map[string]int `json:"by_status"`
	QueueDepth int            `json:"queue_depth"`
}

// MetricsInfo contains metrics system information.
type MetricsInfo struct {
	Enabled       bool `json:"enabled"`
	TotalCounters int  `json:"total_counters"`
	TotalGauges   int  `json:"total_gauges"`
	TotalHistos   int  `json:"total_histograms"`
}

// VersionResponse represents version information.
type VersionResponse struct {
	Version   string    `json:"version"`
	Commit    string    `json:"commit"`
	BuildTime string    `json:"build_time"`
	GoVersion string    `json:"go_version"`
	Timestamp time.Time `json:"timestamp"`
}

// Health reports whether the server can accept scans.
//
// @Summary Health check
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
// @ID getHealth
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := h.getHealthInfo()

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, r, statusCode, response)

	if h.metrics != nil {
		h.metrics.Counter("api_health_checks_total", metrics.Labels{
			metrics.LabelStatus: response.Status,
		})
	}
}

// Liveness performs a simple liveness check without dependencies.
//
// @Summary Liveness check
// @Tags System
// @Produce json
// @Success 200 {object} LivenessResponse
// @Router /liveness [get]
// @ID getLiveness
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
	})
}

// Status provides detailed system status information.
//
// @Summary System status
// @Tags System
// @Produce json
// @Success 200 {object} StatusResponse
// @Router /status [get]
// @ID getStatus
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.logger.Debug("Status check requested", "remote_addr", r.RemoteAddr)

	writeJSON(w, r, http.StatusOK, StatusResponse{
		Service: ServiceInfo{
			Name:      "portprobe",
			Version:   getVersion(),
			StartTime: h.startTime,
			Uptime:    time.Since(h.startTime).String(),
			PID:       os.Getpid(),
		},
		System:    h.getSystemInfo(),
		Scans:     h.getScansInfo(),
		Metrics:   h.getMetricsInfo(),
		Health:    h.getHealthInfo(),
		Timestamp: time.Now().UTC(),
	})
}

// Version provides version information.
//
// @Summary Version information
// @Tags System
// @Produce json
// @Success 200 {object} VersionResponse
// @Router /version [get]
// @ID getVersion
func (h *HealthHandler) Version(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, VersionResponse{
		Version:   getVersion(),
		Commit:    getCommit(),
		BuildTime: getBuildTime(),
		GoVersion: runtime.Version(),
		Timestamp: time.Now().UTC(),
	})
}

func (h *HealthHandler) getSystemInfo() SystemInfo {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	memInfo := MemoryInfo{
		Allocated:   memStats.Alloc,
		TotalAlloc:  memStats.TotalAlloc,
		System:      memStats.Sys,
		GCCycles:    memStats.NumGC,
		HeapObjects: memStats.HeapObjects,
	}
	if memStats.LastGC > 0 {
		memInfo.LastGC = time.Unix(0, int64(memStats.LastGC)).UTC().Format(time.RFC3339) //nolint:gosec // nanoseconds since epoch fit int64
	}

	return SystemInfo{
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
		CPUs:         runtime.NumCPU(),
		GoVersion:    runtime.Version(),
		Memory:       memInfo,
		Goroutines:   runtime.NumGoroutine(),
	}
}

func (h *HealthHandler) getScansInfo() ScansInfo {
	info := ScansInfo{ByStatus: make(map[string]int)}
	if h.store != nil {
		for _, rec := range h.store.List("") {
			info.ByStatus[rec.Status().Status]++
			info.Total++
		}
	}
	if h.pool != nil {
		info.QueueDepth = h.pool.QueueDepth()
	}
	return info
}

func (h *HealthHandler) getMetricsInfo() MetricsInfo {
	info := MetricsInfo{Enabled: h.metrics != nil && h.metrics.IsEnabled()}
	if h.metrics == nil {
		return info
	}
	for _, metric := range h.metrics.GetMetrics() {
		switch metric.Type {
		case metrics.TypeCounter:
			info.TotalCounters++
		case metrics.TypeGauge:
			info.TotalGauges++
		case metrics.TypeHistogram:
			info.TotalHistos++
		}
	}
	return info
}

// getHealthInfo is unhealthy when the worker pool no longer accepts scans
// and degraded under memory pressure.
func (h *HealthHandler) getHealthInfo() HealthResponse {
	response := HealthResponse{
		Status:    StatusHealthy,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).String(),
		Checks:    make(map[string]string),
	}

	switch {
	case h.pool == nil:
		response.Checks["worker_pool"] = StatusNotConfigured
	case !h.pool.Accepting():
		response.Status = StatusUnhealthy
		response.Checks["worker_pool"] = "shutting down"
	default:
		response.Checks["worker_pool"] = "ok"
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	const maxMemory = 1 << 30
	if memStats.Alloc > maxMemory {
		if response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
		response.Checks["memory"] = "high usage"
	} else {
		response.Checks["memory"] = "ok"
	}

	return response
}

// Build information, set by the main package from ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func getVersion() string {
	return version
}

func getCommit() string {
	return commit
}

func getBuildTime() string {
	return buildTime
}

// SetBuildInfo sets build information (called by main package).
func SetBuildInfo(v, c, bt string) {
	version = v
	commit = c
	buildTime = bt
}
