package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/metrics/mocks"
)

type stubPool struct {
	depth     int
	accepting bool
}

func (p stubPool) QueueDepth() int { return p.depth }
func (p stubPool) Accepting() bool { return p.accepting }

func TestNewHealthHandler(t *testing.T) {
	h := NewHealthHandler(nil, nil, nil, nil)
	require.NotNil(t, h)
	assert.NotNil(t, h.logger)
	assert.False(t, h.startTime.IsZero())
}

func TestHealthHandler_Health(t *testing.T) {
	tests := []struct {
		name           string
		pool           PoolProbe
		expectedStatus int
		expectedHealth string
		expectedCheck  string
	}{
		{
			name:           "accepting pool",
			pool:           stubPool{accepting: true},
			expectedStatus: http.StatusOK,
			expectedHealth: StatusHealthy,
			expectedCheck:  "ok",
		},
		{
			name:           "pool shutting down",
			pool:           stubPool{accepting: false},
			expectedStatus: http.StatusServiceUnavailable,
			expectedHealth: StatusUnhealthy,
			expectedCheck:  "shutting down",
		},
		{
			name:           "no pool",
			pool:           nil,
			expectedStatus: http.StatusOK,
			expectedHealth: StatusHealthy,
			expectedCheck:  StatusNotConfigured,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			registry := mocks.NewMockMetricsRegistry(ctrl)
			registry.EXPECT().
				Counter("api_health_checks_total", metrics.Labels{metrics.LabelStatus: tt.expectedHealth}).
				Times(1)

			h := NewHealthHandler(tt.pool, nil, logging.Discard(), registry)
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", http.NoBody))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.expectedHealth, resp.Status)
			assert.Equal(t, tt.expectedCheck, resp.Checks["worker_pool"])
			assert.Contains(t, resp.Checks, "memory")
			assert.NotEmpty(t, resp.Uptime)
		})
	}
}

func TestHealthHandler_Liveness(t *testing.T) {
	h := NewHealthHandler(stubPool{accepting: false}, nil, logging.Discard(), metrics.NewRegistry())
	rec := httptest.NewRecorder()
	h.Liveness(rec, httptest.NewRequest(http.MethodGet, "/api/v1/liveness", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code, "liveness ignores dependencies")
	var resp LivenessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alive", resp.Status)
}

func TestHealthHandler_Status(t *testing.T) {
	store := NewScanStore(10)
	store.Add(newTestRecord("a", 1, 1))
	store.Add(newTestRecord("b", 1, 1))
	canceled := newTestRecord("c", 1, 1)
	require.True(t, canceled.Cancel())
	store.Add(canceled)

	registry := metrics.NewRegistry()
	registry.Counter("c", nil)
	registry.Gauge("g", 1, nil)
	registry.Histogram("h", 1, nil)

	h := NewHealthHandler(stubPool{depth: 2, accepting: true}, store, logging.Discard(), registry)
	rec := httptest.NewRecorder()
	h.Status(rec, httptest.NewRequest(http.MethodGet, "/api/v1/status", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	assert.Equal(t, "portprobe", resp.Service.Name)
	assert.Positive(t, resp.Service.PID)
	assert.Equal(t, runtime.GOOS, resp.System.OS)
	assert.Equal(t, runtime.NumCPU(), resp.System.CPUs)
	assert.Positive(t, resp.System.Goroutines)

	assert.Equal(t, 3, resp.Scans.Total)
	assert.Equal(t, 2, resp.Scans.ByStatus[ScanQueued])
	assert.Equal(t, 1, resp.Scans.ByStatus[ScanCanceled])
	assert.Equal(t, 2, resp.Scans.QueueDepth)

	assert.True(t, resp.Metrics.Enabled)
	assert.Equal(t, 1, resp.Metrics.TotalCounters)
	assert.Equal(t, 1, resp.Metrics.TotalGauges)
	assert.Equal(t, 1, resp.Metrics.TotalHistos)
	assert.Equal(t, StatusHealthy, resp.Health.Status)
}

func TestHealthHandler_Version(t *testing.T) {
	origVersion, origCommit, origBuild := version, commit, buildTime
	t.Cleanup(func() { SetBuildInfo(origVersion, origCommit, origBuild) })

	SetBuildInfo("1.2.3", "abc123", "2026-01-01T00:00:00Z")

	h := NewHealthHandler(nil, nil, logging.Discard(), nil)
	rec := httptest.NewRecorder()
	h.Version(rec, httptest.NewRequest(http.MethodGet, "/api/v1/version", http.NoBody))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp VersionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, "abc123", resp.Commit)
	assert.Equal(t, "2026-01-01T00:00:00Z", resp.BuildTime)
	assert.Equal(t, runtime.Version(), resp.GoVersion)
}
