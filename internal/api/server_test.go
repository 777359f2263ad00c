package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihandlers "github.com/anstrom/portprobe/internal/api/handlers"
	"github.com/anstrom/portprobe/internal/auth"
	"github.com/anstrom/portprobe/internal/config"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/scanning"
	"github.com/anstrom/portprobe/internal/workers"
)

type staticKeys map[string]bool

func (k staticKeys) Validate(key string) bool { return k[key] }

func createTestConfig() *config.Config {
	cfg := config.Default()
	cfg.API.ListenAddr = "127.0.0.1"
	cfg.API.Port = 0
	cfg.API.RateLimit.Enabled = false
	cfg.Logging.RequestLogging = false
	return cfg
}

func createTestPool(t *testing.T) *workers.Pool {
	t.Helper()
	pool := workers.New(workers.Config{Size: 2, QueueSize: 4, ShutdownTimeout: 5 * time.Second}, logging.Discard(), nil)
	pool.Start()
	t.Cleanup(func() { _ = pool.Shutdown() })
	return pool
}

func createTestServer(t *testing.T, cfg *config.Config, mutate func(*Options)) (*Server, *httptest.Server) {
	t.Helper()
	opts := Options{
		Config: cfg,
		Engine: scanning.NewEngine(scanning.Options{
			Concurrency:    16,
			ConnectTimeout: 2 * time.Second,
			Logger:         logging.Discard(),
		}),
		Pool:       createTestPool(t),
		Prometheus: metrics.NewPrometheusMetrics(),
		Metrics:    metrics.NewRegistry(),
		Logger:     logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	server, err := New(opts)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return server, ts
}

func listenLoopback(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			_ = conn.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func do(t *testing.T, method, url, body string, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestNewServer(t *testing.T) {
	t.Run("requires dependencies", func(t *testing.T) {
		_, err := New(Options{Config: createTestConfig()})
		assert.Error(t, err)
	})

	t.Run("rejects malformed key hashes", func(t *testing.T) {
		cfg := createTestConfig()
		cfg.API.AuthEnabled = true
		cfg.API.APIKeyHashes = []string{"not-a-hash"}

		_, err := New(Options{
			Config: cfg,
			Engine: scanning.NewEngine(scanning.Options{Logger: logging.Discard()}),
			Pool:   createTestPool(t),
			Logger: logging.Discard(),
		})
		assert.Error(t, err)
	})

	t.Run("builds key store from hashes", func(t *testing.T) {
		key, err := auth.GenerateAPIKey("test", 0)
		require.NoError(t, err)

		cfg := createTestConfig()
		cfg.API.AuthEnabled = true
		cfg.API.APIKeyHashes = []string{key.Hash}

		_, ts := createTestServer(t, cfg, nil)

		resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/scans", "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/scans", "", map[string]string{"X-API-Key": key.Key})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestServer_ScanFlow(t *testing.T) {
	open := listenLoopback(t)
	_, ts := createTestServer(t, createTestConfig(), nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/scans",
		fmt.Sprintf(`{"host":"127.0.0.1","start_port":%d}`, open), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var created apihandlers.CreateScanResponse
	require.NoError(t, json.Unmarshal(body, &created))
	require.NotEmpty(t, created.ID)

	var status apihandlers.ScanStatus
	require.Eventually(t, func() bool {
		resp, body := do(t, http.MethodGet, ts.URL+"/api/v1/scans/"+created.ID, "", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(body, &status); err != nil {
			return false
		}
		return status.Finished()
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, apihandlers.ScanCompleted, status.Status)
	assert.Equal(t, []int{open}, status.OpenPorts)
	assert.Equal(t, 1, status.Completed)
}

func TestServer_InvalidRange(t *testing.T) {
	_, ts := createTestServer(t, createTestConfig(), nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/scans", `{"host":"127.0.0.1","start_port":9,"end_port":3}`, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var errResp apihandlers.ErrorResponse
	require.NoError(t, json.Unmarshal(body, &errResp))
	assert.Equal(t, "INVALID_RANGE", errResp.Code)
	assert.NotEmpty(t, errResp.RequestID)
	assert.Equal(t, errResp.RequestID, resp.Header.Get("X-Request-ID"))
}

func TestServer_Routing(t *testing.T) {
	_, ts := createTestServer(t, createTestConfig(), nil)

	tests := []struct {
		name           string
		method         string
		path           string
		body           string
		expectedStatus int
	}{
		{name: "index", method: http.MethodGet, path: "/", expectedStatus: http.StatusOK},
		{name: "liveness", method: http.MethodGet, path: "/api/v1/liveness", expectedStatus: http.StatusOK},
		{name: "health", method: http.MethodGet, path: "/api/v1/health", expectedStatus: http.StatusOK},
		{name: "version", method: http.MethodGet, path: "/api/v1/version", expectedStatus: http.StatusOK},
		{name: "status", method: http.MethodGet, path: "/api/v1/status", expectedStatus: http.StatusOK},
		{name: "list scans", method: http.MethodGet, path: "/api/v1/scans", expectedStatus: http.StatusOK},
		{name: "unknown scan", method: http.MethodGet, path: "/api/v1/scans/nope", expectedStatus: http.StatusNotFound},
		{name: "unknown route", method: http.MethodGet, path: "/api/v2/anything", expectedStatus: http.StatusNotFound},
		{name: "wrong method", method: http.MethodPut, path: "/api/v1/scans", body: `{}`, expectedStatus: http.StatusMethodNotAllowed},
		{name: "wrong content type", method: http.MethodPost, path: "/api/v1/scans", expectedStatus: http.StatusUnsupportedMediaType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var headers map[string]string
			if tt.method == http.MethodPost && tt.body == "" {
				headers = map[string]string{"Content-Type": "text/plain"}
			}
			resp, body := do(t, tt.method, ts.URL+tt.path, tt.body, headers)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode, string(body))
			assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
			assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
		})
	}
}

func TestServer_Authentication(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.AuthEnabled = true
	_, ts := createTestServer(t, cfg, func(o *Options) {
		o.Keys = staticKeys{"good-key": true}
	})

	tests := []struct {
		name           string
		path           string
		headers        map[string]string
		expectedStatus int
	}{
		{name: "public health", path: "/api/v1/health", expectedStatus: http.StatusOK},
		{name: "public liveness", path: "/api/v1/liveness", expectedStatus: http.StatusOK},
		{name: "missing key", path: "/api/v1/scans", expectedStatus: http.StatusUnauthorized},
		{name: "wrong key", path: "/api/v1/scans", headers: map[string]string{"X-API-Key": "bad"}, expectedStatus: http.StatusUnauthorized},
		{name: "header key", path: "/api/v1/scans", headers: map[string]string{"X-API-Key": "good-key"}, expectedStatus: http.StatusOK},
		{name: "bearer key", path: "/api/v1/status", headers: map[string]string{"Authorization": "Bearer good-key"}, expectedStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := do(t, http.MethodGet, ts.URL+tt.path, "", tt.headers)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}
}

func TestServer_RateLimit(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.RateLimit = config.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, Burst: 2}
	_, ts := createTestServer(t, cfg, nil)

	for i := 0; i < 2; i++ {
		resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/scans", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := do(t, http.MethodGet, ts.URL+"/api/v1/scans", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	resp, _ = do(t, http.MethodGet, ts.URL+"/api/v1/liveness", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode, "liveness checks are never limited")
}

func TestServer_CORSPreflight(t *testing.T) {
	_, ts := createTestServer(t, createTestConfig(), nil)

	resp, _ := do(t, http.MethodOptions, ts.URL+"/api/v1/scans", "", map[string]string{
		"Origin":                        "https://ui.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestServer_PrometheusEndpoint(t *testing.T) {
	_, ts := createTestServer(t, createTestConfig(), nil)

	resp, body := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "portprobe_scan_active")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestServer_SwaggerDocs(t *testing.T) {
	cfg := createTestConfig()
	cfg.API.AuthEnabled = true
	_, ts := createTestServer(t, cfg, func(o *Options) {
		o.Keys = staticKeys{"good-key": true}
	})

	resp, body := do(t, http.MethodGet, ts.URL+"/swagger/doc.json", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var doc struct {
		Info struct {
			Title string `json:"title"`
		} `json:"info"`
		BasePath string                     `json:"basePath"`
		Paths    map[string]json.RawMessage `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	assert.Equal(t, "portprobe API", doc.Info.Title)
	assert.Equal(t, "/api/v1", doc.BasePath)
	for _, path := range []string{"/scans", "/scans/{id}", "/scans/{id}/ws", "/health", "/liveness", "/version", "/status"} {
		assert.Contains(t, doc.Paths, path)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/swagger/index.html", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "swagger")
	assert.Contains(t, resp.Header.Get("Content-Security-Policy"), "'unsafe-inline'")

	_, body = do(t, http.MethodGet, ts.URL+"/", "", nil)
	assert.Contains(t, string(body), `"docs":"/swagger/"`)
}

func TestServer_MetricsDisabled(t *testing.T) {
	cfg := createTestConfig()
	cfg.Metrics.Enabled = false
	_, ts := createTestServer(t, cfg, nil)

	resp, _ := do(t, http.MethodGet, ts.URL+"/metrics", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServer_WebSocketThroughMiddleware(t *testing.T) {
	open := listenLoopback(t)
	cfg := createTestConfig()
	cfg.Logging.RequestLogging = true
	server, ts := createTestServer(t, cfg, nil)

	resp, body := do(t, http.MethodPost, ts.URL+"/api/v1/scans",
		fmt.Sprintf(`{"host":"127.0.0.1","start_port":%d}`, open), nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var created apihandlers.CreateScanResponse
	require.NoError(t, json.Unmarshal(body, &created))

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/scans/" + created.ID + "/ws"
	conn, wsResp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if wsResp != nil && wsResp.Body != nil {
		_ = wsResp.Body.Close()
	}
	defer conn.Close()

	var types []string
	var final apihandlers.ScanStatus
	for {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := conn.ReadJSON(&msg); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
			break
		}
		types = append(types, msg.Type)
		if msg.Type == apihandlers.MessageResult {
			require.NoError(t, json.Unmarshal(msg.Data, &final))
		}
	}

	require.NotEmpty(t, types)
	assert.Equal(t, apihandlers.MessageStatus, types[0])
	assert.Equal(t, apihandlers.MessageResult, types[len(types)-1])
	assert.Equal(t, apihandlers.ScanCompleted, final.Status)
	assert.Equal(t, []int{open}, final.OpenPorts)

	rec, ok := server.Scans().Store().Get(created.ID)
	require.True(t, ok)
	assert.True(t, rec.Status().Finished())
}

func TestServer_StartStop(t *testing.T) {
	server, err := New(Options{
		Config: createTestConfig(),
		Engine: scanning.NewEngine(scanning.Options{Logger: logging.Discard()}),
		Pool:   createTestPool(t),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	require.NoError(t, server.Listen())
	addr := server.Addr()
	assert.NotEqual(t, "127.0.0.1:0", addr)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- server.Start(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/api/v1/liveness")
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("server did not stop")
	}

	_, err = http.Get("http://" + addr + "/api/v1/liveness")
	assert.Error(t, err)
}

func TestServer_ListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	cfg := createTestConfig()
	cfg.API.Port = ln.Addr().(*net.TCPAddr).Port

	server, err := New(Options{
		Config: cfg,
		Engine: scanning.NewEngine(scanning.Options{Logger: logging.Discard()}),
		Pool:   createTestPool(t),
		Logger: logging.Discard(),
	})
	require.NoError(t, err)
	assert.Error(t, server.Start(context.Background()))
}
