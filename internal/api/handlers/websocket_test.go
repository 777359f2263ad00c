package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/scanning"
)

type rawMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func newWSServer(t *testing.T, h *WebSocketHandler) *httptest.Server {
	t.Helper()
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/scans/{id}/ws", h.ScanWebSocket)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func dialScan(t *testing.T, srv *httptest.Server, id string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/scans/" + id + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

func readMessage(t *testing.T, conn *websocket.Conn) rawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg rawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestNewWebSocketHandler(t *testing.T) {
	h := NewWebSocketHandler(NewScanStore(1), nil, nil, nil)
	require.NotNil(t, h)
	assert.NotNil(t, h.logger)
	assert.NotNil(t, h.metrics)
	assert.Equal(t, 0, h.GetConnectedClients())
}

func TestOriginChecker(t *testing.T) {
	tests := []struct {
		name     string
		allowed  []string
		origin   string
		expected bool
	}{
		{name: "no origin header", allowed: nil, origin: "", expected: true},
		{name: "wildcard", allowed: []string{"*"}, origin: "https://evil.example", expected: true},
		{name: "listed origin", allowed: []string{"https://ui.example"}, origin: "https://ui.example", expected: true},
		{name: "unlisted origin", allowed: []string{"https://ui.example"}, origin: "https://evil.example", expected: false},
		{name: "nothing allowed", allowed: nil, origin: "https://ui.example", expected: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.expected, originChecker(tt.allowed)(req))
		})
	}
}

func TestWebSocketHandler_UnknownScan(t *testing.T) {
	h := NewWebSocketHandler(NewScanStore(1), logging.Discard(), metrics.NewRegistry(), []string{"*"})
	srv := newWSServer(t, h)

	_, resp, err := dialScan(t, srv, "missing")
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebSocketHandler_StreamsProgressAndResult(t *testing.T) {
	store := NewScanStore(10)
	rec := newTestRecord("scan-ws", 1, 3)
	store.Add(rec)

	registry := metrics.NewRegistry()
	h := NewWebSocketHandler(store, logging.Discard(), registry, []string{"*"})
	srv := newWSServer(t, h)

	conn, _, err := dialScan(t, srv, rec.ID)
	require.NoError(t, err)

	status := readMessage(t, conn)
	require.Equal(t, MessageStatus, status.Type)
	var initial ScanStatus
	require.NoError(t, json.Unmarshal(status.Data, &initial))
	assert.Equal(t, ScanQueued, initial.Status)
	assert.Equal(t, 1, h.GetConnectedClients())

	// The status snapshot is sent after subscribing, so these events are
	// all delivered.
	require.True(t, rec.begin(func() {}))
	rec.Tick(scanning.ProgressEvent{Port: 1, Status: scanning.StatusClosed, Completed: 1, Total: 3})
	rec.Tick(scanning.ProgressEvent{Port: 3, Status: scanning.StatusOpen, Completed: 2, Total: 3})
	rec.Tick(scanning.ProgressEvent{Port: 2, Status: scanning.StatusClosed, Completed: 3, Total: 3})
	_ = rec.finish(&scanning.ScanResult{OpenPorts: []int{3}, ClosedCount: 2}, nil)

	var ports []int
	for i := 0; i < 3; i++ {
		msg := readMessage(t, conn)
		require.Equal(t, MessageProgress, msg.Type)
		var p ProgressMessage
		require.NoError(t, json.Unmarshal(msg.Data, &p))
		assert.Equal(t, rec.ID, p.ScanID)
		assert.Equal(t, i+1, p.Completed)
		assert.Equal(t, 3, p.Total)
		ports = append(ports, p.Port)
	}
	assert.Equal(t, []int{1, 3, 2}, ports)

	result := readMessage(t, conn)
	require.Equal(t, MessageResult, result.Type)
	var final ScanStatus
	require.NoError(t, json.Unmarshal(result.Data, &final))
	assert.Equal(t, ScanCompleted, final.Status)
	assert.Equal(t, []int{3}, final.OpenPorts)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool { return h.GetConnectedClients() == 0 }, 2*time.Second, 10*time.Millisecond)

	counts := map[string]float64{}
	for _, m := range registry.GetMetrics() {
		if m.Name == metrics.MetricWSMessages {
			counts[m.Labels[metrics.LabelType]] = m.Value
		}
	}
	assert.Equal(t, map[string]float64{MessageStatus: 1, MessageProgress: 3, MessageResult: 1}, counts)
}

func TestWebSocketHandler_FinishedScan(t *testing.T) {
	store := NewScanStore(10)
	rec := newTestRecord("scan-done", 5, 5)
	store.Add(rec)
	require.True(t, rec.begin(func() {}))
	_ = rec.finish(nil, apierrors.ErrNoOpenPorts("127.0.0.1", 5, 5))

	h := NewWebSocketHandler(store, logging.Discard(), metrics.NewRegistry(), nil)
	srv := newWSServer(t, h)

	conn, _, err := dialScan(t, srv, rec.ID)
	require.NoError(t, err)

	assert.Equal(t, MessageStatus, readMessage(t, conn).Type)
	result := readMessage(t, conn)
	require.Equal(t, MessageResult, result.Type)
	var final ScanStatus
	require.NoError(t, json.Unmarshal(result.Data, &final))
	assert.Equal(t, ScanNoOpenPorts, final.Status)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocketHandler_Close(t *testing.T) {
	store := NewScanStore(10)
	rec := newTestRecord("scan-open", 1, 10)
	store.Add(rec)

	h := NewWebSocketHandler(store, logging.Discard(), metrics.NewRegistry(), nil)
	srv := newWSServer(t, h)

	conn, _, err := dialScan(t, srv, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, MessageStatus, readMessage(t, conn).Type)

	require.NoError(t, h.Close())
	assert.Equal(t, 0, h.GetConnectedClients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "server side closed the stream")

	// New streams are refused after Close.
	late, _, err := dialScan(t, srv, rec.ID)
	if err == nil {
		require.NoError(t, late.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, _, err = late.ReadMessage()
	}
	assert.Error(t, err)
}
