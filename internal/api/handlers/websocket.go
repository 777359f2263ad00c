// Package handlers provides HTTP request handlers for the portprobe API.
// This file implements the websocket stream of a single scan: a status
// snapshot, one progress message per finished attempt and a final result.
package handlers

import (
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
)

const (
	// WebSocket configuration constants.
	writeWait       = 10 * time.Second                                   // Time allowed to write a message to the peer
	pongWait        = 60 * time.Second                                   // Time to read next pong message from peer
	pingPeriodRatio = 0.9                                                // Ratio of pongWait for pingPeriod
	pingPeriod      = time.Duration(float64(pongWait) * pingPeriodRatio) // Send pings to peer (must be < pongWait)
	maxMessageSize  = 512                                                // Maximum message size allowed from peer
)

// WebSocket message types.
const (
	MessageStatus   = "status"
	MessageProgress = "progress"
	MessageResult   = "result"
)

// WebSocketMessage represents a WebSocket message structure.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// ProgressMessage reports one finished attempt.
type ProgressMessage struct {
	ScanID    string  `json:"scan_id"`
	Port      int     `json:"port"`
	State     string  `json:"state"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Progress  float64 `json:"progress"`
}

// WebSocketHandler streams scan progress over websockets.
type WebSocketHandler struct {
	store    *ScanStore
	logger   *logging.Logger
	metrics  metrics.MetricsRegistry
	upgrader websocket.Upgrader

	mutex   sync.Mutex
	clients map[*websocket.Conn]struct{}
	closed  bool
}

// NewWebSocketHandler creates a new WebSocket handler. allowedOrigins follows
// the CORS setting; "*" accepts any origin.
func NewWebSocketHandler(store *ScanStore, logger *logging.Logger, registry metrics.MetricsRegistry, allowedOrigins []string) *WebSocketHandler {
	if logger == nil {
		logger = logging.Default()
	}
	if registry == nil {
		registry = metrics.Default()
	}
	return &WebSocketHandler{
		store:   store,
		logger:  logger.WithFields("handler", "websocket"),
		metrics: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || slices.Contains(allowed, "*") {
			return true
		}
		return slices.Contains(allowed, origin)
	}
}

// ScanWebSocket handles GET /api/v1/scans/{id}/ws.
//
// @Summary Stream scan progress
// @Description Upgrades to a websocket that sends the current status, one progress message per attempt and the final result.
// @Tags Scans
// @Param id path string true "Scan ID" format(uuid)
// @Success 101
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans/{id}/ws [get]
// @ID streamScan
func (h *WebSocketHandler) ScanWebSocket(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	rec, ok := h.store.Get(id)
	if !ok {
		writeCodedError(w, r, errors.ErrNotFound("scan", id))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade WebSocket connection", "request_id", requestID, "error", err)
		return
	}
	if !h.register(conn) {
		_ = conn.Close()
		return
	}
	defer h.unregister(conn)

	h.logger.Debug("Scan WebSocket connected", "request_id", requestID, "scan_id", id, "remote_addr", r.RemoteAddr)

	sub, status := rec.Subscribe()
	defer rec.Unsubscribe(sub)

	gone := make(chan struct{})
	go h.readPump(conn, gone, requestID)

	if !h.send(conn, MessageStatus, status, requestID) {
		return
	}
	h.stream(conn, rec, sub, gone, requestID)
}

// stream writes progress until the scan finishes or the client goes away.
// It is the only writer on conn.
func (h *WebSocketHandler) stream(conn *websocket.Conn, rec *ScanRecord, sub *Subscription, gone <-chan struct{}, requestID string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return

		case <-sub.Ready():
			events, closed := sub.Drain()
			for _, ev := range events {
				msg := ProgressMessage{
					ScanID:    rec.ID,
					Port:      ev.Port,
					State:     string(ev.Status),
					Completed: ev.Completed,
					Total:     ev.Total,
					Progress:  ev.Percent(),
				}
				if !h.send(conn, MessageProgress, msg, requestID) {
					return
				}
			}
			if closed {
				if h.send(conn, MessageResult, rec.Status(), requestID) {
					h.closeNormally(conn)
				}
				return
			}

		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug("Ping failed, closing connection", "request_id", requestID, "error", err)
				return
			}
		}
	}
}

// readPump discards client messages and keeps the read deadline fresh.
// gone is closed when the connection is no longer readable.
func (h *WebSocketHandler) readPump(conn *websocket.Conn, gone chan<- struct{}, requestID string) {
	defer close(gone)

	conn.SetReadLimit(maxMessageSize)
	if err := conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("WebSocket unexpected close", "request_id", requestID, "error", err)
			}
			return
		}
	}
}

func (h *WebSocketHandler) send(conn *websocket.Conn, msgType string, data interface{}, requestID string) bool {
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return false
	}
	err := conn.WriteJSON(WebSocketMessage{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Data:      data,
		RequestID: requestID,
	})
	if err != nil {
		h.logger.Debug("Write failed, closing connection", "request_id", requestID, "type", msgType, "error", err)
		return false
	}
	h.metrics.Counter(metrics.MetricWSMessages, metrics.Labels{metrics.LabelType: msgType})
	return true
}

func (h *WebSocketHandler) closeNormally(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "scan finished")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func (h *WebSocketHandler) register(conn *websocket.Conn) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if h.closed {
		return false
	}
	h.clients[conn] = struct{}{}
	return true
}

func (h *WebSocketHandler) unregister(conn *websocket.Conn) {
	h.mutex.Lock()
	delete(h.clients, conn)
	h.mutex.Unlock()

	if err := conn.Close(); err != nil {
		h.logger.Debug("Error closing WebSocket connection", "error", err)
	}
}

// GetConnectedClients returns the number of open websocket streams.
func (h *WebSocketHandler) GetConnectedClients() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return len(h.clients)
}

// Close drops every open stream and refuses new ones. Hijacked connections
// are not closed by http.Server.Shutdown, so the server calls this.
func (h *WebSocketHandler) Close() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.closed = true
	for conn := range h.clients {
		if err := conn.Close(); err != nil {
			h.logger.Debug("Error closing WebSocket connection", "error", err)
		}
	}
	h.clients = make(map[*websocket.Conn]struct{})
	return nil
}
