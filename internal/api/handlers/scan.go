// Package handlers provides HTTP request handlers for the portprobe API.
// This file implements the scan endpoints: submission, listing, status
// lookup and cancellation.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
	"github.com/anstrom/portprobe/internal/metrics"
	"github.com/anstrom/portprobe/internal/scanning"
	"github.com/anstrom/portprobe/internal/workers"
)

// Submitter queues jobs. *workers.Pool satisfies it.
type Submitter interface {
	Submit(job workers.Job) error
}

// ScanHandlerOptions configures a ScanHandler.
type ScanHandlerOptions struct {
	Engine  *scanning.Engine
	Pool    Submitter
	Store   *ScanStore
	Logger  *logging.Logger
	Metrics metrics.MetricsRegistry
	// MaxRange caps the number of ports in one request; 0 allows the full
	// port space.
	MaxRange       int
	MaxRequestSize int64
}

// ScanHandler handles scan-related API endpoints.
type ScanHandler struct {
	engine         *scanning.Engine
	pool           Submitter
	store          *ScanStore
	logger         *logging.Logger
	metrics        metrics.MetricsRegistry
	validator      *validator.Validate
	maxRange       int
	maxRequestSize int64
}

// NewScanHandler creates a new scan handler.
func NewScanHandler(opts ScanHandlerOptions) *ScanHandler {
	if opts.Logger == nil {
		opts.Logger = logging.Default()
	}
	if opts.Store == nil {
		opts.Store = NewScanStore(DefaultRetainedScans)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Default()
	}
	return &ScanHandler{
		engine:         opts.Engine,
		pool:           opts.Pool,
		store:          opts.Store,
		logger:         opts.Logger.WithFields("handler", "scan"),
		metrics:        opts.Metrics,
		validator:      validator.New(),
		maxRange:       opts.MaxRange,
		maxRequestSize: opts.MaxRequestSize,
	}
}

// Store returns the store backing the handler.
func (h *ScanHandler) Store() *ScanStore {
	return h.store
}

// CreateScanRequest is the body of POST /api/v1/scans. Port range checks
// are left to the scan request so they report INVALID_RANGE.
type CreateScanRequest struct {
	Host        string `json:"host" validate:"max=255"`
	StartPort   int    `json:"start_port"`
	EndPort     *int   `json:"end_port,omitempty"`
	Concurrency *int   `json:"concurrency,omitempty" validate:"omitempty,min=0,max=65535"`
	TimeoutMS   *int   `json:"timeout_ms,omitempty" validate:"omitempty,min=0,max=600000"`
}

// CreateScanResponse acknowledges an accepted scan.
type CreateScanResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Total  int    `json:"total"`
}

// CreateScan handles POST /api/v1/scans.
//
// @Summary Submit scan
// @Description Queue a TCP connect scan of one host. Omitting end_port scans start_port only.
// @Tags Scans
// @Accept json
// @Produce json
// @Param scan body CreateScanRequest true "Scan request"
// @Success 202 {object} CreateScanResponse
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Failure 415 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans [post]
// @ID createScan
func (h *ScanHandler) CreateScan(w http.ResponseWriter, r *http.Request) {
	requestID := getRequestIDFromContext(r.Context())

	var body CreateScanRequest
	if err := parseJSON(w, r, &body, h.maxRequestSize); err != nil {
		h.reject(w, r, "bad_request", err)
		return
	}
	if err := h.validator.Struct(body); err != nil {
		h.reject(w, r, "validation", errors.WrapScanError(errors.CodeValidation,
			fmt.Sprintf("validation failed: %v", err), err))
		return
	}

	req := scanning.NewRangeRequest(body.Host, body.StartPort)
	if body.EndPort != nil {
		req.EndPort = *body.EndPort
	}
	if err := req.Validate(); err != nil {
		h.reject(w, r, "invalid_range", err)
		return
	}
	if h.maxRange > 0 && req.TotalAttempts() > h.maxRange {
		err := errors.NewScanErrorWithTarget(errors.CodeInvalidRange,
			fmt.Sprintf("range of %d ports exceeds the limit of %d", req.TotalAttempts(), h.maxRange), req.Host)
		h.reject(w, r, "invalid_range", err)
		return
	}

	concurrency, timeout := -1, time.Duration(-1)
	if body.Concurrency != nil {
		concurrency = *body.Concurrency
	}
	if body.TimeoutMS != nil {
		timeout = time.Duration(*body.TimeoutMS) * time.Millisecond
	}
	engine := h.engine.WithLimits(concurrency, timeout)

	rec := NewScanRecord(uuid.NewString(), req, engine.Concurrency(), h.effectiveTimeout(engine, timeout))
	h.store.Add(rec)

	job := workers.NewScanJob(rec.ID, req, h.executor(rec, engine))
	if err := h.pool.Submit(job); err != nil {
		h.store.Remove(rec.ID)
		h.logger.Warn("Scan submission rejected",
			"request_id", requestID,
			"target", req.Host,
			"error", err)
		h.reject(w, r, "queue", err)
		return
	}

	h.logger.InfoScan("Scan queued", req.Host,
		"request_id", requestID,
		"scan_id", rec.ID,
		"start_port", req.StartPort,
		"end_port", req.EndPort)
	h.metrics.Counter(metrics.MetricScansSubmitted, nil)

	w.Header().Set("Location", "/api/v1/scans/"+rec.ID)
	writeJSON(w, r, http.StatusAccepted, CreateScanResponse{
		ID:     rec.ID,
		Status: ScanQueued,
		Total:  req.TotalAttempts(),
	})
}

func (h *ScanHandler) effectiveTimeout(engine *scanning.Engine, requested time.Duration) time.Duration {
	if requested >= 0 {
		return requested
	}
	return engine.ConnectTimeout()
}

func (h *ScanHandler) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	h.metrics.Counter(metrics.MetricScansRejected, metrics.Labels{metrics.LabelReason: reason})
	writeCodedError(w, r, err)
}

// executor runs the scan of rec on a worker. The record is the progress sink,
// so subscribers see every attempt.
func (h *ScanHandler) executor(rec *ScanRecord, engine *scanning.Engine) workers.ScanFunc {
	return func(ctx context.Context, req scanning.ScanRequest) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		if !rec.begin(cancel) {
			return errors.NewScanErrorWithTarget(errors.CodeCanceled, "scan canceled before start", req.Host)
		}

		job, err := engine.Start(ctx, req, rec)
		if err != nil {
			return rec.finish(nil, err)
		}
		return rec.finish(job.Wait())
	}
}

// ListScans handles GET /api/v1/scans with optional status filter and
// pagination.
//
// @Summary List scans
// @Tags Scans
// @Produce json
// @Param status query string false "Filter by status" Enums(queued, running, completed, no_open_ports, failed, canceled)
// @Param page query int false "Page number" default(1)
// @Param page_size query int false "Items per page" default(20)
// @Success 200 {object} PaginatedResponse{data=[]ScanStatus}
// @Failure 400 {object} ErrorResponse
// @Failure 401 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans [get]
// @ID listScans
func (h *ScanHandler) ListScans(w http.ResponseWriter, r *http.Request) {
	params, err := getPaginationParams(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	records := h.store.List(r.URL.Query().Get("status"))
	total := len(records)

	start := min(params.Offset, total)
	end := min(start+params.PageSize, total)

	data := make([]ScanStatus, 0, end-start)
	for _, rec := range records[start:end] {
		data = append(data, rec.Status())
	}

	writePaginatedResponse(w, r, data, params, total)
}

// GetScan handles GET /api/v1/scans/{id}.
//
// @Summary Get scan
// @Tags Scans
// @Produce json
// @Param id path string true "Scan ID" format(uuid)
// @Success 200 {object} ScanStatus
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans/{id} [get]
// @ID getScan
func (h *ScanHandler) GetScan(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, r, http.StatusOK, rec.Status())
}

// CancelScan handles DELETE /api/v1/scans/{id}. An unfinished scan is
// canceled (202); a finished one is removed from the store (204).
//
// @Summary Cancel or remove scan
// @Tags Scans
// @Produce json
// @Param id path string true "Scan ID" format(uuid)
// @Success 202 {object} ScanStatus
// @Success 204
// @Failure 401 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Security ApiKeyAuth
// @Router /scans/{id} [delete]
// @ID cancelScan
func (h *ScanHandler) CancelScan(w http.ResponseWriter, r *http.Request) {
	rec, ok := h.lookup(w, r)
	if !ok {
		return
	}

	if rec.Cancel() {
		h.logger.InfoScan("Scan canceled", rec.Request.Host,
			"request_id", getRequestIDFromContext(r.Context()),
			"scan_id", rec.ID)
		writeJSON(w, r, http.StatusAccepted, rec.Status())
		return
	}

	h.store.Remove(rec.ID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *ScanHandler) lookup(w http.ResponseWriter, r *http.Request) (*ScanRecord, bool) {
	id, err := extractStringFromPath(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return nil, false
	}
	rec, ok := h.store.Get(id)
	if !ok {
		writeCodedError(w, r, errors.ErrNotFound("scan", id))
		return nil, false
	}
	return rec, true
}
