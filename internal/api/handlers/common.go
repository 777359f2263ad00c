// Package handlers provides HTTP request handlers for the portprobe API.
// This file contains response and request helpers shared by all handlers.
package handlers

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/anstrom/portprobe/internal/api/middleware"
	"github.com/anstrom/portprobe/internal/errors"
	"github.com/anstrom/portprobe/internal/logging"
)

// DefaultMaxRequestSize bounds request bodies when no limit is configured.
const DefaultMaxRequestSize = 1 << 20

// PaginationParams holds pagination parameters.
type PaginationParams struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Offset   int `json:"offset"`
}

// PaginatedResponse represents a paginated API response.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination struct {
		Page       int `json:"page"`
		PageSize   int `json:"page_size"`
		TotalItems int `json:"total_items"`
		TotalPages int `json:"total_pages"`
	} `json:"pagination"`
}

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// getRequestIDFromContext extracts request ID from context.
func getRequestIDFromContext(ctx context.Context) string {
	return middleware.RequestIDFromContext(ctx)
}

// getQueryParamInt extracts integer query parameter with default value.
func getQueryParamInt(r *http.Request, key string, defaultValue int) (int, error) {
	if value := r.URL.Query().Get(key); value != "" {
		return strconv.Atoi(value)
	}
	return defaultValue, nil
}

// extractStringFromPath extracts string ID from URL path parameter.
func extractStringFromPath(r *http.Request) (string, error) {
	idStr, exists := mux.Vars(r)["id"]
	if !exists {
		return "", fmt.Errorf("id not provided")
	}
	if strings.TrimSpace(idStr) == "" {
		return "", fmt.Errorf("id cannot be empty")
	}
	return idStr, nil
}

// getPaginationParams extracts pagination parameters from request.
func getPaginationParams(r *http.Request) (PaginationParams, error) {
	const (
		defaultPage     = 1
		defaultPageSize = 50
		maxPageSize     = 1000
	)

	page, err := getQueryParamInt(r, "page", defaultPage)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page parameter: %w", err)
	}

	pageSize, err := getQueryParamInt(r, "page_size", defaultPageSize)
	if err != nil {
		return PaginationParams{}, fmt.Errorf("invalid page_size parameter: %w", err)
	}

	if page < 1 {
		page = defaultPage
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}

	return PaginationParams{
		Page:     page,
		PageSize: pageSize,
		Offset:   (page - 1) * pageSize,
	}, nil
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, r *http.Request, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.Error("Failed to encode JSON response",
			"request_id", getRequestIDFromContext(r.Context()),
			"error", err)
	}
}

// writeError writes an error response. Coded errors report their code and
// plain message rather than the bracketed error string.
func writeError(w http.ResponseWriter, r *http.Request, statusCode int, err error) {
	response := ErrorResponse{
		Error:     http.StatusText(statusCode),
		Message:   err.Error(),
		Timestamp: time.Now().UTC(),
		RequestID: getRequestIDFromContext(r.Context()),
	}

	var scanErr *errors.ScanError
	var cfgErr *errors.ConfigError
	switch {
	case stderrors.As(err, &scanErr):
		response.Code = string(scanErr.Code)
		response.Message = scanErr.Message
	case stderrors.As(err, &cfgErr):
		response.Code = string(cfgErr.Code)
		response.Message = cfgErr.Message
		if cfgErr.Field != "" {
			response.Message = fmt.Sprintf("%s: %s", cfgErr.Field, cfgErr.Message)
		}
	}

	writeJSON(w, r, statusCode, response)
}

// writeCodedError picks the HTTP status from the error code of err.
func writeCodedError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	if status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	writeError(w, r, status, err)
}

func statusForError(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidRange, errors.CodeTargetInvalid, errors.CodeValidation:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeRateLimited:
		return http.StatusTooManyRequests
	case errors.CodeQueueFull, errors.CodeServiceUnavailable:
		return http.StatusServiceUnavailable
	case errors.CodeTimeout, errors.CodeServiceTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// writePaginatedResponse writes a paginated response.
func writePaginatedResponse(w http.ResponseWriter, r *http.Request, data interface{}, params PaginationParams, totalItems int) {
	response := PaginatedResponse{Data: data}
	response.Pagination.Page = params.Page
	response.Pagination.PageSize = params.PageSize
	response.Pagination.TotalItems = totalItems
	response.Pagination.TotalPages = (totalItems + params.PageSize - 1) / params.PageSize

	writeJSON(w, r, http.StatusOK, response)
}

// parseJSON decodes the request body into dest, rejecting unknown fields,
// trailing data and bodies over maxSize bytes.
func parseJSON(w http.ResponseWriter, r *http.Request, dest interface{}, maxSize int64) error {
	if r.Body == nil || r.Body == http.NoBody {
		return errors.NewScanError(errors.CodeValidation, "request body is empty")
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxRequestSize
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxSize)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()

	if err := decoder.Decode(dest); err != nil {
		var tooLarge *http.MaxBytesError
		if stderrors.As(err, &tooLarge) {
			return errors.NewScanError(errors.CodeValidation,
				fmt.Sprintf("request body too large (max %d bytes)", maxSize))
		}
		return errors.WrapScanError(errors.CodeValidation, fmt.Sprintf("invalid JSON: %v", err), err)
	}
	if decoder.More() {
		return errors.NewScanError(errors.CodeValidation, "invalid JSON: unexpected data after object")
	}
	return nil
}
