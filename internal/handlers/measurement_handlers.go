package handlers

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"air-quality-platform/internal/models"
	"air-quality-platform/internal/services"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

const (
	defaultLimit = 100
	maxLimit     = 1000
	// keeps (page-1)*limit inside int32
	maxPage = math.MaxInt32 / maxLimit
)

// MeasurementHandler serves aggregate views of the loaded dataset
type MeasurementHandler struct {
	queries *services.QueryService
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewMeasurementHandler creates a new measurement handler
func NewMeasurementHandler(queries *services.QueryService, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *MeasurementHandler {
	return &MeasurementHandler{
		queries: queries,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// PaginatedResponse represents a paginated API response
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Page       int         `json:"page"`
	Limit      int         `json:"limit"`
	TotalPages int         `json:"total_pages"`
}

// DataResponse wraps a non-paginated result
type DataResponse struct {
	Data interface{} `json:"data"`
}

// GetMeasurements handles GET /api/measurements
func (h *MeasurementHandler) GetMeasurements(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	page, limit := parsePagination(r)
	result, err := h.queries.List(r.Context(), q, limit, (page-1)*limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.sendOK(w, r, PaginatedResponse{
		Data:       result.Records,
		Total:      result.Total,
		Page:       page,
		Limit:      limit,
		TotalPages: (result.Total + limit - 1) / limit,
	})
}

// GetMean handles GET /api/measurements/mean
func (h *MeasurementHandler) GetMean(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	result, err := h.queries.Mean(r.Context(), q)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendOK(w, r, result)
}

// GetDominant handles GET /api/measurements/dominant
func (h *MeasurementHandler) GetDominant(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	by := strings.TrimSpace(r.URL.Query().Get("by"))
	if by == "" {
		by = string(models.ColumnCity)
	}

	result, err := h.queries.Dominant(r.Context(), q, models.Column(strings.ToLower(by)))
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendOK(w, r, result)
}

// GetGroupMeans handles GET /api/measurements/groups
func (h *MeasurementHandler) GetGroupMeans(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	rows, err := h.queries.GroupMeans(r.Context(), q)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendOK(w, r, DataResponse{Data: rows})
}

// GetStatistics handles GET /api/measurements/statistics
func (h *MeasurementHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	q, ok := h.parseQuery(w, r)
	if !ok {
		return
	}

	rows, err := h.queries.Statistics(r.Context(), q)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendOK(w, r, DataResponse{Data: rows})
}

// GetDataset handles GET /api/dataset
func (h *MeasurementHandler) GetDataset(w http.ResponseWriter, r *http.Request) {
	info, err := h.queries.Info()
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.sendOK(w, r, info)
}

// HealthCheck handles GET /health. The server is degraded until a dataset is loaded.
func (h *MeasurementHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	code := http.StatusOK
	if info, err := h.queries.Info(); err != nil {
		status["status"] = "degraded"
		status["reason"] = err.Error()
		code = http.StatusServiceUnavailable
	} else {
		status["dataset_version"] = info.Version
		status["records"] = info.Records
	}

	h.logger.Debug(r.Context(), "[HEALTH_CHECK] Health check requested", logging.Fields{
		"status": status["status"],
	})
	h.sendJSON(w, status, code)
}

// parseQuery reads the shared selection parameters. An absent list
// parameter selects the whole domain; a present but blank one selects nothing.
func (h *MeasurementHandler) parseQuery(w http.ResponseWriter, r *http.Request) (services.Query, bool) {
	values := r.URL.Query()
	q := services.Query{
		Cities:     parseList(values, "cities"),
		Parameters: parseList(values, "parameters"),
	}

	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"start_date", &q.Start},
		{"end_date", &q.End},
	} {
		raw := strings.TrimSpace(values.Get(p.name))
		if raw == "" {
			continue
		}
		d, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			h.metrics.RecordAPIError("validation_error", routeName(r))
			h.sendError(w, r, "invalid "+p.name+" format, expected YYYY-MM-DD", http.StatusBadRequest)
			return services.Query{}, false
		}
		*p.dst = &d
	}

	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		h.metrics.RecordAPIError("validation_error", routeName(r))
		h.sendError(w, r, "end_date must not be before start_date", http.StatusBadRequest)
		return services.Query{}, false
	}

	return q, true
}

func parseList(values map[string][]string, key string) []string {
	raw, present := values[key]
	if !present {
		return nil
	}

	out := []string{}
	for _, v := range raw {
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
	}
	return out
}

func parsePagination(r *http.Request) (page, limit int) {
	page, limit = 1, defaultLimit

	p, err := strconv.Atoi(r.URL.Query().Get("page"))
	if errors.Is(err, strconv.ErrRange) && p > 0 {
		err = nil
	}
	if err == nil && p > 0 {
		page = min(p, maxPage)
	}
	if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= maxLimit {
		limit = l
	}
	return page, limit
}

// handleError maps service errors to HTTP statuses
func (h *MeasurementHandler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		emptyErr      *models.EmptyGroupError
		validationErr *models.ValidationError
	)

	switch {
	case errors.Is(err, services.ErrNoDataset):
		h.metrics.RecordAPIError("no_dataset", routeName(r))
		h.sendError(w, r, "no dataset loaded yet", http.StatusServiceUnavailable)
	case errors.As(err, &emptyErr):
		h.metrics.RecordAPIError("empty_group", routeName(r))
		h.sendError(w, r, emptyErr.Error(), http.StatusNotFound)
	case errors.As(err, &validationErr):
		h.metrics.RecordAPIError("validation_error", routeName(r))
		h.sendError(w, r, validationErr.Error(), http.StatusBadRequest)
	default:
		h.logger.Error(r.Context(), "[API_QUERY_ERROR] Query failed", logging.Fields{
			"path":  r.URL.Path,
			"query": r.URL.RawQuery,
		}, err)
		h.metrics.RecordAPIError("internal_error", routeName(r))
		h.sendError(w, r, "failed to evaluate query", http.StatusInternalServerError)
	}
}

func (h *MeasurementHandler) sendOK(w http.ResponseWriter, r *http.Request, data interface{}) {
	h.metrics.RecordAPIRequest(routeName(r), r.Method, "200")
	h.sendJSON(w, data, http.StatusOK)
}

// sendJSON sends a JSON response
func (h *MeasurementHandler) sendJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// sendError sends an error response
func (h *MeasurementHandler) sendError(w http.ResponseWriter, r *http.Request, message string, statusCode int) {
	h.metrics.RecordAPIRequest(routeName(r), r.Method, strconv.Itoa(statusCode))

	h.sendJSON(w, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	}, statusCode)
}

// Instrument assigns a request id and records the request duration per route
func (h *MeasurementHandler) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		start := time.Now()
		ctx := logging.WithRequestID(r.Context(), requestID)
		next.ServeHTTP(w, r.WithContext(ctx))

		h.metrics.APIRequestDuration.WithLabelValues(routeName(r)).Observe(time.Since(start).Seconds())
	})
}

// routeName returns the matched route template so metric labels stay bounded
func routeName(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// RegisterRoutes registers all measurement API routes
func (h *MeasurementHandler) RegisterRoutes(router *mux.Router) {
	router.Use(h.Instrument)

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/measurements", h.GetMeasurements).Methods(http.MethodGet)
	api.HandleFunc("/measurements/mean", h.GetMean).Methods(http.MethodGet)
	api.HandleFunc("/measurements/dominant", h.GetDominant).Methods(http.MethodGet)
	api.HandleFunc("/measurements/groups", h.GetGroupMeans).Methods(http.MethodGet)
	api.HandleFunc("/measurements/statistics", h.GetStatistics).Methods(http.MethodGet)
	api.HandleFunc("/dataset", h.GetDataset).Methods(http.MethodGet)
	api.HandleFunc("/docs", SwaggerUI).Methods(http.MethodGet)
	api.HandleFunc("/docs/openapi.json", OpenAPISpec).Methods(http.MethodGet)

	router.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
}
