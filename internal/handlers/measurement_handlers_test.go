package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"air-quality-platform/internal/models"
	"air-quality-platform/internal/services"
	"air-quality-platform/pkg/logging"
	"air-quality-platform/pkg/metrics"
)

func measurement(d int, city, parameter string, value float64) models.Record {
	date := time.Date(2020, 1, d, 0, 0, 0, 0, time.UTC)
	return models.Record{
		Date:      &date,
		City:      models.StringPtr(city),
		Parameter: models.StringPtr(parameter),
		Value:     models.FloatPtr(value),
		Features:  &models.TimeFeatures{Year: 2020, Month: 1, Season: models.Summer},
	}
}

type testServer struct {
	router  *mux.Router
	queries *services.QueryService
	metrics *metrics.Collector
}

func newTestServer(t *testing.T, loaded bool) *testServer {
	t.Helper()

	m := metrics.NewCollectorWithRegistry("test", prometheus.NewRegistry())
	queries := services.NewQueryService(nil, 1, logging.NewNopLogger(), m)
	if loaded {
		schema := models.NewSchema(models.RequiredColumns...).WithDerived()
		queries.SetTable(context.Background(), models.NewTable(schema, []models.Record{
			measurement(1, "Delhi", "PM2.5", 120),
			measurement(2, "Delhi", "PM2.5", 100),
			measurement(1, "Athens", "PM2.5", 30),
			measurement(1, "Berlin", "PM2.5", 30),
			measurement(3, "Athens", "NO2", 20),
		}), "memory")
	}

	router := mux.NewRouter()
	NewMeasurementHandler(queries, logging.NewNopLogger(), m).RegisterRoutes(router)
	return &testServer{router: router, queries: queries, metrics: m}
}

func (s *testServer) get(t *testing.T, target string, dst interface{}) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if dst != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
	}
	return rec
}

func TestGetMeasurements(t *testing.T) {
	s := newTestServer(t, true)

	var body struct {
		Data       []models.Record `json:"data"`
		Total      int             `json:"total"`
		Page       int             `json:"page"`
		Limit      int             `json:"limit"`
		TotalPages int             `json:"total_pages"`
	}
	rec := s.get(t, "/api/measurements?cities=Delhi,Athens&limit=2&page=2", &body)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	assert.Equal(t, 4, body.Total)
	assert.Equal(t, 2, body.Page)
	assert.Equal(t, 2, body.TotalPages)
	require.Len(t, body.Data, 2)
	assert.Equal(t, "Athens", *body.Data[0].City)
}

func TestGetMeasurements_ListSemantics(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		query string
		total int
	}{
		{"", 5},
		{"?cities=", 0},
		{"?parameters=", 0},
		{"?parameters=NO2", 1},
		{"?cities=Delhi&cities=Berlin", 3},
		{"?start_date=2020-01-02&end_date=2020-01-03", 2},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			var body PaginatedResponse
			rec := s.get(t, "/api/measurements"+tt.query, &body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.total, body.Total)
		})
	}
}

func TestGetMeasurements_Pagination(t *testing.T) {
	s := newTestServer(t, true)

	tests := []struct {
		name     string
		query    string
		wantPage int
		wantRows int
	}{
		{name: "default", query: "", wantPage: 1, wantRows: 5},
		{name: "past the end", query: "?page=4&limit=2", wantPage: 4, wantRows: 0},
		{name: "invalid page", query: "?page=zero", wantPage: 1, wantRows: 5},
		{name: "negative page", query: "?page=-3", wantPage: 1, wantRows: 5},
		{name: "max int page", query: "?page=9223372036854775807&limit=1000", wantPage: maxPage, wantRows: 0},
		{name: "page beyond int", query: "?page=99999999999999999999999", wantPage: maxPage, wantRows: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body struct {
				Data  []models.Record `json:"data"`
				Total int             `json:"total"`
				Page  int             `json:"page"`
			}
			rec := s.get(t, "/api/measurements"+tt.query, &body)
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, tt.wantPage, body.Page)
			assert.Equal(t, 5, body.Total)
			assert.Len(t, body.Data, tt.wantRows)
		})
	}
}

func TestGetMeasurements_BadDates(t *testing.T) {
	s := newTestServer(t, true)

	for _, query := range []string{"?start_date=01/02/2020", "?start_date=2020-02-01&end_date=2020-01-01"} {
		var body ErrorResponse
		rec := s.get(t, "/api/measurements"+query, &body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, query)
		assert.Equal(t, http.StatusBadRequest, body.Code)
	}
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.APIErrorsTotal.WithLabelValues("validation_error", "/api/measurements")))
}

func TestGetMean(t *testing.T) {
	s := newTestServer(t, true)

	var body services.MeanResult
	rec := s.get(t, "/api/measurements/mean?parameters=PM2.5", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, body.Mean)
	assert.Equal(t, 70.0, *body.Mean)
	assert.Equal(t, 4, body.Count)

	rec = s.get(t, "/api/measurements/mean?cities=", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mean": null, "count": 0}`, rec.Body.String())
}

func TestGetDominant(t *testing.T) {
	s := newTestServer(t, true)

	var body struct {
		Label string  `json:"label"`
		Mean  float64 `json:"mean"`
		Count int     `json:"count"`
	}
	rec := s.get(t, "/api/measurements/dominant?parameters=PM2.5", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Delhi", body.Label)
	assert.Equal(t, 110.0, body.Mean)

	rec = s.get(t, "/api/measurements/dominant?cities=Athens,Berlin&parameters=PM2.5", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Athens", body.Label, "ties resolve to the lexically smallest label")

	rec = s.get(t, "/api/measurements/dominant?by=parameter&cities=Athens", &body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "PM2.5", body.Label)
}

func TestGetDominant_Errors(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.get(t, "/api/measurements/dominant?parameters=", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.get(t, "/api/measurements/dominant?by=value", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetGroupMeansAndStatistics(t *testing.T) {
	s := newTestServer(t, true)

	var groups struct {
		Data []struct {
			City      string   `json:"city"`
			Parameter string   `json:"parameter"`
			Mean      *float64 `json:"mean"`
		} `json:"data"`
	}
	rec := s.get(t, "/api/measurements/groups", &groups)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, groups.Data, 4)
	assert.Equal(t, "Athens", groups.Data[0].City)
	assert.Equal(t, "NO2", groups.Data[0].Parameter)

	var stats struct {
		Data []struct {
			City  string   `json:"city"`
			Count int      `json:"count"`
			Std   *float64 `json:"std"`
		} `json:"data"`
	}
	rec = s.get(t, "/api/measurements/statistics?cities=Delhi", &stats)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, stats.Data, 1)
	assert.Equal(t, 2, stats.Data[0].Count)
	require.NotNil(t, stats.Data[0].Std)
	assert.InDelta(t, 14.142, *stats.Data[0].Std, 0.001)
}

func TestNoDataset(t *testing.T) {
	s := newTestServer(t, false)

	for _, path := range []string{
		"/api/measurements",
		"/api/measurements/mean",
		"/api/measurements/dominant",
		"/api/measurements/groups",
		"/api/dataset",
	} {
		rec := s.get(t, path, nil)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
	}

	var health map[string]interface{}
	rec := s.get(t, "/health", &health)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "degraded", health["status"])
}

func TestHealthAndDataset(t *testing.T) {
	s := newTestServer(t, true)

	var health map[string]interface{}
	rec := s.get(t, "/health", &health)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, 5.0, health["records"])

	var info services.DatasetInfo
	rec = s.get(t, "/api/dataset", &info)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"Athens", "Berlin", "Delhi"}, info.Cities)
	assert.Equal(t, "2020-01-03", info.End.Format(models.DateLayout))
}

func TestDocs(t *testing.T) {
	s := newTestServer(t, false)

	var doc map[string]interface{}
	rec := s.get(t, "/api/docs/openapi.json", &doc)
	require.Equal(t, http.StatusOK, rec.Code)
	paths, ok := doc["paths"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, paths, "/api/measurements/dominant")

	rec = s.get(t, "/api/docs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "swagger-ui")
}

func TestRequestIDPropagation(t *testing.T) {
	s := newTestServer(t, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
