package server

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"evidence-collector/internal/auth"
	"evidence-collector/internal/export"
	"evidence-collector/internal/ingest"
	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"
	"evidence-collector/internal/query"
	"evidence-collector/internal/store"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "test-secret"

type testServer struct {
	handler http.Handler
	store   *store.SQLStore
	m       *metrics.Metrics
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s, err := store.Open(context.Background(), store.DriverDuckDB, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m := metrics.New()
	h := NewHandler(
		ingest.NewService(s, nil, m),
		query.NewEngine(s, 1000),
		export.New(s, export.Options{MaxRows: 10000}, m),
		s,
		1<<20,
	)
	router := NewRouter(h, RouterOptions{
		Verifier:    auth.NewVerifier(secret, auth.DefaultWindow),
		Metrics:     m,
		MaxBodySize: 1 << 20,
	})
	return &testServer{handler: router, store: s, m: m}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) bulk(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	now := auth.Timestamp(time.Now())
	req := httptest.NewRequest(http.MethodPost, "/api/evidence/bulk", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, secret)
	req.Header.Set(auth.HeaderTimestamp, now)
	req.Header.Set(auth.HeaderSignature, auth.Sign(secret, now, []byte(body)))
	return ts.do(req)
}

func (ts *testServer) get(path string, params url.Values) *httptest.ResponseRecorder {
	target := path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	return ts.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func eventJSON(id, method, path, ip string, status int, ts string) string {
	return fmt.Sprintf(`{"timestamp":%q,"request_id":%q,"method":%q,"path":%q,"status":%d,`+
		`"response_time_ms":10,"source_ip":%q,"headers":{},"server_name":"origin-1"}`,
		ts, id, method, path, status, ip)
}

func batchJSON(events ...string) string {
	return `{"events":[` + strings.Join(events, ",") + `]}`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestBulkAcceptsValidBatch(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.bulk(t, batchJSON(
		eventJSON("r1", "GET", "/a", "10.0.0.1", 200, "2024-03-01T10:00:00Z"),
		eventJSON("r2", "POST", "/b", "10.0.0.2", 201, "2024-03-01T10:01:00Z"),
	))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, model.BulkResult{Accepted: 2, Rejected: 0}, decode[model.BulkResult](t, rec))
}

func TestBulkDuplicateIsRejectedNotError(t *testing.T) {
	ts := newTestServer(t)
	first := eventJSON("dup", "GET", "/a", "10.0.0.1", 200, "2024-03-01T10:00:00Z")

	require.Equal(t, http.StatusOK, ts.bulk(t, batchJSON(first)).Code)

	rec := ts.bulk(t, batchJSON(first, eventJSON("new", "GET", "/a", "10.0.0.1", 200, "2024-03-01T10:00:01Z")))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.BulkResult{Accepted: 1, Rejected: 1}, decode[model.BulkResult](t, rec))
}

func TestBulkValidationFailureHasDetails(t *testing.T) {
	ts := newTestServer(t)
	missingStatus := `{"timestamp":"2024-03-01T10:00:00Z","request_id":"r2","method":"GET","path":"/",` +
		`"response_time_ms":1,"source_ip":"10.0.0.1","server_name":"s"}`

	rec := ts.bulk(t, batchJSON(eventJSON("r1", "GET", "/", "10.0.0.1", 200, "2024-03-01T10:00:00Z"), missingStatus))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, "Validation failed for event 1", body.Error)
	require.Len(t, body.Details, 1)
	assert.Equal(t, "status", body.Details[0].Field)

	// 배치 전체가 거절되므로 r1 도 저장되지 않는다.
	page := decode[model.EventPage](t, ts.get("/api/evidence/events", nil))
	assert.EqualValues(t, 0, page.Total)
}

func TestBulkShapeErrors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		body string
		want string
	}{
		{`{}`, "Events array is required"},
		{`{"events":[]}`, "Events array cannot be empty"},
		{`not json`, "Invalid JSON body"},
	}
	for _, tt := range tests {
		rec := ts.bulk(t, tt.body)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, tt.want, decode[errorBody](t, rec).Error)
	}
}

func TestBulkRequiresAuth(t *testing.T) {
	ts := newTestServer(t)
	body := batchJSON(eventJSON("r1", "GET", "/", "10.0.0.1", 200, "2024-03-01T10:00:00Z"))

	req := httptest.NewRequest(http.MethodPost, "/api/evidence/bulk", strings.NewReader(body))
	req.Header.Set(auth.HeaderAPIKey, secret)
	req.Header.Set(auth.HeaderTimestamp, auth.Timestamp(time.Now()))
	req.Header.Set(auth.HeaderSignature, "deadbeef")
	rec := ts.do(req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())
	assert.EqualValues(t, 1, ts.m.BulkAuthFailuresTotal)
	assert.Zero(t, ts.m.BulkRequestsTotal)

	require.Equal(t, http.StatusOK, ts.bulk(t, body).Code)
	assert.EqualValues(t, 1, ts.m.BulkRequestsTotal)
	assert.EqualValues(t, 1, ts.m.BulkAuthFailuresTotal)
}

func seedServer(t *testing.T, ts *testServer) {
	t.Helper()
	rec := ts.bulk(t, batchJSON(
		eventJSON("a1", "GET", "/login", "203.0.113.1", 200, "2024-03-01T10:00:00Z"),
		eventJSON("a2", "POST", "/login", "203.0.113.1", 500, "2024-03-01T10:30:00Z"),
		eventJSON("b1", "GET", "/home", "203.0.113.2", 200, "2024-03-01T11:00:00Z"),
	))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestEventsFilterByMethod(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/api/evidence/events", url.Values{"method": {"POST"}})
	require.Equal(t, http.StatusOK, rec.Code)

	page := decode[model.EventPage](t, rec)
	assert.EqualValues(t, 1, page.Total)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "a2", page.Events[0].RequestID)
	assert.Equal(t, 100, page.Limit)
	assert.Equal(t, 0, page.Offset)
}

func TestEventsPaginationAndTimeRange(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/api/logs/events", url.Values{
		"from":  {"2024-03-01T10:00:00Z"},
		"to":    {"2024-03-01T10:30:00Z"},
		"limit": {"1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	page := decode[model.EventPage](t, rec)
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Events, 1)
	assert.Equal(t, "a2", page.Events[0].RequestID)
}

func TestEventsBadParams(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.get("/api/evidence/events", url.Values{"limit": {"ten"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid limit", decode[errorBody](t, rec).Error)

	rec = ts.get("/api/evidence/events", url.Values{"from": {"yesterday"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid from", decode[errorBody](t, rec).Error)
}

func TestTopIPs(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/api/evidence/ips/top", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		TopIPs []model.TopIPRecord `json:"topIPs"`
	}](t, rec)
	require.Len(t, body.TopIPs, 2)
	assert.Equal(t, "203.0.113.1", body.TopIPs[0].IP)
	assert.EqualValues(t, 2, body.TopIPs[0].RequestCount)
	assert.Equal(t, 50.0, body.TopIPs[0].ErrorRate)
	assert.Equal(t, "203.0.113.2", body.TopIPs[1].IP)
	assert.EqualValues(t, 1, body.TopIPs[1].RequestCount)
}

func TestMetricsSummary(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/api/evidence/metrics/summary", url.Values{"groupBy": {"hour"}})
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode[struct {
		Metrics []model.AggregationBucket `json:"metrics"`
	}](t, rec)
	require.Len(t, body.Metrics, 2)
	assert.Equal(t, "2024-03-01 10:00:00", body.Metrics[0].Bucket)
	assert.EqualValues(t, 2, body.Metrics[0].TotalRequests)
	assert.EqualValues(t, 1, body.Metrics[0].UniqueIPCount)

	rec = ts.get("/api/evidence/metrics/summary", url.Values{"groupBy": {"week"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExportCSV(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/api/evidence/events/export", url.Values{"path": {"LOGIN"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="events.csv"`, rec.Header().Get("Content-Disposition"))

	rows, err := csv.NewReader(bytes.NewReader(rec.Body.Bytes())).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, export.Columns, rows[0])
}

func TestExportJSONAndBadFormat(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/api/logs/events/export", url.Values{"format": {"json"}, "limit": {"2"}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Len(t, rows, 2)

	rec = ts.get("/api/evidence/events/export", url.Values{"format": {"xml"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.get("/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	require.NoError(t, ts.store.Close())
	rec = ts.get("/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPrometheusMetrics(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "evidence_events_accepted_total 3")
}

func TestDebugCountersText(t *testing.T) {
	ts := newTestServer(t)
	seedServer(t, ts)

	rec := ts.get("/debug/counters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "events_accepted_total=3\n")
}

type breakerStub string

func (b breakerStub) BreakerState() string { return string(b) }

func TestHealthReportsArchiveBreaker(t *testing.T) {
	s, err := store.Open(context.Background(), store.DriverDuckDB, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	h := NewHandler(nil, nil, nil, s, 1<<20).WithArchive(breakerStub("open"))
	router := NewRouter(h, RouterOptions{Verifier: auth.NewVerifier(secret, auth.DefaultWindow)})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","archive":"open"}`, rec.Body.String())
}

// failingIngester 는 store 장애를 흉내 낸다.
type failingIngester struct{}

func (failingIngester) Ingest(context.Context, []byte) (model.BulkResult, error) {
	return model.BulkResult{}, errors.New("connection refused")
}

func TestBulkInternalErrorIsGeneric(t *testing.T) {
	h := NewHandler(failingIngester{}, nil, nil, nil, 1<<20)
	router := NewRouter(h, RouterOptions{Verifier: auth.NewVerifier(secret, auth.DefaultWindow), MaxBodySize: 1 << 20})

	body := `{"events":[]}`
	now := auth.Timestamp(time.Now())
	req := httptest.NewRequest(http.MethodPost, "/api/evidence/bulk", strings.NewReader(body))
	req.Header.Set(auth.HeaderAPIKey, secret)
	req.Header.Set(auth.HeaderTimestamp, now)
	req.Header.Set(auth.HeaderSignature, auth.Sign(secret, now, []byte(body)))

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"Internal server error"}`, rec.Body.String())
}

func TestReadEndpointsRateLimited(t *testing.T) {
	ts := newTestServer(t)
	h := NewHandler(nil, query.NewEngine(ts.store, 100), nil, ts.store, 1<<20)
	router := NewRouter(h, RouterOptions{
		Verifier:          auth.NewVerifier(secret, auth.DefaultWindow),
		RateLimitRequests: 2,
		RateLimitWindow:   time.Minute,
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/evidence/events", nil)
		req.RemoteAddr = "198.51.100.1:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}
