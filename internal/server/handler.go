package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"evidence-collector/internal/export"
	"evidence-collector/internal/ingest"
	"evidence-collector/internal/model"
	"evidence-collector/internal/pool"
	"evidence-collector/internal/store"

	"github.com/rs/zerolog/log"
)

// Ingester 는 /bulk 처리 (ingest.Service).
type Ingester interface {
	Ingest(ctx context.Context, body []byte) (model.BulkResult, error)
}

// Querier 는 조회 API (query.Engine).
type Querier interface {
	Events(ctx context.Context, f model.Filter, limit, offset int) (model.EventPage, error)
	MetricsSummary(ctx context.Context, f model.Filter, g model.Granularity) ([]model.AggregationBucket, error)
	TopIPs(ctx context.Context, f model.Filter, limit int) ([]model.TopIPRecord, error)
}

// Exporter 는 CSV/JSON 스트리밍 (export.Exporter).
type Exporter interface {
	Export(ctx context.Context, w http.ResponseWriter, f model.Filter, format export.Format, limit int) (int, bool, error)
}

// Pinger 는 /health 가 확인하는 store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerReporter 는 archive uploader 의 circuit breaker 상태를 알려준다.
type BreakerReporter interface {
	BreakerState() string
}

type Handler struct {
	ingest   Ingester
	query    Querier
	exporter Exporter
	store    Pinger
	archive  BreakerReporter
	maxBody  int64
}

func NewHandler(in Ingester, q Querier, ex Exporter, p Pinger, maxBody int64) *Handler {
	return &Handler{
		ingest:   in,
		query:    q,
		exporter: ex,
		store:    p,
		maxBody:  maxBody,
	}
}

// WithArchive 는 /health 응답에 archive breaker 상태를 포함시킨다.
func (h *Handler) WithArchive(a BreakerReporter) *Handler {
	h.archive = a
	return h
}

type errorBody struct {
	Error   string             `json:"error"`
	Details []ingest.Violation `json:"details,omitempty"`
}

const internalError = "Internal server error"

// HandleBulk
//
// 인증 게이트를 통과한 배치를 받는다. body 는 게이트가 이미 읽어서
// (gzip 이면 풀어서) 교체해 둔 상태다.
//
//   - 200 {accepted, rejected}
//   - 400 {error} (배치 shape) / {error, details} (이벤트 필드)
//   - 500 {error:"Internal server error"} (store 장애, 상세는 로그에만)
func (h *Handler) HandleBulk(w http.ResponseWriter, r *http.Request) {
	buf := pool.GetBody()
	defer pool.PutBody(buf, h.maxBody*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: ingest.ErrInvalidBody.Message})
		return
	}

	res, err := h.ingest.Ingest(r.Context(), buf.Bytes())
	if err != nil {
		var batchErr *ingest.BatchError
		var validErr *ingest.ValidationError
		switch {
		case errors.As(err, &batchErr):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: batchErr.Message})
		case errors.As(err, &validErr):
			writeJSON(w, http.StatusBadRequest, errorBody{Error: validErr.Error(), Details: validErr.Violations})
		default:
			log.Error().Err(err).Msg("bulk ingest failed")
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: internalError})
		}
		return
	}

	writeJSON(w, http.StatusOK, res)
}

// HandleEvents : GET /events?path&ip&method&from&to&limit&offset
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	limit, err := intParam(q, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	offset, err := intParam(q, "offset")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	page, err := h.query.Events(r.Context(), f, limit, offset)
	if err != nil {
		h.internal(w, err, "fetch events")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleMetricsSummary : GET /metrics/summary?from&to&groupBy=hour|day
func (h *Handler) HandleMetricsSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	g := model.Granularity(q.Get("groupBy"))
	if g != "" && !g.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid groupBy"})
		return
	}

	buckets, err := h.query.MetricsSummary(r.Context(), f, g)
	if err != nil {
		if errors.Is(err, store.ErrInvalidGranularity) {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid groupBy"})
			return
		}
		h.internal(w, err, "fetch metrics summary")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"metrics": buckets})
}

// HandleTopIPs : GET /ips/top?from&to&limit
func (h *Handler) HandleTopIPs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	limit, err := intParam(q, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	top, err := h.query.TopIPs(r.Context(), f, limit)
	if err != nil {
		h.internal(w, err, "fetch top ips")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"topIPs": top})
}

// HandleExport : GET /events/export?...&format=csv|json&limit
//
// header 를 쓰기 전 실패(cursor open)는 500 으로 응답한다.
// 스트리밍 도중의 실패는 응답을 끊는 것 외에 할 수 있는 게 없다 (Exporter 가 로그를 남김).
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	format, err := export.ParseFormat(q.Get("format"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "Invalid format"})
		return
	}
	limit, err := intParam(q, "limit")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}

	if _, wrote, err := h.exporter.Export(r.Context(), w, f, format, limit); err != nil && !wrote {
		h.internal(w, err, "export events")
	}
}

// HandleHealth
//
// ALB target group health check.
// store 에 ping 이 안 되면 503 을 돌려 트래픽을 다른 인스턴스로 돌린다.
// archive 가 켜져 있으면 breaker 상태를 같이 싣는다. archive 는 best-effort 라
// breaker 가 open 이어도 200 이다.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	body := map[string]string{"status": "ok"}
	if h.archive != nil {
		body["archive"] = h.archive.BreakerState()
	}

	if err := h.store.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check: store unreachable")
		body["status"] = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) internal(w http.ResponseWriter, err error, op string) {
	log.Error().Err(err).Str("op", op).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: internalError})
}
