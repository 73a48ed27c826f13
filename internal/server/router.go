// Package server 는 ingestion/조회 서버의 HTTP 표면이다.
//
//	/api/evidence/bulk            POST  collector 배치 수신 (인증 게이트)
//	/api/evidence/events          GET   필터 조회
//	/api/evidence/metrics/summary GET   시간 bucket 집계
//	/api/evidence/ips/top         GET   top talker
//	/api/evidence/events/export   GET   CSV / JSON 스트리밍
//	/api/logs/...                 GET   위 조회 API 와 동일 (대시보드 경로)
//	/health, /metrics, /debug/counters (name=value 텍스트)
//
// 에러 → HTTP status 매핑은 이 패키지에서만 한다.
package server

import (
	"net/http"
	"time"

	"evidence-collector/internal/auth"
	"evidence-collector/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type RouterOptions struct {
	Verifier *auth.Verifier
	Metrics  *metrics.Metrics

	MaxBodySize       int64
	RateLimitRequests int // 0 이면 rate limit 없음
	RateLimitWindow   time.Duration
}

func NewRouter(h *Handler, opts RouterOptions) http.Handler {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", h.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry("evidence", m), promhttp.HandlerOpts{}))
	r.Get("/debug/counters", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(m.String()))
	})

	reads := func(r chi.Router) {
		if opts.RateLimitRequests > 0 {
			r.Use(httprate.Limit(opts.RateLimitRequests, opts.RateLimitWindow, httprate.WithKeyFuncs(httprate.KeyByIP)))
		}
		r.Get("/events", h.HandleEvents)
		r.Get("/events/export", h.HandleExport)
		r.Get("/metrics/summary", h.HandleMetricsSummary)
		r.Get("/ips/top", h.HandleTopIPs)
	}

	r.Route("/api/evidence", func(r chi.Router) {
		r.With(opts.Verifier.Middleware(opts.MaxBodySize, m)).Post("/bulk", h.HandleBulk)
		r.Group(reads)
	})
	r.Route("/api/logs", reads)

	return r
}

// requestLogger 는 요청 1건당 Debug 로그 1줄.
// 운영에서는 LOG_LEVEL=info 라 찍히지 않고, 장애 분석 때만 켠다.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		log.Debug().
			Str("request_id", chimiddleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("took", time.Since(start)).
			Str("remote", r.RemoteAddr).
			Msg("http request")
	})
}
