package collector

import (
	"io"
	"net/http"
	"time"

	"evidence-collector/internal/capture"
	"evidence-collector/internal/metrics"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewHost
//
// collector 프로세스의 HTTP 표면.
//   - /health  : Agent 상태 (버퍼 크기, 마지막 성공/실패, 누적 카운터)
//   - /metrics : prometheus
//   - /api/test: interceptor 가 주어지면 (middleware 모드) 감싸서 노출하는 데모 endpoint
func NewHost(a *Agent, ic *capture.Interceptor, m *metrics.Metrics) http.Handler {
	if m == nil {
		m = metrics.New()
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, a.Health())
	})
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry("evidence_collector", m), promhttp.HandlerOpts{}))

	if ic != nil {
		r.Group(func(r chi.Router) {
			r.Use(ic.Middleware)
			r.Get("/api/test", func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusOK, map[string]any{
					"message":   "Test endpoint",
					"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
				})
			})
			r.Post("/api/test", func(w http.ResponseWriter, r *http.Request) {
				var data any
				if b, err := io.ReadAll(r.Body); err == nil && len(b) > 0 {
					_ = json.Unmarshal(b, &data)
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"message": "Test POST endpoint",
					"data":    data,
				})
			})
		})
	}

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
