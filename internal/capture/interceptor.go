package capture

import (
	"bytes"
	"io"
	"net/http"
	"time"

	"evidence-collector/internal/model"
	"evidence-collector/internal/pool"

	json "github.com/goccy/go-json"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Interceptor
//
// HTTP handler 를 감싸서 요청이 끝날 때마다 evidence 이벤트 1건을 Sink 로 보낸다.
//   - body 는 MaxBodySize 까지만 읽어 SHA-256 을 구하고, 원래 handler 가 그대로 읽을 수 있게 되돌린다
//   - 원본 body 는 이벤트에 싣지 않는다
//   - Sink.Record 실패(종료 중)는 요청 처리에 영향을 주지 않는다
type Interceptor struct {
	sink       Sink
	serverName string
	maxBody    int64
	now        func() time.Time
}

func NewInterceptor(sink Sink, serverName string, maxBody int64) *Interceptor {
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Interceptor{
		sink:       sink,
		serverName: serverName,
		maxBody:    maxBody,
		now:        time.Now,
	}
}

func (i *Interceptor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := i.now()

		bodyHash := ""
		if r.Body != nil && r.Body != http.NoBody {
			buf := pool.GetBody()
			defer pool.PutBody(buf, i.maxBody*2)

			n, err := io.Copy(buf, io.LimitReader(r.Body, i.maxBody+1))
			if err == nil && n <= i.maxBody {
				bodyHash = HashBody(buf.Bytes())
			}
			r.Body = struct {
				io.Reader
				io.Closer
			}{io.MultiReader(bytes.NewReader(buf.Bytes()), r.Body), r.Body}
		}

		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		end := i.now()
		ip, port := clientAddr(r)

		headers := RedactHeaders(r.Header)
		if r.Host != "" {
			headers["host"] = r.Host
		}

		ev := model.EvidenceEvent{
			Timestamp:      end.UTC(),
			RequestID:      uuid.NewString(),
			Method:         r.Method,
			Path:           r.URL.Path,
			Query:          encodeQuery(r),
			Status:         status,
			ResponseTimeMs: float64(end.Sub(start).Microseconds()) / 1000,
			SourceIP:       ip,
			SourcePort:     port,
			Headers:        headers,
			BodyHash:       bodyHash,
			ServerName:     i.serverName,
			Note:           NoteMiddleware,
		}

		if err := i.sink.Record(ev); err != nil {
			log.Debug().Err(err).Str("path", ev.Path).Msg("evidence not recorded")
		}
	})
}

// encodeQuery 는 query string 을 JSON 객체 문자열로 만든다.
// 값이 하나면 문자열, 여러 개면 배열.
func encodeQuery(r *http.Request) string {
	q := r.URL.Query()
	out := make(map[string]any, len(q))
	for k, vs := range q {
		if len(vs) == 1 {
			out[k] = vs[0]
			continue
		}
		out[k] = vs
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "{}"
	}
	return string(b)
}
