package auth

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"
)

// ErrUnauthorized 는 모든 인증 실패의 공통 원인이다.
// 호출자에게는 어떤 검사에서 실패했는지 알려주지 않는다.
var ErrUnauthorized = errors.New("unauthorized")

// 개별 실패 사유. 로그와 테스트에서만 구분한다.
var (
	ErrMissingHeaders   = fmt.Errorf("%w: missing authentication headers", ErrUnauthorized)
	ErrInvalidAPIKey    = fmt.Errorf("%w: invalid api key", ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	ErrStaleTimestamp   = fmt.Errorf("%w: timestamp outside window", ErrUnauthorized)
)

// ErrBodyTooLarge 는 body 가 MaxBodySize 를 넘을 때 반환된다.
var ErrBodyTooLarge = errors.New("request body too large")

// Verifier
//
// 상태 없는(stateless) 요청 검증기.
// 검사 순서는 고정이다:
//  1. 세 헤더 존재
//  2. api key == secret (constant time)
//  3. signature == HMAC(secret, timestamp + body) (constant time)
//  4. |now - timestamp| <= window
type Verifier struct {
	secret []byte
	window time.Duration
	now    func() time.Time
}

func NewVerifier(secret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{
		secret: []byte(secret),
		window: window,
		now:    time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify 는 헤더 값과 body 로 요청을 검증한다.
func (v *Verifier) Verify(apiKey, signature, timestamp string, body []byte) error {
	if apiKey == "" || signature == "" || timestamp == "" {
		return ErrMissingHeaders
	}

	if subtle.ConstantTimeCompare([]byte(apiKey), v.secret) != 1 {
		return ErrInvalidAPIKey
	}

	expected := Sign(string(v.secret), timestamp, body)
	if !hmacEqualHex(expected, signature) {
		return ErrInvalidSignature
	}

	ts, err := strconv.ParseInt(strings.TrimSpace(timestamp), 10, 64)
	if err != nil {
		return ErrStaleTimestamp
	}
	diff := v.now().UnixMilli() - ts
	if diff < 0 {
		diff = -diff
	}
	if diff > v.window.Milliseconds() {
		return ErrStaleTimestamp
	}
	return nil
}

func hmacEqualHex(expected, got string) bool {
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(got))) == 1
}

// Middleware
//
// /bulk 앞단에 붙는 인증 게이트.
//   - body 를 MaxBodySize 까지 읽는다 (Content-Encoding: gzip 이면 압축 해제 후 기준)
//   - 검증 성공 시 압축 해제된 body 로 r.Body 를 교체하고 다음 handler 호출
//   - 실패 시 401 {"error":"unauthorized"} 만 반환 (사유는 서버 로그에만)
func (v *Verifier) Middleware(maxBody int64, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey := r.Header.Get(HeaderAPIKey)
			signature := r.Header.Get(HeaderSignature)
			timestamp := r.Header.Get(HeaderTimestamp)

			if apiKey == "" || signature == "" || timestamp == "" {
				v.reject(w, r, m, ErrMissingHeaders)
				return
			}

			buf := pool.GetBody()
			defer pool.PutBody(buf, maxBody*2)

			if err := readBody(w, r, buf, maxBody); err != nil {
				if errors.Is(err, ErrBodyTooLarge) {
					writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
					return
				}
				writeError(w, http.StatusBadRequest, "unreadable request body")
				return
			}

			if err := v.Verify(apiKey, signature, timestamp, buf.Bytes()); err != nil {
				v.reject(w, r, m, err)
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(buf.Bytes()))
			r.ContentLength = int64(buf.Len())
			r.Header.Del("Content-Encoding")

			next.ServeHTTP(w, r)
		})
	}
}

func (v *Verifier) reject(w http.ResponseWriter, r *http.Request, m *metrics.Metrics, reason error) {
	if m != nil {
		atomic.AddInt64(&m.BulkAuthFailuresTotal, 1)
	}
	log.Warn().
		Str("reason", reason.Error()).
		Str("remote", r.RemoteAddr).
		Str("path", r.URL.Path).
		Msg("request rejected by auth gate")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

// readBody 는 body 를 buf 에 복사한다. gzip body 는 풀어서 복사한다.
func readBody(w http.ResponseWriter, r *http.Request, buf *bytes.Buffer, maxBody int64) error {
	body := http.MaxBytesReader(w, r.Body, maxBody)
	defer body.Close()

	var src io.Reader = body
	if strings.EqualFold(r.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(body)
		if err != nil {
			return err
		}
		defer gz.Close()
		src = gz
	}

	n, err := io.Copy(buf, io.LimitReader(src, maxBody+1))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return ErrBodyTooLarge
		}
		return err
	}
	if n > maxBody {
		return ErrBodyTooLarge
	}
	return nil
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
