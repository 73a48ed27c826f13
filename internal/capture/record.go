// Package capture 는 evidence 이벤트를 만드는 두 가지 수집 경로다.
//   - Interceptor: HTTP handler 를 감싸서 완료된 요청 1건당 이벤트 1건
//   - Tailer     : append-only JSON 로그 파일을 polling 해서 새 줄마다 이벤트 1건
//
// 두 경로 모두 같은 model.EvidenceEvent 를 만들어 Sink(Delivery Agent)로 넘긴다.
package capture

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	"evidence-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Sink 는 만들어진 이벤트를 받는 쪽. collector.Agent 가 구현한다.
// Record 는 block 하지 않아야 한다.
type Sink interface {
	Record(ev model.EvidenceEvent) error
}

const (
	NoteMiddleware = "Collected from middleware"
	NoteLogFile    = "Collected from log file"

	redacted = "[REDACTED]"
)

var sensitiveHeaders = map[string]struct{}{
	"authorization":   {},
	"cookie":          {},
	"x-api-key":       {},
	"x-auth-token":    {},
	"x-access-token":  {},
	"x-refresh-token": {},
}

// RedactHeaders
//
// http.Header 를 소문자 key 의 map 으로 바꾸고 민감한 헤더 값은 [REDACTED] 로 가린다.
// 값이 여러 개면 ", " 로 합친다.
func RedactHeaders(h http.Header) map[string]any {
	out := make(map[string]any, len(h))
	for k, vs := range h {
		key := strings.ToLower(k)
		if _, ok := sensitiveHeaders[key]; ok {
			out[key] = redacted
			continue
		}
		out[key] = strings.Join(vs, ", ")
	}
	return out
}

// HashBody 는 body 의 SHA-256 hex. 빈 body 는 "".
func HashBody(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// hashValue 는 로그의 body 필드(문자열 또는 JSON 값)를 hash 한다.
func hashValue(v any) string {
	switch b := v.(type) {
	case nil:
		return ""
	case string:
		return HashBody([]byte(b))
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return ""
		}
		return HashBody(raw)
	}
}

// FromLogEntry
//
// 로그 레코드 한 줄을 이벤트로 바꾼다.
//   - request_id: 새 UUID (로그에는 ID 가 없다)
//   - query     : JSON 문자열 (없으면 "{}")
//   - headers   : user-agent 만
//
// 서버 /bulk 검증과 같은 규칙(sourceIP 필수, status 100~599, responseTime ≥ 0)을
// 여기서 먼저 적용한다. 통과하지 못한 줄이 배치에 섞이면 배치 전체가 400 으로 거절된다.
func FromLogEntry(e model.LogEntry, serverName string) (model.EvidenceEvent, error) {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(e.Timestamp))
	if err != nil {
		return model.EvidenceEvent{}, fmt.Errorf("invalid timestamp %q: %w", e.Timestamp, err)
	}
	if e.Method == "" || e.Path == "" {
		return model.EvidenceEvent{}, fmt.Errorf("log entry missing method or path")
	}
	if strings.TrimSpace(e.SourceIP) == "" {
		return model.EvidenceEvent{}, fmt.Errorf("log entry missing sourceIP")
	}
	if e.Status < 100 || e.Status > 599 {
		return model.EvidenceEvent{}, fmt.Errorf("log entry status %d out of range", e.Status)
	}
	if e.ResponseTime < 0 {
		return model.EvidenceEvent{}, fmt.Errorf("log entry negative responseTime %v", e.ResponseTime)
	}

	query := "{}"
	switch q := e.Query.(type) {
	case nil:
	case string:
		query = q
	default:
		if b, err := json.Marshal(q); err == nil {
			query = string(b)
		}
	}

	headers := map[string]any{}
	if e.UserAgent != "" {
		headers["user-agent"] = e.UserAgent
	}

	return model.EvidenceEvent{
		Timestamp:      ts.UTC(),
		RequestID:      uuid.NewString(),
		Method:         e.Method,
		Path:           e.Path,
		Query:          query,
		Status:         e.Status,
		ResponseTimeMs: e.ResponseTime,
		SourceIP:       e.SourceIP,
		Headers:        headers,
		BodyHash:       hashValue(e.Body),
		ServerName:     serverName,
		Note:           NoteLogFile,
	}, nil
}
