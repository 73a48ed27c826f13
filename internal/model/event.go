// internal/model/event.go
package model

import "time"

// EvidenceEvent
// ------------------------------------------------------------
// 오리진 서버에서 수집된 단일 HTTP 트랜잭션 증거.
// capture(interceptor / tailer) → collector buffer → /bulk → store 까지
// 동일한 구조체가 그대로 전달된다.
//
// 원본 body 는 절대 싣지 않는다. BodyHash(SHA-256 hex)만 보관한다.
// store 에 저장된 이후에는 불변(immutable)이다.
type EvidenceEvent struct {
	Timestamp      time.Time      `json:"timestamp"`             // 요청 완료 시각 (UTC)
	RequestID      string         `json:"request_id"`            // 전역 고유 ID (store unique key)
	Method         string         `json:"method"`                // HTTP method
	Path           string         `json:"path"`                  // 요청 경로
	Query          string         `json:"query,omitempty"`       // 직렬화된 query (JSON 문자열)
	Status         int            `json:"status"`                // 응답 status (100~599)
	ResponseTimeMs float64        `json:"response_time_ms"`      // 응답 소요 시간 (ms)
	SourceIP       string         `json:"source_ip"`             // 요청자 IP
	SourcePort     int            `json:"source_port,omitempty"` // 요청자 port (알 수 없으면 0)
	Headers        map[string]any `json:"headers"`               // redact 된 요청 헤더
	BodyHash       string         `json:"body_hash,omitempty"`   // 요청 body SHA-256 hex
	ServerName     string         `json:"server_name"`           // 수집 서버 식별자
	Note           string         `json:"note,omitempty"`        // 수집 경로 메모
	CreatedAt      *time.Time     `json:"created_at,omitempty"`  // store 저장 시각 (서버가 부여)
}

// LogEntry
// ------------------------------------------------------------
// 오리진 서버가 append-only 로그 파일에 한 줄씩 남기는 JSON 레코드.
// log tailer 가 이 형식을 파싱해서 EvidenceEvent 로 변환한다.
type LogEntry struct {
	Timestamp    string  `json:"timestamp"`
	Method       string  `json:"method"`
	Path         string  `json:"path"`
	Query        any     `json:"query,omitempty"`
	Status       int     `json:"status"`
	ResponseTime float64 `json:"responseTime"`
	SourceIP     string  `json:"sourceIP"`
	UserAgent    string  `json:"userAgent,omitempty"`
	Body         any     `json:"body,omitempty"`
}

// BulkRequest 는 collector → server 로 전송되는 배치 payload.
type BulkRequest struct {
	Events []EvidenceEvent `json:"events"`
}

// BulkResult 는 /bulk 의 정상 응답.
// Accepted + Rejected 는 항상 요청 배치 크기와 같다.
type BulkResult struct {
	Accepted int `json:"accepted"`
	Rejected int `json:"rejected"`
}

// UploadJob
// ------------------------------------------------------------
// archive Manager 내부에서 사용하는 배치 단위.
// Encoder → gzip JSONL → S3Uploader 로 전달된다.
type UploadJob struct {
	Events []EvidenceEvent
}
