package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"evidence-collector/internal/model"

	json "github.com/goccy/go-json"
	"github.com/go-playground/validator/v10"
)

// MaxBatchSize 는 /bulk 한 번에 받을 수 있는 최대 이벤트 수.
const MaxBatchSize = 1000

// BatchError 는 배치 shape 자체가 잘못된 경우 (store 접근 전 400).
type BatchError struct {
	Message string
}

func (e *BatchError) Error() string { return e.Message }

var (
	ErrInvalidBody    = &BatchError{Message: "Invalid JSON body"}
	ErrEventsRequired = &BatchError{Message: "Events array is required"}
	ErrEventsEmpty    = &BatchError{Message: "Events array cannot be empty"}
	ErrTooManyEvents  = &BatchError{Message: fmt.Sprintf("Too many events in single request (max %d)", MaxBatchSize)}
)

// Violation 은 이벤트 필드 하나의 검증 실패.
type Violation struct {
	Index   int    `json:"index"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError
//
// 처음으로 검증에 실패한 이벤트의 위반 목록.
// 이 에러가 반환되면 배치 전체가 거절되고 아무것도 저장되지 않는다.
type ValidationError struct {
	Index      int
	Violations []Violation
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("Validation failed for event %d", e.Index)
}

// candidate 는 검증 전의 이벤트 1건.
// 숫자 필드는 누락과 0 을 구분하기 위해 pointer 로 받는다.
type candidate struct {
	Timestamp      string          `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05Z07:00"`
	RequestID      string          `json:"request_id" validate:"required"`
	Method         string          `json:"method" validate:"required"`
	Path           string          `json:"path" validate:"required"`
	Query          json.RawMessage `json:"query"`
	Status         *int            `json:"status" validate:"required,min=100,max=599"`
	ResponseTimeMs *float64        `json:"response_time_ms" validate:"required,min=0"`
	SourceIP       string          `json:"source_ip" validate:"required"`
	SourcePort     int             `json:"source_port" validate:"min=0,max=65535"`
	Headers        map[string]any  `json:"headers"`
	BodyHash       string          `json:"body_hash"`
	ServerName     string          `json:"server_name" validate:"required"`
	Note           string          `json:"note"`
}

var messages = map[string]string{
	"timestamp":        "timestamp is required and must be an RFC 3339 date-time string",
	"request_id":       "request_id is required and must be a string",
	"method":           "method is required and must be a string",
	"path":             "path is required and must be a string",
	"status":           "status is required and must be a valid HTTP status code",
	"response_time_ms": "response_time_ms is required and must be a non-negative number",
	"source_ip":        "source_ip is required and must be a string",
	"source_port":      "source_port must be a valid port number",
	"server_name":      "server_name is required and must be a string",
}

func messageFor(field string) string {
	if m, ok := messages[field]; ok {
		return m
	}
	return field + " has an invalid value"
}

// jsonNames 는 Go 필드 이름 → json 이름. 디코더 타입 에러는 Go 이름으로 보고될 수 있다.
var jsonNames = func() map[string]string {
	t := reflect.TypeOf(candidate{})
	out := make(map[string]string, t.NumField()*2)
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		out[f.Name] = name
		out[name] = name
	}
	return out
}()

func jsonName(field string) string {
	if n, ok := jsonNames[field]; ok {
		return n
	}
	return field
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// getValidator 는 json tag 이름으로 필드를 보고하는 singleton validator.
func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return validate
}

// Decode
//
// /bulk body 를 검증된 이벤트 목록으로 바꾼다.
//  1. {events: [...]} shape, 1 <= n <= 1000  → 실패 시 *BatchError
//  2. 이벤트별 필드 규칙 (앞에서부터)         → 첫 실패 시 *ValidationError
func Decode(body []byte) ([]model.EvidenceEvent, error) {
	var envelope struct {
		Events json.RawMessage `json:"events"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, ErrInvalidBody
	}

	raw := bytes.TrimSpace(envelope.Events)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, ErrEventsRequired
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, ErrEventsRequired
	}
	switch {
	case len(items) == 0:
		return nil, ErrEventsEmpty
	case len(items) > MaxBatchSize:
		return nil, ErrTooManyEvents
	}

	events := make([]model.EvidenceEvent, 0, len(items))
	for i, item := range items {
		ev, violations := decodeOne(i, item)
		if len(violations) > 0 {
			return nil, &ValidationError{Index: i, Violations: violations}
		}
		events = append(events, ev)
	}
	return events, nil
}

func decodeOne(index int, raw json.RawMessage) (model.EvidenceEvent, []Violation) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return model.EvidenceEvent{}, []Violation{{Index: index, Field: "", Message: "event must be a JSON object"}}
	}

	var c candidate
	if err := json.Unmarshal(trimmed, &c); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			field := jsonName(strings.SplitN(typeErr.Field, ".", 2)[0])
			return model.EvidenceEvent{}, []Violation{{Index: index, Field: field, Message: messageFor(field)}}
		}
		return model.EvidenceEvent{}, []Violation{{Index: index, Field: "", Message: "event is not valid JSON"}}
	}

	if err := getValidator().Struct(&c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return model.EvidenceEvent{}, []Violation{{Index: index, Message: err.Error()}}
		}
		out := make([]Violation, 0, len(verrs))
		seen := make(map[string]struct{}, len(verrs))
		for _, fe := range verrs {
			field := fe.Field()
			if _, dup := seen[field]; dup {
				continue
			}
			seen[field] = struct{}{}
			out = append(out, Violation{Index: index, Field: field, Message: messageFor(field)})
		}
		return model.EvidenceEvent{}, out
	}

	ts, err := time.Parse(time.RFC3339Nano, c.Timestamp)
	if err != nil {
		return model.EvidenceEvent{}, []Violation{{Index: index, Field: "timestamp", Message: messageFor("timestamp")}}
	}

	return model.EvidenceEvent{
		Timestamp:      ts.UTC(),
		RequestID:      c.RequestID,
		Method:         c.Method,
		Path:           c.Path,
		Query:          normalizeQuery(c.Query),
		Status:         *c.Status,
		ResponseTimeMs: *c.ResponseTimeMs,
		SourceIP:       c.SourceIP,
		SourcePort:     c.SourcePort,
		Headers:        c.Headers,
		BodyHash:       c.BodyHash,
		ServerName:     c.ServerName,
		Note:           c.Note,
	}, nil
}

// normalizeQuery 는 query 를 문자열로 맞춘다.
// 문자열이면 그대로, 객체/배열이면 JSON 텍스트, null/누락이면 빈 값.
func normalizeQuery(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}
