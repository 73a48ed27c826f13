package model

import "time"

// Filter 는 조회/집계/export 공통 필터.
// 모든 필드는 optional 이며 AND 로 결합된다.
type Filter struct {
	Path   string     // 대소문자 무시 부분 일치
	IP     string     // source_ip 정확히 일치
	Method string     // method 정확히 일치
	From   *time.Time // timestamp >= From
	To     *time.Time // timestamp <= To
}

// Granularity 는 metrics summary 의 bucket 단위.
type Granularity string

const (
	GranularityHour Granularity = "hour"
	GranularityDay  Granularity = "day"
)

// Valid reports whether g is one of the supported bucket sizes.
func (g Granularity) Valid() bool {
	return g == GranularityHour || g == GranularityDay
}

// EventPage 는 /events 응답 본문.
type EventPage struct {
	Events []EvidenceEvent `json:"events"`
	Total  int64           `json:"total"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// StatusCount 는 status histogram 의 한 항목.
type StatusCount struct {
	Status int   `json:"status"`
	Count  int64 `json:"count"`
}

// AggregationBucket
// 요청 시점에 계산되며 저장하지 않는다.
// StatusCodes 는 status 오름차순 정렬된 (code, count) 목록이다.
type AggregationBucket struct {
	Bucket          string        `json:"bucket"`
	TotalRequests   int64         `json:"totalRequests"`
	AvgResponseTime float64       `json:"avgResponseTime"`
	UniqueIPCount   int64         `json:"uniqueIPCount"`
	StatusCodes     []StatusCount `json:"statusCodeDistribution"`
}

// TopIPRecord 는 top talker 한 건.
type TopIPRecord struct {
	IP              string    `json:"ip"`
	RequestCount    int64     `json:"requestCount"`
	AvgResponseTime float64   `json:"avgResponseTime"`
	LastSeen        time.Time `json:"lastSeen"`
	ErrorRate       float64   `json:"errorRate"`
}
