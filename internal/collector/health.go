package collector

import (
	"sync"
	"time"

	"evidence-collector/internal/model"
)

// Health 는 /health 로 노출하는 Delivery Agent 상태.
type Health struct {
	Accepting      bool       `json:"accepting"`
	BufferSize     int        `json:"bufferSize"`
	LastSuccess    *time.Time `json:"lastSuccess,omitempty"`
	LastFailure    *time.Time `json:"lastFailure,omitempty"`
	LastError      string     `json:"lastError,omitempty"`
	BatchesSent    int64      `json:"batchesSent"`
	BatchesFailed  int64      `json:"batchesFailed"`
	EventsAccepted int64      `json:"eventsAccepted"`
	EventsRejected int64      `json:"eventsRejected"`
	EventsDropped  int64      `json:"eventsDropped"`
}

type healthState struct {
	mu sync.Mutex
	h  Health
}

func (s *healthState) success(at time.Time, res model.BulkResult) {
	s.mu.Lock()
	s.h.LastSuccess = &at
	s.h.BatchesSent++
	s.h.EventsAccepted += int64(res.Accepted)
	s.h.EventsRejected += int64(res.Rejected)
	s.mu.Unlock()
}

func (s *healthState) failure(at time.Time, err error, dropped int64) {
	s.mu.Lock()
	s.h.LastFailure = &at
	s.h.LastError = err.Error()
	s.h.BatchesFailed++
	s.h.EventsDropped += dropped
	s.mu.Unlock()
}

func (s *healthState) snapshot() Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.h
}
