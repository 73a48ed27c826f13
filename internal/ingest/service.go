// Package ingest 는 /bulk 배치를 검증하고 store 에 저장한다.
//
// 처리 순서
//  1. Decode: 배치 shape (1..1000) 와 이벤트별 필드 규칙 검증 (실패 시 아무것도 저장하지 않음)
//  2. store.InsertMany: 이벤트별 독립 insert (request_id 충돌은 rejected 로 집계)
//  3. 새로 저장된 이벤트만 archive 큐로 전달 (non-blocking)
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"
	"evidence-collector/internal/store"

	"github.com/rs/zerolog/log"
)

// Inserter 는 Service 가 필요로 하는 store 기능.
type Inserter interface {
	InsertMany(ctx context.Context, events []model.EvidenceEvent) ([]store.InsertOutcome, error)
}

// Archiver 는 저장된 이벤트를 장기 보관 경로로 넘긴다.
// Enqueue 는 절대 block 하지 않는다 (false = 큐 가득 참/종료됨).
type Archiver interface {
	Enqueue(events []model.EvidenceEvent) bool
}

type Service struct {
	store   Inserter
	archive Archiver // nil 이면 archive 비활성
	m       *metrics.Metrics
}

func NewService(s Inserter, archive Archiver, m *metrics.Metrics) *Service {
	if m == nil {
		m = metrics.New()
	}
	return &Service{store: s, archive: archive, m: m}
}

// Ingest
//
// 반환 에러 종류
//   - *BatchError / *ValidationError : 400
//   - 그 외                          : 500 (store 장애)
//
// 성공 시 Accepted + Rejected == len(events).
func (s *Service) Ingest(ctx context.Context, body []byte) (model.BulkResult, error) {
	atomic.AddInt64(&s.m.BulkRequestsTotal, 1)

	events, err := Decode(body)
	if err != nil {
		atomic.AddInt64(&s.m.BulkValidationFailuresTotal, 1)
		return model.BulkResult{}, err
	}

	outcomes, err := s.store.InsertMany(ctx, events)
	if err != nil {
		atomic.AddInt64(&s.m.StoreErrorsTotal, 1)
		return model.BulkResult{}, fmt.Errorf("insert batch: %w", err)
	}

	var (
		res      model.BulkResult
		inserted = make([]model.EvidenceEvent, 0, len(events))
	)
	for i, o := range outcomes {
		if o == store.Inserted {
			res.Accepted++
			inserted = append(inserted, events[i])
			continue
		}
		res.Rejected++
	}

	atomic.AddInt64(&s.m.EventsAcceptedTotal, int64(res.Accepted))
	atomic.AddInt64(&s.m.EventsDuplicateTotal, int64(res.Rejected))

	if res.Rejected > 0 {
		log.Debug().
			Int("accepted", res.Accepted).
			Int("rejected", res.Rejected).
			Msg("bulk batch contained duplicate request ids")
	}

	if s.archive != nil && len(inserted) > 0 {
		if !s.archive.Enqueue(inserted) {
			atomic.AddInt64(&s.m.ArchiveQueueFullTotal, int64(len(inserted)))
			log.Warn().Int("events", len(inserted)).Msg("archive queue full, events not archived")
		}
	}

	return res, nil
}
