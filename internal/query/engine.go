// Package query 는 조사용 조회 API(필터 조회, 시간 bucket 집계, top talker)의 정책 계층이다.
// 기본값/상한을 적용한 뒤 store 에 위임한다.
package query

import (
	"context"

	"evidence-collector/internal/model"
)

const (
	DefaultLimit    = 100
	DefaultTopLimit = 50
)

// Reader 는 Engine 이 필요로 하는 store 기능.
type Reader interface {
	Find(ctx context.Context, f model.Filter, limit, offset int) ([]model.EvidenceEvent, int64, error)
	Aggregate(ctx context.Context, f model.Filter, g model.Granularity) ([]model.AggregationBucket, error)
	TopIPs(ctx context.Context, f model.Filter, limit int) ([]model.TopIPRecord, error)
}

type Engine struct {
	store    Reader
	maxLimit int
}

// NewEngine 은 limit 상한(maxLimit)을 가진 Engine 을 만든다. maxLimit <= 0 이면 상한 없음.
func NewEngine(store Reader, maxLimit int) *Engine {
	return &Engine{store: store, maxLimit: maxLimit}
}

// Events 는 필터 조회 한 페이지를 돌려준다.
// limit <= 0 이면 100, offset < 0 이면 0.
func (e *Engine) Events(ctx context.Context, f model.Filter, limit, offset int) (model.EventPage, error) {
	limit = e.clamp(limit, DefaultLimit)
	if offset < 0 {
		offset = 0
	}

	events, total, err := e.store.Find(ctx, f, limit, offset)
	if err != nil {
		return model.EventPage{}, err
	}
	if events == nil {
		events = []model.EvidenceEvent{}
	}
	return model.EventPage{Events: events, Total: total, Limit: limit, Offset: offset}, nil
}

// MetricsSummary 는 hour/day bucket 집계. 빈 granularity 는 hour.
func (e *Engine) MetricsSummary(ctx context.Context, f model.Filter, g model.Granularity) ([]model.AggregationBucket, error) {
	if g == "" {
		g = model.GranularityHour
	}
	buckets, err := e.store.Aggregate(ctx, f, g)
	if err != nil {
		return nil, err
	}
	if buckets == nil {
		buckets = []model.AggregationBucket{}
	}
	return buckets, nil
}

// TopIPs 는 요청 수 기준 상위 source IP. limit <= 0 이면 50.
func (e *Engine) TopIPs(ctx context.Context, f model.Filter, limit int) ([]model.TopIPRecord, error) {
	limit = e.clamp(limit, DefaultTopLimit)
	out, err := e.store.TopIPs(ctx, f, limit)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.TopIPRecord{}
	}
	return out, nil
}

func (e *Engine) clamp(limit, def int) int {
	if limit <= 0 {
		limit = def
	}
	if e.maxLimit > 0 && limit > e.maxLimit {
		limit = e.maxLimit
	}
	return limit
}
