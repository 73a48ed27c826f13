// Package collector 는 capture source 가 만든 evidence 를 모아서
// 서명된 배치로 ingestion 서버에 전달하는 Delivery Agent 다.
//
// 흐름
//
//	Record ──append──▶ Buffer ──Take──▶ Flush ──Send──▶ backend
//	   │                  ▲                 │
//	   └─kick(len≥batch)  └──Requeue(실패)──┘
//
// flushLoop goroutine 하나가 timer 와 kick 을 모두 처리한다.
// Record 는 append 와 non-blocking kick 만 하므로 절대 네트워크를 기다리지 않는다.
package collector

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultRequeueCap 는 실패한 배치에서 버퍼로 되돌리는 최대 이벤트 수.
	DefaultRequeueCap = 1000
	// MaxBatchEvents 는 요청 하나에 담는 최대 이벤트 수 (서버 상한과 동일).
	MaxBatchEvents = 1000
)

// ErrNotAccepting 은 shutdown 이 시작된 뒤의 Record 결과.
var ErrNotAccepting = errors.New("collector is shutting down")

type Options struct {
	BatchSize     int           // 이 길이 이상이면 즉시 flush
	FlushInterval time.Duration // 주기 flush
	MaxAttempts   int           // 이벤트당 최대 전송 시도 (0 = 무제한)
	RequeueCap    int           // 실패 시 되돌릴 최대 이벤트 수
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 5 * time.Second
	}
	if o.RequeueCap <= 0 {
		o.RequeueCap = DefaultRequeueCap
	}
}

type Agent struct {
	opts      Options
	transport Transport
	buf       *Buffer
	m         *metrics.Metrics
	health    healthState

	accepting atomic.Bool
	kick      chan struct{}
	stop      chan struct{}
	loopDone  chan struct{}
	done      chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
}

func NewAgent(t Transport, opts Options, m *metrics.Metrics) *Agent {
	opts.defaults()
	if m == nil {
		m = metrics.New()
	}
	a := &Agent{
		opts:      opts,
		transport: t,
		buf:       NewBuffer(),
		m:         m,
		kick:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
		loopDone:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	a.accepting.Store(true)
	return a
}

// Start 는 flushLoop 를 띄운다. 여러 번 호출해도 한 번만 동작한다.
func (a *Agent) Start() {
	a.startOnce.Do(func() {
		go a.flushLoop()
	})
}

// Record
//
// 이벤트를 버퍼에 추가한다. 네트워크를 기다리지 않는다.
// shutdown 이 시작되었으면 ErrNotAccepting 을 돌려주고 아무것도 하지 않는다.
func (a *Agent) Record(ev model.EvidenceEvent) error {
	if !a.accepting.Load() {
		atomic.AddInt64(&a.m.AgentEventsRefusedTotal, 1)
		return ErrNotAccepting
	}

	n, ok := a.buf.Append(ev)
	if !ok {
		atomic.AddInt64(&a.m.AgentEventsRefusedTotal, 1)
		return ErrNotAccepting
	}
	atomic.AddInt64(&a.m.AgentEventsRecordedTotal, 1)
	atomic.StoreInt64(&a.m.AgentBufferSize, int64(n))

	if n >= a.opts.BatchSize {
		select {
		case a.kick <- struct{}{}:
		default:
		}
	}
	return nil
}

// flushLoop
//
// ticker 또는 kick 이 오면 Flush 한다.
// 전송 실패는 Flush 내부에서 로그/metric/requeue 로 처리되므로 여기서는 무시한다.
func (a *Agent) flushLoop() {
	defer close(a.loopDone)

	ticker := time.NewTicker(a.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			_ = a.Flush(context.Background())
		case <-a.kick:
			_ = a.Flush(context.Background())
		}
	}
}

// Flush
//
// 버퍼 내용을 Take 로 먼저 가져온 뒤(소유권 이전) 전송한다.
// 동시에 여러 Flush 가 돌아도 각자 서로 다른 이벤트를 보낸다.
//
// 가져온 이벤트는 MaxBatchEvents 단위 요청으로 나눠 보내고,
// 한 요청이 실패하면 그 요청과 아직 보내지 않은 나머지를 Requeue 한다.
func (a *Agent) Flush(ctx context.Context) error {
	batch := a.buf.Take()
	atomic.StoreInt64(&a.m.AgentBufferSize, int64(a.buf.Len()))
	if len(batch) == 0 {
		return nil
	}

	for start := 0; start < len(batch); start += MaxBatchEvents {
		end := min(start+MaxBatchEvents, len(batch))
		chunk := batch[start:end]

		events := make([]model.EvidenceEvent, len(chunk))
		for i := range chunk {
			events[i] = chunk[i].ev
		}

		res, err := a.transport.Send(ctx, events)
		if err != nil {
			a.onFailure(batch[start:], err)
			return err
		}
		a.onSuccess(len(events), res)
	}
	return nil
}

func (a *Agent) onSuccess(sent int, res model.BulkResult) {
	atomic.AddInt64(&a.m.AgentBatchesSentTotal, 1)
	atomic.AddInt64(&a.m.AgentEventsAcceptedTotal, int64(res.Accepted))
	atomic.AddInt64(&a.m.AgentEventsRejectedTotal, int64(res.Rejected))
	a.health.success(time.Now(), res)

	log.Debug().
		Int("sent", sent).
		Int("accepted", res.Accepted).
		Int("rejected", res.Rejected).
		Msg("batch delivered")
}

func (a *Agent) onFailure(failed []pending, err error) {
	requeued, dropped := a.buf.Requeue(failed, a.opts.RequeueCap, a.opts.MaxAttempts)

	atomic.AddInt64(&a.m.AgentBatchesFailedTotal, 1)
	atomic.AddInt64(&a.m.AgentEventsRequeuedTotal, int64(requeued))
	atomic.AddInt64(&a.m.AgentEventsDroppedTotal, int64(dropped))
	atomic.StoreInt64(&a.m.AgentBufferSize, int64(a.buf.Len()))
	a.health.failure(time.Now(), err, int64(dropped))

	log.Warn().
		Err(err).
		Int("events", len(failed)).
		Int("requeued", requeued).
		Msg("batch delivery failed")

	if dropped > 0 {
		log.Warn().
			Int("dropped", dropped).
			Int("requeue_cap", a.opts.RequeueCap).
			Int("max_attempts", a.opts.MaxAttempts).
			Msg("evidence events dropped after failed delivery")
	}
}

// Shutdown
//
//  1. flush timer 중지 (flushLoop 종료 대기)
//  2. accepting = false, 버퍼 Close (이후 Record 거절)
//  3. 마지막 Flush 1회
//  4. Done() 닫기
//
// 버퍼 Close 가 마지막 Flush 보다 먼저이므로 nil 을 돌려받은 Record 는
// 모두 마지막 Flush 에 포함된다.
//
// 마지막 Flush 가 실패해서 남은 이벤트는 유실되며 로그로 남긴다.
func (a *Agent) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		close(a.stop)
		a.startOnce.Do(func() { close(a.loopDone) })
		<-a.loopDone

		a.accepting.Store(false)
		a.buf.Close()

		err = a.Flush(ctx)
		if left := a.buf.Len(); left > 0 {
			log.Warn().Int("events", left).Msg("events left undelivered at shutdown")
		}
		close(a.done)
	})
	return err
}

// Done 은 Shutdown 이 끝나면 닫힌다.
func (a *Agent) Done() <-chan struct{} { return a.done }

// Health 는 현재 상태 스냅샷.
func (a *Agent) Health() Health {
	h := a.health.snapshot()
	h.Accepting = a.accepting.Load()
	h.BufferSize = a.buf.Len()
	return h
}
