// Package archive 는 store 에 저장된 evidence 를 S3 에 JSONL.gz 로 장기 보관한다.
//
// 흐름:
//
//	ingest.Service ──Enqueue──▶ eventCh ──collectLoop──▶ uploadCh ──uploadLoop──▶ S3
//	                                                                   │ 실패
//	                                                                   ▼
//	                                                              local DLQ ──(주기적 재업로드)──▶ S3
//
// archive 는 best-effort 다. 큐가 가득 차면 Enqueue 가 false 를 돌려주고
// 요청 처리(/bulk 응답)는 절대 기다리지 않는다. 원본은 이미 store 에 있다.
package archive

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"evidence-collector/internal/config"
	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"

	"github.com/rs/zerolog/log"
)

// uploader 는 Manager 가 필요로 하는 Uploader 의 일부.
type uploader interface {
	UploadBytes(ctx context.Context, key string, body []byte) error
}

// Manager
//
//   - collectLoop: eventCh 의 배치를 모아 BatchSize 도달 또는 FlushInterval 마다 uploadCh 로 넘긴다
//   - uploadLoop : 인코딩 → S3 업로드 → 실패 시 DLQ 저장, 남는 시간에 DLQ 재업로드
//
// Shutdown 은 입력을 닫고 남은 배치를 모두 올린 뒤 반환한다.
type Manager struct {
	cfg        config.Archive
	instanceID string
	m          *metrics.Metrics
	up         uploader
	dlq        *DLQ

	eventCh  chan []model.EvidenceEvent
	uploadCh chan model.UploadJob

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex // closed 와 eventCh close 보호
	closed bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

func NewManager(cfg config.Archive, instanceID string, up uploader, dlq *DLQ, m *metrics.Metrics) *Manager {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	if cfg.ChannelSize <= 0 {
		cfg.ChannelSize = 1024
	}
	if cfg.UploadQueue <= 0 {
		cfg.UploadQueue = 16
	}
	if cfg.DLQRetryEvery <= 0 {
		cfg.DLQRetryEvery = 5 * time.Second
	}
	if m == nil {
		m = metrics.New()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		instanceID: instanceID,
		m:          m,
		up:         up,
		dlq:        dlq,
		eventCh:    make(chan []model.EvidenceEvent, cfg.ChannelSize),
		uploadCh:   make(chan model.UploadJob, cfg.UploadQueue),
		ctx:        ctx,
		cancel:     cancel,
	}
}

func (m *Manager) Start() {
	m.wg.Add(2)
	go m.collectLoop()
	go m.uploadLoop()
}

// Enqueue 는 block 하지 않는다.
// 배치 전체가 들어가거나 전혀 들어가지 않는다. 종료 이후에는 항상 false.
func (m *Manager) Enqueue(events []model.EvidenceEvent) bool {
	if len(events) == 0 {
		return true
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false
	}

	select {
	case m.eventCh <- events:
		return true
	default:
		return false
	}
}

// Shutdown
//
//  1. 입력 차단 + eventCh close → collectLoop 가 남은 배치를 넘기고 종료
//  2. uploadLoop 가 uploadCh 를 비우고 종료
//
// ctx 가 먼저 끝나면 진행 중인 업로드를 취소하고 ctx.Err() 를 돌려준다.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		close(m.eventCh)
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-ctx.Done():
		m.cancel()
		<-done
		return ctx.Err()
	}
}

func (m *Manager) collectLoop() {
	defer m.wg.Done()
	defer close(m.uploadCh)

	batch := make([]model.EvidenceEvent, 0, m.cfg.BatchSize)
	timer := time.NewTimer(m.cfg.FlushInterval)
	defer timer.Stop()

	reset := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.cfg.FlushInterval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.uploadCh <- model.UploadJob{Events: batch}
		// uploadLoop 가 소유권을 가져가므로 새 slice
		batch = make([]model.EvidenceEvent, 0, m.cfg.BatchSize)
		reset()
	}

	for {
		select {
		case events, ok := <-m.eventCh:
			if !ok {
				flush()
				return
			}
			for len(events) > 0 {
				room := m.cfg.BatchSize - len(batch)
				if room > len(events) {
					room = len(events)
				}
				batch = append(batch, events[:room]...)
				events = events[room:]
				if len(batch) >= m.cfg.BatchSize {
					flush()
				}
			}

		case <-timer.C:
			if len(batch) == 0 {
				timer.Reset(m.cfg.FlushInterval)
				continue
			}
			flush()
		}
	}
}

func (m *Manager) uploadLoop() {
	defer m.wg.Done()

	retry := time.NewTicker(m.cfg.DLQRetryEvery)
	defer retry.Stop()

	for {
		select {
		case job, ok := <-m.uploadCh:
			if !ok {
				log.Info().Msg("archive uploader exiting")
				return
			}
			m.process(m.ctx, job)

		case <-retry.C:
			m.drainDLQ(m.ctx)
		}
	}
}

// drainDLQ 는 한 주기에 최대 3개 파일만 처리해서 새 배치 업로드가 밀리지 않게 한다.
func (m *Manager) drainDLQ(ctx context.Context) {
	if m.dlq == nil {
		return
	}
	for i := 0; i < 3; i++ {
		if !m.dlq.ProcessOne(ctx) {
			return
		}
	}
}

// process 는 배치 1개를 인코딩해서 올린다. 업로드 실패 시 DLQ 로.
func (m *Manager) process(ctx context.Context, job model.UploadJob) {
	if len(job.Events) == 0 {
		return
	}

	data, err := EncodeJSONLGZ(job.Events)
	if err != nil {
		log.Error().Err(err).Int("events", len(job.Events)).Msg("archive encode failed, batch dropped")
		atomic.AddInt64(&m.m.DLQEventsDroppedTotal, int64(len(job.Events)))
		return
	}

	key := BuildS3Key(m.cfg.RawPrefix, NewFilename(m.instanceID))
	if err := m.up.UploadBytes(ctx, key, data); err != nil {
		log.Warn().Err(err).Str("key", key).Int("events", len(job.Events)).Msg("archive upload failed")
		if m.dlq == nil {
			atomic.AddInt64(&m.m.DLQEventsDroppedTotal, int64(len(job.Events)))
			return
		}
		if err := m.dlq.Save(data, len(job.Events)); err != nil {
			log.Error().Err(err).Msg("local dlq save failed")
		}
		return
	}

	atomic.AddInt64(&m.m.S3EventsStoredTotal, int64(len(job.Events)))
	log.Debug().Str("key", key).Int("events", len(job.Events)).Msg("archive batch stored")
}
