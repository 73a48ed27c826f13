package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport 는 보낸 배치를 기록하고 fail 이 true 인 동안 실패한다.
type fakeTransport struct {
	mu      sync.Mutex
	batches [][]model.EvidenceEvent
	fail    bool
}

func (f *fakeTransport) Send(_ context.Context, events []model.EvidenceEvent) (model.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return model.BulkResult{}, errors.New("backend unavailable")
	}
	cp := append([]model.EvidenceEvent(nil), events...)
	f.batches = append(f.batches, cp)
	return model.BulkResult{Accepted: len(events)}, nil
}

func (f *fakeTransport) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

func (f *fakeTransport) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, b := range f.batches {
		for _, ev := range b {
			out = append(out, ev.RequestID)
		}
	}
	return out
}

func (f *fakeTransport) batchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func ev(id string) model.EvidenceEvent {
	return model.EvidenceEvent{RequestID: id, Method: "GET", Path: "/", Status: 200, SourceIP: "1.1.1.1", ServerName: "s"}
}

func TestRecordTriggersFlushAtBatchSize(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAgent(tr, Options{BatchSize: 3, FlushInterval: time.Hour}, nil)
	a.Start()
	defer a.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Record(ev(fmt.Sprintf("r%d", i))))
	}

	require.Eventually(t, func() bool { return tr.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"r0", "r1", "r2"}, tr.ids())
	assert.Zero(t, a.Health().BufferSize)
}

func TestTimerFlushesPartialBatch(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAgent(tr, Options{BatchSize: 100, FlushInterval: 20 * time.Millisecond}, nil)
	a.Start()
	defer a.Shutdown(context.Background())

	require.NoError(t, a.Record(ev("only")))

	require.Eventually(t, func() bool { return tr.batchCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"only"}, tr.ids())
}

func TestFailedFlushRequeuesAtFront(t *testing.T) {
	tr := &fakeTransport{fail: true}
	m := metrics.New()
	a := NewAgent(tr, Options{BatchSize: 100, FlushInterval: time.Hour}, m)

	require.NoError(t, a.Record(ev("a")))
	require.NoError(t, a.Record(ev("b")))
	require.Error(t, a.Flush(context.Background()))

	h := a.Health()
	assert.Equal(t, 2, h.BufferSize)
	assert.NotNil(t, h.LastFailure)
	assert.Equal(t, "backend unavailable", h.LastError)

	require.NoError(t, a.Record(ev("c")))
	tr.setFail(false)
	require.NoError(t, a.Flush(context.Background()))

	assert.Equal(t, []string{"a", "b", "c"}, tr.ids())
	assert.EqualValues(t, 2, m.AgentEventsRequeuedTotal)
	assert.EqualValues(t, 1, m.AgentBatchesFailedTotal)
	assert.EqualValues(t, 1, m.AgentBatchesSentTotal)
	assert.NotNil(t, a.Health().LastSuccess)
}

func TestRequeueCapDropsExcess(t *testing.T) {
	tr := &fakeTransport{fail: true}
	m := metrics.New()
	a := NewAgent(tr, Options{BatchSize: 5000, FlushInterval: time.Hour}, m)

	for i := 0; i < 1500; i++ {
		require.NoError(t, a.Record(ev(fmt.Sprintf("r%04d", i))))
	}
	require.Error(t, a.Flush(context.Background()))

	assert.Equal(t, DefaultRequeueCap, a.Health().BufferSize)
	assert.EqualValues(t, 500, m.AgentEventsDroppedTotal)
	assert.EqualValues(t, 500, a.Health().EventsDropped)

	// 앞쪽 1000개가 남는다
	tr.setFail(false)
	require.NoError(t, a.Flush(context.Background()))
	ids := tr.ids()
	require.Len(t, ids, 1000)
	assert.Equal(t, "r0000", ids[0])
	assert.Equal(t, "r0999", ids[999])
}

func TestMaxAttemptsDropsEvent(t *testing.T) {
	tr := &fakeTransport{fail: true}
	a := NewAgent(tr, Options{BatchSize: 100, FlushInterval: time.Hour, MaxAttempts: 2}, nil)

	require.NoError(t, a.Record(ev("x")))
	require.Error(t, a.Flush(context.Background()))
	assert.Equal(t, 1, a.Health().BufferSize)

	require.Error(t, a.Flush(context.Background()))
	assert.Zero(t, a.Health().BufferSize)
	assert.EqualValues(t, 1, a.Health().EventsDropped)
}

func TestFlushSplitsLargeBuffers(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAgent(tr, Options{BatchSize: 5000, FlushInterval: time.Hour}, nil)

	for i := 0; i < 2500; i++ {
		require.NoError(t, a.Record(ev(fmt.Sprintf("r%d", i))))
	}
	require.NoError(t, a.Flush(context.Background()))

	tr.mu.Lock()
	sizes := []int{len(tr.batches[0]), len(tr.batches[1]), len(tr.batches[2])}
	tr.mu.Unlock()
	assert.Equal(t, []int{1000, 1000, 500}, sizes)
}

func TestShutdownFlushesAndRefuses(t *testing.T) {
	tr := &fakeTransport{}
	m := metrics.New()
	a := NewAgent(tr, Options{BatchSize: 100, FlushInterval: time.Hour}, m)
	a.Start()

	require.NoError(t, a.Record(ev("last")))
	require.NoError(t, a.Shutdown(context.Background()))

	select {
	case <-a.Done():
	default:
		t.Fatal("done channel not closed")
	}

	assert.Equal(t, []string{"last"}, tr.ids())
	assert.ErrorIs(t, a.Record(ev("late")), ErrNotAccepting)
	assert.False(t, a.Health().Accepting)
	assert.EqualValues(t, 1, m.AgentEventsRefusedTotal)

	// 두 번째 Shutdown 은 no-op
	require.NoError(t, a.Shutdown(context.Background()))
}

func TestShutdownWithoutStart(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAgent(tr, Options{}, nil)
	require.NoError(t, a.Record(ev("x")))
	require.NoError(t, a.Shutdown(context.Background()))
	assert.Equal(t, []string{"x"}, tr.ids())
}

func TestConcurrentRecordDeliversEachEventOnce(t *testing.T) {
	tr := &fakeTransport{}
	a := NewAgent(tr, Options{BatchSize: 7, FlushInterval: 2 * time.Millisecond}, nil)
	a.Start()

	const workers, perWorker = 20, 100
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_ = a.Record(ev(fmt.Sprintf("w%d-%d", w, i)))
				if i%25 == 0 {
					_ = a.Flush(context.Background())
				}
			}
		}(w)
	}
	wg.Wait()
	require.NoError(t, a.Shutdown(context.Background()))

	seen := make(map[string]int)
	for _, id := range tr.ids() {
		seen[id]++
	}
	assert.Len(t, seen, workers*perWorker)
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
}

// shutdown 과 겹친 Record 는 거절되거나 마지막 Flush 로 전달되거나 둘 중 하나다.
func TestRecordDuringShutdownIsDeliveredOrRefused(t *testing.T) {
	for round := 0; round < 50; round++ {
		tr := &fakeTransport{}
		a := NewAgent(tr, Options{BatchSize: 1000, FlushInterval: time.Hour}, nil)
		a.Start()

		var (
			mu       sync.Mutex
			accepted []string
			wg       sync.WaitGroup
		)
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 5000; i++ {
					id := fmt.Sprintf("r%d-w%d-%d", round, w, i)
					if err := a.Record(ev(id)); err != nil {
						assert.ErrorIs(t, err, ErrNotAccepting)
						return
					}
					mu.Lock()
					accepted = append(accepted, id)
					mu.Unlock()
				}
			}(w)
		}

		time.Sleep(time.Millisecond)
		require.NoError(t, a.Shutdown(context.Background()))
		wg.Wait()

		sent := make(map[string]bool)
		for _, id := range tr.ids() {
			sent[id] = true
		}
		assert.Len(t, sent, len(accepted))
		for _, id := range accepted {
			if !sent[id] {
				t.Fatalf("recorded event %s was never delivered", id)
			}
		}
		assert.Zero(t, a.Health().BufferSize)
	}
}

func TestBufferAppendAfterClose(t *testing.T) {
	b := NewBuffer()
	_, ok := b.Append(ev("a"))
	require.True(t, ok)

	b.Close()
	n, ok := b.Append(ev("b"))
	assert.False(t, ok)
	assert.Equal(t, 1, n)

	got := b.Take()
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ev.RequestID)
}

func TestBufferRequeueOrder(t *testing.T) {
	b := NewBuffer()
	b.Append(ev("new"))

	requeued, dropped := b.Requeue([]pending{{ev: ev("old1")}, {ev: ev("old2")}}, 1, 0)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 1, dropped)

	got := b.Take()
	require.Len(t, got, 2)
	assert.Equal(t, "old1", got[0].ev.RequestID)
	assert.Equal(t, 1, got[0].attempts)
	assert.Equal(t, "new", got[1].ev.RequestID)
	assert.Zero(t, b.Len())
}
