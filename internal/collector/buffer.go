package collector

import (
	"sync"

	"evidence-collector/internal/model"
)

// pending 은 아직 전달되지 않은 이벤트와 지금까지의 전송 실패 횟수.
type pending struct {
	ev       model.EvidenceEvent
	attempts int
}

// Buffer
//
// Delivery Agent 전용 미전송 이벤트 버퍼.
// 외부에서는 Append / Take / Requeue / Len 만 사용한다.
//   - Take 는 현재 내용을 빈 slice 와 교환(swap)해서 소유권을 넘긴다
//   - 같은 이벤트가 두 번의 Take 에 동시에 나오는 일은 없다
//   - Close 이후의 Append 는 거절된다 (Requeue 는 계속 가능)
type Buffer struct {
	mu     sync.Mutex
	items  []pending
	closed bool
}

func NewBuffer() *Buffer {
	return &Buffer{}
}

// Append 는 이벤트를 뒤에 붙이고 새 길이를 돌려준다.
// Close 된 버퍼면 아무것도 하지 않고 ok=false.
func (b *Buffer) Append(ev model.EvidenceEvent) (n int, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return len(b.items), false
	}
	b.items = append(b.items, pending{ev: ev})
	return len(b.items), true
}

// Close 는 이후의 Append 를 막는다.
// Close 가 돌아온 뒤의 Take 는 그 전에 성공한 Append 를 모두 본다.
func (b *Buffer) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

// Take 는 현재 내용을 통째로 가져가고 버퍼를 비운다.
func (b *Buffer) Take() []pending {
	b.mu.Lock()
	out := b.items
	b.items = nil
	b.mu.Unlock()
	return out
}

// Requeue
//
// 전송에 실패한 이벤트를 버퍼 앞쪽에 되돌린다.
//   - 각 이벤트의 attempts 를 1 올리고, maxAttempts 에 도달한 것은 버린다
//   - 남은 것 중 앞에서부터 최대 limit 개만 되돌리고 나머지는 버린다
//
// 되돌린 수와 버린 수를 반환한다.
func (b *Buffer) Requeue(failed []pending, limit, maxAttempts int) (requeued, dropped int) {
	keep := make([]pending, 0, min(len(failed), limit))
	for _, p := range failed {
		p.attempts++
		if maxAttempts > 0 && p.attempts >= maxAttempts {
			dropped++
			continue
		}
		if len(keep) >= limit {
			dropped++
			continue
		}
		keep = append(keep, p)
	}
	if len(keep) == 0 {
		return 0, dropped
	}

	b.mu.Lock()
	b.items = append(keep, b.items...)
	b.mu.Unlock()
	return len(keep), dropped
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
