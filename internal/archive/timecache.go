package archive

import (
	"sync"
	"sync/atomic"
	"time"
)

// ------------------------------------------------------------
// timecache
//
// object key 파티션(dt=YYYY-MM-DD / hr=HH)과 파일명 prefix(epoch seconds)는
// 초 단위 정밀도면 충분하므로 1초 ticker 로 캐싱한다.
// evidence timestamp 가 모두 UTC 이므로 파티션도 UTC 기준이다.
//
// ticker goroutine 은 archive 가 처음 쓰일 때 한 번만 시작된다.
// (archive 가 꺼진 서버 / collector 는 goroutine 을 띄우지 않는다)
// ------------------------------------------------------------

type timeCache struct {
	unix atomic.Int64
	dt   atomic.Value // "YYYY-MM-DD"
	hr   atomic.Value // "HH"
}

var (
	clock     timeCache
	clockOnce sync.Once
)

func (c *timeCache) set(now time.Time) {
	dt, hr := partitionOf(now)
	c.unix.Store(now.Unix())
	c.dt.Store(dt)
	c.hr.Store(hr)
}

func startClock() {
	clockOnce.Do(func() {
		clock.set(time.Now())
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for now := range ticker.C {
				clock.set(now)
			}
		}()
	})
}

func partitionOf(t time.Time) (dt, hr string) {
	u := t.UTC()
	return u.Format("2006-01-02"), u.Format("15")
}

// Unix returns cached epoch seconds.
func Unix() int64 {
	startClock()
	return clock.unix.Load()
}

// Partition returns cached ("YYYY-MM-DD", "HH") in UTC.
func Partition() (string, string) {
	startClock()
	return clock.dt.Load().(string), clock.hr.Load().(string)
}
