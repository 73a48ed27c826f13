package archive

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// 파일명 규칙:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// 예: 1764721594_evidence-1_000042.jsonl.gz
//
// 문자열 정렬 = 시간 정렬이므로 DLQ 는 가장 오래된 파일부터 재업로드하고,
// TTL 도 파일명 prefix 로 판단한다.
var fileCounter uint64

// nextCounter 는 1e6 에서 0 으로 돌아간다.
// 같은 초 + 같은 instance 안에서만 유일하면 충분하다.
func nextCounter() uint64 {
	return atomic.AddUint64(&fileCounter, 1) % 1_000_000
}

func NewFilename(instanceID string) string {
	return fmt.Sprintf("%d_%s_%06d.jsonl.gz", Unix(), instanceID, nextCounter())
}

// BuildS3Key
//
//	<prefix>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// Athena / Glue 파티션 스캔 단위에 맞춘 구조.
func BuildS3Key(prefix, filename string) string {
	dt, hr := Partition()
	return buildKey(prefix, dt, hr, filename)
}

func buildKey(prefix, dt, hr, filename string) string {
	return fmt.Sprintf("%s/dt=%s/hr=%s/%s", strings.TrimSuffix(prefix, "/"), dt, hr, filename)
}

// unixFromFilename 은 파일명 prefix 의 epoch seconds 를 읽는다.
func unixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}
