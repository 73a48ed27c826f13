package archive

import (
	"evidence-collector/internal/model"
	"evidence-collector/internal/pool"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"
)

// EncodeJSONLGZ
//
// evidence 배치를 한 줄에 한 이벤트(JSONL)로 쓰고 gzip 으로 압축한다.
// gzip.Writer 와 결과 버퍼는 pool 에서 빌려 쓰고,
// 반환값은 호출자 소유의 새 slice 다 (pool 버퍼를 그대로 넘기면 재사용 시 오염).
func EncodeJSONLGZ(events []model.EvidenceEvent) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer pool.GzipPool.Put(gz)

	enc := json.NewEncoder(gz)
	for i := range events {
		if err := enc.Encode(&events[i]); err != nil {
			_ = gz.Close()
			return nil, err
		}
	}

	// Close 시점에 gzip footer 가 써진다.
	if err := gz.Close(); err != nil {
		return nil, err
	}

	data := make([]byte, buf.Len())
	copy(data, buf.Bytes())
	return data, nil
}
