package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// /bulk 요청 body 읽기, interceptor 의 body hash, export 청크,
// archive gzip 결과 버퍼 등 요청마다 반복되는 할당을 재사용한다.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - 요청 body 를 임시 저장하는 버퍼 (bulk 인증, interceptor hash)
	//   - 초기 용량 4KB
	//   - 너무 커진 버퍼는 caller(maxCap 조건)에서 재사용하지 않음
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - gzip 인코딩 결과 / export 청크를 담는 임시 버퍼
	//   - 초기 용량 256KB
	//   - 1MB 초과 버퍼는 풀에 넣지 않음
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 256*1024))
		},
	}

	// GzipPool:
	//   - gzip.Writer 재사용 (매번 new 하면 비용이 큼)
	//   - BestSpeed: 전송/보관 경로는 속도 우선
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// Pool에 되돌려줄 최대 버퍼 용량
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBody 는 비워진 body 버퍼를 꺼낸다.
func GetBody() *bytes.Buffer {
	buf := BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBody:
//   - maxCap 보다 커진 버퍼는 버려서 GC 로.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// GetBuffer 는 비워진 큰 버퍼를 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - 1MB 이하이면 풀에 재사용
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// Gzip 은 src 를 pooled gzip writer 로 압축해서 호출자 소유의 새 slice 로 돌려준다.
func Gzip(src []byte) ([]byte, error) {
	buf := GetBuffer()
	defer PutBuffer(buf)

	gz := GzipPool.Get().(*gzip.Writer)
	gz.Reset(buf)
	defer GzipPool.Put(gz)

	if _, err := gz.Write(src); err != nil {
		_ = gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}

	// pool 버퍼는 재사용되므로 그대로 반환하면 안 됨
	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}
