package export

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"time"

	"evidence-collector/internal/pool"
)

// chunkWriter
//
// 행 단위 write 를 청크로 모은다.
//   - buf.Len() >= highWater 이면 drain: 하위 writer 로 동기 write 후 Flush
//   - 하위 write 가 끝나야(consumer 가 읽어가야) 다음 행을 만든다
//   - writeWait > 0 이면 청크마다 write deadline 을 새로 건다 (멈춘 consumer 가 goroutine 을 붙잡지 않도록)
type chunkWriter struct {
	w         io.Writer
	rc        *http.ResponseController
	buf       *bytes.Buffer
	highWater int
	writeWait time.Duration
	drains    int
}

func newChunkWriter(w io.Writer, highWater int, writeWait time.Duration) *chunkWriter {
	cw := &chunkWriter{
		w:         w,
		buf:       pool.GetBuffer(),
		highWater: highWater,
		writeWait: writeWait,
	}
	if rw, ok := w.(http.ResponseWriter); ok {
		cw.rc = http.NewResponseController(rw)
	}
	return cw
}

func (c *chunkWriter) Write(p []byte) (int, error) {
	n, _ := c.buf.Write(p)
	if c.buf.Len() >= c.highWater {
		if err := c.drain(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkWriter) WriteString(s string) (int, error) {
	n, _ := c.buf.WriteString(s)
	if c.buf.Len() >= c.highWater {
		if err := c.drain(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *chunkWriter) drain() error {
	if c.buf.Len() == 0 {
		return nil
	}
	if c.rc != nil && c.writeWait > 0 {
		if err := c.rc.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	if _, err := c.w.Write(c.buf.Bytes()); err != nil {
		return err
	}
	c.buf.Reset()
	c.drains++

	if c.rc != nil {
		if err := c.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
	}
	return nil
}

// Close 는 남은 청크를 내보낸다.
func (c *chunkWriter) Close() error {
	return c.drain()
}

func (c *chunkWriter) release() {
	pool.PutBuffer(c.buf)
	c.buf = nil
}
