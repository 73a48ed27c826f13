// Package export 는 필터에 맞는 evidence 를 CSV / JSON 첨부 파일로 스트리밍한다.
//
// 행은 store cursor 에서 한 건씩 읽어 청크 버퍼에 쌓고,
// 청크가 high-water mark 에 닿으면 동기 write + Flush 로 내보낸다.
// 느린 consumer 앞에서는 write 가 block 되므로 다음 행을 읽지 않는다 (backpressure).
package export

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"evidence-collector/internal/metrics"
	"evidence-collector/internal/model"
	"evidence-collector/internal/store"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat 은 빈 값을 csv 로 본다.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "csv":
		return FormatCSV, nil
	case "json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported export format %q", s)
}

const DefaultLimit = 1000

// Columns 는 CSV header 순서.
var Columns = []string{
	"timestamp",
	"request_id",
	"method",
	"path",
	"query",
	"status",
	"response_time_ms",
	"source_ip",
	"source_port",
	"body_hash",
	"server_name",
	"note",
	"created_at",
}

// Source 는 Exporter 가 읽는 cursor 공급자.
type Source interface {
	Stream(ctx context.Context, f model.Filter, limit int) (*store.Cursor, error)
}

type Options struct {
	MaxRows    int           // 서버 상한 (EXPORT_MAX_ROWS)
	ChunkBytes int           // 청크 high-water mark
	WriteWait  time.Duration // 청크 write 하나의 deadline (0 = 없음)
}

type Exporter struct {
	src  Source
	opts Options
	m    *metrics.Metrics
}

func New(src Source, opts Options, m *metrics.Metrics) *Exporter {
	if opts.MaxRows <= 0 {
		opts.MaxRows = 10000
	}
	if opts.ChunkBytes <= 0 {
		opts.ChunkBytes = 32 * 1024
	}
	if m == nil {
		m = metrics.New()
	}
	return &Exporter{src: src, opts: opts, m: m}
}

// EffectiveLimit = min(requested (기본 1000), MaxRows)
func (e *Exporter) EffectiveLimit(requested int) int {
	if requested <= 0 {
		requested = DefaultLimit
	}
	if requested > e.opts.MaxRows {
		return e.opts.MaxRows
	}
	return requested
}

// Export
//
// cursor 를 연 뒤에 header 를 쓴다.
// 따라서 반환 에러가 있고 wrote == false 이면 호출자가 500 을 응답할 수 있다.
// header 이후의 에러는 로그만 남기고 응답을 끊는다.
func (e *Exporter) Export(ctx context.Context, w http.ResponseWriter, f model.Filter, format Format, limit int) (rows int, wrote bool, err error) {
	limit = e.EffectiveLimit(limit)

	cur, err := e.src.Stream(ctx, f, limit)
	if err != nil {
		return 0, false, err
	}
	defer cur.Close()

	ext := string(format)
	contentType := "text/csv"
	if format == FormatJSON {
		contentType = "application/json"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="events.%s"`, ext))
	w.WriteHeader(http.StatusOK)

	cw := newChunkWriter(w, e.opts.ChunkBytes, e.opts.WriteWait)
	defer cw.release()

	switch format {
	case FormatJSON:
		rows, err = writeJSON(cw, cur)
	default:
		rows, err = writeCSV(cw, cur)
	}
	if err == nil {
		err = cw.Close()
	}

	atomic.AddInt64(&e.m.ExportRowsTotal, int64(rows))
	if err != nil {
		ev := log.Error()
		if IsClientGone(err) {
			ev = log.Info()
		}
		ev.Err(err).Int("rows", rows).Str("format", ext).Msg("export aborted")
		return rows, true, err
	}
	log.Debug().Int("rows", rows).Str("format", ext).Int("limit", limit).Msg("export completed")
	return rows, true, nil
}

func writeCSV(cw *chunkWriter, cur *store.Cursor) (int, error) {
	if _, err := cw.WriteString(strings.Join(Columns, ",") + "\n"); err != nil {
		return 0, err
	}

	rows := 0
	fields := make([]string, len(Columns))
	for cur.Next() {
		record(cur.Event(), fields)
		for i, v := range fields {
			fields[i] = EscapeCSV(v)
		}
		if _, err := cw.WriteString(strings.Join(fields, ",") + "\n"); err != nil {
			return rows, err
		}
		rows++
	}
	return rows, cur.Err()
}

func writeJSON(cw *chunkWriter, cur *store.Cursor) (int, error) {
	if _, err := cw.WriteString("["); err != nil {
		return 0, err
	}

	rows := 0
	for cur.Next() {
		b, err := json.Marshal(cur.Event())
		if err != nil {
			return rows, fmt.Errorf("encode event: %w", err)
		}
		if rows > 0 {
			if _, err := cw.WriteString(","); err != nil {
				return rows, err
			}
		}
		if _, err := cw.Write(b); err != nil {
			return rows, err
		}
		rows++
	}
	if err := cur.Err(); err != nil {
		return rows, err
	}
	_, err := cw.WriteString("]")
	return rows, err
}

// record 는 이벤트를 Columns 순서의 문자열로 펼친다.
func record(ev model.EvidenceEvent, out []string) {
	out[0] = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	out[1] = ev.RequestID
	out[2] = ev.Method
	out[3] = ev.Path
	out[4] = ev.Query
	out[5] = strconv.Itoa(ev.Status)
	out[6] = strconv.FormatFloat(ev.ResponseTimeMs, 'f', -1, 64)
	out[7] = ev.SourceIP
	out[8] = ""
	if ev.SourcePort != 0 {
		out[8] = strconv.Itoa(ev.SourcePort)
	}
	out[9] = ev.BodyHash
	out[10] = ev.ServerName
	out[11] = ev.Note
	out[12] = ""
	if ev.CreatedAt != nil {
		out[12] = ev.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
}

// EscapeCSV 는 , " CR LF 중 하나라도 있으면 따옴표로 감싸고 내부 " 를 "" 로 바꾼다.
func EscapeCSV(v string) string {
	if !strings.ContainsAny(v, "\",\r\n") {
		return v
	}
	return `"` + strings.ReplaceAll(v, `"`, `""`) + `"`
}

// IsClientGone reports whether err came from the consumer disconnecting.
func IsClientGone(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, http.ErrHandlerTimeout)
}
