package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"time"

	"evidence-collector/internal/model"

	json "github.com/goccy/go-json"
)

const selectColumns = `request_id, ts, method, path, query, status, response_time_ms,
	source_ip, source_port, headers, body_hash, server_name, note, created_at`

// whereClause 는 Filter 를 "WHERE ..." 와 인자 목록으로 바꾼다.
// path 는 strpos(lower()) 로 비교해서 LIKE 와일드카드 이스케이프가 필요 없다.
func whereClause(f model.Filter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if f.Path != "" {
		add("strpos(lower(path), lower(CAST($%d AS TEXT))) > 0", f.Path)
	}
	if f.IP != "" {
		add("source_ip = $%d", f.IP)
	}
	if f.Method != "" {
		add("method = $%d", f.Method)
	}
	if f.From != nil {
		add("ts >= $%d", f.From.UTC())
	}
	if f.To != nil {
		add("ts <= $%d", f.To.UTC())
	}

	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// Find
//
// timestamp 내림차순 정렬 후 limit/offset 을 적용한 페이지와
// 페이지와 무관한 전체 매칭 건수(total)를 돌려준다.
func (s *SQLStore) Find(ctx context.Context, f model.Filter, limit, offset int) ([]model.EvidenceEvent, int64, error) {
	where, args := whereClause(f)

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM evidence_events"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count events: %w", err)
	}

	q := fmt.Sprintf("SELECT %s FROM evidence_events%s ORDER BY ts DESC, request_id DESC LIMIT %d OFFSET %d",
		selectColumns, where, limit, offset)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("find events: %w", err)
	}
	defer rows.Close()

	events := make([]model.EvidenceEvent, 0, limit)
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate events: %w", err)
	}
	return events, total, nil
}

// Aggregate
//
// date_trunc 로 bucket 을 만들고 bucket 별 count / avg / distinct ip 를 구한 뒤
// 두 번째 쿼리로 (bucket, status) histogram 을 채운다.
// 결과는 bucket 오름차순, histogram 은 status 오름차순.
func (s *SQLStore) Aggregate(ctx context.Context, f model.Filter, g model.Granularity) ([]model.AggregationBucket, error) {
	if !g.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidGranularity, g)
	}
	where, args := whereClause(f)
	trunc := fmt.Sprintf("date_trunc('%s', ts)", g)

	summary := fmt.Sprintf(`SELECT %[1]s AS bucket, COUNT(*), AVG(response_time_ms), COUNT(DISTINCT source_ip)
		FROM evidence_events%[2]s GROUP BY 1 ORDER BY 1`, trunc, where)
	rows, err := s.db.QueryContext(ctx, summary, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate summary: %w", err)
	}

	var (
		buckets []model.AggregationBucket
		index   = make(map[int64]int)
	)
	for rows.Next() {
		var (
			bucket time.Time
			b      model.AggregationBucket
			avg    sql.NullFloat64
		)
		if err := rows.Scan(&bucket, &b.TotalRequests, &avg, &b.UniqueIPCount); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		b.Bucket = formatBucket(bucket, g)
		b.AvgResponseTime = round2(avg.Float64)
		b.StatusCodes = []model.StatusCount{}
		index[bucket.Unix()] = len(buckets)
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate summary: %w", err)
	}
	rows.Close()

	histogram := fmt.Sprintf(`SELECT %[1]s AS bucket, status, COUNT(*)
		FROM evidence_events%[2]s GROUP BY 1, 2 ORDER BY 1, 2`, trunc, where)
	rows, err = s.db.QueryContext(ctx, histogram, args...)
	if err != nil {
		return nil, fmt.Errorf("aggregate histogram: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			bucket time.Time
			sc     model.StatusCount
		)
		if err := rows.Scan(&bucket, &sc.Status, &sc.Count); err != nil {
			return nil, fmt.Errorf("scan histogram: %w", err)
		}
		i, ok := index[bucket.Unix()]
		if !ok {
			continue
		}
		buckets[i].StatusCodes = append(buckets[i].StatusCodes, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate histogram: %w", err)
	}
	return buckets, nil
}

// TopIPs 는 source_ip 별 요청 수 내림차순 상위 limit 개를 돌려준다.
// 동률이면 ip 오름차순.
func (s *SQLStore) TopIPs(ctx context.Context, f model.Filter, limit int) ([]model.TopIPRecord, error) {
	where, args := whereClause(f)
	q := fmt.Sprintf(`SELECT source_ip, COUNT(*) AS cnt, AVG(response_time_ms), MAX(ts),
		COUNT(*) FILTER (WHERE status >= 400)
		FROM evidence_events%s GROUP BY source_ip ORDER BY cnt DESC, source_ip ASC LIMIT %d`, where, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("top ips: %w", err)
	}
	defer rows.Close()

	out := []model.TopIPRecord{}
	for rows.Next() {
		var (
			r      model.TopIPRecord
			avg    sql.NullFloat64
			errCnt int64
		)
		if err := rows.Scan(&r.IP, &r.RequestCount, &avg, &r.LastSeen, &errCnt); err != nil {
			return nil, fmt.Errorf("scan top ip: %w", err)
		}
		r.AvgResponseTime = round2(avg.Float64)
		r.LastSeen = r.LastSeen.UTC()
		if r.RequestCount > 0 {
			r.ErrorRate = 100 * float64(errCnt) / float64(r.RequestCount)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate top ips: %w", err)
	}
	return out, nil
}

// Stream 은 필터에 맞는 이벤트를 timestamp 내림차순으로 최대 limit 개 읽는 cursor 를 연다.
// 호출자는 반드시 Close 해야 한다.
func (s *SQLStore) Stream(ctx context.Context, f model.Filter, limit int) (*Cursor, error) {
	where, args := whereClause(f)
	q := fmt.Sprintf("SELECT %s FROM evidence_events%s ORDER BY ts DESC, request_id DESC LIMIT %d",
		selectColumns, where, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("stream events: %w", err)
	}
	return &Cursor{rows: rows}, nil
}

// Cursor 는 sql.Rows 위의 이벤트 반복자다. 한 번에 한 row 만 메모리에 둔다.
type Cursor struct {
	rows *sql.Rows
	cur  model.EvidenceEvent
	err  error
}

func (c *Cursor) Next() bool {
	if c.err != nil || !c.rows.Next() {
		return false
	}
	c.cur, c.err = scanEvent(c.rows)
	return c.err == nil
}

func (c *Cursor) Event() model.EvidenceEvent { return c.cur }

func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	return c.rows.Err()
}

func (c *Cursor) Close() error { return c.rows.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanEvent(sc scanner) (model.EvidenceEvent, error) {
	var (
		ev        model.EvidenceEvent
		query     sql.NullString
		port      sql.NullInt64
		headers   string
		bodyHash  sql.NullString
		note      sql.NullString
		createdAt time.Time
	)
	err := sc.Scan(
		&ev.RequestID, &ev.Timestamp, &ev.Method, &ev.Path, &query, &ev.Status, &ev.ResponseTimeMs,
		&ev.SourceIP, &port, &headers, &bodyHash, &ev.ServerName, &note, &createdAt,
	)
	if err != nil {
		return ev, fmt.Errorf("scan event: %w", err)
	}

	ev.Timestamp = ev.Timestamp.UTC()
	ev.Query = query.String
	ev.SourcePort = int(port.Int64)
	ev.BodyHash = bodyHash.String
	ev.Note = note.String
	createdAt = createdAt.UTC()
	ev.CreatedAt = &createdAt

	if headers != "" {
		if err := json.Unmarshal([]byte(headers), &ev.Headers); err != nil {
			return ev, fmt.Errorf("decode headers for %s: %w", ev.RequestID, err)
		}
	}
	return ev, nil
}

// hour: "2006-01-02 15:00:00", day: "2006-01-02"
func formatBucket(t time.Time, g model.Granularity) string {
	t = t.UTC()
	if g == model.GranularityDay {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02 15:00:00")
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
