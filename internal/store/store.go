// Package store 는 evidence 이벤트의 영속 저장소다.
//
// database/sql 위에서 동작하며 두 드라이버를 지원한다.
//   - duckdb : 단일 노드 / 개발 / 테스트 (기본값, ":memory:" 가능)
//   - pgx    : PostgreSQL
//
// 두 드라이버 모두 같은 SQL ($n placeholder, ON CONFLICT, FILTER, date_trunc) 을 사용한다.
// request_id PRIMARY KEY 가 cross-instance 중복 제거의 유일한 근거이며,
// 이 패키지는 update/delete 를 제공하지 않는다 (저장된 이벤트는 불변).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"evidence-collector/internal/model"

	_ "github.com/duckdb/duckdb-go/v2"
	json "github.com/goccy/go-json"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// 지원 드라이버 이름 (database/sql 등록 이름과 동일)
const (
	DriverDuckDB   = "duckdb"
	DriverPostgres = "pgx"
)

// InsertOutcome 은 이벤트 1건 insert 결과.
// 드라이버별 duplicate-key 에러 형태와 무관하게 두 가지로만 표현한다.
type InsertOutcome int

const (
	Inserted InsertOutcome = iota
	DuplicateKeyConflict
)

func (o InsertOutcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case DuplicateKeyConflict:
		return "duplicate"
	}
	return "unknown"
}

// ErrUnsupportedDriver 는 Open 에 알 수 없는 드라이버가 들어왔을 때 반환된다.
var ErrUnsupportedDriver = errors.New("unsupported store driver")

// ErrInvalidGranularity 는 hour/day 외의 bucket 단위가 들어왔을 때 반환된다.
var ErrInvalidGranularity = errors.New("invalid granularity")

// SQLStore
//
// database/sql 기반 evidence store.
// 모든 메서드는 여러 goroutine 에서 동시에 호출해도 안전하다.
type SQLStore struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// Open 은 DB 를 열고 스키마를 보장한다.
func Open(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case DriverDuckDB:
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
	case DriverPostgres:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	s := New(db, driver)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. The caller runs Migrate.
func New(db *sql.DB, driver string) *SQLStore {
	return &SQLStore{db: db, driver: driver, now: time.Now}
}

// duckdb 파일 DB 는 상위 디렉터리가 있어야 열린다.
func ensureDir(dsn string) error {
	path := dsn
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create store dir: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS evidence_events (
		request_id       TEXT PRIMARY KEY,
		ts               TIMESTAMP NOT NULL,
		method           TEXT NOT NULL,
		path             TEXT NOT NULL,
		query            TEXT,
		status           INTEGER NOT NULL,
		response_time_ms DOUBLE PRECISION NOT NULL,
		source_ip        TEXT NOT NULL,
		source_port      INTEGER,
		headers          TEXT NOT NULL,
		body_hash        TEXT,
		server_name      TEXT NOT NULL,
		note             TEXT,
		created_at       TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_ts ON evidence_events(ts)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_source_ip ON evidence_events(source_ip)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_method ON evidence_events(method)`,
	`CREATE INDEX IF NOT EXISTS idx_evidence_server_name ON evidence_events(server_name)`,
}

// Migrate creates the table and indexes if they do not exist.
func (s *SQLStore) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

const insertSQL = `INSERT INTO evidence_events (
	request_id, ts, method, path, query, status, response_time_ms,
	source_ip, source_port, headers, body_hash, server_name, note, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
ON CONFLICT (request_id) DO NOTHING`

// InsertMany
//
// 이벤트를 한 건씩 독립적으로 insert 한다 (unordered).
//   - request_id 충돌은 에러가 아니라 DuplicateKeyConflict 로 보고
//   - 그 외 에러는 즉시 중단하고 반환 (호출자는 500 처리)
//
// 반환 slice 는 events 와 같은 순서/길이다.
func (s *SQLStore) InsertMany(ctx context.Context, events []model.EvidenceEvent) ([]InsertOutcome, error) {
	out := make([]InsertOutcome, 0, len(events))
	createdAt := s.now().UTC()

	for i := range events {
		ev := &events[i]

		headers, err := encodeHeaders(ev.Headers)
		if err != nil {
			return out, fmt.Errorf("encode headers for %s: %w", ev.RequestID, err)
		}

		res, err := s.db.ExecContext(ctx, insertSQL,
			ev.RequestID,
			ev.Timestamp.UTC(),
			ev.Method,
			ev.Path,
			nullString(ev.Query),
			ev.Status,
			ev.ResponseTimeMs,
			ev.SourceIP,
			nullInt(ev.SourcePort),
			headers,
			nullString(ev.BodyHash),
			ev.ServerName,
			nullString(ev.Note),
			createdAt,
		)
		if err != nil {
			return out, fmt.Errorf("insert %s: %w", ev.RequestID, err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return out, fmt.Errorf("rows affected %s: %w", ev.RequestID, err)
		}
		if n == 0 {
			out = append(out, DuplicateKeyConflict)
			continue
		}
		out = append(out, Inserted)
	}
	return out, nil
}

func encodeHeaders(h map[string]any) (string, error) {
	if len(h) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(h)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func nullInt(v int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(v), Valid: v != 0}
}
