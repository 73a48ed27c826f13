// internal/config/config.go
package config

import (
	"crypto/rand"
	"encoding/hex"
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server
//
// ingestion/query 서버 실행에 필요한 모든 환경 변수 값을 보관하는 구조체.
// 모든 값은 프로세스 시작 시점에 LoadServer() 에 의해 초기화되며,
// 이후에는 변경되지 않는 불변(read-only) 설정들이다.
type Server struct {

	// ---------------------------
	// 서버 식별자 / 네트워크
	// ---------------------------

	ServiceName string // 로그 service 필드 (예: evidence-server)
	InstanceID  string // 프로세스 고유 ID (호스트명 기반, 실패 시 랜덤 hex)
	HTTPAddr    string // HTTP 서버 bind 주소 (예: ":3000")

	// ---------------------------
	// 인증 (Authentication Gate)
	// ---------------------------

	APIKey     string        // collector 공유 secret (x-api-key / HMAC key)
	AuthWindow time.Duration // x-timestamp 허용 오차 (기본 5분)

	// ---------------------------
	// Store
	// ---------------------------

	StoreDriver string // "duckdb" 또는 "pgx"
	StoreDSN    string // duckdb 파일 경로 또는 postgres DSN

	// ---------------------------
	// 요청 처리 파라미터
	// ---------------------------

	MaxBodySize       int64         // /bulk body 최대 크기 (압축 해제 후 기준)
	QueryMaxLimit     int           // /events limit 상한
	ExportMaxRows     int           // export row cap (EXPORT_MAX_ROWS)
	ExportChunkBytes  int           // export 청크 high-water mark
	ExportWriteWait   time.Duration // 청크 하나를 내보낼 때 허용하는 최대 대기
	RateLimitRequests int           // 조회 API IP당 허용 요청 수 (0 = 비활성)
	RateLimitWindow   time.Duration // rate limit 윈도우

	// ---------------------------
	// 로깅
	// ---------------------------

	LogLevel   string
	LogPretty  bool
	LogSampleN uint32

	Archive Archive
}

// Archive
//
// 수락된 evidence 배치를 S3 에 JSONL.gz 로 보관하는 설정.
// Bucket 이 비어 있으면 archive 는 비활성화된다.
type Archive struct {
	AWSRegion string
	Bucket    string
	RawPrefix string // 정상 배치 prefix (예: raw)
	DLQPrefix string // 깨진 DLQ 파일 prefix (예: raw_dlq)

	ChannelSize   int           // 입력 큐 크기 (bulk 배치 수)
	UploadQueue   int           // uploadCh 버퍼 크기
	BatchSize     int           // N개 모이면 업로드
	FlushInterval time.Duration // 시간 기반 flush

	S3Timeout    time.Duration // PutObject 시도당 timeout
	S3AppRetries int           // 애플리케이션 레벨 재시도 횟수 (SDK retry 는 0)

	DLQDir          string
	DLQMaxAge       time.Duration
	DLQMaxSizeBytes int64

	BreakerFailures int           // 연속 실패 N회면 circuit open
	BreakerCooldown time.Duration // open 유지 시간
	DLQRetryEvery   time.Duration // DLQ 재업로드 주기
}

// Enabled reports whether archiving is configured.
func (a Archive) Enabled() bool { return a.Bucket != "" }

// LoadServer
//
// 환경 변수 기반으로 Server 설정을 초기화한다.
// COLLECTOR_API_KEY 는 필수이며 비어있으면 즉시 종료(fail-fast).
// 나머지는 운영 기본값을 가진다.
func LoadServer() Server {
	return Server{
		ServiceName: envOr("SERVICE_NAME", "evidence-server"),
		InstanceID:  fallbackInstanceID(),
		HTTPAddr:    envOr("HTTP_ADDR", ":3000"),

		APIKey:     must("COLLECTOR_API_KEY"),
		AuthWindow: envDurOr("AUTH_WINDOW", 5*time.Minute),

		StoreDriver: envOr("STORE_DRIVER", "duckdb"),
		StoreDSN:    envOr("STORE_DSN", "data/evidence.duckdb"),

		MaxBodySize:       envInt64Or("MAX_BODY_SIZE", 10<<20),
		QueryMaxLimit:     envIntOr("QUERY_MAX_LIMIT", 1000),
		ExportMaxRows:     envIntOr("EXPORT_MAX_ROWS", 10000),
		ExportChunkBytes:  envIntOr("EXPORT_CHUNK_BYTES", 32*1024),
		ExportWriteWait:   envDurOr("EXPORT_WRITE_WAIT", 30*time.Second),
		RateLimitRequests: envIntOr("RATE_LIMIT_REQUESTS", 600),
		RateLimitWindow:   envDurOr("RATE_LIMIT_WINDOW", time.Minute),

		LogLevel:   envOr("LOG_LEVEL", "info"),
		LogPretty:  envBoolOr("LOG_PRETTY", false),
		LogSampleN: uint32(envIntOr("LOG_SAMPLE_N", 0)),

		Archive: Archive{
			AWSRegion: envOr("AWS_REGION", ""),
			Bucket:    envOr("ARCHIVE_BUCKET", ""),
			RawPrefix: envOr("ARCHIVE_PREFIX", "raw"),
			DLQPrefix: envOr("DLQ_PREFIX", "raw_dlq"),

			ChannelSize:   envIntOr("ARCHIVE_CHANNEL_SIZE", 1024),
			UploadQueue:   envIntOr("ARCHIVE_UPLOAD_QUEUE", 16),
			BatchSize:     envIntOr("ARCHIVE_BATCH_SIZE", 5000),
			FlushInterval: envDurOr("ARCHIVE_FLUSH_INTERVAL", time.Minute),

			S3Timeout:    envDurOr("S3_TIMEOUT", 5*time.Second),
			S3AppRetries: envIntOr("S3_APP_RETRIES", 3),

			DLQDir:          envOr("DLQ_DIR", "data/dlq"),
			DLQMaxAge:       envDurOr("DLQ_MAX_AGE", 72*time.Hour),
			DLQMaxSizeBytes: envInt64Or("DLQ_MAX_SIZE_BYTES", 1<<30),

			BreakerFailures: envIntOr("S3_BREAKER_FAILURES", 5),
			BreakerCooldown: envDurOr("S3_BREAKER_COOLDOWN", 30*time.Second),
			DLQRetryEvery:   envDurOr("DLQ_RETRY_EVERY", 5*time.Second),
		},
	}
}

// must / mustInt / mustDur
//
// 공통 패턴.
// 필수 환경변수가 없거나 형식이 잘못되면 즉시 로그 출력 후 종료(fail-fast).
// 런타임 중 설정 오류를 겪지 않도록 하기 위한 보호 전략.
func must(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("missing required env: %s", key)
	}
	return v
}

func mustInt(key, v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Fatalf("invalid int env %s=%q: %v", key, v, err)
	}
	return n
}

func mustInt64(key, v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		log.Fatalf("invalid int64 env %s=%q: %v", key, v, err)
	}
	return n
}

func mustDur(key, v string) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("invalid duration env %s=%q: %v", key, v, err)
	}
	return d
}

// envOr 계열
//
// 값이 없으면 기본값, 값이 있는데 형식이 틀리면 fail-fast.
// "설정했는데 잘못 적은 값"을 조용히 기본값으로 덮지 않는다.
func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envIntOr(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return mustInt(key, v)
	}
	return def
}

func envInt64Or(key string, def int64) int64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return mustInt64(key, v)
	}
	return def
}

func envDurOr(key string, def time.Duration) time.Duration {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return mustDur(key, v)
	}
	return def
}

func envBoolOr(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Fatalf("invalid bool env %s=%q: %v", key, v, err)
	}
	return b
}

// fallbackInstanceID
//
// 이 프로세스 인스턴스를 식별하는 고유 값.
//   - 기본: hostname (컨테이너 환경에서는 task-id 형태로 고유)
//   - fallback: 12자리 랜덤 hex
func fallbackInstanceID() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	var b [6]byte
	if _, err := rand.Read(b[:]); err == nil {
		return hex.EncodeToString(b[:])
	}
	return strconv.FormatInt(time.Now().UnixNano(), 10)
}
