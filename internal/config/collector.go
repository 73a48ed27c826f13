package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// 수집 모드.
// interceptor: HTTP 요청 처리를 감싸서 요청 1건당 이벤트 1건 생성
// tailer     : append-only 로그 파일을 polling 해서 새 줄을 이벤트로 변환
const (
	ModeInterceptor = "middleware"
	ModeTailer      = "log-tail"
)

// Collector
//
// Delivery Agent(collector 프로세스) 설정.
// 프로세스 시작 시 한 번 만들어지고 이후에는 읽기 전용이다.
type Collector struct {
	BackendURL    string        // ingestion 서버 base URL
	APIKey        string        // 공유 secret (x-api-key + HMAC key)
	BatchSize     int           // 이 크기 이상 쌓이면 즉시 flush
	FlushInterval time.Duration // 주기적 flush
	SendTimeout   time.Duration // 배치 전송 1회 timeout
	MaxAttempts   int           // 이벤트 1건당 최대 전송 시도 횟수
	Gzip          bool          // 요청 body gzip 압축

	Mode       string // ModeInterceptor | ModeTailer
	ServerName string // 오리진 서버 식별자
	LogFile    string // tailer 대상 파일
	OffsetFile string // tailer offset sidecar (비어 있으면 메모리 only)
	PollEvery  time.Duration
	Port       int // interceptor 모드 데모 서버 / health 포트

	MaxBodySize int64 // interceptor 가 hash 를 위해 읽는 body 상한

	ServiceName string
	InstanceID  string
	LogLevel    string
	LogPretty   bool
}

// LoadCollector
//
// 환경 변수 값을 기본값으로 삼고, 그 위에 CLI flag 를 덮어쓴다.
// flag 이름과 단축키는 기존 collector CLI(-b -k -s -i -l -n -m -p)와 동일하다.
func LoadCollector(args []string) (Collector, error) {
	c := Collector{
		BackendURL:    envOr("EVIDENCE_BACKEND_URL", "http://localhost:3000"),
		APIKey:        envOr("COLLECTOR_API_KEY", ""),
		BatchSize:     envIntOr("BATCH_SIZE", 50),
		FlushInterval: envDurOr("FLUSH_INTERVAL", 5*time.Second),
		SendTimeout:   envDurOr("SEND_TIMEOUT", 10*time.Second),
		MaxAttempts:   envIntOr("MAX_ATTEMPTS", 5),
		Gzip:          envBoolOr("SEND_GZIP", false),

		Mode:       envOr("COLLECTOR_MODE", ModeTailer),
		ServerName: envOr("SERVER_NAME", "unknown-server"),
		LogFile:    envOr("LOG_FILE", ""),
		OffsetFile: envOr("OFFSET_FILE", ""),
		PollEvery:  envDurOr("POLL_INTERVAL", time.Second),
		Port:       envIntOr("PORT", 8080),

		MaxBodySize: envInt64Or("MAX_BODY_SIZE", 1<<20),

		ServiceName: envOr("SERVICE_NAME", "evidence-collector"),
		InstanceID:  fallbackInstanceID(),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogPretty:   envBoolOr("LOG_PRETTY", false),
	}

	fs := pflag.NewFlagSet("evidence-collector", pflag.ContinueOnError)
	fs.StringVarP(&c.BackendURL, "backend-url", "b", c.BackendURL, "backend URL")
	fs.StringVarP(&c.APIKey, "api-key", "k", c.APIKey, "API key for authentication")
	fs.IntVarP(&c.BatchSize, "batch-size", "s", c.BatchSize, "batch size for sending events")
	fs.DurationVarP(&c.FlushInterval, "flush-interval", "i", c.FlushInterval, "flush interval")
	fs.StringVarP(&c.LogFile, "log-file", "l", c.LogFile, "log file to tail (log-tail mode)")
	fs.StringVarP(&c.ServerName, "server-name", "n", c.ServerName, "server name identifier")
	fs.StringVarP(&c.Mode, "mode", "m", c.Mode, "collection mode: middleware or log-tail")
	fs.IntVarP(&c.Port, "port", "p", c.Port, "port for the health endpoint (and demo server in middleware mode)")
	fs.StringVar(&c.OffsetFile, "offset-file", c.OffsetFile, "persist tail offset to this file")
	fs.DurationVar(&c.SendTimeout, "send-timeout", c.SendTimeout, "timeout per batch delivery")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "delivery attempts per event before it is dropped")
	fs.BoolVar(&c.Gzip, "gzip", c.Gzip, "gzip request bodies")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level")
	fs.BoolVar(&c.LogPretty, "log-pretty", c.LogPretty, "human readable console logs")

	if err := fs.Parse(args); err != nil {
		return Collector{}, err
	}

	c.Mode = normalizeMode(c.Mode)
	if err := c.Validate(); err != nil {
		return Collector{}, err
	}
	return c, nil
}

// normalizeMode 는 interceptor/tailer 별칭을 정식 이름으로 바꾼다.
func normalizeMode(m string) string {
	switch strings.ToLower(strings.TrimSpace(m)) {
	case "middleware", "interceptor":
		return ModeInterceptor
	case "log-tail", "tailer", "tail":
		return ModeTailer
	}
	return m
}

// Validate 는 시작 전에 잘못된 조합을 걸러낸다.
func (c Collector) Validate() error {
	var errs []error
	if u, err := url.Parse(c.BackendURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("invalid backend url %q", c.BackendURL))
	}
	if c.APIKey == "" {
		errs = append(errs, errors.New("api key is required"))
	}
	if c.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts))
	}
	switch c.Mode {
	case ModeInterceptor:
	case ModeTailer:
		if c.LogFile == "" {
			errs = append(errs, errors.New("log file is required for log-tail mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid mode %q: must be %q or %q", c.Mode, ModeInterceptor, ModeTailer))
	}
	return errors.Join(errs...)
}
