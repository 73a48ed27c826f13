// internal/logger/log.go
package logger

import (
	"io"
	"os"
	"strings"

	stdlog "log"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
)

// Options 는 server / collector 두 프로세스가 공통으로 넘기는 로거 설정.
type Options struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // true 면 사람이 읽는 console 포맷
	SampleN    uint32 // Debug/Info 를 N개 중 1개만 기록 (0,1 = 전부)
	Service    string
	InstanceID string
	Output     io.Writer // 기본 os.Stdout
}

// Init
//
// 애플리케이션 시작 시 한 번만 호출되는 로거 초기화 함수.
//
//  1. 로그 포맷 전환:
//     - 개발 환경 (Pretty=true): 색상 텍스트
//     - 운영 환경 (Pretty=false): JSON (수집기/검색 시스템 친화)
//
//  2. 공통 필드: 모든 로그에 "service", "instance" 가 붙는다.
//
//  3. 샘플링: Debug/Info 는 SampleN 에 따라 일부만 기록하고,
//     Warn/Error 는 절대 버리지 않는다.
//     증거 유실(drop) 경고가 샘플링으로 사라지면 안 되기 때문이다.
func Init(opts Options) {
	level := zerolog.InfoLevel
	if l, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(opts.Level))); err == nil && opts.Level != "" {
		level = l
	}
	zerolog.SetGlobalLevel(level)

	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	var w io.Writer = out
	if opts.Pretty {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		}
	}

	base := zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("service", opts.Service).
		Str("instance", opts.InstanceID).
		Logger()

	logger := base
	if opts.SampleN > 1 {
		logger = base.Sample(&zerolog.LevelSampler{
			DebugSampler: &zerolog.BasicSampler{N: opts.SampleN},
			InfoSampler:  &zerolog.BasicSampler{N: opts.SampleN},
		})
	}

	zlog.Logger = logger

	// 표준 log 패키지(config fail-fast 등)도 zerolog 로 흘려보낸다.
	stdlog.SetFlags(0)
	stdlog.SetOutput(zlog.Logger)
}
