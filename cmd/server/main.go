package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"evidence-collector/internal/archive"
	"evidence-collector/internal/auth"
	"evidence-collector/internal/config"
	"evidence-collector/internal/export"
	"evidence-collector/internal/ingest"
	"evidence-collector/internal/logger"
	"evidence-collector/internal/metrics"
	"evidence-collector/internal/query"
	"evidence-collector/internal/server"
	"evidence-collector/internal/store"

	"github.com/rs/zerolog/log"
)

func main() {

	// ====================================================================
	// CPU 설정
	// ====================================================================
	//
	// 컨테이너(Fargate) 는 vCPU 단위로 CPU share 가 제한되는데
	// Go 런타임은 호스트 코어 수만큼 GOMAXPROCS 를 잡는다.
	// 환경변수로 명시하지 않으면 2 로 둔다.
	// (/bulk 검증과 export 스트리밍이 동시에 돌 수 있어야 한다)
	// ====================================================================
	if v := os.Getenv("GOMAXPROCS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			runtime.GOMAXPROCS(n)
		}
	} else {
		runtime.GOMAXPROCS(2)
	}

	// ====================================================================
	// Config / Logger / Metrics
	// ====================================================================
	cfg := config.LoadServer()
	logger.Init(logger.Options{
		Level:      cfg.LogLevel,
		Pretty:     cfg.LogPretty,
		SampleN:    cfg.LogSampleN,
		Service:    cfg.ServiceName,
		InstanceID: cfg.InstanceID,
	})
	m := metrics.New()

	// ====================================================================
	// Store
	// ====================================================================
	//
	// request_id unique 제약이 멱등성의 유일한 근거다.
	// 여러 서버 인스턴스를 띄울 때는 반드시 같은 DB(STORE_DRIVER=pgx)를 본다.
	// ====================================================================
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	st, err := store.Open(startCtx, cfg.StoreDriver, cfg.StoreDSN)
	cancelStart()
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.StoreDriver).Msg("store open failed")
	}

	// ====================================================================
	// Archive (optional)
	// ====================================================================
	//
	// ARCHIVE_BUCKET 이 설정된 경우에만 S3 장기 보관을 켠다.
	//  - 수락된 이벤트만 배치로 묶어 JSONL.gz 업로드
	//  - 업로드 실패 시 로컬 DLQ 에 저장 후 백그라운드 재업로드
	// ====================================================================
	var mgr *archive.Manager
	var up *archive.Uploader
	var archiver ingest.Archiver
	if cfg.Archive.Enabled() {
		client, err := archive.NewS3Client(context.Background(), cfg.Archive.AWSRegion)
		if err != nil {
			log.Fatal().Err(err).Msg("s3 client init failed")
		}
		up = archive.NewUploader(cfg.Archive, client, m)
		dlq, err := archive.NewDLQ(cfg.Archive, cfg.InstanceID, up, m)
		if err != nil {
			log.Fatal().Err(err).Msg("dlq init failed")
		}
		mgr = archive.NewManager(cfg.Archive, cfg.InstanceID, up, dlq, m)
		mgr.Start()
		archiver = mgr

		log.Info().Str("bucket", cfg.Archive.Bucket).Str("prefix", cfg.Archive.RawPrefix).Msg("evidence archive enabled")
	}

	// ====================================================================
	// HTTP
	// ====================================================================
	h := server.NewHandler(
		ingest.NewService(st, archiver, m),
		query.NewEngine(st, cfg.QueryMaxLimit),
		export.New(st, export.Options{
			MaxRows:    cfg.ExportMaxRows,
			ChunkBytes: cfg.ExportChunkBytes,
			WriteWait:  cfg.ExportWriteWait,
		}, m),
		st,
		cfg.MaxBodySize,
	)
	if up != nil {
		h.WithArchive(up)
	}
	router := server.NewRouter(h, server.RouterOptions{
		Verifier:          auth.NewVerifier(cfg.APIKey, cfg.AuthWindow),
		Metrics:           m,
		MaxBodySize:       cfg.MaxBodySize,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	// WriteTimeout 은 두지 않는다.
	// export 는 청크마다 write deadline 을 따로 건다 (EXPORT_WRITE_WAIT).
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// ====================================================================
	// Graceful Shutdown
	// ====================================================================
	//
	// SIGTERM 수신 시:
	//   1) HTTP 서버 종료 (진행 중인 /bulk, export 는 끝까지 처리)
	//   2) archive 남은 배치 업로드 (실패분은 DLQ 로)
	//   3) store close
	// ====================================================================
	idleClosed := make(chan struct{})
	go func() {
		defer close(idleClosed)

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("http shutdown")
		}

		if mgr != nil {
			log.Info().Msg("stopping archive manager")
			actx, acancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer acancel()
			if err := mgr.Shutdown(actx); err != nil {
				log.Error().Err(err).Msg("archive shutdown incomplete")
			}
		}
	}()

	log.Info().
		Str("addr", cfg.HTTPAddr).
		Str("store", cfg.StoreDriver).
		Msg("evidence server listening")

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("http server terminated")
	}

	<-idleClosed
	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("store close")
	}
	log.Info().Msg("shutdown complete")
}
