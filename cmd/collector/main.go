package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"evidence-collector/internal/capture"
	"evidence-collector/internal/collector"
	"evidence-collector/internal/config"
	"evidence-collector/internal/logger"
	"evidence-collector/internal/metrics"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	cfg, err := config.LoadCollector(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "evidence-collector: %v\n", err)
		os.Exit(2)
	}

	logger.Init(logger.Options{
		Level:      cfg.LogLevel,
		Pretty:     cfg.LogPretty,
		Service:    cfg.ServiceName,
		InstanceID: cfg.InstanceID,
	})
	m := metrics.New()

	// ====================================================================
	// Delivery Agent
	// ====================================================================
	//
	// 캡처 경로(interceptor / tailer)가 Record 로 넣은 이벤트를
	// BatchSize 또는 FlushInterval 마다 서버 /bulk 로 서명해서 보낸다.
	// 실패한 배치는 버퍼 앞에 다시 넣고 다음 주기에 재시도한다.
	// ====================================================================
	transport := collector.NewHTTPTransport(cfg.BackendURL, cfg.APIKey, cfg.SendTimeout, cfg.Gzip)
	agent := collector.NewAgent(transport, collector.Options{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
		MaxAttempts:   cfg.MaxAttempts,
	}, m)
	agent.Start()

	// ====================================================================
	// Capture
	// ====================================================================
	var tailer *capture.Tailer
	var interceptor *capture.Interceptor

	switch cfg.Mode {
	case config.ModeTailer:
		tailer = capture.NewTailer(capture.TailerOptions{
			Path:       cfg.LogFile,
			OffsetFile: cfg.OffsetFile,
			ServerName: cfg.ServerName,
			PollEvery:  cfg.PollEvery,
		}, agent, m)
		if err := tailer.Start(context.Background()); err != nil {
			log.Fatal().Err(err).Msg("log tailer start failed")
		}
	case config.ModeInterceptor:
		interceptor = capture.NewInterceptor(agent, cfg.ServerName, cfg.MaxBodySize)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           collector.NewHost(agent, interceptor, m),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("mode", cfg.Mode).
			Str("backend", cfg.BackendURL).
			Str("server_name", cfg.ServerName).
			Int("port", cfg.Port).
			Msg("evidence collector started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// ====================================================================
	// Shutdown
	// ====================================================================
	//
	//  1) 캡처 중단 (tailer stop / HTTP 서버 종료) → 새 이벤트 없음
	//  2) agent.Shutdown: 남은 버퍼를 마지막으로 한 번 전송
	//
	// HTTP 서버가 예기치 않게 죽으면 같은 순서로 정리하고 exit 1.
	// ====================================================================
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	exitCode := 0
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	case err := <-serveErr:
		log.Error().Err(err).Msg("http server terminated")
		exitCode = 1
	}

	if tailer != nil {
		tailer.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
	}
	if err := agent.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("final flush failed")
		exitCode = 1
	}

	h := agent.Health()
	log.Info().
		Int("buffered", h.BufferSize).
		Int64("accepted", h.EventsAccepted).
		Int64("dropped", h.EventsDropped).
		Msg("collector stopped")

	cancel()
	os.Exit(exitCode)
}
