package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"evidence-collector/internal/config"
	"evidence-collector/internal/metrics"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"
)

// ObjectPutter 는 *s3.Client 의 PutObject 만 떼어낸 것. 테스트에서 fake 로 바꾼다.
type ObjectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// NewS3Client
//
// 기본 credential chain + region 으로 S3 client 를 만든다.
// SDK 자체 retry 는 끄고 재시도는 Uploader 가 직접 한다.
func NewS3Client(ctx context.Context, region string) (*s3.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 0
	}), nil
}

// Uploader
//
// JSONL.gz 바이트 / DLQ 파일을 S3 에 올린다.
//   - PutObject 1회마다 S3Timeout
//   - S3AppRetries 만큼 재시도 (200ms 부터 2배씩, 최대 2s)
//   - 모든 시도는 circuit breaker 를 거친다. open 상태면 재시도 없이 바로 실패
type Uploader struct {
	cfg     config.Archive
	m       *metrics.Metrics
	client  ObjectPutter
	breaker *gobreaker.CircuitBreaker[struct{}]

	backoff    time.Duration
	maxBackoff time.Duration
}

func NewUploader(cfg config.Archive, client ObjectPutter, m *metrics.Metrics) *Uploader {
	if cfg.S3AppRetries <= 0 {
		cfg.S3AppRetries = 1
	}
	if cfg.S3Timeout <= 0 {
		cfg.S3Timeout = 5 * time.Second
	}
	failures := uint32(5)
	if cfg.BreakerFailures > 0 {
		failures = uint32(cfg.BreakerFailures)
	}

	breaker := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "s3-archive",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("archive circuit breaker state changed")
		},
	})

	return &Uploader{
		cfg:        cfg,
		m:          m,
		client:     client,
		breaker:    breaker,
		backoff:    200 * time.Millisecond,
		maxBackoff: 2 * time.Second,
	}
}

// UploadBytes 는 메모리에 있는 body 를 올린다. 시도마다 reader 를 새로 만든다.
func (u *Uploader) UploadBytes(ctx context.Context, key string, body []byte) error {
	return u.withRetry(ctx, key, func() io.Reader { return bytes.NewReader(body) }, int64(len(body)))
}

// UploadFile 은 DLQ 파일을 올린다. 재시도 전에 처음으로 되감는다.
func (u *Uploader) UploadFile(ctx context.Context, key string, f io.ReadSeeker, size int64) error {
	return u.withRetry(ctx, key, func() io.Reader {
		_, _ = f.Seek(0, io.SeekStart)
		return f
	}, size)
}

func (u *Uploader) withRetry(ctx context.Context, key string, body func() io.Reader, size int64) error {
	var lastErr error
	backoff := u.backoff

	for attempt := 1; attempt <= u.cfg.S3AppRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := u.put(ctx, key, body(), size)
		if err == nil {
			return nil
		}
		lastErr = err

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return err
		}
		atomic.AddInt64(&u.m.S3PutErrorsTotal, 1)

		if attempt == u.cfg.S3AppRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > u.maxBackoff {
				backoff = u.maxBackoff
			}
		}
	}

	return lastErr
}

// put 은 PutObject 1회.
func (u *Uploader) put(ctx context.Context, key string, body io.Reader, size int64) error {
	_, err := u.breaker.Execute(func() (struct{}, error) {
		ctx2, cancel := context.WithTimeout(ctx, u.cfg.S3Timeout)
		defer cancel()

		_, err := u.client.PutObject(ctx2, &s3.PutObjectInput{
			Bucket:        aws.String(u.cfg.Bucket),
			Key:           aws.String(key),
			Body:          body,
			ContentLength: aws.Int64(size),
			ContentType:   aws.String("application/x-ndjson"),
		})
		return struct{}{}, err
	})
	return err
}

// BreakerState 는 현재 breaker 상태 ("closed", "half-open", "open"). 서버 /health 에 실린다.
func (u *Uploader) BreakerState() string {
	return u.breaker.State().String()
}
