package collector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"evidence-collector/internal/auth"
	"evidence-collector/internal/model"
	"evidence-collector/internal/pool"

	json "github.com/goccy/go-json"
)

// BulkPath 는 ingestion 서버의 배치 수신 경로.
const BulkPath = "/api/evidence/bulk"

// Transport 는 배치 하나를 서버로 보낸다.
// 200 이외의 응답이나 네트워크 오류는 모두 error 다.
type Transport interface {
	Send(ctx context.Context, events []model.EvidenceEvent) (model.BulkResult, error)
}

// StatusError 는 서버가 200 이 아닌 응답을 돌려준 경우.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend responded %d: %s", e.Code, e.Body)
}

// HTTPTransport
//
// POST {backend}/api/evidence/bulk
//   - body: {"events":[...]} (goccy json, compact)
//   - x-timestamp: epoch ms, x-signature: HMAC(secret, ts + body), x-api-key: secret
//   - gzip 옵션: 서명은 압축 전 body 기준, Content-Encoding: gzip
type HTTPTransport struct {
	client   *http.Client
	endpoint string
	apiKey   string
	timeout  time.Duration
	gzip     bool
	now      func() time.Time
}

func NewHTTPTransport(backendURL, apiKey string, timeout time.Duration, gzip bool) *HTTPTransport {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPTransport{
		client:   &http.Client{Timeout: timeout},
		endpoint: strings.TrimRight(backendURL, "/") + BulkPath,
		apiKey:   apiKey,
		timeout:  timeout,
		gzip:     gzip,
		now:      time.Now,
	}
}

func (t *HTTPTransport) Send(ctx context.Context, events []model.EvidenceEvent) (model.BulkResult, error) {
	body, err := json.Marshal(model.BulkRequest{Events: events})
	if err != nil {
		return model.BulkResult{}, fmt.Errorf("encode batch: %w", err)
	}

	ts := auth.Timestamp(t.now())
	sig := auth.Sign(t.apiKey, ts, body)

	payload := body
	if t.gzip {
		if payload, err = pool.Gzip(body); err != nil {
			return model.BulkResult{}, fmt.Errorf("gzip batch: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(payload))
	if err != nil {
		return model.BulkResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(auth.HeaderAPIKey, t.apiKey)
	req.Header.Set(auth.HeaderSignature, sig)
	req.Header.Set(auth.HeaderTimestamp, ts)
	if t.gzip {
		req.Header.Set("Content-Encoding", "gzip")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return model.BulkResult{}, fmt.Errorf("send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return model.BulkResult{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}

	var res model.BulkResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return model.BulkResult{}, fmt.Errorf("decode response: %w", err)
	}
	return res, nil
}
