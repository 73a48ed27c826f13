// Package auth 는 collector → server 배치 전송의 HMAC 서명과 검증을 담당한다.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// 요청 헤더 이름. collector 와 server 가 반드시 같은 값을 사용해야 한다.
const (
	HeaderAPIKey    = "x-api-key"
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
)

// DefaultWindow 는 x-timestamp 허용 오차 (replay 완화).
const DefaultWindow = 300_000 * time.Millisecond

// Timestamp 는 서명에 쓰는 epoch milliseconds 문자열을 만든다.
func Timestamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Sign
//
// signature = hex( HMAC-SHA256(secret, timestamp + body) )
//
// body 는 전송되는 JSON 바이트 그대로다 (gzip 전송 시에는 압축 전 바이트).
// 서버는 같은 바이트로 다시 계산하므로 JSON 재직렬화로 인한 key 순서 문제가 없다.
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
