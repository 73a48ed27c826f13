package capture

import (
	"net"
	"net/http"
	"strconv"
	"strings"
)

// ------------------------------------------------------------
// Client address
//
// 오리진 서버는 보통 ALB / CloudFront 뒤에 있으므로
// RemoteAddr 만으로는 실제 요청자 IP 를 알 수 없다.
// 표준 프록시 헤더에서 가장 신뢰할 만한 값을 고른다.
// ------------------------------------------------------------

// isPublicIP:
//   - private / loopback / link-local 이 아니면 true
func isPublicIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsPrivate() {
		return false
	}
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	return true
}

func safeParseIP(s string) net.IP {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return net.ParseIP(s)
}

// clientAddr
//
// 요청자 IP 와 (알 수 있으면) socket port.
// IP 우선순위:
//  1. X-Forwarded-For 의 첫 번째 public IP
//  2. CloudFront-Viewer-Address (포트 제거)
//  3. RemoteAddr 가 public 이면 그것
//  4. 그래도 없으면 X-Forwarded-For 첫 항목, 마지막으로 RemoteAddr host (private 이어도 사용)
//
// evidence 는 내부망 요청도 기록해야 하므로 4) 에서 빈 값 대신 private 주소를 남긴다.
// port 는 RemoteAddr(직접 연결된 socket) 기준이다.
func clientAddr(r *http.Request) (string, int) {
	remoteHost, remotePort, _ := net.SplitHostPort(r.RemoteAddr)
	port, _ := strconv.Atoi(remotePort)

	xff := r.Header.Get("X-Forwarded-For")
	if xff != "" {
		for _, part := range strings.Split(xff, ",") {
			if ip := safeParseIP(part); isPublicIP(ip) {
				return ip.String(), port
			}
		}
	}

	if cf := r.Header.Get("CloudFront-Viewer-Address"); cf != "" {
		host := cf
		if i := strings.LastIndex(cf, ":"); i != -1 {
			host = cf[:i]
		}
		if ip := safeParseIP(host); isPublicIP(ip) {
			return ip.String(), port
		}
	}

	if ip := safeParseIP(remoteHost); isPublicIP(ip) {
		return ip.String(), port
	}

	if xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := safeParseIP(first); ip != nil {
			return ip.String(), port
		}
	}

	if ip := safeParseIP(remoteHost); ip != nil {
		return ip.String(), port
	}
	if remoteHost != "" {
		return remoteHost, port
	}
	return r.RemoteAddr, port
}
