package proxy

import (
	"net"
	"net/http"
	"strings"

	"github.com/tokligence/credit-gateway/internal/audit"
)

// ClientIP resolves the caller address: first X-Forwarded-For hop, then
// X-Real-IP, then the connection peer. Header values that do not fit the
// audit column are ignored.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" && len(first) <= audit.MaxIP {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" && len(real) <= audit.MaxIP {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
