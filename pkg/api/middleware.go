package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/logchain/logchain/pkg/ratelimit"
)

// RateLimitMiddleware enforces limiter against the caller's remote address,
// writing a 429 Problem Detail when the bucket is exhausted. Bucket
// mechanics (in-process vs Redis-backed) live in pkg/ratelimit; this is
// only the HTTP adapter.
func RateLimitMiddleware(limiter ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := remoteIP(r)
			ok, err := limiter.Allow(r.Context(), ip)
			if err != nil {
				WriteInternal(w, err)
				return
			}
			if !ok {
				WriteTooManyRequests(w, 5)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func remoteIP(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = r.RemoteAddr
	}
	return strings.TrimSuffix(strings.TrimPrefix(ip, "["), "]")
}
