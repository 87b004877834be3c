package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/logchain/logchain/pkg/api"
)

// BearerAuth gates a single handler behind SUBMIT_BEARER_TOKEN. Per §6, an
// optional bearer token gates only POST /submit — every other route (agent
// registration/rotation, the GET /batches family, health) is unauthenticated.
// token must be non-empty; an empty token is a configuration error the
// caller should refuse to start on, not a "disable auth" signal.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			scheme, got, found := strings.Cut(header, " ")
			if !found || scheme != "Bearer" {
				api.WriteUnauthorized(w, "expected Authorization: Bearer <token>")
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				api.WriteUnauthorized(w, "invalid bearer token")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
