package middleware

import (
	"net/http"
	"strings"

	"github.com/Metzler-Foundations/Telegram-Mass-Account-Ai-Messenger-sub001/pkg/utils"
)

// OperatorAuth guards mutating operator endpoints with a shared operator
// key, verified against its argon2id hash. An empty hash disables the
// check so local development works without provisioning a key.
func OperatorAuth(operatorKeyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if operatorKeyHash == "" {
				next.ServeHTTP(w, r)
				return
			}

			key := extractBearerToken(r.Header.Get("Authorization"))
			if key == "" {
				key = r.Header.Get("X-Operator-Key")
			}
			if key == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"success":false,"message":"operator key required"}`))
				return
			}

			ok, err := utils.VerifyOperatorKey(key, operatorKeyHash)
			if err != nil || !ok {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				w.Write([]byte(`{"success":false,"message":"invalid operator key"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// extractBearerToken pulls the token out of an "Authorization: Bearer x"
// header, or returns "".
func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
