package identity

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Middleware attaches a Principal to the request context. A bearer token is
// parsed with verifier when one is configured; otherwise the X-Remote-User
// and X-Remote-Group headers set by a trusted proxy are used. Requests
// carrying neither proceed anonymously. An invalid bearer token is rejected.
func Middleware(verifier *JWTVerifier, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if raw := bearerToken(r); raw != "" && verifier != nil {
				res, err := verifier.Parse(raw)
				if err != nil {
					logger.Debug("rejecting bearer token", "error", err)
					writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid bearer token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), res.Principal)))
				return
			}

			user := strings.TrimSpace(r.Header.Get("X-Remote-User"))
			if user == "" {
				next.ServeHTTP(w, r)
				return
			}
			p := Principal{
				ID:          user,
				DisplayName: user,
				Roles:       splitList(r.Header.Get("X-Remote-Group")),
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// RequireRole rejects requests whose principal holds none of roles. With no
// roles configured every request passes.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if len(roles) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}
			if !p.HasAnyRole(roles...) {
				writeAuthError(w, http.StatusForbidden, "forbidden",
					fmt.Sprintf("%s holds none of the roles %s", p.ID, strings.Join(roles, ", ")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
