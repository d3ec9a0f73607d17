package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Ft2801/progetto-PA/internal/model"
)

// Authenticate rejects requests without a valid bearer token and stores the
// principal for downstream handlers.
func Authenticate(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(token) == "" {
				deny(w, model.ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			p, err := ParseToken(strings.TrimSpace(token), secret)
			if err != nil {
				slog.Debug("token rejected", "err", err, "path", r.URL.Path)
				deny(w, model.ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

// RequireRole admits principals holding one of roles. Admin is not implied;
// list it explicitly.
func RequireRole(roles ...model.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFromContext(r.Context())
			if p == nil {
				deny(w, model.ErrUnauthenticated.Error(), http.StatusUnauthorized)
				return
			}
			for _, role := range roles {
				if p.Role == role {
					next.ServeHTTP(w, r)
					return
				}
			}
			deny(w, model.ErrForbidden.Error(), http.StatusForbidden)
		})
	}
}

func deny(w http.ResponseWriter, msg string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
