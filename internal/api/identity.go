package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// Header names. Authentication happens upstream; the gateway forwards the
// caller's identity in these headers.
const (
	HeaderUserID         = "X-User-ID"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"

	roleAdmin = "admin"
)

type ctxKey int

const userKey ctxKey = iota

func userID(ctx context.Context) string {
	id, _ := ctx.Value(userKey).(string)
	return id
}

// requireUser rejects requests without a caller identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(HeaderUserID))
		if id == "" {
			writeError(w, HeaderUserID+" header is required", "unauthenticated", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey, id)))
	})
}

// requireAdmin must run after requireUser.
func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.EqualFold(strings.TrimSpace(r.Header.Get(HeaderUserRole)), roleAdmin) {
			writeError(w, "admin role required", "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// idempotencyKey returns the caller's key, or a fresh one when absent.
func idempotencyKey(r *http.Request) string {
	if k := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); k != "" {
		return k
	}
	return uuid.NewString()
}
