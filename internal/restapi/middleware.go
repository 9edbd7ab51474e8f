package restapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/collabedit/core/internal/apperr"
	"github.com/collabedit/core/internal/auth"
)

type contextKey int

const identityContextKey contextKey = iota

// requireAuth resolves the Authorization: Bearer <token> header into an
// auth.Identity and stores it on the request context; missing or invalid
// tokens short-circuit with 401 per spec.md §6.
func requireAuth(provider auth.Provider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				writeError(w, apperr.New(apperr.AuthRequired, "missing bearer token"))
				return
			}
			identity, err := provider.Verify(r.Context(), token)
			if err != nil {
				writeError(w, apperr.Wrap(apperr.InvalidToken, "token verification failed", err))
				return
			}
			ctx := context.WithValue(r.Context(), identityContextKey, identity)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func identityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(auth.Identity)
	return id, ok
}
