// Package tenant threads the explicit tenant id through every request. The
// surrounding platform authenticates the caller and guarantees the id is
// legitimate; billing consumes it as a precondition and never falls back to
// ambient state.
package tenant

import (
	"context"
	"net/http"
	"strconv"

	"github.com/haulbooks/haulbooks/internal/platform/httpx"
)

// Header carries the authenticated tenant id set by the platform edge.
const Header = "X-Tenant-ID"

type contextKey struct{}

// WithID stores the tenant id in context.
func WithID(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

// FromContext extracts the tenant id from context.
func FromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKey{}).(int64)
	return id, ok && id > 0
}

// Middleware rejects requests without a usable tenant id and stores the id
// in the request context for handlers.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get(Header)
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			httpx.Problem(w, http.StatusBadRequest, "Tenant Required", "request must carry a valid "+Header+" header")
			return
		}
		next.ServeHTTP(w, r.WithContext(WithID(r.Context(), id)))
	})
}
