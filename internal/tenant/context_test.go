package tenant

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContextRoundTrip(t *testing.T) {
	ctx := WithID(context.Background(), 42)
	id, ok := FromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, int64(42), id)
}

func TestFromContextMissing(t *testing.T) {
	_, ok := FromContext(context.Background())
	assert.False(t, ok)
}

func TestFromContextRejectsNonPositive(t *testing.T) {
	_, ok := FromContext(WithID(context.Background(), 0))
	assert.False(t, ok)
	_, ok = FromContext(WithID(context.Background(), -5))
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	var seen int64
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := FromContext(r.Context())
		require.True(t, ok)
		seen = id
	})
	handler := Middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(Header, "7")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int64(7), seen)
}

func TestMiddlewareRejectsBadHeader(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run without a tenant")
	})
	handler := Middleware(next)

	for _, raw := range []string{"", "abc", "0", "-1"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if raw != "" {
			req.Header.Set(Header, raw)
		}
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusBadRequest, rr.Code, "header %q", raw)
	}
}
