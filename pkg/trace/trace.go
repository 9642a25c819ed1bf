package trace

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

// Header carries the trace id across HTTP hops.
const Header = "X-Trace-Id"

type ctxKey struct{}

// NewID returns a fresh trace id.
func NewID() string { return uuid.NewString() }

// WithTraceID attaches id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the trace id carried by ctx, if any.
func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, ok := ctx.Value(ctxKey{}).(string)
	return id, ok && id != ""
}

// ID returns the trace id or "" when absent; handy for log fields.
func ID(ctx context.Context) string {
	id, _ := FromContext(ctx)
	return id
}

// Middleware reuses an inbound X-Trace-Id or mints one, and echoes it back.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(Header)
		if id == "" {
			id = NewID()
		}
		w.Header().Set(Header, id)
		next.ServeHTTP(w, r.WithContext(WithTraceID(r.Context(), id)))
	})
}
