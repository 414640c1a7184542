// Package correlation carries a per-request identifier through headers,
// contexts and log records.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical correlation identifier header.
	HeaderName = "X-ToolTelemetry-Correlation-ID"
	maxIDLen   = 128
)

type contextKey struct{}

// fallbackHeaders are accepted from upstream proxies when HeaderName is absent.
var fallbackHeaders = []string{
	"X-Request-ID",
	"X-Correlation-ID",
}

// EnsureRequest returns req with a correlation id on its context and
// headers, reusing a valid incoming id when one is present.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if id, ok := FromContext(req.Context()); ok {
		req.Header.Set(HeaderName, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}
	req = req.WithContext(WithContext(req.Context(), id))
	req.Header.Set(HeaderName, id)
	return req, id
}

// Middleware ensures every request has a correlation id and echoes it on
// the response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := EnsureRequest(r)
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r)
	})
}

// WithContext stores a normalized correlation identifier in ctx.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := normalizeID(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(contextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// FromHeaders returns the first valid identifier among the known headers.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	if id := normalizeID(headers.Get(HeaderName)); id != "" {
		return id
	}
	for _, header := range fallbackHeaders {
		if id := normalizeID(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

func NewID() string {
	return "corr-" + uuid.NewString()
}

func normalizeID(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
