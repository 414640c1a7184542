package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/auth"
	"github.com/ongoingai/tooltelemetry/internal/correlation"
)

// Instrumentation wraps the handler chain with tracing. *observability.Runtime
// satisfies it.
type Instrumentation interface {
	WrapHTTPHandler(next http.Handler) http.Handler
	SpanEnrichmentMiddleware(next http.Handler) http.Handler
}

type ServerHandlerOptions struct {
	Logger          *slog.Logger
	Authorizer      *auth.Authorizer
	IngestLimiter   auth.IngestLimiter
	Instrumentation Instrumentation
}

// NewServerHandler assembles the outer chain around router: request logging,
// tracing, authentication and rate limiting, then span enrichment.
func NewServerHandler(router http.Handler, options ServerHandlerOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	handler := router
	if options.Instrumentation != nil {
		handler = options.Instrumentation.SpanEnrichmentMiddleware(handler)
	}
	handler = auth.Middleware(options.Authorizer, auth.MiddlewareOptions{
		IngestLimiter: options.IngestLimiter,
		DenyRecorder:  AuthDenyLogger(options.Logger),
	}, handler)
	if options.Instrumentation != nil {
		handler = options.Instrumentation.WrapHTTPHandler(handler)
	}
	return LoggingMiddleware(options.Logger, handler)
}

// AuthDenyLogger logs each rejected request at warn level.
func AuthDenyLogger(logger *slog.Logger) auth.DenyRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return func(r *http.Request, event auth.DenyEvent) {
		logger.WarnContext(r.Context(), "request denied",
			"reason", event.Reason,
			"status", event.StatusCode,
			"path", event.Path,
			"required_permission", string(event.RequiredPermission),
			"key_id", event.KeyID,
			"customer_id", event.CustomerID,
		)
	}
}

func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var correlationID string
		r, correlationID = correlation.EnsureRequest(r)
		if correlationID != "" {
			w.Header().Set(correlation.HeaderName, correlationID)
		}

		start := time.Now()
		recorder := &statusResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, r)
		logger.InfoContext(r.Context(),
			"request complete",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
