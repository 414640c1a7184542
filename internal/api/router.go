package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ongoingai/tooltelemetry/internal/correlation"
	"github.com/ongoingai/tooltelemetry/internal/ingest"
	"github.com/ongoingai/tooltelemetry/internal/metering"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
	"github.com/ongoingai/tooltelemetry/internal/usage"
)

// Ingester accepts decoded OTLP/JSON batches.
type Ingester interface {
	IngestTraces(ctx context.Context, identity ingest.Identity, body []byte) (ingest.TracesResult, error)
	IngestMetrics(ctx context.Context, identity ingest.Identity, body []byte) (ingest.MetricsResult, error)
}

// ProfileStore is the slice of telemetry.Store the read API needs.
type ProfileStore interface {
	ListToolProfiles(ctx context.Context, customerID string) ([]telemetry.ToolProfile, error)
	GetToolProfile(ctx context.Context, customerID, id string) (*telemetry.ToolProfile, error)
	DeleteToolProfile(ctx context.Context, customerID, id string) error
	Ping(ctx context.Context) error
}

type UsageComputer interface {
	ComputeUsage(ctx context.Context, req usage.Request) (usage.Report, error)
}

type MeteringDiagnosticsReader interface {
	Snapshot() metering.Diagnostics
}

type RouterOptions struct {
	AppVersion    string
	StorageDriver string
	Store         ProfileStore
	Ingester      Ingester
	Usage         UsageComputer
	// Metering is nil unless the dispatcher-backed metering driver is active.
	Metering       MeteringDiagnosticsReader
	MeteringDriver string
	MaxBodyBytes   int64
	AuthHeader     string
	Logger         *slog.Logger
	Now            func() time.Time
}

func NewRouter(options RouterOptions) http.Handler {
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Now == nil {
		options.Now = time.Now
	}
	startedAt := options.Now().UTC()

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(correlation.Middleware)
	r.Use(corsMiddleware(options.AuthHeader))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	otlpHandlers := otlpIngestHandlers{
		ingester:     options.Ingester,
		maxBodyBytes: options.MaxBodyBytes,
		logger:       options.Logger,
	}
	r.Route("/v1", func(r chi.Router) {
		r.Post("/traces", otlpHandlers.traces)
		r.Post("/metrics", otlpHandlers.metrics)
	})

	profiles := toolProfileHandlers{
		store:  options.Store,
		usage:  options.Usage,
		now:    options.Now,
		logger: options.Logger,
	}
	r.Route("/api", func(r chi.Router) {
		r.Method(http.MethodGet, "/health", HealthHandler(HealthOptions{
			Version:       options.AppVersion,
			StartedAt:     startedAt,
			StorageDriver: options.StorageDriver,
			Store:         options.Store,
			Now:           options.Now,
		}))
		r.Route("/tool-profiles", func(r chi.Router) {
			r.Get("/", profiles.list)
			r.Get("/{id}", profiles.get)
			r.Delete("/{id}", profiles.delete)
			r.Get("/{id}/usage", profiles.getUsage)
		})
		r.Method(http.MethodGet, "/diagnostics/metering", MeteringDiagnosticsHandler(MeteringDiagnosticsOptions{
			Driver: options.MeteringDriver,
			Reader: options.Metering,
			Now:    options.Now,
		}))
	})

	r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "tooltelemetry",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func corsMiddleware(authHeader string) func(http.Handler) http.Handler {
	allowedHeaders := []string{"Content-Type", "Content-Encoding", "Authorization", "X-ToolTelemetry-Key", correlation.HeaderName}
	customHeader := strings.TrimSpace(authHeader)
	if customHeader != "" {
		alreadyAllowed := false
		for _, header := range allowedHeaders {
			if strings.EqualFold(header, customHeader) {
				alreadyAllowed = true
				break
			}
		}
		if !alreadyAllowed {
			allowedHeaders = append(allowedHeaders, customHeader)
		}
	}
	allowed := strings.Join(allowedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", allowed)
			w.Header().Set("Access-Control-Expose-Headers", correlation.HeaderName)

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
