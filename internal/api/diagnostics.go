package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/tooltelemetry/internal/metering"
)

const meteringDiagnosticsSchemaVersion = "metering-diagnostics.v1"

type MeteringDiagnosticsOptions struct {
	Driver string
	Reader MeteringDiagnosticsReader
	Now    func() time.Time
}

type meteringDiagnosticsResponse struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Driver        string               `json:"driver"`
	Diagnostics   metering.Diagnostics `json:"diagnostics"`
}

func MeteringDiagnosticsHandler(options MeteringDiagnosticsOptions) http.Handler {
	if options.Now == nil {
		options.Now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "metering diagnostics unavailable")
			return
		}

		writeJSON(w, http.StatusOK, meteringDiagnosticsResponse{
			SchemaVersion: meteringDiagnosticsSchemaVersion,
			GeneratedAt:   options.Now().UTC(),
			Driver:        options.Driver,
			Diagnostics:   options.Reader.Snapshot(),
		})
	})
}
