package api

import (
	"context"
	"net/http"
	"time"
)

const healthPingTimeout = 2 * time.Second

type HealthOptions struct {
	Version       string
	StartedAt     time.Time
	StorageDriver string
	Store         interface{ Ping(ctx context.Context) error }
	Now           func() time.Time
}

type healthResponse struct {
	Status        string        `json:"status"`
	Version       string        `json:"version"`
	UptimeSec     int64         `json:"uptime_sec"`
	StorageDriver string        `json:"storage_driver"`
	Storage       storageHealth `json:"storage"`
}

type storageHealth struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthHandler reports 503 with status "degraded" when the store does not
// answer a ping.
func HealthHandler(options HealthOptions) http.Handler {
	if options.Now == nil {
		options.Now = time.Now
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		uptime := options.Now().Sub(options.StartedAt)
		if uptime < 0 {
			uptime = 0
		}

		storage := storageHealth{OK: true}
		if options.Store == nil {
			storage = storageHealth{OK: false, Error: "storage not configured"}
		} else {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			err := options.Store.Ping(ctx)
			cancel()
			if err != nil {
				storage = storageHealth{OK: false, Error: err.Error()}
			}
		}

		status, code := "ok", http.StatusOK
		if !storage.OK {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		writeJSON(w, code, healthResponse{
			Status:        status,
			Version:       options.Version,
			UptimeSec:     int64(uptime.Seconds()),
			StorageDriver: options.StorageDriver,
			Storage:       storage,
		})
	})
}
