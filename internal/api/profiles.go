package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ongoingai/tooltelemetry/internal/telemetry"
	"github.com/ongoingai/tooltelemetry/internal/usage"
)

type toolProfilesResponse struct {
	Items []telemetry.ToolProfile `json:"items"`
}

type toolProfileHandlers struct {
	store  ProfileStore
	usage  UsageComputer
	now    func() time.Time
	logger *slog.Logger
}

func (h toolProfileHandlers) list(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	items, err := h.store.ListToolProfiles(r.Context(), requestCustomerID(r))
	if err != nil {
		h.internalError(w, r, "list tool profiles", err)
		return
	}
	if items == nil {
		items = []telemetry.ToolProfile{}
	}
	writeJSON(w, http.StatusOK, toolProfilesResponse{Items: items})
}

func (h toolProfileHandlers) get(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	profile, err := h.store.GetToolProfile(r.Context(), requestCustomerID(r), id)
	if errors.Is(err, telemetry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tool profile not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "get tool profile", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (h toolProfileHandlers) delete(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		return
	}
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	err := h.store.DeleteToolProfile(r.Context(), requestCustomerID(r), id)
	if errors.Is(err, telemetry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tool profile not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "delete tool profile", err)
		return
	}
	h.logger.InfoContext(r.Context(), "tool profile purged",
		"tool_profile_id", id,
		"customer_id", requestCustomerID(r),
		"key_id", requestIdentity(r).KeyID,
	)
	w.WriteHeader(http.StatusNoContent)
}

func (h toolProfileHandlers) getUsage(w http.ResponseWriter, r *http.Request) {
	if h.usage == nil {
		writeError(w, http.StatusServiceUnavailable, "usage engine unavailable")
		return
	}
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	report, err := h.usage.ComputeUsage(r.Context(), usage.Request{
		CustomerID:    requestCustomerID(r),
		ToolProfileID: id,
		Now:           h.now(),
	})
	if errors.Is(err, telemetry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "tool profile not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "compute usage", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h toolProfileHandlers) internalError(w http.ResponseWriter, r *http.Request, operation string, err error) {
	h.logger.ErrorContext(r.Context(), "tool profile request failed",
		"operation", operation,
		"error_class", telemetry.ClassifyError(err),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, operation+" failed")
}

func profileID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "tool profile id is required")
		return "", false
	}
	return id, true
}
