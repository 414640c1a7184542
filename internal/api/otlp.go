package api

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/ongoingai/tooltelemetry/internal/otlp"
	"github.com/ongoingai/tooltelemetry/internal/telemetry"
)

const defaultMaxBodyBytes int64 = 10 << 20

var (
	errBodyTooLarge       = errors.New("request body too large")
	errUnsupportedMedia   = errors.New("only OTLP/HTTP JSON is supported")
	errUnsupportedEncoder = errors.New("unsupported content encoding")
)

type tracesResponse struct {
	PartialSuccess tracesPartialSuccess `json:"partialSuccess"`
}

type tracesPartialSuccess struct {
	AcceptedSpans int64 `json:"acceptedSpans"`
	RejectedSpans int64 `json:"rejectedSpans"`
}

type metricsResponse struct {
	PartialSuccess metricsPartialSuccess `json:"partialSuccess"`
}

type metricsPartialSuccess struct {
	AcceptedDataPoints int64 `json:"acceptedDataPoints"`
	RejectedDataPoints int64 `json:"rejectedDataPoints"`
}

type otlpIngestHandlers struct {
	ingester     Ingester
	maxBodyBytes int64
	logger       *slog.Logger
}

func (h otlpIngestHandlers) traces(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	result, err := h.ingester.IngestTraces(r.Context(), ingestIdentity(r), body)
	if err != nil {
		h.writeIngestError(w, r, "traces", err)
		return
	}
	writeJSON(w, http.StatusOK, tracesResponse{PartialSuccess: tracesPartialSuccess{
		AcceptedSpans: result.AcceptedSpans,
		RejectedSpans: result.RejectedSpans,
	}})
}

func (h otlpIngestHandlers) metrics(w http.ResponseWriter, r *http.Request) {
	body, ok := h.readBody(w, r)
	if !ok {
		return
	}
	result, err := h.ingester.IngestMetrics(r.Context(), ingestIdentity(r), body)
	if err != nil {
		h.writeIngestError(w, r, "metrics", err)
		return
	}
	writeJSON(w, http.StatusOK, metricsResponse{PartialSuccess: metricsPartialSuccess{
		AcceptedDataPoints: result.AcceptedDataPoints,
		RejectedDataPoints: result.RejectedDataPoints,
	}})
}

func (h otlpIngestHandlers) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if h.ingester == nil {
		writeError(w, http.StatusServiceUnavailable, "ingestion unavailable")
		return nil, false
	}
	body, err := readOTLPBody(w, r, h.maxBodyBytes)
	switch {
	case err == nil:
		return body, true
	case errors.Is(err, errUnsupportedMedia):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, errUnsupportedEncoder):
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, errBodyTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	default:
		writeError(w, http.StatusBadRequest, err.Error())
	}
	return nil, false
}

func (h otlpIngestHandlers) writeIngestError(w http.ResponseWriter, r *http.Request, signal string, err error) {
	if errors.Is(err, otlp.ErrInvalidPayload) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.logger.ErrorContext(r.Context(), "ingest batch failed",
		"signal", signal,
		"error_class", telemetry.ClassifyError(err),
		"error", err,
	)
	writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to store %s batch", signal))
}

// readOTLPBody enforces the JSON content type and the body limit, which
// applies to the decompressed payload as well as the wire bytes.
func readOTLPBody(w http.ResponseWriter, r *http.Request, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBodyBytes
	}
	if err := checkContentType(r.Header.Get("Content-Type")); err != nil {
		return nil, err
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	defer r.Body.Close()

	var reader io.Reader = r.Body
	switch encoding := strings.ToLower(strings.TrimSpace(r.Header.Get("Content-Encoding"))); encoding {
	case "", "identity":
	case "gzip":
		gz, err := gzip.NewReader(r.Body)
		if err != nil {
			if isMaxBytesError(err) {
				return nil, errBodyTooLarge
			}
			return nil, fmt.Errorf("decompress gzip body: %w", err)
		}
		defer gz.Close()
		reader = gz
	default:
		return nil, fmt.Errorf("%w: %s", errUnsupportedEncoder, encoding)
	}

	body, err := io.ReadAll(io.LimitReader(reader, maxBytes+1))
	if err != nil {
		if isMaxBytesError(err) {
			return nil, errBodyTooLarge
		}
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, errBodyTooLarge
	}
	return body, nil
}

func checkContentType(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(raw)
	if err != nil {
		return fmt.Errorf("%w: %s", errUnsupportedMedia, raw)
	}
	switch mediaType {
	case "application/json", "text/json":
		return nil
	default:
		return fmt.Errorf("%w: %s", errUnsupportedMedia, mediaType)
	}
}

func isMaxBytesError(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}
