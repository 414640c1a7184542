package telemetry

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// Error classes for persistence failures, used as a metric attribute and
// log field on failed ingestion batches.
const (
	ErrorClassConnection = "connection"
	ErrorClassTimeout    = "timeout"
	ErrorClassContention = "contention"
	ErrorClassConstraint = "constraint"
	ErrorClassUnknown    = "unknown"
)

// ClassifyError maps a store error to one of the error classes.
func ClassifyError(err error) string {
	if err == nil {
		return ErrorClassUnknown
	}

	// Timeouts first: a net.Error can also be an *net.OpError.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorClassTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrorClassTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPostgresCode(pgErr.Code)
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ErrorClassConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) {
		return ErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "connection refused", "broken pipe", "no such host", "bad connection"):
		return ErrorClassConnection
	case containsAny(msg, "timeout", "deadline exceeded"):
		return ErrorClassTimeout
	case containsAny(msg, "sqlite_busy", "database is locked"):
		return ErrorClassContention
	case containsAny(msg, "constraint failed", "violates foreign key constraint", "violates unique constraint", "violates check constraint", "duplicate key"):
		return ErrorClassConstraint
	}
	return ErrorClassUnknown
}

// classifyPostgresCode uses the SQLSTATE class (first two characters).
func classifyPostgresCode(code string) string {
	switch {
	case strings.HasPrefix(code, "08"):
		return ErrorClassConnection
	case strings.HasPrefix(code, "23"):
		return ErrorClassConstraint
	case code == "40001" || code == "40P01" || code == "55P03":
		return ErrorClassContention
	case code == "57014":
		return ErrorClassTimeout
	}
	return ErrorClassUnknown
}

func containsAny(msg string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
