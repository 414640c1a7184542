package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

type timeoutError struct{ msg string }

func (e *timeoutError) Error() string   { return e.msg }
func (e *timeoutError) Timeout() bool   { return true }
func (e *timeoutError) Temporary() bool { return false }

func TestClassifyError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil error", err: nil, want: ErrorClassUnknown},
		{name: "deadline exceeded", err: context.DeadlineExceeded, want: ErrorClassTimeout},
		{name: "wrapped cancel", err: fmt.Errorf("insert spans: %w", context.Canceled), want: ErrorClassTimeout},
		{name: "net timeout", err: &timeoutError{msg: "i/o timeout"}, want: ErrorClassTimeout},
		{
			name: "net.OpError",
			err:  &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")},
			want: ErrorClassConnection,
		},
		{name: "ECONNRESET", err: fmt.Errorf("read: %w", syscall.ECONNRESET), want: ErrorClassConnection},
		{name: "sqlite busy", err: errors.New("database is locked (5) (SQLITE_BUSY)"), want: ErrorClassContention},
		{name: "sqlite constraint", err: errors.New("constraint failed: UNIQUE constraint failed: spans.id"), want: ErrorClassConstraint},
		{name: "postgres unique", err: fmt.Errorf("upsert: %w", &pgconn.PgError{Code: "23505"}), want: ErrorClassConstraint},
		{name: "postgres connection", err: &pgconn.PgError{Code: "08006"}, want: ErrorClassConnection},
		{name: "postgres deadlock", err: &pgconn.PgError{Code: "40P01"}, want: ErrorClassContention},
		{name: "postgres statement timeout", err: &pgconn.PgError{Code: "57014"}, want: ErrorClassTimeout},
		{name: "postgres other", err: &pgconn.PgError{Code: "42P01"}, want: ErrorClassUnknown},
		{name: "opaque", err: errors.New("something odd"), want: ErrorClassUnknown},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := ClassifyError(tt.err); got != tt.want {
				t.Fatalf("ClassifyError(%v)=%q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
