package api

import (
	"net/http"
	"strings"

	"github.com/ongoingai/tooltelemetry/internal/auth"
	"github.com/ongoingai/tooltelemetry/internal/ingest"
)

// requestIdentity returns the caller attached by auth.Middleware, falling
// back to the anonymous identity when the router is mounted without it.
func requestIdentity(r *http.Request) *auth.Identity {
	if r != nil {
		if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
			return identity
		}
	}
	return auth.AnonymousIdentity()
}

func requestCustomerID(r *http.Request) string {
	return nonEmptyCustomer(requestIdentity(r).CustomerID)
}

func ingestIdentity(r *http.Request) ingest.Identity {
	identity := requestIdentity(r)
	return ingest.Identity{
		CustomerID: nonEmptyCustomer(identity.CustomerID),
		UserID:     strings.TrimSpace(identity.UserID),
		TeamID:     strings.TrimSpace(identity.TeamID),
	}
}

func nonEmptyCustomer(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return auth.DefaultCustomerID
	}
	return value
}
