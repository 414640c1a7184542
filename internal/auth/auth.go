package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"github.com/ongoingai/tooltelemetry/internal/pathutil"
)

type Permission string

const (
	PermissionTelemetryWrite Permission = "telemetry:write"
	PermissionUsageRead      Permission = "usage:read"
	PermissionProfilesManage Permission = "profiles:manage"
)

const (
	defaultHeaderName = "X-ToolTelemetry-Key"
	DefaultCustomerID = "default"
)

var ErrMissingKey = errors.New("missing api key")
var ErrInvalidKey = errors.New("invalid api key")

type KeyConfig struct {
	ID          string
	Token       string
	TokenHash   string
	CustomerID  string
	UserID      string
	TeamID      string
	Role        string
	Permissions []string
}

type Options struct {
	Enabled bool
	Header  string
	Keys    []KeyConfig
}

// Identity is the caller resolved from an API key. CustomerID scopes every
// read and write the caller makes.
type Identity struct {
	KeyID      string
	CustomerID string
	UserID     string
	TeamID     string
	Role       string

	permissions map[Permission]struct{}
}

// AnonymousIdentity is the caller used when auth is disabled: the default
// customer with every permission.
func AnonymousIdentity() *Identity {
	return &Identity{
		KeyID:      "anonymous",
		CustomerID: DefaultCustomerID,
		Role:       "admin",
		permissions: map[Permission]struct{}{
			PermissionTelemetryWrite: {},
			PermissionUsageRead:      {},
			PermissionProfilesManage: {},
		},
	}
}

func (i *Identity) HasPermission(permission Permission) bool {
	if i == nil {
		return false
	}
	_, ok := i.permissions[permission]
	return ok
}

type Authorizer struct {
	enabled bool
	header  string
	keys    map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = defaultHeaderName
	}

	authorizer := &Authorizer{
		enabled: options.Enabled,
		header:  header,
		keys:    map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Keys) == 0 {
		return nil, errors.New("auth is enabled but no api keys are configured")
	}

	for _, key := range options.Keys {
		tokenHash := normalizeTokenHash(key.TokenHash)
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, errors.New("api key token cannot be empty")
			}
			tokenHash = hashToken(token)
		}
		if _, exists := authorizer.keys[tokenHash]; exists {
			return nil, errors.New("duplicate api key token in auth config")
		}

		permissions := defaultRolePermissions(key.Role)
		for _, raw := range key.Permissions {
			permission := Permission(strings.ToLower(strings.TrimSpace(raw)))
			if permission == "" {
				continue
			}
			permissions[permission] = struct{}{}
		}

		authorizer.keys[tokenHash] = &Identity{
			KeyID:       strings.TrimSpace(key.ID),
			CustomerID:  nonEmpty(key.CustomerID, DefaultCustomerID),
			UserID:      strings.TrimSpace(key.UserID),
			TeamID:      strings.TrimSpace(key.TeamID),
			Role:        strings.ToLower(strings.TrimSpace(key.Role)),
			permissions: permissions,
		}
	}

	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Authorizer) HeaderName() string {
	if a == nil || strings.TrimSpace(a.header) == "" {
		return defaultHeaderName
	}
	return a.header
}

// Authenticate resolves the key from the configured header, falling back to
// an Authorization bearer token. It returns nil, nil when auth is disabled.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return nil, nil
	}

	token := strings.TrimSpace(r.Header.Get(a.HeaderName()))
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return nil, ErrMissingKey
	}

	identity, ok := a.keys[hashToken(token)]
	if !ok {
		return nil, ErrInvalidKey
	}
	return identity.clone(), nil
}

type MiddlewareOptions struct {
	APIPrefix     string
	IngestPrefix  string
	IngestLimiter IngestLimiter
	DenyRecorder  DenyRecorder
}

type IngestLimiter func(r *http.Request, identity *Identity) *LimitResult
type DenyRecorder func(r *http.Request, event DenyEvent)

// DenyEvent describes one rejected request.
type DenyEvent struct {
	Reason             string
	StatusCode         int
	Path               string
	RequiredPermission Permission
	KeyID              string
	CustomerID         string
}

type LimitResult struct {
	Message           string
	RetryAfterSeconds int
}

// Middleware authenticates, authorizes and rate limits requests before next.
// With auth disabled every request runs as AnonymousIdentity.
func Middleware(authorizer *Authorizer, options MiddlewareOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	apiPrefix := pathutil.NormalizePrefix(options.APIPrefix)
	if apiPrefix == "/" {
		apiPrefix = "/api"
	}
	ingestPrefix := pathutil.NormalizePrefix(options.IngestPrefix)
	if ingestPrefix == "/" {
		ingestPrefix = "/v1"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := requiredAccess(r.Method, r.URL.Path, apiPrefix, ingestPrefix)
		if decision.mode == accessModeBypass {
			next.ServeHTTP(w, r)
			return
		}
		recordDeny := func(statusCode int, reason string, identity *Identity) {
			if options.DenyRecorder == nil {
				return
			}
			event := DenyEvent{
				Reason:             reason,
				StatusCode:         statusCode,
				Path:               r.URL.Path,
				RequiredPermission: decision.permission,
			}
			if identity != nil {
				event.KeyID = identity.KeyID
				event.CustomerID = identity.CustomerID
			}
			options.DenyRecorder(r, event)
		}
		if decision.mode == accessModeDeny {
			recordDeny(http.StatusForbidden, "action_unmapped", nil)
			writeAuthError(w, http.StatusForbidden, "request is not allowed")
			return
		}

		identity := AnonymousIdentity()
		if authorizer.Enabled() {
			authenticated, err := authorizer.Authenticate(r)
			if err != nil {
				reason := "invalid_key"
				if errors.Is(err, ErrMissingKey) {
					reason = "missing_key"
				}
				recordDeny(http.StatusUnauthorized, reason, nil)
				writeAuthError(w, http.StatusUnauthorized, "missing or invalid api key")
				return
			}
			identity = authenticated
		}
		if !identity.HasPermission(decision.permission) {
			recordDeny(http.StatusForbidden, "permission_denied", identity)
			writeAuthError(w, http.StatusForbidden, "api key does not have required permission")
			return
		}

		request := r.Clone(WithIdentity(r.Context(), identity))
		if authorizer.Enabled() {
			request.Header = r.Header.Clone()
			request.Header.Del(authorizer.HeaderName())
			request.Header.Del("Authorization")
		}

		if decision.limited && options.IngestLimiter != nil {
			if result := options.IngestLimiter(request, identity); result != nil {
				recordDeny(http.StatusTooManyRequests, "rate_limited", identity)
				writeLimitError(w, *result)
				return
			}
		}

		next.ServeHTTP(w, request)
	})
}

type accessMode int

const (
	accessModeBypass accessMode = iota
	accessModeRequirePermission
	accessModeDeny
)

type accessDecision struct {
	mode       accessMode
	permission Permission
	limited    bool
}

func requiredAccess(method, path, apiPrefix, ingestPrefix string) accessDecision {
	method = strings.ToUpper(strings.TrimSpace(method))

	if method == http.MethodOptions {
		return accessDecision{mode: accessModeBypass}
	}

	switch {
	case pathutil.HasPathPrefix(path, ingestPrefix):
		switch path {
		case ingestPrefix + "/traces", ingestPrefix + "/metrics":
			return accessDecision{mode: accessModeRequirePermission, permission: PermissionTelemetryWrite, limited: true}
		default:
			return accessDecision{mode: accessModeBypass}
		}
	case pathutil.HasPathPrefix(path, apiPrefix):
		id, action, isProfilePath := pathutil.SplitResourcePath(path, apiPrefix+"/tool-profiles")
		switch {
		case path == apiPrefix+"/health" && isReadMethod(method):
			return accessDecision{mode: accessModeBypass}
		case path == apiPrefix+"/tool-profiles" && isReadMethod(method):
			return accessDecision{mode: accessModeRequirePermission, permission: PermissionUsageRead}
		case isProfilePath && id != "" && (action == "" || action == "usage") && isReadMethod(method):
			return accessDecision{mode: accessModeRequirePermission, permission: PermissionUsageRead}
		case isProfilePath && id != "" && action == "" && method == http.MethodDelete:
			return accessDecision{mode: accessModeRequirePermission, permission: PermissionProfilesManage}
		case path == apiPrefix+"/diagnostics/metering" && isReadMethod(method):
			return accessDecision{mode: accessModeRequirePermission, permission: PermissionUsageRead}
		default:
			return accessDecision{mode: accessModeDeny}
		}
	default:
		return accessDecision{mode: accessModeBypass}
	}
}

func defaultRolePermissions(role string) map[Permission]struct{} {
	permissions := map[Permission]struct{}{}
	for _, permission := range permissionsForRole(role) {
		permissions[permission] = struct{}{}
	}
	return permissions
}

func permissionsForRole(role string) []Permission {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case "owner", "admin":
		return []Permission{
			PermissionTelemetryWrite,
			PermissionUsageRead,
			PermissionProfilesManage,
		}
	case "viewer":
		return []Permission{
			PermissionUsageRead,
		}
	case "ingest":
		return []Permission{
			PermissionTelemetryWrite,
		}
	case "":
		return []Permission{
			PermissionTelemetryWrite,
			PermissionUsageRead,
		}
	default:
		// Unknown roles only get what the key config grants explicitly.
		return nil
	}
}

func isReadMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func writeLimitError(w http.ResponseWriter, result LimitResult) {
	message := strings.TrimSpace(result.Message)
	if message == "" {
		message = "ingest rate limit exceeded"
	}
	payload := map[string]any{
		"error": message,
	}
	if result.RetryAfterSeconds > 0 {
		payload["retry_after_seconds"] = result.RetryAfterSeconds
		w.Header().Set("Retry-After", strconv.Itoa(result.RetryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(payload)
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}

func nonEmpty(value, fallback string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return fallback
	}
	return value
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalizeTokenHash(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	if len(i.permissions) > 0 {
		out.permissions = make(map[Permission]struct{}, len(i.permissions))
		for permission := range i.permissions {
			out.permissions[permission] = struct{}{}
		}
	}
	return &out
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(contextIdentityKey{}).(*Identity)
	return identity, ok && identity != nil
}
