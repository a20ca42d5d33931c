package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/tracepoint-dev/tracepoint/internal/apikey"
)

// AccessLevel bounds what an authenticated caller may ingest.
type AccessLevel string

const (
	// AccessAll permits every event type within the project.
	AccessAll AccessLevel = "all"
	// AccessScores permits score-create events only.
	AccessScores AccessLevel = "scores"
)

var ErrMissingCredentials = errors.New("missing credentials")
var ErrInvalidCredentials = errors.New("invalid credentials")

// AccessScope is the authenticated result attached to a request: the
// project every event must belong to, plus the permitted event surface.
type AccessScope struct {
	ProjectID   string
	AccessLevel AccessLevel
	PublicKey   string
}

// CanIngest reports whether the scope allows the given event type.
func (s *AccessScope) CanIngest(eventType string) bool {
	if s == nil {
		return false
	}
	switch s.AccessLevel {
	case AccessAll:
		return true
	case AccessScores:
		return strings.HasPrefix(eventType, "score-")
	default:
		return false
	}
}

// Verifier resolves Authorization headers to project access scopes.
type Verifier struct {
	keys apikey.Store
}

func NewVerifier(keys apikey.Store) (*Verifier, error) {
	if keys == nil {
		return nil, errors.New("verifier requires an api key store")
	}
	return &Verifier{keys: keys}, nil
}

// Authenticate resolves the request credentials to an access scope.
//
// Basic auth carries publicKey:secretKey and grants full ingest access.
// Bearer auth carries the public key alone and grants score-only access.
// All failure modes collapse to ErrInvalidCredentials so callers cannot
// probe which part of a credential pair was wrong.
func (v *Verifier) Authenticate(r *http.Request) (*AccessScope, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return nil, ErrMissingCredentials
	}

	scheme, payload, found := strings.Cut(header, " ")
	if !found {
		return nil, ErrInvalidCredentials
	}
	payload = strings.TrimSpace(payload)

	switch {
	case strings.EqualFold(scheme, "Basic"):
		return v.authenticateBasic(r.Context(), payload)
	case strings.EqualFold(scheme, "Bearer"):
		return v.authenticateBearer(r.Context(), payload)
	default:
		return nil, ErrInvalidCredentials
	}
}

func (v *Verifier) authenticateBasic(ctx context.Context, payload string) (*AccessScope, error) {
	decoded, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	publicKey, secretKey, found := strings.Cut(string(decoded), ":")
	if !found || publicKey == "" || secretKey == "" {
		return nil, ErrInvalidCredentials
	}

	key, err := v.keys.GetByPublicKey(ctx, publicKey)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !apikey.VerifySecret(secretKey, key.SecretHash) {
		return nil, ErrInvalidCredentials
	}
	return &AccessScope{
		ProjectID:   key.ProjectID,
		AccessLevel: AccessAll,
		PublicKey:   key.PublicKey,
	}, nil
}

func (v *Verifier) authenticateBearer(ctx context.Context, payload string) (*AccessScope, error) {
	if payload == "" {
		return nil, ErrInvalidCredentials
	}
	key, err := v.keys.GetByPublicKey(ctx, payload)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	return &AccessScope{
		ProjectID:   key.ProjectID,
		AccessLevel: AccessScores,
		PublicKey:   key.PublicKey,
	}, nil
}

type contextScopeKey struct{}

func WithScope(ctx context.Context, scope *AccessScope) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if scope == nil {
		return ctx
	}
	return context.WithValue(ctx, contextScopeKey{}, scope)
}

func ScopeFromContext(ctx context.Context) (*AccessScope, bool) {
	if ctx == nil {
		return nil, false
	}
	scope, ok := ctx.Value(contextScopeKey{}).(*AccessScope)
	return scope, ok && scope != nil
}
