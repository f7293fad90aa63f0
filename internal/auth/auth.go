package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/store"
	"go.uber.org/zap"
	"google.golang.org/grpc/metadata"
)

var (
	ErrMissingToken    = errors.New("missing session token")
	ErrInvalidSession  = errors.New("session not found or expired")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserInactive    = errors.New("user is not active")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
	ErrInvalidAPIKey   = errors.New("invalid API key")
)

const lookupTimeout = 5 * time.Second

// Principal is the authenticated user attached to a realtime connection. It is
// the only identity source for the lifetime of the connection.
type Principal struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	Image  *string `json:"image"`
	Status string  `json:"status"`
}

// SessionStore abstracts the session and user lookups for testability.
type SessionStore interface {
	LookupSession(ctx context.Context, token string) (*store.Session, error)
	GetUser(ctx context.Context, id string) (*store.User, error)
}

// SessionGate validates a bearer session token against the platform's session
// store. Results are never cached, so a revoked session or banned user is
// rejected on the next connection attempt.
type SessionGate struct {
	store  SessionStore
	logger *zap.Logger
	now    func() time.Time
}

// NewSessionGate creates a gate over store.
func NewSessionGate(store SessionStore, logger *zap.Logger) *SessionGate {
	return &SessionGate{store: store, logger: logger, now: time.Now}
}

// Authenticate resolves token to an active user. Lookup failures fail closed
// with ErrAuthUnavailable.
func (g *SessionGate) Authenticate(ctx context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	sess, err := g.store.LookupSession(ctx, token)
	if err != nil {
		g.logger.Warn("session lookup failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if sess == nil || !sess.ExpiresAt.After(g.now()) {
		return nil, ErrInvalidSession
	}

	user, err := g.store.GetUser(ctx, sess.UserID)
	if err != nil {
		g.logger.Warn("user lookup failed", zap.String("user_id", sess.UserID), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if user.Status != "active" {
		return nil, ErrUserInactive
	}

	return &Principal{
		ID:     user.ID,
		Name:   user.Name,
		Image:  user.Image,
		Status: user.Status,
	}, nil
}

// Reason maps an authentication error to the short code sent to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrInvalidSession):
		return "invalid_session"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrUserInactive):
		return "user_inactive"
	case errors.Is(err, ErrAuthUnavailable):
		return "auth_unavailable"
	default:
		return "unauthorized"
	}
}

// BearerFromHeader extracts the token from an "Authorization: Bearer" header.
// RFC 6750: the scheme is case-insensitive.
func BearerFromHeader(h http.Header) (string, bool) {
	return parseBearer(h.Get("Authorization"))
}

// BearerFromMetadata extracts the bearer token from incoming gRPC metadata.
func BearerFromMetadata(ctx context.Context) (string, bool) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", false
	}
	vals := md.Get("authorization")
	if len(vals) == 0 {
		return "", false
	}
	return parseBearer(vals[0])
}

func parseBearer(v string) (string, bool) {
	if len(v) < 7 || !strings.EqualFold(v[:7], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(v[7:])
	return token, token != ""
}
