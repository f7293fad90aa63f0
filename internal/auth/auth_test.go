package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/butterr12/iskomunidad-guard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc/metadata"
)

// mockSessions implements SessionStore for testing.
type mockSessions struct {
	sessions  map[string]*store.Session
	users     map[string]*store.User
	sessErr   error
	userErr   error
	lookups   atomic.Int32
	userLoads atomic.Int32
}

func (m *mockSessions) LookupSession(_ context.Context, token string) (*store.Session, error) {
	m.lookups.Add(1)
	if m.sessErr != nil {
		return nil, m.sessErr
	}
	return m.sessions[token], nil
}

func (m *mockSessions) GetUser(_ context.Context, id string) (*store.User, error) {
	m.userLoads.Add(1)
	if m.userErr != nil {
		return nil, m.userErr
	}
	return m.users[id], nil
}

func strPtr(s string) *string { return &s }

func newMockSessions() *mockSessions {
	return &mockSessions{
		sessions: map[string]*store.Session{
			"tok-ana":    {ID: "s1", UserID: "u-ana", ExpiresAt: time.Now().Add(time.Hour)},
			"tok-ben":    {ID: "s2", UserID: "u-ben", ExpiresAt: time.Now().Add(time.Hour)},
			"tok-orphan": {ID: "s3", UserID: "u-gone", ExpiresAt: time.Now().Add(time.Hour)},
			"tok-stale":  {ID: "s4", UserID: "u-ana", ExpiresAt: time.Now().Add(-time.Minute)},
		},
		users: map[string]*store.User{
			"u-ana": {ID: "u-ana", Name: "Ana", Image: strPtr("https://img/ana.png"), Status: "active"},
			"u-ben": {ID: "u-ben", Name: "Ben", Status: "banned"},
		},
	}
}

func TestSessionGate_ActiveUser(t *testing.T) {
	g := NewSessionGate(newMockSessions(), zap.NewNop())
	p, err := g.Authenticate(context.Background(), "tok-ana")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if p.ID != "u-ana" || p.Name != "Ana" || p.Image == nil || p.Status != "active" {
		t.Errorf("unexpected principal %+v", p)
	}
}

func TestSessionGate_Rejections(t *testing.T) {
	g := NewSessionGate(newMockSessions(), zap.NewNop())
	cases := []struct {
		token string
		want  error
	}{
		{"", ErrMissingToken},
		{"   ", ErrMissingToken},
		{"tok-unknown", ErrInvalidSession},
		{"tok-stale", ErrInvalidSession},
		{"tok-orphan", ErrUserNotFound},
		{"tok-ben", ErrUserInactive},
	}
	for _, tc := range cases {
		p, err := g.Authenticate(context.Background(), tc.token)
		if !errors.Is(err, tc.want) {
			t.Errorf("token %q: expected %v, got %v", tc.token, tc.want, err)
		}
		if p != nil {
			t.Errorf("token %q: expected no principal", tc.token)
		}
	}
}

func TestSessionGate_FailsClosed(t *testing.T) {
	m := newMockSessions()
	m.sessErr = errors.New("connection refused")
	g := NewSessionGate(m, zap.NewNop())
	if _, err := g.Authenticate(context.Background(), "tok-ana"); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable, got %v", err)
	}

	m = newMockSessions()
	m.userErr = errors.New("timeout")
	g = NewSessionGate(m, zap.NewNop())
	if _, err := g.Authenticate(context.Background(), "tok-ana"); !errors.Is(err, ErrAuthUnavailable) {
		t.Fatalf("expected ErrAuthUnavailable on user lookup, got %v", err)
	}
}

func TestSessionGate_NoCaching(t *testing.T) {
	m := newMockSessions()
	g := NewSessionGate(m, zap.NewNop())
	g.Authenticate(context.Background(), "tok-ana")
	m.users["u-ana"].Status = "suspended"
	if _, err := g.Authenticate(context.Background(), "tok-ana"); !errors.Is(err, ErrUserInactive) {
		t.Fatalf("status change must apply on the next attempt, got %v", err)
	}
	if m.lookups.Load() != 2 {
		t.Errorf("expected 2 session lookups, got %d", m.lookups.Load())
	}
}

func TestReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{ErrMissingToken, "missing_token"},
		{ErrInvalidSession, "invalid_session"},
		{ErrUserNotFound, "user_not_found"},
		{ErrUserInactive, "user_inactive"},
		{fmt.Errorf("%w: dial tcp", ErrAuthUnavailable), "auth_unavailable"},
		{errors.New("other"), "unauthorized"},
	}
	for _, tc := range cases {
		if got := Reason(tc.err); got != tc.want {
			t.Errorf("Reason(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestBearerFromHeader(t *testing.T) {
	h := http.Header{}
	if _, ok := BearerFromHeader(h); ok {
		t.Error("expected no token without header")
	}
	h.Set("Authorization", "bearer abc123")
	if tok, ok := BearerFromHeader(h); !ok || tok != "abc123" {
		t.Errorf("expected case-insensitive scheme, got %q %v", tok, ok)
	}
	h.Set("Authorization", "Basic abc")
	if _, ok := BearerFromHeader(h); ok {
		t.Error("expected Basic to be rejected")
	}
	h.Set("Authorization", "Bearer    ")
	if _, ok := BearerFromHeader(h); ok {
		t.Error("expected empty bearer to be rejected")
	}
}

func TestBearerFromMetadata(t *testing.T) {
	if _, ok := BearerFromMetadata(context.Background()); ok {
		t.Error("expected no token without metadata")
	}
	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer svc-key"))
	if tok, ok := BearerFromMetadata(ctx); !ok || tok != "svc-key" {
		t.Errorf("unexpected token %q %v", tok, ok)
	}
}

func testHash(t *testing.T, key string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

func TestServiceKeyVerifier(t *testing.T) {
	v := NewServiceKeyVerifier(testHash(t, "svc-secret"), time.Minute)
	if err := v.Verify("svc-secret"); err != nil {
		t.Fatalf("expected valid key, got %v", err)
	}
	if !v.cache.Valid("svc-secret") {
		t.Error("expected verified key to be cached")
	}
	if err := v.Verify("wrong"); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey, got %v", err)
	}
	if err := v.Verify(""); !errors.Is(err, ErrInvalidAPIKey) {
		t.Errorf("expected ErrInvalidAPIKey for empty key, got %v", err)
	}
}

func TestServiceKeyVerifier_Disabled(t *testing.T) {
	v := NewServiceKeyVerifier("", 0)
	if !v.Disabled() || v.Verify("") != nil {
		t.Error("empty hash should disable checks")
	}
}

func TestHashKey_RoundTrip(t *testing.T) {
	h, err := HashKey("operator-key")
	if err != nil {
		t.Fatalf("HashKey: %v", err)
	}
	if err := NewServiceKeyVerifier(h, time.Minute).Verify("operator-key"); err != nil {
		t.Errorf("expected hashed key to verify, got %v", err)
	}
}
