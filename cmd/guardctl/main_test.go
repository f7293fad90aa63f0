package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/butterr12/iskomunidad-guard/internal/api"
	"github.com/butterr12/iskomunidad-guard/internal/identity"
	"github.com/butterr12/iskomunidad-guard/internal/storage"
	"golang.org/x/crypto/bcrypt"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cli := CLI{out: &out}
	parser, err := kong.New(&cli, kong.Name("guardctl"))
	if err != nil {
		t.Fatalf("kong.New: %v", err)
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return "", err
	}
	err = ctx.Run(&cli)
	return out.String(), err
}

func TestHashCmd_MatchesResolver(t *testing.T) {
	t.Setenv("GUARD_IDENTITY_SECRET", "")
	r, err := identity.NewResolver([]byte("s3cret"))
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	out, err := runCLI(t, "hash", "--secret", "s3cret", "--domain", "user", "u-42")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if strings.TrimSpace(out) != r.Hash("user", "u-42") {
		t.Errorf("unexpected hash %q", out)
	}

	out, err = runCLI(t, "hash", "--secret", "s3cret", "--domain", "ip", "203.0.113.9:443")
	if err != nil {
		t.Fatalf("hash ip: %v", err)
	}
	if strings.TrimSpace(out) != r.Resolve(identity.Signals{IP: "203.0.113.9"}).IPHash {
		t.Errorf("ip hash should match the resolver, got %q", out)
	}

	if _, err := runCLI(t, "hash", "--secret", "s3cret", "--domain", "ip", "not-an-ip"); err == nil {
		t.Error("expected error for invalid ip")
	}
}

func TestHashKeyCmd(t *testing.T) {
	out, err := runCLI(t, "hash-key", "svc_key")
	if err != nil {
		t.Fatalf("hash-key: %v", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("svc_key")); err != nil {
		t.Errorf("printed hash does not verify: %v", err)
	}
}

func TestOperatorCommands(t *testing.T) {
	t.Setenv("GUARD_API_KEY", "")
	var cleared string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(api.ErrorResp{Detail: "Invalid service key"})
			return
		}
		switch {
		case r.URL.Path == "/api/guard/stats":
			if r.URL.Query().Get("hours") != "6" {
				t.Errorf("expected hours=6, got %q", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(api.StatsResp{Hours: 6, Summary: &storage.Summary{Total: 3, Throttles: 1}})
		case r.URL.Path == "/api/guard/events":
			if r.URL.Query().Get("action") != "post.create" || r.URL.Query().Get("is_shadow") != "false" {
				t.Errorf("unexpected query %q", r.URL.RawQuery)
			}
			json.NewEncoder(w).Encode(api.EventListResp{
				Events: []storage.AbuseEvent{{
					Action:        "post.create",
					Decision:      "throttle",
					Mode:          "enforce",
					TriggeredRule: "burst-rate",
					CurrentCount:  storage.Int32Ptr(6),
					LimitValue:    storage.Int32Ptr(5),
				}},
				Total: 1, Page: 1, PageSize: 50,
			})
		case strings.HasPrefix(r.URL.Path, "/api/guard/cooldowns/"):
			cleared = strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/guard/cooldowns/"), "/clear")
			json.NewEncoder(w).Encode(api.ClearCooldownResp{Cleared: 2})
		case r.URL.Path == "/api/guard/policy/reload":
			json.NewEncoder(w).Encode(api.PolicyReloadResp{Mode: "enforce", Actions: 4})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	out, err := runCLI(t, "--url", srv.URL, "--key", "k1", "stats", "--hours", "6")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, `"throttles": 1`) {
		t.Errorf("unexpected stats output %s", out)
	}

	out, err = runCLI(t, "--url", srv.URL, "--key", "k1", "events", "--action", "post.create", "--no-shadow")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if !strings.Contains(out, "burst-rate") || !strings.Contains(out, "6/5") {
		t.Errorf("unexpected events output %s", out)
	}

	out, err = runCLI(t, "--url", srv.URL, "--key", "k1", "clear-cooldown", "abc123")
	if err != nil {
		t.Fatalf("clear-cooldown: %v", err)
	}
	if cleared != "abc123" || !strings.Contains(out, "cleared 2") {
		t.Errorf("unexpected clear result %q %q", cleared, out)
	}

	if _, err := runCLI(t, "--url", srv.URL, "--key", "k1", "reload-policy"); err != nil {
		t.Fatalf("reload-policy: %v", err)
	}

	_, err = runCLI(t, "--url", srv.URL, "--key", "wrong", "stats")
	if err == nil || !strings.Contains(err.Error(), "Invalid service key") {
		t.Errorf("expected server detail in error, got %v", err)
	}
}
