package pipeline

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/veil-waf/veil-go/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMatchRouteWildcardHost(t *testing.T) {
	cfg := &config.AppConfig{
		Server:    config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: "127.0.0.1:1", Weight: 1}}}},
		Routes: []config.RouteConfig{
			{Host: "specific.example.com", PathPrefix: "/admin", Upstream: "api"},
			{PathPrefix: "/", Upstream: "api"},
		},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	rt, idx := p.matchRoute("other.example.com", "/anything")
	if rt == nil || idx != 1 {
		t.Fatalf("expected wildcard-host fallback route at index 1, got idx=%d", idx)
	}

	rt, idx = p.matchRoute("specific.example.com", "/admin/panel")
	if rt == nil || idx != 0 {
		t.Fatalf("expected host-specific route at index 0, got idx=%d", idx)
	}
}

func TestMatchRouteNoMatch(t *testing.T) {
	cfg := &config.AppConfig{
		Server:    config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: "127.0.0.1:1", Weight: 1}}}},
		Routes:    []config.RouteConfig{{Host: "only.example.com", PathPrefix: "/", Upstream: "api"}},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	if rt, idx := p.matchRoute("nope.example.com", "/"); rt != nil || idx != -1 {
		t.Fatalf("expected no route match, got idx=%d", idx)
	}
}

func TestServeHTTPProxiesToUpstream(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Waf-Processed") != "true" {
			t.Errorf("expected X-Waf-Processed header on upstream request")
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "hello from upstream")
	}))
	defer backend.Close()

	addr := backend.Listener.Addr().String()
	cfg := &config.AppConfig{
		Server:    config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: addr, Weight: 1}}}},
		Routes:    []config.RouteConfig{{PathPrefix: "/", Upstream: "api"}},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/hello", nil)
	req.RemoteAddr = "203.0.113.5:54321"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello from upstream" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected X-Content-Type-Options: nosniff, got %q", got)
	}
	if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("expected X-Frame-Options: DENY, got %q", got)
	}
}

func TestServeHTTPNoMatchingUpstreamFallsBackToFirstRoute(t *testing.T) {
	cfg := &config.AppConfig{
		Server:    config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: "127.0.0.1:1", Weight: 1}}}},
		Routes:    []config.RouteConfig{{Host: "only.example.com", PathPrefix: "/", Upstream: "api"}},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	req.Host = "nope.example.com"
	req.RemoteAddr = "203.0.113.5:1"
	rec := httptest.NewRecorder()

	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 for an unreachable loopback stub, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Could not reach backend") {
		t.Errorf("expected the first route's upstream to be dialed, got body %q", rec.Body.String())
	}
}

func TestServeHTTPBlocklistedIP(t *testing.T) {
	blocklist := filepath.Join(t.TempDir(), "blocklist.txt")
	if err := os.WriteFile(blocklist, []byte("10.0.0.0/8\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := &config.AppConfig{
		Server:       config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams:    []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: "127.0.0.1:1", Weight: 1}}}},
		Routes:       []config.RouteConfig{{PathPrefix: "/", Upstream: "api"}},
		IPReputation: config.IPReputationConfig{Blocklist: blocklist},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	if rec.Body.String() != "Forbidden: IP blocked\n" {
		t.Errorf("unexpected body: %q", rec.Body.String())
	}
	if rec.Header().Get("Connection") != "close" {
		t.Error("blocked responses must disable keep-alive")
	}
}

func TestServeHTTPRateLimitBurst(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	cfg := &config.AppConfig{
		Server:    config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: backend.Listener.Addr().String(), Weight: 1}}}},
		Routes:    []config.RouteConfig{{PathPrefix: "/", Upstream: "api"}},
		RateLimit: config.RateLimitConfig{Enabled: true, DefaultRPS: 5, DefaultBurst: 3},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	var statuses []int
	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "1.2.3.4:5555"
		rec := httptest.NewRecorder()
		p.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
		if rec.Code == http.StatusTooManyRequests && rec.Header().Get("Retry-After") != "1" {
			t.Errorf("request %d: 429 without Retry-After: 1", i)
		}
	}

	want := []int{200, 200, 200, 429, 429, 429}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
}

func TestServeHTTPRewritesHTMLResponse(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, "<html><body><p>Hello</p></body></html>")
	}))
	defer backend.Close()

	cfg := &config.AppConfig{
		Server:    config.ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []config.UpstreamConfig{{Name: "api", Servers: []config.UpstreamServer{{Addr: backend.Listener.Addr().String(), Weight: 1}}}},
		Routes:    []config.RouteConfig{{PathPrefix: "/", Upstream: "api"}},
		AntiScrape: config.AntiScrapeConfig{
			Enabled:        true,
			Mode:           "detect",
			ScoreThreshold: 0.6,
			Captcha:        config.CaptchaConfig{Secret: "test-secret", TTLSecs: 1800},
			Honeypot:       config.HoneypotConfig{Enabled: true, TrapPathPrefix: "/.well-known/l7w-trap"},
			Obfuscation:    config.ObfuscationConfig{Enabled: true},
		},
	}
	p, err := New(cfg, nil, nil, nil, nil, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.RemoteAddr = "203.0.113.7:1234"
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, `/.well-known/l7w-trap/`) {
		t.Error("expected honeypot trap link injected before </body>")
	}
	if !strings.ContainsRune(body, '​') && !strings.ContainsRune(body, '‌') {
		t.Error("expected zero-width watermark characters in rewritten body")
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected X-Content-Type-Options: nosniff on rewritten response")
	}
}

func TestClientIPOfPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	req.Header.Set("X-Forwarded-For", "198.51.100.9, 10.0.0.1")

	if got := clientIPOf(req); got != "198.51.100.9" {
		t.Errorf("clientIPOf = %q, want 198.51.100.9", got)
	}
}

func TestClientIPOfFallsBackToRemoteAddr(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"

	if got := clientIPOf(req); got != "203.0.113.9" {
		t.Errorf("clientIPOf = %q, want 203.0.113.9", got)
	}
}
