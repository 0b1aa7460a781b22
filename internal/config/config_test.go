package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:8080"
upstreams:
  - name: api
    servers:
      - addr: "127.0.0.1:9001"
        weight: 2
      - addr: "127.0.0.1:9002"
routes:
  - path_prefix: "/"
    upstream: api
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Upstreams[0].Servers[1].Weight != 1 {
		t.Errorf("unset weight should default to 1, got %d", cfg.Upstreams[0].Servers[1].Weight)
	}
	if cfg.Upstreams[0].HealthCheck == nil || cfg.Upstreams[0].HealthCheck.Path != "/health" {
		t.Error("expected default health check to be applied")
	}
	if cfg.Waf.RequestBodyLimit != 13_107_200 {
		t.Errorf("expected default request body limit, got %d", cfg.Waf.RequestBodyLimit)
	}
}

func TestValidateRejectsMissingListen(t *testing.T) {
	cfg := &AppConfig{}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty server.listen")
	}
}

func TestValidateRejectsUnknownUpstream(t *testing.T) {
	cfg := &AppConfig{
		Server:    ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []UpstreamConfig{{Name: "api", Servers: []UpstreamServer{{Addr: "a:1"}}}},
		Routes:    []RouteConfig{{Upstream: "missing"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for route referencing an undefined upstream")
	}
}

func TestValidateRejectsUpstreamWithNoServers(t *testing.T) {
	cfg := &AppConfig{
		Server:    ServerConfig{Listen: "0.0.0.0:8080"},
		Upstreams: []UpstreamConfig{{Name: "api"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for upstream with no servers")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error loading a nonexistent config file")
	}
}
