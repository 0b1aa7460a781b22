package config

import "testing"

func TestLoadWithOverlayPatchesScalarField(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:8080"
upstreams:
  - name: api
    servers:
      - addr: "127.0.0.1:9001"
routes:
  - path_prefix: "/"
    upstream: api
`)
	cfg, err := LoadWithOverlay(path, map[string]string{
		"server.listen":         `"0.0.0.0:9443"`,
		"waf.audit_log.enabled": "true",
	})
	if err != nil {
		t.Fatalf("LoadWithOverlay returned error: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:9443" {
		t.Errorf("listen = %q, want overlaid value", cfg.Server.Listen)
	}
	if !cfg.Waf.AuditLog.Enabled {
		t.Error("expected audit_log.enabled overlay to apply")
	}
	if cfg.Upstreams[0].Servers[0].Addr != "127.0.0.1:9001" {
		t.Errorf("non-overlaid field should be untouched, got %q", cfg.Upstreams[0].Servers[0].Addr)
	}

	if len(cfg.AppliedOverlays) != 2 {
		t.Fatalf("expected 2 recorded overlay diffs, got %d", len(cfg.AppliedOverlays))
	}
	for _, d := range cfg.AppliedOverlays {
		if d.Path == "server.listen" && d.Previous != `"0.0.0.0:8080"` {
			t.Errorf("expected previous value for server.listen to be captured, got %q", d.Previous)
		}
	}
}

func TestLoadWithOverlayEmptyIsPlainLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:8080"
upstreams:
  - name: api
    servers:
      - addr: "127.0.0.1:9001"
routes:
  - path_prefix: "/"
    upstream: api
`)
	cfg, err := LoadWithOverlay(path, nil)
	if err != nil {
		t.Fatalf("LoadWithOverlay returned error: %v", err)
	}
	if cfg.Server.Listen != "0.0.0.0:8080" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
}

func TestLoadWithOverlayRejectsNonJSONValue(t *testing.T) {
	path := writeConfig(t, `
server:
  listen: "0.0.0.0:8080"
upstreams:
  - name: api
    servers:
      - addr: "127.0.0.1:9001"
routes:
  - path_prefix: "/"
    upstream: api
`)
	if _, err := LoadWithOverlay(path, map[string]string{"server.listen": "not json"}); err == nil {
		t.Error("expected error for a non-JSON overlay value")
	}
}
