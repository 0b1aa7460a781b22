// Package config loads and validates the WAF/proxy configuration tree
// from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// AppConfig is the root configuration object.
type AppConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Upstreams   []UpstreamConfig  `yaml:"upstreams"`
	Routes      []RouteConfig     `yaml:"routes"`
	Waf         WafConfig         `yaml:"waf"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	IPReputation IPReputationConfig `yaml:"ip_reputation"`
	BotDetect   BotDetectConfig   `yaml:"bot_detect"`
	AntiScrape  AntiScrapeConfig  `yaml:"anti_scrape"`
	GeoIP       GeoIPConfig       `yaml:"geoip"`

	// AppliedOverlays records the overlay patches LoadWithOverlay applied,
	// if any, for startup diagnostics. Never populated by Load.
	AppliedOverlays []OverlayDiff `yaml:"-"`
}

// ServerConfig describes the listener(s) the proxy binds.
type ServerConfig struct {
	Listen string      `yaml:"listen"`
	TLS    *TLSConfig  `yaml:"tls,omitempty"`
	Admin  AdminConfig `yaml:"admin"`
}

// TLSConfig controls TLS termination, either via a static certificate/key
// pair or via automatic on-demand provisioning for the routes' hosts.
type TLSConfig struct {
	Cert    string `yaml:"cert"`
	Key     string `yaml:"key"`
	AutoTLS bool   `yaml:"auto_tls"`
}

// AdminConfig controls the minimal admin surface this implementation
// carries: a liveness probe, plus the Prometheus /metrics endpoint when
// Dashboard is set.
type AdminConfig struct {
	Listen    string `yaml:"listen"`
	Dashboard bool   `yaml:"dashboard"`
}

func defaultAdminConfig() AdminConfig {
	return AdminConfig{Listen: "127.0.0.1:9090", Dashboard: true}
}

// UpstreamConfig is a named pool of backend servers.
type UpstreamConfig struct {
	Name        string              `yaml:"name"`
	Servers     []UpstreamServer    `yaml:"servers"`
	HealthCheck *HealthCheckConfig  `yaml:"health_check,omitempty"`
}

// UpstreamServer is one weighted backend address.
type UpstreamServer struct {
	Addr   string `yaml:"addr"`
	Weight int    `yaml:"weight"`
}

// HealthCheckConfig tunes upstream liveness probing.
type HealthCheckConfig struct {
	IntervalSecs int    `yaml:"interval_secs"`
	Path         string `yaml:"path"`
}

func defaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{IntervalSecs: 10, Path: "/health"}
}

// WafMode selects how a route's WAF phase reacts to a non-pass verdict.
type WafMode string

const (
	WafModeBlock  WafMode = "block"
	WafModeDetect WafMode = "detect"
	WafModeOff    WafMode = "off"
)

// RouteWafConfig is a per-route override of the global WAF behavior.
type RouteWafConfig struct {
	Enabled bool    `yaml:"enabled"`
	Mode    WafMode `yaml:"mode"`
}

func defaultRouteWafConfig() RouteWafConfig {
	return RouteWafConfig{Enabled: true, Mode: WafModeBlock}
}

// RateLimitAlgorithm selects the per-route rate-limiting strategy.
type RateLimitAlgorithm string

const (
	AlgorithmTokenBucket   RateLimitAlgorithm = "token_bucket"
	AlgorithmSlidingWindow RateLimitAlgorithm = "sliding_window"
)

// RouteRateLimitConfig is a per-route rate-limit override.
type RouteRateLimitConfig struct {
	RPS       float64            `yaml:"rps"`
	Burst     float64            `yaml:"burst"`
	Algorithm RateLimitAlgorithm `yaml:"algorithm"`
	WindowSec int                `yaml:"window_sec"`
}

// RouteConfig binds an incoming Host/path-prefix match to an upstream
// pool plus per-route WAF and rate-limit overrides.
type RouteConfig struct {
	Host       string                `yaml:"host,omitempty"`
	PathPrefix string                `yaml:"path_prefix"`
	Upstream   string                `yaml:"upstream"`
	Waf        RouteWafConfig        `yaml:"waf"`
	RateLimit  *RouteRateLimitConfig `yaml:"rate_limit,omitempty"`
}

// AuditLogConfig controls the optional persistent audit-log sink. Backend
// selects where entries land: "file" (default, newline-delimited JSON at
// Path) or "postgres" (DSN-addressed, for deployments that already run a
// database for other WAF bookkeeping).
type AuditLogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Backend string `yaml:"backend,omitempty"`
	DSN     string `yaml:"dsn,omitempty"`
}

func defaultAuditLogConfig() AuditLogConfig {
	return AuditLogConfig{Enabled: false, Path: "/var/log/layer7waf/audit.log", Backend: "file"}
}

// WafConfig is the global WAF engine configuration.
type WafConfig struct {
	Rules            []string       `yaml:"rules"`
	RequestBodyLimit int            `yaml:"request_body_limit"`
	AuditLog         AuditLogConfig `yaml:"audit_log"`
}

func defaultWafConfig() WafConfig {
	return WafConfig{Rules: nil, RequestBodyLimit: 13_107_200, AuditLog: defaultAuditLogConfig()}
}

// RateLimitConfig is the global rate-limiting default, overridable per route.
type RateLimitConfig struct {
	Enabled     bool    `yaml:"enabled"`
	DefaultRPS  float64 `yaml:"default_rps"`
	DefaultBurst float64 `yaml:"default_burst"`
}

func defaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{Enabled: false, DefaultRPS: 100, DefaultBurst: 200}
}

// IPReputationConfig points at blocklist/allowlist files.
type IPReputationConfig struct {
	Blocklist string `yaml:"blocklist,omitempty"`
	Allowlist string `yaml:"allowlist,omitempty"`
}

// ChallengeConfig configures the JS proof-of-work challenge.
type ChallengeConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Secret     string `yaml:"secret"`
	Difficulty int    `yaml:"difficulty"`
	TTLSecs    int64  `yaml:"ttl_secs"`
}

// BotDetectConfig controls fingerprinting and scoring.
type BotDetectConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Mode           string          `yaml:"mode"`
	ScoreThreshold float64         `yaml:"score_threshold"`
	Allowlist      []string        `yaml:"allowlist"`
	Challenge      ChallengeConfig `yaml:"challenge"`
}

func defaultBotDetectConfig() BotDetectConfig {
	return BotDetectConfig{
		Enabled:        false,
		Mode:           "block",
		ScoreThreshold: 0.7,
		Challenge:      ChallengeConfig{Enabled: false, Difficulty: 16, TTLSecs: 3600},
	}
}

// CaptchaConfig configures the arithmetic CAPTCHA.
type CaptchaConfig struct {
	Enabled bool   `yaml:"enabled"`
	Secret  string `yaml:"secret"`
	TTLSecs int64  `yaml:"ttl_secs"`
}

// HoneypotConfig configures the hidden trap link.
type HoneypotConfig struct {
	Enabled        bool   `yaml:"enabled"`
	TrapPathPrefix string `yaml:"trap_path_prefix"`
}

// ObfuscationConfig controls zero-width watermarking of responses.
type ObfuscationConfig struct {
	Enabled bool `yaml:"enabled"`
}

// AntiScrapeConfig controls session-based scraping defenses.
type AntiScrapeConfig struct {
	Enabled        bool              `yaml:"enabled"`
	Mode           string            `yaml:"mode"`
	ScoreThreshold float64           `yaml:"score_threshold"`
	Captcha        CaptchaConfig     `yaml:"captcha"`
	Honeypot       HoneypotConfig    `yaml:"honeypot"`
	Obfuscation    ObfuscationConfig `yaml:"obfuscation"`
}

func defaultAntiScrapeConfig() AntiScrapeConfig {
	return AntiScrapeConfig{
		Enabled:        false,
		Mode:           "block",
		ScoreThreshold: 0.6,
		Captcha:        CaptchaConfig{TTLSecs: 1800},
		Honeypot:       HoneypotConfig{TrapPathPrefix: "/.well-known/l7w-trap"},
	}
}

// GeoIPConfig points at an optional MaxMind country database.
type GeoIPConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path,omitempty"`
}

// Load reads and parses a YAML config file, applying defaults for any
// zero-valued subsection left unset by the file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return parseAndFinalize(data, path)
}

// parseAndFinalize unmarshals already-read YAML bytes into an AppConfig,
// fills in defaults for unset subsections, and validates the result. path
// is used only to annotate error messages.
func parseAndFinalize(data []byte, path string) (*AppConfig, error) {
	cfg := &AppConfig{
		Server:      ServerConfig{Admin: defaultAdminConfig()},
		Waf:         defaultWafConfig(),
		RateLimit:   defaultRateLimitConfig(),
		BotDetect:   defaultBotDetectConfig(),
		AntiScrape:  defaultAntiScrapeConfig(),
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	for i := range cfg.Upstreams {
		if cfg.Upstreams[i].HealthCheck == nil {
			hc := defaultHealthCheckConfig()
			cfg.Upstreams[i].HealthCheck = &hc
		}
		for j := range cfg.Upstreams[i].Servers {
			if cfg.Upstreams[i].Servers[j].Weight <= 0 {
				cfg.Upstreams[i].Servers[j].Weight = 1
			}
		}
	}
	for i := range cfg.Routes {
		if cfg.Routes[i].PathPrefix == "" {
			cfg.Routes[i].PathPrefix = "/"
		}
		if cfg.Routes[i].Waf.Mode == "" {
			cfg.Routes[i].Waf = defaultRouteWafConfig()
		}
	}
	if cfg.Waf.AuditLog.Backend == "" {
		cfg.Waf.AuditLog.Backend = "file"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency: every
// route must reference a defined upstream, and every upstream must have
// at least one server.
func (c *AppConfig) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen must not be empty")
	}

	upstreamNames := make(map[string]bool, len(c.Upstreams))
	for _, u := range c.Upstreams {
		if len(u.Servers) == 0 {
			return fmt.Errorf("upstream %q has no servers", u.Name)
		}
		upstreamNames[u.Name] = true
	}

	for _, r := range c.Routes {
		if !upstreamNames[r.Upstream] {
			return fmt.Errorf("route for upstream %q: no such upstream defined", r.Upstream)
		}
	}

	return nil
}
