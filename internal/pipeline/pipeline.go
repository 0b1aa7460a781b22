// Package pipeline wires IP reputation, rate limiting, bot detection,
// anti-scraping, and WAF inspection into a single request/response
// orchestrator sitting in front of a set of weighted upstream pools.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/veil-waf/veil-go/internal/antiscrape"
	"github.com/veil-waf/veil-go/internal/audit"
	"github.com/veil-waf/veil-go/internal/botdetect"
	"github.com/veil-waf/veil-go/internal/config"
	"github.com/veil-waf/veil-go/internal/fingerprint"
	"github.com/veil-waf/veil-go/internal/geoip"
	"github.com/veil-waf/veil-go/internal/metrics"
	"github.com/veil-waf/veil-go/internal/ratelimit"
	"github.com/veil-waf/veil-go/internal/reputation"
	"github.com/veil-waf/veil-go/internal/upstream"
	"github.com/veil-waf/veil-go/internal/wafengine"
)

// route is a compiled, matchable RouteConfig plus the per-route limiter
// it was configured with (nil if the route has no override).
type route struct {
	cfg     config.RouteConfig
	limiter *ratelimit.Limiter
}

// Pipeline is the top-level request orchestrator.
type Pipeline struct {
	cfg *config.AppConfig
	log *slog.Logger

	routes     []route
	upstreams  map[string]*upstream.Selector
	reputation *reputation.Matcher
	rateLimit  *ratelimit.Limiter // global default, may be nil
	botDetect  *botdetect.Detector
	antiScrape *antiscrape.AntiScraper
	wafEngine  wafengine.Engine
	geoLookup  geoip.Lookup // optional, may be nil
	metrics    *metrics.Proxy
	auditSink  audit.Sink

	client *http.Client
}

// New builds a Pipeline from a validated AppConfig. auditSink may be
// audit.NopSink{} when audit logging is disabled.
func New(cfg *config.AppConfig, wafEngine wafengine.Engine, geoLookup geoip.Lookup, m *metrics.Proxy, auditSink audit.Sink, log *slog.Logger) (*Pipeline, error) {
	if auditSink == nil {
		auditSink = audit.NopSink{}
	}
	p := &Pipeline{
		cfg:       cfg,
		log:       log,
		upstreams: make(map[string]*upstream.Selector),
		wafEngine: wafEngine,
		geoLookup: geoLookup,
		metrics:   m,
		auditSink: auditSink,
		client:    newProxyClient(),
	}

	for _, u := range cfg.Upstreams {
		servers := make([]upstream.Server, len(u.Servers))
		for i, s := range u.Servers {
			servers[i] = upstream.Server{Addr: s.Addr, Weight: s.Weight}
		}
		p.upstreams[u.Name] = upstream.NewSelector(u.Name, servers)
	}

	for _, r := range cfg.Routes {
		rt := route{cfg: r}
		if r.RateLimit != nil {
			rt.limiter = ratelimit.NewFromRouteConfig(ratelimit.RouteConfig{
				RPS:       r.RateLimit.RPS,
				Burst:     r.RateLimit.Burst,
				Algorithm: parseRateLimitAlgorithm(r.RateLimit.Algorithm),
				WindowSec: r.RateLimit.WindowSec,
			})
		}
		p.routes = append(p.routes, rt)
	}

	p.reputation = reputation.New(log)
	if cfg.IPReputation.Blocklist != "" {
		if n, err := p.reputation.LoadBlocklist(cfg.IPReputation.Blocklist); err != nil {
			log.Warn("failed to load IP blocklist", "error", err)
		} else {
			log.Info("loaded IP blocklist", "count", n, "path", cfg.IPReputation.Blocklist)
		}
	}
	if cfg.IPReputation.Allowlist != "" {
		if n, err := p.reputation.LoadAllowlist(cfg.IPReputation.Allowlist); err != nil {
			log.Warn("failed to load IP allowlist", "error", err)
		} else {
			log.Info("loaded IP allowlist", "count", n, "path", cfg.IPReputation.Allowlist)
		}
	}

	if cfg.RateLimit.Enabled {
		p.rateLimit = ratelimit.NewTokenBucket(cfg.RateLimit.DefaultRPS, cfg.RateLimit.DefaultBurst)
		log.Info("rate limiter enabled", "rps", cfg.RateLimit.DefaultRPS, "burst", cfg.RateLimit.DefaultBurst)
	}

	if cfg.BotDetect.Enabled {
		p.botDetect = botdetect.New(botdetect.Config{
			Enabled:             true,
			Mode:                parseBotMode(cfg.BotDetect.Mode),
			ScoreThreshold:      cfg.BotDetect.ScoreThreshold,
			Allowlist:           cfg.BotDetect.Allowlist,
			ChallengeEnabled:    cfg.BotDetect.Challenge.Enabled,
			ChallengeSecret:     cfg.BotDetect.Challenge.Secret,
			ChallengeDifficulty: cfg.BotDetect.Challenge.Difficulty,
			ChallengeTTLSecs:    cfg.BotDetect.Challenge.TTLSecs,
		})
	}

	if cfg.AntiScrape.Enabled {
		p.antiScrape = antiscrape.New(antiscrape.Config{
			Enabled: true,
			Mode:    parseScrapeMode(cfg.AntiScrape.Mode),
			Captcha: antiscrape.CaptchaConfig{
				Enabled: cfg.AntiScrape.Captcha.Enabled,
				TTLSecs: cfg.AntiScrape.Captcha.TTLSecs,
				Secret:  cfg.AntiScrape.Captcha.Secret,
			},
			Honeypot: antiscrape.HoneypotConfig{
				Enabled:        cfg.AntiScrape.Honeypot.Enabled,
				TrapPathPrefix: cfg.AntiScrape.Honeypot.TrapPathPrefix,
			},
			Obfuscation:    antiscrape.ObfuscationConfig{Enabled: cfg.AntiScrape.Obfuscation.Enabled},
			ScoreThreshold: cfg.AntiScrape.ScoreThreshold,
		}, log)
	}

	return p, nil
}

func parseBotMode(s string) botdetect.Mode {
	switch s {
	case "challenge":
		return botdetect.ModeChallenge
	case "detect":
		return botdetect.ModeDetect
	default:
		return botdetect.ModeBlock
	}
}

func parseRateLimitAlgorithm(a config.RateLimitAlgorithm) ratelimit.Algorithm {
	if a == config.AlgorithmSlidingWindow {
		return ratelimit.AlgorithmSlidingWindow
	}
	return ratelimit.AlgorithmTokenBucket
}

func parseScrapeMode(s string) antiscrape.Mode {
	switch s {
	case "challenge":
		return antiscrape.ModeChallenge
	case "detect":
		return antiscrape.ModeDetect
	default:
		return antiscrape.ModeBlock
	}
}

// ReloadReputation re-reads the configured block/allow list files and
// atomically swaps in the fresh tries. On failure the previous lists stay
// live.
func (p *Pipeline) ReloadReputation() error {
	if err := p.reputation.Reload(p.cfg.IPReputation.Blocklist, p.cfg.IPReputation.Allowlist); err != nil {
		return err
	}
	p.log.Info("reputation lists reloaded",
		"blocklist", p.cfg.IPReputation.Blocklist,
		"allowlist", p.cfg.IPReputation.Allowlist,
	)
	return nil
}

// StartBackgroundWorkers launches the periodic eviction goroutines for
// every stateful subsystem and returns immediately; the goroutines exit
// once ctx is canceled.
func (p *Pipeline) StartBackgroundWorkers(ctx context.Context) {
	if p.rateLimit != nil {
		p.rateLimit.StartCleanupTask(ctx, p.log)
	}
	for _, rt := range p.routes {
		if rt.limiter != nil {
			rt.limiter.StartCleanupTask(ctx, p.log)
		}
	}
	if p.botDetect != nil {
		go p.runPeriodically(ctx, time.Minute, func() { p.botDetect.CleanupSessions(30 * time.Minute) })
	}
	if p.antiScrape != nil {
		go p.runPeriodically(ctx, time.Minute, func() { p.antiScrape.CleanupSessions(30 * time.Minute) })
	}
}

func (p *Pipeline) runPeriodically(ctx context.Context, interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// ServeHTTP drives one request through the full filter pipeline:
// Enter -> IPCheck -> RateCheck -> BotCheck -> ScrapeCheck ->
// RouteMatch+WafReqHeaders -> Upstream -> WafRespHeaders -> BodyRewrite -> Log.
func (p *Pipeline) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p.metrics != nil {
		p.metrics.RequestsTotal.Inc()
	}

	rc := newRequestContext()
	rc.method = r.Method
	rc.uri = r.URL.RequestURI()
	rc.clientIP = clientIPOf(r)
	defer p.logRequest(rc)

	// 1. IP reputation.
	if ip := net.ParseIP(rc.clientIP); ip != nil {
		if p.geoLookup != nil {
			if country, ok := p.geoLookup.LookupCountry(ip); ok {
				rc.country = country
			}
		}
		switch p.reputation.Check(ip) {
		case reputation.ActionBlock:
			p.block(w, rc, BlockReason{Kind: BlockReasonIPBlocked}, http.StatusForbidden, "Forbidden: IP blocked\n")
			return
		case reputation.ActionAllow:
			// Allowlisted clients bypass every later security stage but still
			// route normally.
			rt, routeIdx := p.matchRoute(r.Host, r.URL.Path)
			rc.routeIndex = routeIdx
			p.proxyAndFinish(w, r, rc, routeIdx, rt)
			return
		}
	}

	// 2. Rate limiting.
	rt, routeIdx := p.matchRoute(r.Host, r.URL.Path)
	rc.routeIndex = routeIdx
	limiter := p.rateLimit
	if rt != nil && rt.limiter != nil {
		limiter = rt.limiter
	}
	if limiter != nil && !limiter.Check(rc.clientIP) {
		if p.metrics != nil {
			p.metrics.RequestsRateLimited.Inc()
		}
		p.block(w, rc, BlockReason{Kind: BlockReasonRateLimit}, http.StatusTooManyRequests, "")
		ratelimit.WriteTooManyRequests(w, 1)
		return
	}

	// 3. Bot detection. Header order out of net/http's map is not the wire
	// order, so the names are sorted to keep the fingerprint stable across
	// requests from the same client.
	var hdrs []fingerprint.Header
	for name, values := range r.Header {
		for _, v := range values {
			hdrs = append(hdrs, fingerprint.Header{Name: name, Value: v})
		}
	}
	sort.Slice(hdrs, func(i, j int) bool { return hdrs[i].Name < hdrs[j].Name })
	cookieHeader := r.Header.Get("Cookie")

	if p.botDetect != nil {
		result := p.botDetect.Check(rc.clientIP, hdrs, cookieHeader)
		switch result.Kind {
		case botdetect.CheckBlock:
			if p.metrics != nil {
				p.metrics.BotsDetected.WithLabelValues("blocked").Inc()
			}
			p.block(w, rc, BlockReason{Kind: BlockReasonBotDetected, Score: result.Score}, http.StatusForbidden, "Forbidden: Bot detected\n")
			return
		case botdetect.CheckChallenge:
			if p.metrics != nil {
				p.metrics.ChallengesIssued.Inc()
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, result.Challenge)
			rc.responseStatus = http.StatusOK
			return
		case botdetect.CheckDetect:
			rc.botScore = result.Score
			if result.Score >= 0.7 && p.metrics != nil {
				p.metrics.BotsDetected.WithLabelValues("detected").Inc()
			}
		case botdetect.CheckAllow:
			if strings.Contains(cookieHeader, botdetect.ChallengeCookieName+"=") && p.metrics != nil {
				p.metrics.ChallengesSolved.Inc()
			}
		}
	}

	// 4. Anti-scraping.
	if p.antiScrape != nil {
		result := p.antiScrape.CheckRequest(rc.clientIP, r.URL.Path, cookieHeader, rc.botScore)
		switch result.Kind {
		case antiscrape.CheckBlock, antiscrape.CheckTrapTriggered:
			p.block(w, rc, BlockReason{Kind: BlockReasonScraping, Score: result.Score}, http.StatusForbidden, "Forbidden: scraping detected\n")
			return
		case antiscrape.CheckChallenge:
			if p.metrics != nil {
				p.metrics.ChallengesIssued.Inc()
			}
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			w.Header().Set("Cache-Control", "no-store")
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, result.Challenge)
			rc.responseStatus = http.StatusOK
			return
		case antiscrape.CheckDetect:
			rc.scrapingScore = result.Score
		}
	}

	// 5. WAF request-headers phase.
	var tx wafengine.Tx
	if rt != nil && rt.cfg.Waf.Enabled && rt.cfg.Waf.Mode != config.WafModeOff && p.wafEngine != nil {
		tx = p.wafEngine.NewTransaction()
		verdict := tx.ProcessRequestHeaders(r.Method, rc.uri, r.Proto, toWafHeaders(r.Header))
		p.recordRuleHit(verdict)

		switch verdict.Action {
		case wafengine.ActionBlock:
			if rt.cfg.Waf.Mode == config.WafModeBlock {
				p.block(w, rc, BlockReason{Kind: BlockReasonWaf, Status: verdict.Status}, verdict.Status, "Forbidden: WAF rule triggered\n")
				tx.Close()
				return
			}
			p.log.Warn("WAF rule triggered (detect mode, not blocking)", "client_ip", rc.clientIP, "uri", rc.uri, "status", verdict.Status)
		case wafengine.ActionRedirect:
			if rt.cfg.Waf.Mode == config.WafModeBlock {
				w.Header().Set("Location", verdict.Location)
				w.WriteHeader(verdict.Status)
				rc.responseStatus = verdict.Status
				tx.Close()
				return
			}
		}
	}
	rc.wafTx = tx

	p.proxyAndFinish(w, r, rc, routeIdx, rt)
}

func toWafHeaders(h http.Header) []wafengine.Header {
	out := make([]wafengine.Header, 0, len(h))
	for name, values := range h {
		for _, v := range values {
			out = append(out, wafengine.Header{Name: name, Value: v})
		}
	}
	return out
}

// matchRoute finds the first route whose host (if any) matches and whose
// path prefix is a prefix of path. A route with no host acts as a
// wildcard for any Host header.
func (p *Pipeline) matchRoute(host, path string) (*route, int) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	for i := range p.routes {
		rt := &p.routes[i]
		if rt.cfg.Host != "" && rt.cfg.Host != host {
			continue
		}
		if strings.HasPrefix(path, rt.cfg.PathPrefix) {
			return rt, i
		}
	}
	return nil, -1
}

// block records the short-circuit on the request context and, when body is
// non-empty, writes the local response. Keep-alive is always disabled so a
// blocked client cannot ride an established connection past the verdict.
func (p *Pipeline) block(w http.ResponseWriter, rc *requestContext, reason BlockReason, status int, body string) {
	rc.blockReason = &reason
	rc.responseStatus = status
	if p.metrics != nil {
		p.metrics.RequestsBlocked.WithLabelValues(reason.Kind.String()).Inc()
	}
	w.Header().Set("Connection", "close")
	if body == "" {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (p *Pipeline) recordRuleHit(verdict wafengine.Verdict) {
	if verdict.Action == wafengine.ActionPass || p.metrics == nil {
		return
	}
	p.metrics.RuleHits.WithLabelValues(strconv.Itoa(verdict.RuleID)).Inc()
}

func (p *Pipeline) logRequest(rc *requestContext) {
	duration := time.Since(rc.requestStart)

	routeLabel := "unknown"
	if rc.routeIndex >= 0 && rc.routeIndex < len(p.routes) {
		routeLabel = p.routes[rc.routeIndex].cfg.Upstream
	}
	if p.metrics != nil {
		p.metrics.RequestDuration.WithLabelValues(routeLabel).Observe(duration.Seconds())
	}

	blocked := rc.blockReason != nil
	reasonStr := "none"
	if blocked {
		reasonStr = rc.blockReason.Kind.String()
	}
	attrs := []any{
		"client_ip", rc.clientIP,
		"method", rc.method,
		"uri", rc.uri,
		"status", rc.responseStatus,
		"duration_ms", duration.Milliseconds(),
		"blocked", blocked,
		"block_reason", reasonStr,
	}
	if rc.botScore > 0 {
		attrs = append(attrs, "bot_score", rc.botScore)
	}
	if rc.scrapingScore > 0 {
		attrs = append(attrs, "scraping_score", rc.scrapingScore)
	}
	if rc.country != "" {
		attrs = append(attrs, "country", rc.country)
	}
	p.log.Info("request completed", attrs...)

	if blocked {
		entry := audit.NewEntry(rc.clientIP, rc.method, rc.uri, "", reasonStr, rc.responseStatus)
		if err := p.auditSink.Write(context.Background(), entry); err != nil {
			p.log.Warn("failed to write audit entry", "error", err)
		}
	}

	if rc.wafTx != nil {
		rc.wafTx.Close()
	}
}

func clientIPOf(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// newProxyClient builds the client used to forward requests to configured
// upstreams. Upstream addresses come from the operator's own YAML, never
// from end-user input, so no private-range dial guard is applied here.
func newProxyClient() *http.Client {
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	return &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		},
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 10 {
				return fmt.Errorf("too many redirects")
			}
			return nil
		},
	}
}

// proxyAndFinish selects an upstream, forwards the request, runs the
// WAF response-headers phase, rewrites HTML bodies for anti-scraping,
// and writes the final response.
func (p *Pipeline) proxyAndFinish(w http.ResponseWriter, r *http.Request, rc *requestContext, routeIdx int, rt *route) {
	upstreamName := p.upstreamNameFor(routeIdx)
	selector, ok := p.upstreams[upstreamName]
	if !ok {
		http.Error(w, "Bad Gateway: no such upstream\n", http.StatusBadGateway)
		rc.responseStatus = http.StatusBadGateway
		return
	}
	addr, ok := selector.Select()
	if !ok {
		http.Error(w, "Bad Gateway: no healthy upstream servers\n", http.StatusBadGateway)
		rc.responseStatus = http.StatusBadGateway
		return
	}
	rc.upstreamName = upstreamName

	body, _ := io.ReadAll(io.LimitReader(r.Body, 10<<20))

	wafBlocking := rt != nil && rt.cfg.Waf.Mode == config.WafModeBlock

	// WAF request-body phase.
	if rc.wafTx != nil && len(body) > 0 {
		verdict := rc.wafTx.ProcessRequestBody(body)
		p.recordRuleHit(verdict)
		if verdict.Action == wafengine.ActionBlock {
			if wafBlocking {
				p.block(w, rc, BlockReason{Kind: BlockReasonWaf, Status: verdict.Status}, verdict.Status, "Forbidden: WAF rule triggered\n")
				return
			}
			p.log.Warn("WAF rule triggered on request body (detect mode, not blocking)", "client_ip", rc.clientIP, "uri", rc.uri, "status", verdict.Status)
		}
	}

	upstreamURL := "http://" + addr + r.URL.Path
	if r.URL.RawQuery != "" {
		upstreamURL += "?" + r.URL.RawQuery
	}

	proxyReq, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "Bad Gateway\n", http.StatusBadGateway)
		rc.responseStatus = http.StatusBadGateway
		return
	}
	for name, values := range r.Header {
		for _, v := range values {
			proxyReq.Header.Add(name, v)
		}
	}
	if rc.clientIP != "" {
		proxyReq.Header.Set("X-Real-IP", rc.clientIP)
	}
	proxyReq.Header["X-WAF-Processed"] = []string{"true"}

	resp, err := p.client.Do(proxyReq)
	if err != nil {
		http.Error(w, fmt.Sprintf("Could not reach backend: %v\n", err), http.StatusBadGateway)
		rc.responseStatus = http.StatusBadGateway
		return
	}
	defer resp.Body.Close()

	rc.responseStatus = resp.StatusCode

	// 6. WAF response-headers phase.
	if rc.wafTx != nil {
		verdict := rc.wafTx.ProcessResponseHeaders(resp.StatusCode, toWafHeaders(resp.Header))
		p.recordRuleHit(verdict)
		if verdict.Action == wafengine.ActionBlock {
			if wafBlocking {
				p.block(w, rc, BlockReason{Kind: BlockReasonWaf, Status: verdict.Status}, verdict.Status, "Forbidden: WAF rule triggered\n")
				return
			}
			p.log.Warn("response flagged by WAF (detect mode, not blocking)", "client_ip", rc.clientIP, "uri", rc.uri, "status", verdict.Status)
		}
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 10<<20))

	if rc.wafTx != nil && len(respBody) > 0 {
		verdict := rc.wafTx.ProcessResponseBody(respBody)
		p.recordRuleHit(verdict)
		if verdict.Action == wafengine.ActionBlock && wafBlocking {
			p.block(w, rc, BlockReason{Kind: BlockReasonWaf, Status: verdict.Status}, verdict.Status, "Forbidden: WAF rule triggered\n")
			return
		}
	}

	// 7. Response body rewriting (anti-scraping watermarks/honeypot).
	if p.antiScrape != nil {
		if rewritten, ok := p.antiScrape.ProcessResponse(rc.clientIP, resp.Header.Get("Content-Type"), respBody); ok {
			respBody = rewritten
		}
	}

	for name, values := range resp.Header {
		lower := strings.ToLower(name)
		if lower == "content-length" || lower == "transfer-encoding" || lower == "content-encoding" {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)
}

func (p *Pipeline) upstreamNameFor(routeIdx int) string {
	if routeIdx >= 0 && routeIdx < len(p.routes) {
		return p.routes[routeIdx].cfg.Upstream
	}
	if len(p.routes) > 0 {
		return p.routes[0].cfg.Upstream
	}
	return "backend"
}
