package antiscrape

import (
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// maxBodyBuffer bounds how large a response body ProcessResponse will
// rewrite; larger bodies are passed through unmodified.
const maxBodyBuffer = 2 * 1024 * 1024

// Mode selects how AntiScraper reacts once a session's scraping score
// crosses ScoreThreshold.
type Mode int

const (
	ModeBlock Mode = iota
	ModeChallenge
	ModeDetect
)

// CaptchaConfig configures the arithmetic CAPTCHA challenge.
type CaptchaConfig struct {
	Enabled bool
	TTLSecs int64
	Secret  string
}

// HoneypotConfig configures the hidden trap link.
type HoneypotConfig struct {
	Enabled        bool
	TrapPathPrefix string
}

// ObfuscationConfig configures zero-width watermarking.
type ObfuscationConfig struct {
	Enabled bool
}

// Config holds the tunables for an AntiScraper.
type Config struct {
	Enabled        bool
	Mode           Mode
	Captcha        CaptchaConfig
	Honeypot       HoneypotConfig
	Obfuscation    ObfuscationConfig
	ScoreThreshold float64
}

// CheckKind is the outcome of a scraping check on a request.
type CheckKind int

const (
	CheckAllow CheckKind = iota
	CheckBlock
	CheckChallenge
	CheckDetect
	CheckTrapTriggered
)

// CheckResult is the outcome of an anti-scraping check on a request.
type CheckResult struct {
	Kind      CheckKind
	Challenge string // HTML body, only set when Kind == CheckChallenge
	Score     float64
}

const sessionShardCount = 32

// AntiScraper ties session tracking, honeypot traps, the CAPTCHA codec,
// and response watermarking together into one per-request/per-response
// decision point.
type AntiScraper struct {
	cfg Config
	log *slog.Logger

	shards [sessionShardCount]struct {
		mu    sync.Mutex
		state map[string]*ScrapingSession
	}
}

// New constructs an AntiScraper from Config.
func New(cfg Config, log *slog.Logger) *AntiScraper {
	a := &AntiScraper{cfg: cfg, log: log}
	for i := range a.shards {
		a.shards[i].state = make(map[string]*ScrapingSession)
	}
	return a
}

func sessionShardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sessionShardCount
}

func (a *AntiScraper) sessionFor(clientIP string) *ScrapingSession {
	shard := &a.shards[sessionShardIndex(clientIP)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	s, ok := shard.state[clientIP]
	if !ok {
		s = NewScrapingSession()
		shard.state[clientIP] = s
	}
	return s
}

// CheckRequest evaluates an incoming request against the honeypot, CAPTCHA,
// and session-scoring rules, in that order.
func (a *AntiScraper) CheckRequest(clientIP, path string, cookieHeader string, botScore float64) CheckResult {
	if !a.cfg.Enabled {
		return CheckResult{Kind: CheckAllow}
	}

	if a.cfg.Honeypot.Enabled && IsTrapRequest(path, a.cfg.Honeypot.TrapPathPrefix) {
		if a.log != nil {
			a.log.Info("honeypot trap triggered", "client_ip", clientIP, "path", path)
		}
		session := a.sessionFor(clientIP)
		session.MarkTrapTriggered()
		session.RecordRequest(path, botScore)
		return CheckResult{Kind: CheckTrapTriggered}
	}

	hasValidCaptcha := false
	if a.cfg.Captcha.Enabled && cookieHeader != "" {
		if cookieValue, ok := ExtractCaptchaCookie(cookieHeader); ok {
			hasValidCaptcha = VerifyCaptchaCookie(cookieValue, clientIP, a.cfg.Captcha.Secret, a.cfg.Captcha.TTLSecs)
		}
	}

	session := a.sessionFor(clientIP)
	if hasValidCaptcha {
		session.MarkCaptchaSolved()
	}
	score := session.RecordRequest(path, botScore)

	if a.log != nil {
		a.log.Debug("anti-scraping score", "client_ip", clientIP, "score", score)
	}

	if score >= a.cfg.ScoreThreshold {
		switch a.cfg.Mode {
		case ModeBlock:
			return CheckResult{Kind: CheckBlock, Score: score}
		case ModeChallenge:
			if hasValidCaptcha {
				return CheckResult{Kind: CheckAllow, Score: score}
			}
			if a.cfg.Captcha.Enabled {
				html := GenerateCaptchaPage(clientIP, a.cfg.Captcha.Secret, path)
				return CheckResult{Kind: CheckChallenge, Challenge: html, Score: score}
			}
			return CheckResult{Kind: CheckBlock, Score: score}
		default: // ModeDetect
			return CheckResult{Kind: CheckDetect, Score: score}
		}
	}

	if a.cfg.Mode == ModeDetect {
		return CheckResult{Kind: CheckDetect, Score: score}
	}
	return CheckResult{Kind: CheckAllow, Score: score}
}

// ProcessResponse injects a honeypot trap link and/or zero-width
// watermarks into an HTML response body. Returns ok=false if no
// modification was made (non-HTML, oversized, or nothing eligible).
func (a *AntiScraper) ProcessResponse(clientIP, contentType string, body []byte) ([]byte, bool) {
	if !a.cfg.Enabled {
		return nil, false
	}
	if contentType == "" {
		return nil, false
	}
	if !strings.Contains(contentType, "text/html") {
		return nil, false
	}
	if len(body) > maxBodyBuffer {
		return nil, false
	}

	modified := body
	wasModified := false

	if a.cfg.Honeypot.Enabled {
		trapHTML := GenerateTrapHTML(a.cfg.Honeypot.TrapPathPrefix, clientIP, a.cfg.Captcha.Secret)
		if withTrap, ok := InjectTrap(modified, trapHTML); ok {
			modified = withTrap
			wasModified = true
		}
	}

	if a.cfg.Obfuscation.Enabled {
		if withWatermark, ok := InjectZeroWidthChars(modified, clientIP); ok {
			modified = withWatermark
			wasModified = true
		}
	}

	if !wasModified {
		return nil, false
	}
	return modified, true
}

// CleanupSessions evicts sessions idle longer than maxAge.
func (a *AntiScraper) CleanupSessions(maxAge time.Duration) {
	now := time.Now()
	for i := range a.shards {
		shard := &a.shards[i]
		shard.mu.Lock()
		for ip, s := range shard.state {
			if s.IdleFor(now, maxAge) {
				delete(shard.state, ip)
			}
		}
		shard.mu.Unlock()
	}
}

// SessionCount returns the number of tracked sessions.
func (a *AntiScraper) SessionCount() int {
	count := 0
	for i := range a.shards {
		a.shards[i].mu.Lock()
		count += len(a.shards[i].state)
		a.shards[i].mu.Unlock()
	}
	return count
}

// FlaggedScraperCount returns the number of sessions whose current score
// is at or above ScoreThreshold.
func (a *AntiScraper) FlaggedScraperCount() int {
	count := 0
	for i := range a.shards {
		a.shards[i].mu.Lock()
		for _, s := range a.shards[i].state {
			if s.Score() >= a.cfg.ScoreThreshold {
				count++
			}
		}
		a.shards[i].mu.Unlock()
	}
	return count
}
