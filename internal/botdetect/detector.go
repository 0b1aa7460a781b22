package botdetect

import (
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/veil-waf/veil-go/internal/fingerprint"
)

// Mode selects how the detector reacts once a request's score crosses the
// threshold.
type Mode int

const (
	ModeBlock Mode = iota
	ModeChallenge
	ModeDetect
)

// Config holds the tunables for a Detector.
type Config struct {
	Enabled        bool
	Mode           Mode
	ScoreThreshold float64
	Allowlist      []string

	ChallengeEnabled    bool
	ChallengeSecret     string
	ChallengeDifficulty int
	ChallengeTTLSecs    int64
}

// CheckResult is the outcome of a bot-detection check.
type CheckResult struct {
	Kind      CheckKind
	Challenge string // HTML body, only set when Kind == CheckChallenge
	Score     float64
}

type CheckKind int

const (
	CheckAllow CheckKind = iota
	CheckBlock
	CheckChallenge
	CheckDetect
)

type session struct {
	lastSeen        time.Time
	fingerprintHash string
}

const sessionShardCount = 32

// Detector ties the UA classifier, fingerprinter, scorer, and challenge
// codec together into a single per-request decision.
type Detector struct {
	cfg Config

	shards [sessionShardCount]struct {
		mu    sync.Mutex
		state map[string]*session
	}
}

// New constructs a Detector from Config.
func New(cfg Config) *Detector {
	d := &Detector{cfg: cfg}
	for i := range d.shards {
		d.shards[i].state = make(map[string]*session)
	}
	return d
}

// Check runs the full bot-detection decision for one request.
func (d *Detector) Check(clientIP string, headers []fingerprint.Header, cookieHeader string) CheckResult {
	if !d.cfg.Enabled {
		return CheckResult{Kind: CheckAllow}
	}

	var ua string
	for _, h := range headers {
		if strings.EqualFold(h.Name, "user-agent") {
			ua = h.Value
			break
		}
	}

	fp := fingerprint.Compute(headers)
	pattern := fingerprint.ClassifyUA(ua, d.cfg.Allowlist)

	hasValidChallenge := false
	if cookieHeader != "" {
		if cookieValue, ok := ExtractChallengeCookie(cookieHeader); ok {
			hasValidChallenge = VerifyChallengeCookie(cookieValue, clientIP, d.cfg.ChallengeSecret, d.cfg.ChallengeTTLSecs)
		}
	}

	score := ComputeScore(pattern, hasValidChallenge, headers)

	d.upsertSession(clientIP, fp.HeaderOrderHash)

	if pattern == fingerprint.KnownGoodBot {
		return CheckResult{Kind: CheckAllow, Score: score}
	}

	if score >= d.cfg.ScoreThreshold {
		switch d.cfg.Mode {
		case ModeBlock:
			return CheckResult{Kind: CheckBlock, Score: score}
		case ModeChallenge:
			if hasValidChallenge {
				return CheckResult{Kind: CheckAllow, Score: score}
			}
			if d.cfg.ChallengeEnabled {
				html := GenerateChallenge(clientIP, d.cfg.ChallengeDifficulty, d.cfg.ChallengeSecret)
				return CheckResult{Kind: CheckChallenge, Challenge: html, Score: score}
			}
			return CheckResult{Kind: CheckBlock, Score: score}
		default: // ModeDetect
			return CheckResult{Kind: CheckDetect, Score: score}
		}
	}

	if d.cfg.Mode == ModeDetect {
		return CheckResult{Kind: CheckDetect, Score: score}
	}
	return CheckResult{Kind: CheckAllow, Score: score}
}

func (d *Detector) upsertSession(ip, fingerprintHash string) {
	shard := &d.shards[sessionShardIndex(ip)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	shard.state[ip] = &session{lastSeen: time.Now(), fingerprintHash: fingerprintHash}
}

// CleanupSessions evicts bot sessions idle longer than maxAge.
func (d *Detector) CleanupSessions(maxAge time.Duration) {
	now := time.Now()
	for i := range d.shards {
		shard := &d.shards[i]
		shard.mu.Lock()
		for ip, s := range shard.state {
			if now.Sub(s.lastSeen) >= maxAge {
				delete(shard.state, ip)
			}
		}
		shard.mu.Unlock()
	}
}

// SessionCount returns the number of tracked bot sessions.
func (d *Detector) SessionCount() int {
	count := 0
	for i := range d.shards {
		d.shards[i].mu.Lock()
		count += len(d.shards[i].state)
		d.shards[i].mu.Unlock()
	}
	return count
}

func sessionShardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % sessionShardCount
}
