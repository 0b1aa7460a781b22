package antiscrape

import (
	"hash/fnv"
	"sync"
	"time"
)

// ScrapingSession tracks per-IP request history used to compute a
// composite scraping-likelihood score. One session is shared by every
// concurrent request from the same IP; mu guards all fields.
type ScrapingSession struct {
	mu              sync.Mutex
	FirstSeen       time.Time
	LastSeen        time.Time
	RequestCount    uint64
	UniquePathCount uint64
	pathHashes      map[uint64]struct{}
	TrapTriggered   bool
	CaptchaSolved   bool
	ScrapingScore   float64
}

// NewScrapingSession starts a fresh session clocked from now.
func NewScrapingSession() *ScrapingSession {
	now := time.Now()
	return &ScrapingSession{
		FirstSeen:  now,
		LastSeen:   now,
		pathHashes: make(map[uint64]struct{}),
	}
}

// RecordRequest records one request against the session, recomputes its
// scraping score, and returns the new score.
func (s *ScrapingSession) RecordRequest(path string, botScore float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.RequestCount++
	s.LastSeen = time.Now()

	h := fnv.New64a()
	h.Write([]byte(path))
	pathHash := h.Sum64()
	if _, seen := s.pathHashes[pathHash]; !seen {
		s.pathHashes[pathHash] = struct{}{}
		s.UniquePathCount++
	}

	s.ScrapingScore = s.computeScore(botScore)
	return s.ScrapingScore
}

// MarkTrapTriggered flags the session as having requested a honeypot URL.
func (s *ScrapingSession) MarkTrapTriggered() {
	s.mu.Lock()
	s.TrapTriggered = true
	s.mu.Unlock()
}

// MarkCaptchaSolved flags the session as having presented a valid CAPTCHA
// cookie.
func (s *ScrapingSession) MarkCaptchaSolved() {
	s.mu.Lock()
	s.CaptchaSolved = true
	s.mu.Unlock()
}

// Score returns the current scraping score.
func (s *ScrapingSession) Score() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ScrapingScore
}

// IdleFor reports whether the session has been idle at least maxAge as of
// now.
func (s *ScrapingSession) IdleFor(now time.Time, maxAge time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.LastSeen) >= maxAge
}

func (s *ScrapingSession) computeScore(botScore float64) float64 {
	var score float64

	if s.TrapTriggered {
		score += 1.0
	}

	elapsed := s.LastSeen.Sub(s.FirstSeen).Seconds()
	if elapsed > 0.0 {
		rps := float64(s.RequestCount) / elapsed
		if rps > 1.0 {
			score += 0.3
		}
	}

	if s.UniquePathCount > 20 {
		score += 0.2
	}

	score += botScore * 0.3

	if s.CaptchaSolved {
		score -= 0.5
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score
}
