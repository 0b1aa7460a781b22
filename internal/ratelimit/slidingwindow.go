package ratelimit

import (
	"sync"
	"time"
)

type slidingWindowState struct {
	mu             sync.Mutex
	currentCount   float64
	previousCount  float64
	windowStart    time.Time
	windowDuration time.Duration
}

// slidingWindow blends the previous and current window counts, weighted by
// how far into the current window the check falls.
type slidingWindow struct {
	limit          float64 // rps * windowSecs
	windowDuration time.Duration

	shards [rateLimitShardCount]struct {
		mu    sync.Mutex
		state map[string]*slidingWindowState
	}
}

func newSlidingWindow(rps float64, windowSecs int) *slidingWindow {
	sw := &slidingWindow{
		limit:          rps * float64(windowSecs),
		windowDuration: time.Duration(windowSecs) * time.Second,
	}
	for i := range sw.shards {
		sw.shards[i].state = make(map[string]*slidingWindowState)
	}
	return sw
}

func (sw *slidingWindow) check(key string) bool {
	shard := &sw.shards[shardIndex(key)]

	shard.mu.Lock()
	st, ok := shard.state[key]
	if !ok {
		st = &slidingWindowState{windowStart: time.Now(), windowDuration: sw.windowDuration}
		shard.state[key] = st
	}
	shard.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	// Rotate windows in a loop so a long idle period (multiple elapsed
	// windows) is handled correctly rather than with a single if-check.
	for now.Sub(st.windowStart) >= sw.windowDuration {
		st.previousCount = st.currentCount
		st.currentCount = 0
		st.windowStart = st.windowStart.Add(sw.windowDuration)
	}

	elapsedFraction := now.Sub(st.windowStart).Seconds() / sw.windowDuration.Seconds()
	if elapsedFraction > 1.0 {
		elapsedFraction = 1.0
	}
	if elapsedFraction < 0 {
		elapsedFraction = 0
	}

	weighted := st.previousCount*(1-elapsedFraction) + st.currentCount
	if weighted < sw.limit {
		st.currentCount++
		return true
	}
	return false
}

// cleanup evicts windows idle at least 2x the window duration.
func (sw *slidingWindow) cleanup() {
	staleAfter := 2 * sw.windowDuration
	now := time.Now()
	for i := range sw.shards {
		shard := &sw.shards[i]
		shard.mu.Lock()
		for key, st := range shard.state {
			st.mu.Lock()
			stale := now.Sub(st.windowStart) >= staleAfter
			st.mu.Unlock()
			if stale {
				delete(shard.state, key)
			}
		}
		shard.mu.Unlock()
	}
}
