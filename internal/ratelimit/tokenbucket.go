package ratelimit

import (
	"sync"
	"time"
)

type tokenBucketState struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// tokenBucket is a per-key refilling bucket. Keys are stored in a sharded
// map so whole-map locks never sit on the hot check path.
type tokenBucket struct {
	rate  float64 // tokens per second
	burst float64

	shards [rateLimitShardCount]struct {
		mu    sync.Mutex
		state map[string]*tokenBucketState
	}
}

func newTokenBucket(rps, burst float64) *tokenBucket {
	tb := &tokenBucket{rate: rps, burst: burst}
	for i := range tb.shards {
		tb.shards[i].state = make(map[string]*tokenBucketState)
	}
	return tb
}

func (tb *tokenBucket) shardFor(key string) *struct {
	mu    sync.Mutex
	state map[string]*tokenBucketState
} {
	return &tb.shards[shardIndex(key)]
}

func (tb *tokenBucket) check(key string) bool {
	shard := tb.shardFor(key)

	shard.mu.Lock()
	st, ok := shard.state[key]
	if !ok {
		st = &tokenBucketState{tokens: tb.burst, lastRefill: time.Now()}
		shard.state[key] = st
	}
	shard.mu.Unlock()

	st.mu.Lock()
	defer st.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(st.lastRefill).Seconds()
	st.tokens = min(tb.burst, st.tokens+elapsed*tb.rate)
	st.lastRefill = now

	if st.tokens >= 1.0 {
		st.tokens--
		return true
	}
	return false
}

// cleanup evicts buckets idle at least 5 minutes.
func (tb *tokenBucket) cleanup() {
	const staleAfter = 5 * time.Minute
	now := time.Now()
	for i := range tb.shards {
		shard := &tb.shards[i]
		shard.mu.Lock()
		for key, st := range shard.state {
			st.mu.Lock()
			stale := now.Sub(st.lastRefill) >= staleAfter
			st.mu.Unlock()
			if stale {
				delete(shard.state, key)
			}
		}
		shard.mu.Unlock()
	}
}

func min(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
