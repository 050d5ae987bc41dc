package ratelimit

import (
	"sync"
	"time"
)

// Clock abstracts time so buckets can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
}

// RealClock reads the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nanoPerToken is the fixed-point scale: one token is 1e9 nano-tokens, so a
// refill rate of N tokens/sec adds exactly N nano-tokens per elapsed
// nanosecond.
const nanoPerToken = int64(time.Second)

const maxInt64 = int64(^uint64(0) >> 1)

// TokenBucket limits inbound signaling frames per connection. It starts full,
// holds at most burst tokens, and refills at perSecond tokens/sec.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // nano-tokens per ns == tokens per sec
	avail    int64 // nano-tokens
	last     time.Time
}

func NewTokenBucket(clock Clock, burst, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	if perSecond < 0 {
		perSecond = 0
	}
	capacity := toNano(burst)
	return &TokenBucket{
		clock:    clock,
		capacity: capacity,
		rate:     perSecond,
		avail:    capacity,
		last:     clock.Now(),
	}
}

// Allow consumes one token.
func (b *TokenBucket) Allow() bool {
	return b.AllowN(1)
}

// AllowN consumes n tokens if they are all available. n <= 0 always succeeds.
func (b *TokenBucket) AllowN(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill(b.clock.Now())
	if b.avail < cost {
		return false
	}
	b.avail -= cost
	return true
}

// Tokens reports the whole tokens currently available.
func (b *TokenBucket) Tokens() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill(b.clock.Now())
	return b.avail / nanoPerToken
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Nanoseconds()
	if elapsed <= 0 {
		// Clock went backwards or did not move; re-anchor without refilling.
		b.last = now
		return
	}
	b.last = now

	missing := b.capacity - b.avail
	if missing <= 0 || b.rate == 0 {
		return
	}
	// elapsed*rate may overflow; compare against the time needed to top up
	// first.
	if elapsed >= missing/b.rate {
		b.avail = b.capacity
		return
	}
	b.avail += elapsed * b.rate
	if b.avail > b.capacity {
		b.avail = b.capacity
	}
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > maxInt64/nanoPerToken {
		return maxInt64
	}
	return tokens * nanoPerToken
}
