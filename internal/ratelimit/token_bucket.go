// Package ratelimit provides a deterministic token bucket used to cap the
// rate of inbound signaling messages per connection.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// nano is the fixed-point scale: one token is 1e9 nano-tokens, so a rate of
// R tokens/sec adds R nano-tokens per elapsed nanosecond.
const nano = int64(time.Second)

// TokenBucket refills at an integer rate of tokens per second. It is safe for
// concurrent use.
type TokenBucket struct {
	mu    sync.Mutex
	clock Clock

	capacity int64 // nano-tokens
	rate     int64 // tokens/sec
	level    int64 // nano-tokens
	last     time.Time
}

// NewTokenBucket returns a full bucket holding capacity tokens.
func NewTokenBucket(clock Clock, capacity, perSecond int64) *TokenBucket {
	if clock == nil {
		clock = RealClock{}
	}
	c := toNano(capacity)
	return &TokenBucket{
		clock:    clock,
		capacity: c,
		rate:     max(perSecond, 0),
		level:    c,
		last:     clock.Now(),
	}
}

// Allow takes n tokens when available. n <= 0 always succeeds.
func (b *TokenBucket) Allow(n int64) bool {
	if n <= 0 {
		return true
	}
	cost := toNano(n)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.level < cost {
		return false
	}
	b.level -= cost
	return true
}

func (b *TokenBucket) refill() {
	now := b.clock.Now()
	elapsed := now.Sub(b.last).Nanoseconds()
	b.last = now
	// A clock that went backwards just moves the reference point.
	if elapsed <= 0 || b.rate == 0 || b.level >= b.capacity {
		return
	}
	missing := b.capacity - b.level
	if elapsed >= missing/b.rate+1 {
		b.level = b.capacity
		return
	}
	b.level = min(b.level+elapsed*b.rate, b.capacity)
}

func toNano(tokens int64) int64 {
	if tokens <= 0 {
		return 0
	}
	if tokens > math.MaxInt64/nano {
		return math.MaxInt64
	}
	return tokens * nano
}
