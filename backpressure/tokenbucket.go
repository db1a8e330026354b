package backpressure

import (
	"sync"

	"github.com/NVIDIA/search-backpressure/cmn/debug"
)

// TokenBucket is a rate limiter parameterized by an arbitrary monotonic
// clock: `rate` tokens accrue per clock unit, up to `burst` capacity. Two
// instances in this controller use different clocks - wall-clock
// nanoseconds for the absolute cancellation rate, and a completion counter
// for the ratio-of-completions rate - which is why the clock is a ctor
// parameter rather than hard-wired to time.Now.
type TokenBucket struct {
	mu         sync.Mutex
	clock      func() int64
	rate       float64 // tokens per clock unit
	burst      float64
	tokens     float64
	lastRefill int64
}

// NewTokenBucket constructs a bucket starting full (tokens == burst).
// rate and burst must both be > 0.
func NewTokenBucket(rate, burst float64, clock func() int64) *TokenBucket {
	if rate <= 0 {
		panic("backpressure: token bucket rate must be > 0")
	}
	if burst <= 0 {
		panic("backpressure: token bucket burst must be > 0")
	}
	return &TokenBucket{
		clock:      clock,
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: clock(),
	}
}

// Request refills the bucket for elapsed clock units, clamps at burst,
// and - if at least one token is available - deducts one and returns
// true. A false return deducts nothing; the refill itself is still kept.
func (b *TokenBucket) Request() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	if elapsed := now - b.lastRefill; elapsed > 0 {
		b.tokens = min(b.tokens+float64(elapsed)*b.rate, b.burst)
		b.lastRefill = now
	}
	debug.Assertf(b.tokens >= 0 && b.tokens <= b.burst, "token bucket tokens %v out of [0,%v]", b.tokens, b.burst)
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Tokens reports the current token count, for observability/tests. It
// does not advance the refill clock.
func (b *TokenBucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens
}
