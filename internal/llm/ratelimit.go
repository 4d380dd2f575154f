package llm

import (
	"context"
	"sync"
	"time"
)

// tokenBucket admits at most rate events per second with a bounded burst.
// Tokens accrue lazily on each Acquire from the elapsed wall time, so the
// bucket needs no refill goroutine and nothing to stop.
type tokenBucket struct {
	mu     sync.Mutex
	rate   float64 // tokens per second
	burst  float64
	tokens float64
	last   time.Time
}

// newTokenBucket returns a bucket admitting rate events per second, holding
// at most burst unspent tokens. A non-positive rate disables limiting and
// returns nil; the nil bucket admits everything.
func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &tokenBucket{
		rate:   rate,
		burst:  float64(burst),
		tokens: float64(burst),
		last:   time.Now(),
	}
}

// Acquire spends one token, sleeping until one accrues. It returns the
// context error if ctx is done first.
func (b *tokenBucket) Acquire(ctx context.Context) error {
	if b == nil {
		return nil
	}
	for {
		b.mu.Lock()
		now := time.Now()
		b.tokens += now.Sub(b.last).Seconds() * b.rate
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.last = now
		if b.tokens >= 1 {
			b.tokens--
			b.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - b.tokens) / b.rate * float64(time.Second))
		b.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// NewLimiter exposes a token bucket through the Limiter interface so it can
// back a PermitBroker. A non-positive rate yields a nil, always-admitting
// limiter.
func NewLimiter(rate float64, burst int) Limiter {
	return newTokenBucket(rate, burst)
}
