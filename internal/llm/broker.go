package llm

import "context"

// Limiter is a minimal interface over a rate limiter.
type Limiter interface {
	Acquire(ctx context.Context) error
}

// PermitBroker reserves N request permits up-front. The pipeline reserves
// permits for a whole fan-out unit before launching it so concurrent trace
// work does not stall mid-stage on the shared limiter.
type PermitBroker interface {
	Reserve(ctx context.Context, n int) (Lease, error)
}

// Lease injects reserved permits into a context.
type Lease interface {
	Context(ctx context.Context) context.Context
}

type broker struct{ rl Limiter }

// NewBroker returns a PermitBroker backed by the given limiter.
func NewBroker(rl Limiter) PermitBroker { return &broker{rl: rl} }

// Reserve acquires n permits from the limiter and returns a lease that
// embeds n permits into a context. If any acquire fails, the error is
// returned. Unused permits are not refunded; slight over-reservation is
// acceptable.
func (b *broker) Reserve(ctx context.Context, n int) (Lease, error) {
	if n <= 0 || b == nil || b.rl == nil {
		return lease{n: 0}, nil
	}
	for i := 0; i < n; i++ {
		if err := b.rl.Acquire(ctx); err != nil {
			return nil, err
		}
	}
	return lease{n: n}, nil
}

type lease struct{ n int }

// Context injects the reserved permits into the provided context.
func (l lease) Context(ctx context.Context) context.Context { return WithPermits(ctx, l.n) }
