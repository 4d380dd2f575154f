package llm

import (
	"context"
	"sync/atomic"
)

type permitKey struct{}

// permitPool counts model-call permits reserved ahead of a fan-out. It is
// shared by every context derived from the one WithPermits returned, so
// concurrent goroutines spend from the same allowance.
type permitPool struct{ left atomic.Int32 }

// WithPermits derives a context carrying n spendable model-call permits.
// Non-positive n leaves ctx untouched.
func WithPermits(ctx context.Context, n int) context.Context {
	if n <= 0 {
		return ctx
	}
	p := &permitPool{}
	p.left.Store(int32(n))
	return context.WithValue(ctx, permitKey{}, p)
}

// SpendPermit spends one reserved permit from ctx, reporting whether one was
// available. A context without a reservation always reports false.
func SpendPermit(ctx context.Context) bool {
	p, _ := ctx.Value(permitKey{}).(*permitPool)
	if p == nil {
		return false
	}
	for {
		n := p.left.Load()
		if n <= 0 {
			return false
		}
		if p.left.CompareAndSwap(n, n-1) {
			return true
		}
	}
}
