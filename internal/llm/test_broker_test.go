package llm

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"codemap/internal/tester"
)

type fakeLimiter struct {
	calls  int32
	failAt int32
}

func (f *fakeLimiter) Acquire(ctx context.Context) error {
	n := atomic.AddInt32(&f.calls, 1)
	if f.failAt > 0 && n == f.failAt {
		return errors.New("boom")
	}
	return nil
}

func TestBrokerReserveSuccess(t *testing.T) {
	fl := &fakeLimiter{}
	b := NewBroker(fl)
	lease, err := b.Reserve(context.Background(), 3)
	tester.NoErr(t, err)
	tester.Eq(t, fl.calls, int32(3))
	ctx := lease.Context(context.Background())
	// the lease holds exactly 3 permits
	for i := 0; i < 3; i++ {
		tester.True(t, SpendPermit(ctx), "permit available")
	}
	tester.False(t, SpendPermit(ctx), "no extra permits")
}

func TestBrokerReserveError(t *testing.T) {
	fl := &fakeLimiter{failAt: 2}
	b := NewBroker(fl)
	_, err := b.Reserve(context.Background(), 3)
	if err == nil {
		t.Fatalf("expected error on reservation")
	}
	tester.Eq(t, fl.calls, int32(2))
}

func TestPermitsNoneInContext(t *testing.T) {
	tester.False(t, SpendPermit(context.Background()), "no permits without lease")
	tester.Eq(t, WithPermits(context.Background(), 0), context.Background())
}
