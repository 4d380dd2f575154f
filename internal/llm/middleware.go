package llm

import (
	"context"
	"log"
	"time"
)

// Middleware decorates a Session to inject cross-cutting concerns
// (rate limiting, retries, logging, hooks).
type Middleware func(Session) Session

// Wrap layers middlewares around inner so the first argument becomes the
// outermost decorator: Wrap(inner, A, B) opens through A, then B, then inner.
func Wrap(inner Session, mws ...Middleware) Session {
	s := inner
	for i := len(mws) - 1; i >= 0; i-- {
		s = mws[i](s)
	}
	return s
}

// -------- Rate limiting --------

// RateLimit throttles stream opens with a token-bucket limiter.
// If rps <= 0, the limiter is effectively disabled.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Session) Session {
		rl := newTokenBucket(rps, burst) // nil when disabled
		return &rateLimited{next: next, rl: rl}
	}
}

type rateLimited struct {
	next Session
	rl   *tokenBucket
}

func (s *rateLimited) Name() string { return s.next.Name() }
func (s *rateLimited) Close() error { return s.next.Close() }
func (s *rateLimited) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	if s.rl != nil {
		// A reserved permit bypasses the shared bucket.
		if !SpendPermit(ctx) {
			if err := s.rl.Acquire(ctx); err != nil {
				return nil, err
			}
		}
	}
	return s.next.Open(ctx, req)
}

// MultiLimit applies requests-per-minute and requests-per-day limits.
// Pass 0 to disable a specific limiter.
func MultiLimit(rpm, rpd int) Middleware {
	var rpmL, rpdL *tokenBucket
	if rpm > 0 {
		rpmL = newTokenBucket(float64(rpm)/60.0, max1(rpm))
	}
	if rpd > 0 {
		rpdL = newTokenBucket(float64(rpd)/86400.0, max1(rpd))
	}
	return func(next Session) Session {
		return &multiLimited{next: next, rpm: rpmL, rpd: rpdL}
	}
}

type multiLimited struct {
	next Session
	rpm  *tokenBucket
	rpd  *tokenBucket
}

func (m *multiLimited) Name() string { return m.next.Name() }
func (m *multiLimited) Close() error { return m.next.Close() }
func (m *multiLimited) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	if m.rpm != nil {
		if !SpendPermit(ctx) {
			if err := m.rpm.Acquire(ctx); err != nil {
				return nil, err
			}
		}
	}
	if m.rpd != nil {
		if !SpendPermit(ctx) {
			if err := m.rpd.Acquire(ctx); err != nil {
				return nil, err
			}
		}
	}
	return m.next.Open(ctx, req)
}

func max1(n int) int {
	if n < 1 {
		return 1
	}
	return n
}

// -------- Retry with exponential backoff --------

// Retry retries Open up to maxAttempts with exponential backoff starting at
// baseDelay. Only the open itself is retried; once a stream is handed out,
// consumption errors belong to the caller.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Session) Session {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Session
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }
func (r *retrying) Close() error { return r.next.Close() }
func (r *retrying) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	var last error
	for attempt := 0; attempt < r.max; attempt++ {
		st, err := r.next.Open(ctx, req)
		if err == nil {
			return st, nil
		}
		last = err
		// Backoff waits honor cancellation; the final failure skips the wait.
		if attempt == r.max-1 {
			break
		}
		timer := time.NewTimer(r.base * time.Duration(1<<attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, last
}

// -------- Logging & hooks --------

// WithLogging logs open sizes and errors. Provide a custom logger or nil to
// use log.Default().
func WithLogging(logger *log.Logger) Middleware {
	if logger == nil {
		logger = log.Default()
	}
	return func(next Session) Session {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Session
	log  *log.Logger
}

func (l *logging) Name() string { return l.next.Name() }
func (l *logging) Close() error { return l.next.Close() }
func (l *logging) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	size := len(req.System)
	for _, m := range req.Messages {
		size += len(m.Text)
	}
	l.log.Printf("llm open (%s): %d msgs, %d bytes, %d tools", StageFrom(ctx), len(req.Messages), size, len(req.Tools))
	st, err := l.next.Open(ctx, req)
	if err != nil {
		l.log.Printf("llm open error (%s): %v", StageFrom(ctx), err)
	}
	return st, err
}

// WithHooks calls HookFrom(ctx).Before/After around Open.
// If no hook is present in the context, it is a no-op.
func WithHooks() Middleware {
	return func(next Session) Session {
		return &hooked{next: next}
	}
}

type hooked struct{ next Session }

func (h *hooked) Name() string { return h.next.Name() }
func (h *hooked) Close() error { return h.next.Close() }
func (h *hooked) Open(ctx context.Context, req OpenRequest) (Stream, error) {
	if hook := HookFrom(ctx); hook != nil {
		hook.Before(ctx, StageFrom(ctx), req)
	}
	st, err := h.next.Open(ctx, req)
	if hook := HookFrom(ctx); hook != nil {
		hook.After(ctx, StageFrom(ctx), err)
	}
	return st, err
}
