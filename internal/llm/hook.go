package llm

import "context"

// SessionHook observes stream opens. Before runs ahead of every Open;
// After runs once the open has succeeded or failed.
type SessionHook interface {
	Before(ctx context.Context, stage string, req OpenRequest)
	After(ctx context.Context, stage string, err error)
}

type ctxKeyHook struct{}
type ctxKeyStage struct{}

// WithHookContext attaches a SessionHook to the context consumed by the
// WithHooks middleware.
func WithHookContext(ctx context.Context, hook SessionHook) context.Context {
	return context.WithValue(ctx, ctxKeyHook{}, hook)
}

// HookFrom returns the hook stored in the context, if any.
func HookFrom(ctx context.Context) SessionHook {
	if v := ctx.Value(ctxKeyHook{}); v != nil {
		if h, ok := v.(SessionHook); ok {
			return h
		}
	}
	return nil
}

// WithStage tags the context with the pipeline stage driving the session.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, ctxKeyStage{}, stage)
}

// StageFrom returns the stage string stored in the context.
func StageFrom(ctx context.Context) string {
	if v := ctx.Value(ctxKeyStage{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return "unknown"
}
