package runtime

import "context"

// SafeGo runs fn in a new goroutine guarded by policy.
func SafeGo(logger Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContext(context.Background(), logger, "", name, policy, func(context.Context) { fn() })
}

// SafeGoWithContext runs fn(ctx) in a new goroutine guarded by policy,
// labelling recovered panics with component and name.
func SafeGoWithContext(ctx context.Context, logger Logger, component, name string, policy PanicPolicy, fn func(context.Context)) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
