package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
// Values (request ids, loggers) are kept.
//
// Work that must outlive the decision that started it, such as a slow policy
// call kept running after its caller timed out, runs on a detached context.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
//
// Example usage:
//
//	bgCtx, cancel := logging.DetachContextWithTimeout(ctx, 2*time.Second)
//	defer cancel()
//	proposal, err := policy.Compute(bgCtx, state)
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
