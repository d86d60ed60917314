package fs

import (
	"context"
)

var (
	// BlockingContextKey marks a call made in blocking form.
	BlockingContextKey = &contextKey{"blocking"}
)

// WithBlocking marks ctx for a blocking-form call. Such calls fail
// instead of waiting on locks or slow storage.
func WithBlocking(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if IsBlocking(ctx) {
		return ctx
	}
	return context.WithValue(ctx, BlockingContextKey, true)
}

// IsBlocking returns true if ctx was marked with WithBlocking.
func IsBlocking(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	return ctx.Value(BlockingContextKey) != nil
}

// contextKey is a value for use with context.WithValue. It's used as
// a pointer so it fits in an interface{} without allocation.
type contextKey struct {
	name string
}

func (k *contextKey) String() string { return "fs context value " + k.name }
