package log

import "context"

type ctxKey struct{}

// WithContext stores l in ctx. httpmw.WithLogger uses it to hand host and
// admin API handlers a logger already tagged with the request id and the
// calling host's address. main stores the process logger the same way for
// startup code such as the profiler.
func WithContext(ctx context.Context, l Logger) context.Context {
	if l == nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the Logger stored in ctx, or Nop() for contexts that
// never passed through WithContext.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return Nop()
}
