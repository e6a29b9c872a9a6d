// Package trace carries a job's correlation ID through a context.Context
// rather than a process-global variable, so multiple Instances sharing a
// process never cross-contaminate trace IDs.
package trace

import "context"

type contextKey struct{}

// WithJobUUID returns a context carrying uuid as the active job's trace
// identifier.
func WithJobUUID(ctx context.Context, uuid string) context.Context {
	return context.WithValue(ctx, contextKey{}, uuid)
}

// JobUUID returns the trace identifier carried by ctx, or "" if none was
// set.
func JobUUID(ctx context.Context) string {
	v, _ := ctx.Value(contextKey{}).(string)
	return v
}
