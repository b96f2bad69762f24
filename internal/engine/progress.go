package engine

import "context"

type progressKey struct{}

// ProgressFunc receives handler-reported progress for an in-flight task.
type ProgressFunc func(completed, total int)

// withProgress attaches a progress reporter to the handler context.
func withProgress(ctx context.Context, fn ProgressFunc) context.Context {
	return context.WithValue(ctx, progressKey{}, fn)
}

// ReportProgress forwards progress from inside a task handler to the
// orchestrator's event stream. No-op when the context carries no reporter.
func ReportProgress(ctx context.Context, completed, total int) {
	if fn, ok := ctx.Value(progressKey{}).(ProgressFunc); ok {
		fn(completed, total)
	}
}
