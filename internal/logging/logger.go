// Package logging is the structured logger every opsvault component writes to.
package logging

import "context"

// Logger takes a message plus alternating key/value args:
//
//	log.Info(ctx, "restore finished", "job_id", id, "state", state)
type Logger interface {
	Debug(ctx context.Context, msg string, args ...any)
	Info(ctx context.Context, msg string, args ...any)
	Warn(ctx context.Context, msg string, args ...any)
	// Error is used for failed operations, including degraded restores.
	Error(ctx context.Context, msg string, args ...any)

	// With returns a child logger that attaches args to every record.
	With(args ...any) Logger
}
