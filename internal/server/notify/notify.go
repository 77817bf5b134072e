// Package notify fans out snapshot and restore outcomes to operators.
package notify

import (
	"context"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/logging"
)

const (
	OperationRestore = "restore"
	OperationBackup  = "backup"
)

// Outcome is the terminal result of one backup or restore.
type Outcome struct {
	Operation string
	JobID     string
	State     string
	Kind      string
	Message   string
	// Degraded is set when storage was left without a usable handle.
	Degraded bool
	Duration  time.Duration
	At        time.Time
}

// Failed reports whether the outcome carries an error kind.
func (o Outcome) Failed() bool { return o.Kind != "" }

type Notifier interface {
	Notify(ctx context.Context, o Outcome)
}

// LogNotifier writes outcomes to the structured log. Degraded restores are
// logged at error level since they need an operator.
type LogNotifier struct {
	logger logging.Logger
}

func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, o Outcome) {
	args := []any{
		"operation", o.Operation,
		"job_id", o.JobID,
		"state", o.State,
		"duration", o.Duration,
	}
	if o.Failed() {
		args = append(args, "kind", o.Kind, "error", o.Message)
	}

	switch {
	case o.Degraded:
		n.logger.Error(ctx, "restore left storage degraded, operator action required", args...)
	case o.Failed():
		n.logger.Warn(ctx, o.Operation+" failed", args...)
	default:
		n.logger.Info(ctx, o.Operation+" finished", args...)
	}
}

// Multi delivers to every notifier in order.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, o Outcome) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, o)
		}
	}
}

// Nop discards outcomes.
type Nop struct{}

func (Nop) Notify(context.Context, Outcome) {}
