// Package restore replaces the live storage file and attachments from an
// uploaded snapshot archive without restarting the process.
package restore

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
)

// Phase is a RestoreJob state.
type Phase string

const (
	PhaseReceived              Phase = "RECEIVED"
	PhaseValidating            Phase = "VALIDATING"
	PhaseExtractingAttachments Phase = "EXTRACTING_ATTACHMENTS"
	PhaseQuiescing             Phase = "QUIESCING"
	PhaseSwappingFile          Phase = "SWAPPING_FILE"
	PhaseReopening             Phase = "REOPENING"
	PhaseSucceeded             Phase = "SUCCEEDED"
	PhaseFailedRolledBack      Phase = "FAILED_ROLLED_BACK"
	PhaseFailedDegraded        Phase = "FAILED_DEGRADED"
)

func (p Phase) Terminal() bool {
	return p == PhaseSucceeded || p == PhaseFailedRolledBack || p == PhaseFailedDegraded
}

// Kind classifies a restore error for clients and metrics.
type Kind string

const (
	KindNone                  Kind = ""
	KindInvalidArchive        Kind = "INVALID_ARCHIVE"
	KindAttachmentWriteFailed Kind = "ATTACHMENT_WRITE_FAILED"
	KindDatabaseBusy          Kind = "DATABASE_BUSY"
	KindSwapFailed            Kind = "SWAP_FAILED"
	KindReopenFailed          Kind = "REOPEN_FAILED"
	KindRestoreInProgress     Kind = "RESTORE_IN_PROGRESS"
	KindNotInitialized        Kind = "NOT_INITIALIZED"
	KindCancelled             Kind = "CANCELLED"
	KindInternal              Kind = "INTERNAL"
)

// KindOf maps err onto the restore error taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, common.ErrRestoreInProgress):
		return KindRestoreInProgress
	case errors.Is(err, common.ErrInvalidArchive):
		return KindInvalidArchive
	case errors.Is(err, common.ErrAttachmentWriteFailed):
		return KindAttachmentWriteFailed
	case errors.Is(err, common.ErrDatabaseBusy):
		return KindDatabaseBusy
	case errors.Is(err, common.ErrReopenFailed):
		return KindReopenFailed
	case errors.Is(err, common.ErrSwapFailed):
		return KindSwapFailed
	case errors.Is(err, common.ErrNotInitialized):
		return KindNotInitialized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// Job is one restore attempt. It is owned by the Orchestrator while running;
// read it through Status.
type Job struct {
	ID          string
	UploadPath  string
	Phase       Phase
	Err         error
	HasDatabase bool
	// Attachments lists archive attachment paths, relative to the attachments root.
	Attachments []string
	History     []Phase
	StartedAt   time.Time
	FinishedAt  time.Time
}

func (j *Job) Kind() Kind { return KindOf(j.Err) }

func (j *Job) Degraded() bool { return j.Phase == PhaseFailedDegraded }

// Status is a point-in-time copy of a Job suitable for JSON.
type Status struct {
	ID          string     `json:"id"`
	Phase       Phase      `json:"phase"`
	Kind        Kind       `json:"kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	HasDatabase bool       `json:"has_database"`
	Attachments int        `json:"attachments"`
	History     []Phase    `json:"history"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

func (j *Job) Status() Status {
	st := Status{
		ID:          j.ID,
		Phase:       j.Phase,
		Kind:        j.Kind(),
		HasDatabase: j.HasDatabase,
		Attachments: len(j.Attachments),
		History:     append([]Phase(nil), j.History...),
		StartedAt:   j.StartedAt,
	}
	if j.Err != nil {
		st.Error = j.Err.Error()
	}
	if !j.FinishedAt.IsZero() {
		t := j.FinishedAt
		st.FinishedAt = &t
	}
	return st
}
