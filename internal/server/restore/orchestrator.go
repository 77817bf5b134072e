package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/filex"
	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/dmitrijs2005/opsvault/internal/server/archive"
	"github.com/dmitrijs2005/opsvault/internal/server/audit"
	"github.com/dmitrijs2005/opsvault/internal/server/notify"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
	"github.com/google/uuid"
)

// Registry is the part of storage.Registry the orchestrator drives.
type Registry interface {
	Quiesce(ctx context.Context) error
	Reopen(ctx context.Context, path string) error
	State() storage.State
}

type Auditor interface {
	Record(ctx context.Context, action audit.ActionType, description string) error
}

type Options struct {
	// DatabasePath is the canonical storage file.
	DatabasePath   string
	AttachmentsDir string

	// CheckDatabase validates the staged storage file before quiescing.
	// Defaults to storage.CheckFile.
	CheckDatabase func(ctx context.Context, path string) error

	// Gate, when set, is held exclusively for the whole job so no export
	// reads files while they are replaced.
	Gate *storage.Gate
}

// Orchestrator runs at most one restore job at a time.
type Orchestrator struct {
	registry Registry
	opts     Options
	auditor  Auditor
	notifier notify.Notifier
	logger   logging.Logger
	now      func() time.Time

	running atomic.Bool

	mu      sync.RWMutex
	current *Job
	last    *Job
}

func New(registry Registry, opts Options, auditor Auditor, notifier notify.Notifier, logger logging.Logger) *Orchestrator {
	if opts.CheckDatabase == nil {
		opts.CheckDatabase = storage.CheckFile
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	return &Orchestrator{
		registry: registry,
		opts:     opts,
		auditor:  auditor,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// work is the temporary on-disk state of a running job.
type work struct {
	job *Job
	log logging.Logger

	archive *archive.Reader
	closer  io.Closer

	// stagedDB is the archive's storage file, written next to the canonical path.
	stagedDB string
	// stagingDir holds attachments until the storage file can be swapped.
	stagingDir string
	// aside is the previous storage file while it is moved out of the way.
	aside string
}

// Restore runs one restore of the archive at uploadPath and returns the
// terminal job. The upload is deleted once the job ends. If another restore
// is running it returns common.ErrRestoreInProgress and leaves the upload alone.
func (o *Orchestrator) Restore(ctx context.Context, uploadPath string) (*Job, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, common.ErrRestoreInProgress
	}
	defer o.running.Store(false)

	job := &Job{
		ID:         uuid.NewString(),
		UploadPath: uploadPath,
		Phase:      PhaseReceived,
		History:    []Phase{PhaseReceived},
		StartedAt:  o.now(),
	}

	o.mu.Lock()
	o.current = job
	o.mu.Unlock()

	w := &work{job: job, log: o.logger.With("job_id", job.ID)}
	w.log.Info(ctx, "restore received", "upload", uploadPath)

	o.run(ctx, w)

	o.mu.Lock()
	o.current = nil
	o.last = job
	o.mu.Unlock()

	return job, job.Err
}

// Running reports whether a restore job is in flight.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

// Current returns the in-flight job, if any.
func (o *Orchestrator) Current() (Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.current == nil {
		return Status{}, false
	}
	return o.current.Status(), true
}

// Last returns the most recently finished job, if any.
func (o *Orchestrator) Last() (Status, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.last == nil {
		return Status{}, false
	}
	return o.last.Status(), true
}

func (o *Orchestrator) run(ctx context.Context, w *work) {
	defer o.finish(ctx, w)

	if o.opts.Gate != nil {
		release, err := o.opts.Gate.Exclusive(ctx)
		if err != nil {
			o.abandon(ctx, w, err)
			return
		}
		defer release()
	}
	if o.abandoned(ctx, w) {
		return
	}

	o.advance(w, PhaseValidating)
	if err := o.validate(ctx, w); err != nil {
		o.terminate(w, PhaseFailedRolledBack, err)
		return
	}
	if o.abandoned(ctx, w) {
		return
	}

	o.advance(w, PhaseExtractingAttachments)
	if err := o.extractAttachments(ctx, w); err != nil {
		o.terminate(w, PhaseFailedRolledBack, err)
		return
	}
	if !w.job.HasDatabase {
		o.terminate(w, PhaseSucceeded, nil)
		return
	}
	if o.abandoned(ctx, w) {
		return
	}

	// from here on the job runs to a terminal state regardless of the caller
	ctx = context.WithoutCancel(ctx)

	o.advance(w, PhaseQuiescing)
	if err := o.registry.Quiesce(ctx); err != nil {
		if !errors.Is(err, common.ErrNotInitialized) {
			o.recoverBusy(ctx, w)
			o.terminate(w, PhaseFailedDegraded, fmt.Errorf("%w: %w", common.ErrDatabaseBusy, err))
			return
		}
		// no handle is open anywhere, so the file can be swapped as is
		w.log.Warn(ctx, "no live storage handle, swapping without quiesce")
	}

	o.advance(w, PhaseSwappingFile)
	swapErr := o.swap(ctx, w)

	o.advance(w, PhaseReopening)
	o.reopen(ctx, w, swapErr)
}

func (o *Orchestrator) abandoned(ctx context.Context, w *work) bool {
	err := ctx.Err()
	if err == nil {
		return false
	}
	o.abandon(ctx, w, err)
	return true
}

func (o *Orchestrator) abandon(ctx context.Context, w *work, err error) {
	w.log.Info(ctx, "restore abandoned", "phase", w.job.Phase, "error", err)
	o.terminate(w, PhaseFailedRolledBack, fmt.Errorf("restore abandoned: %w", err))
}

// recoverBusy reopens the untouched storage file after a failed quiesce. A
// hung close left the registry without a handle; a drain timeout left it
// refusing further quiesces. Either way a fresh handle on the same file
// clears the condition, and the old one is closed once its borrowers return.
func (o *Orchestrator) recoverBusy(ctx context.Context, w *work) {
	if !filex.Exists(o.opts.DatabasePath) {
		w.log.Error(ctx, "storage file missing after failed quiesce", "path", o.opts.DatabasePath)
		return
	}
	if err := o.registry.Reopen(ctx, o.opts.DatabasePath); err != nil {
		w.log.Error(ctx, "reopening storage after failed quiesce", "error", err)
		return
	}
	w.log.Info(ctx, "storage reopened after failed quiesce")
}

func (o *Orchestrator) advance(w *work, p Phase) {
	o.mu.Lock()
	w.job.Phase = p
	w.job.History = append(w.job.History, p)
	o.mu.Unlock()
	w.log.Debug(context.Background(), "restore phase", "phase", p)
}

func (o *Orchestrator) terminate(w *work, p Phase, err error) {
	o.mu.Lock()
	w.job.Phase = p
	w.job.Err = err
	w.job.History = append(w.job.History, p)
	w.job.FinishedAt = o.now()
	o.mu.Unlock()
}

func (o *Orchestrator) update(w *work, fn func(j *Job)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(w.job)
}

// finish runs on every terminal transition: it removes temporary files and
// the upload, then reports the outcome.
func (o *Orchestrator) finish(ctx context.Context, w *work) {
	ctx = context.WithoutCancel(ctx)
	job := w.job

	if r := recover(); r != nil {
		phase := PhaseFailedRolledBack
		if job.Phase == PhaseQuiescing || job.Phase == PhaseSwappingFile || job.Phase == PhaseReopening {
			phase = PhaseFailedDegraded
		}
		w.log.Error(ctx, "restore panicked", "phase", job.Phase, "panic", r)
		o.terminate(w, phase, fmt.Errorf("%w: panic in %s: %v", common.ErrorInternal, job.Phase, r))
	}

	if w.closer != nil {
		_ = w.closer.Close()
	}
	if w.stagedDB != "" {
		if err := filex.RemoveIfExists(w.stagedDB); err != nil {
			w.log.Warn(ctx, "removing staged storage file", "path", w.stagedDB, "error", err)
		}
	}
	if w.stagingDir != "" {
		if err := os.RemoveAll(w.stagingDir); err != nil {
			w.log.Warn(ctx, "removing attachment staging dir", "path", w.stagingDir, "error", err)
		}
	}
	if err := filex.RemoveIfExists(job.UploadPath); err != nil {
		w.log.Warn(ctx, "removing uploaded archive", "path", job.UploadPath, "error", err)
	}
	if w.aside != "" {
		if job.Phase == PhaseSucceeded {
			if err := removeWithSidecars(w.aside); err != nil {
				w.log.Warn(ctx, "removing previous storage file", "path", w.aside, "error", err)
			}
		} else {
			w.log.Error(ctx, "previous storage file kept for operator recovery", "path", w.aside)
		}
	}

	if o.auditor != nil {
		// lands in the live file, so a restored file gains this row after SUCCEEDED
		if err := o.auditor.Record(ctx, audit.ActionRestore, describe(job)); err != nil {
			w.log.Warn(ctx, "recording restore audit entry", "error", err)
		}
	}

	outcome := notify.Outcome{
		Operation: notify.OperationRestore,
		JobID:     job.ID,
		State:     string(job.Phase),
		Kind:      string(job.Kind()),
		Duration:  job.FinishedAt.Sub(job.StartedAt),
		At:        job.FinishedAt,
		Degraded:  job.Degraded(),
	}
	if job.Err != nil {
		outcome.Message = job.Err.Error()
	}
	o.notifier.Notify(ctx, outcome)
}

func describe(j *Job) string {
	if j.Phase == PhaseSucceeded {
		db := "unchanged"
		if j.HasDatabase {
			db = "replaced"
		}
		return fmt.Sprintf("restore %s succeeded: database %s, %d attachments", j.ID, db, len(j.Attachments))
	}
	return fmt.Sprintf("restore %s %s (%s): %v", j.ID, j.Phase, j.Kind(), j.Err)
}
