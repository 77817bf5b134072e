package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/filex"
	"github.com/dmitrijs2005/opsvault/internal/server/archive"
)

// SQLite may keep state next to the main file; these move with it.
var sidecarSuffixes = []string{"-journal", "-wal", "-shm"}

func (w *work) shortID() string { return w.job.ID[:8] }

func (o *Orchestrator) validate(ctx context.Context, w *work) error {
	rd, closer, err := archive.OpenFile(w.job.UploadPath)
	if err != nil {
		if errors.Is(err, common.ErrInvalidArchive) {
			return err
		}
		return fmt.Errorf("%w: %w", common.ErrInvalidArchive, err)
	}
	w.archive, w.closer = rd, closer

	db, hasDB := rd.Database()
	o.update(w, func(j *Job) {
		j.HasDatabase = hasDB
		for _, e := range rd.Attachments() {
			j.Attachments = append(j.Attachments, e.Path)
		}
	})
	if !hasDB {
		return nil
	}

	staged := fmt.Sprintf("%s.restore-%s", o.opts.DatabasePath, w.shortID())
	if err := writeEntry(db, staged, 0o660, common.ErrorInternal); err != nil {
		return fmt.Errorf("stage storage file: %w", err)
	}
	w.stagedDB = staged

	f, err := os.Open(staged)
	if err != nil {
		return fmt.Errorf("%w: %w", common.ErrorInternal, err)
	}
	isDB := archive.IsSQLite(f)
	_ = f.Close()
	if !isDB {
		return fmt.Errorf("%w: %s is not a SQLite database", common.ErrInvalidArchive, archive.DatabaseEntry)
	}
	if err := o.opts.CheckDatabase(ctx, staged); err != nil {
		return fmt.Errorf("%w: %s: %w", common.ErrInvalidArchive, archive.DatabaseEntry, err)
	}

	w.log.Info(ctx, "archive validated", "database_bytes", db.Size, "attachments", len(rd.Attachments()))
	return nil
}

// extractAttachments writes every attachment entry. When the archive also
// carries a storage file they go to a staging directory first and are only
// published once the storage handle has been quiesced.
func (o *Orchestrator) extractAttachments(ctx context.Context, w *work) error {
	root := o.opts.AttachmentsDir
	if w.job.HasDatabase {
		dir := filepath.Clean(o.opts.AttachmentsDir)
		root = filepath.Join(filepath.Dir(dir), fmt.Sprintf(".%s.restore-%s", filepath.Base(dir), w.shortID()))
		w.stagingDir = root
	}

	for _, e := range w.archive.Attachments() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("restore abandoned: %w", err)
		}
		dst := filepath.Join(root, filepath.FromSlash(e.Path))
		if err := writeEntry(e, dst, 0o644, common.ErrAttachmentWriteFailed); err != nil {
			return err
		}
	}

	if len(w.job.Attachments) > 0 {
		w.log.Info(ctx, "attachments extracted", "count", len(w.job.Attachments), "staged", w.stagingDir != "")
	}
	return nil
}

// swap publishes staged attachments, holds the previous storage file aside
// and renames the staged file onto the canonical path.
func (o *Orchestrator) swap(ctx context.Context, w *work) error {
	for _, rel := range w.job.Attachments {
		src := filepath.Join(w.stagingDir, filepath.FromSlash(rel))
		dst := filepath.Join(o.opts.AttachmentsDir, filepath.FromSlash(rel))
		if err := filex.EnsureDir(filepath.Dir(dst)); err != nil {
			return fmt.Errorf("%w: %s: %w", common.ErrAttachmentWriteFailed, rel, err)
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("%w: %s: %w", common.ErrAttachmentWriteFailed, rel, err)
		}
	}

	canonical := o.opts.DatabasePath
	aside := fmt.Sprintf("%s.pre-restore-%s", canonical, w.shortID())

	moved, err := moveWithSidecars(canonical, aside)
	if moved {
		w.aside = aside
	}
	if err != nil {
		return fmt.Errorf("%w: hold aside previous file: %w", common.ErrSwapFailed, err)
	}

	if err := os.Rename(w.stagedDB, canonical); err != nil {
		return fmt.Errorf("%w: %w", common.ErrSwapFailed, err)
	}
	w.stagedDB = ""

	w.log.Info(ctx, "storage file swapped", "path", canonical, "previous", w.aside)
	return nil
}

// reopen brings the registry back on the canonical path. If that fails and
// the previous file is still held aside, it is put back and opened once more.
func (o *Orchestrator) reopen(ctx context.Context, w *work, swapErr error) {
	if swapErr != nil {
		w.log.Error(ctx, "swap failed, reopening previous storage file", "error", swapErr)
		if w.aside != "" {
			if err := o.putBack(w); err != nil {
				w.log.Error(ctx, "putting previous storage file back", "error", err, "aside", w.aside)
			}
		}
	}

	err := o.openCanonical(ctx)
	if err == nil {
		if swapErr != nil {
			o.terminate(w, PhaseFailedRolledBack, swapErr)
			return
		}
		o.terminate(w, PhaseSucceeded, nil)
		return
	}

	cause := errors.Join(swapErr, err)
	w.log.Error(ctx, "reopen failed", "error", err)

	if w.aside == "" {
		o.terminate(w, PhaseFailedDegraded, cause)
		return
	}

	w.log.Warn(ctx, "recovering previous storage file", "aside", w.aside)
	if perr := o.putBack(w); perr != nil {
		o.terminate(w, PhaseFailedDegraded, errors.Join(cause, perr))
		return
	}
	if rerr := o.openCanonical(ctx); rerr != nil {
		o.terminate(w, PhaseFailedDegraded, errors.Join(cause, rerr))
		return
	}
	o.terminate(w, PhaseFailedRolledBack, cause)
}

// openCanonical refuses to reopen a missing file, which would silently
// create an empty database.
func (o *Orchestrator) openCanonical(ctx context.Context) error {
	if !filex.Exists(o.opts.DatabasePath) {
		return fmt.Errorf("%w: %s does not exist", common.ErrReopenFailed, o.opts.DatabasePath)
	}
	return o.registry.Reopen(ctx, o.opts.DatabasePath)
}

func (o *Orchestrator) putBack(w *work) error {
	canonical := o.opts.DatabasePath
	// leftovers of the rejected file must not be mistaken for a hot journal
	for _, s := range sidecarSuffixes {
		if err := filex.RemoveIfExists(canonical + s); err != nil {
			return err
		}
	}
	if _, err := moveWithSidecars(w.aside, canonical); err != nil {
		return err
	}
	w.aside = ""
	return nil
}

// moveWithSidecars renames src and any sidecar files to dst. It reports
// whether the main file was moved.
func moveWithSidecars(src, dst string) (bool, error) {
	moved, err := filex.MoveIfExists(src, dst)
	if err != nil || !moved {
		return moved, err
	}
	for _, s := range sidecarSuffixes {
		if _, err := filex.MoveIfExists(src+s, dst+s); err != nil {
			return true, err
		}
	}
	return true, nil
}

func removeWithSidecars(path string) error {
	var errs []error
	errs = append(errs, filex.RemoveIfExists(path))
	for _, s := range sidecarSuffixes {
		errs = append(errs, filex.RemoveIfExists(path+s))
	}
	return errors.Join(errs...)
}

// writeEntry streams e into dst atomically. Errors reading the entry mean a
// corrupt archive; anything else is reported as writeErr.
func writeEntry(e *archive.Entry, dst string, perm os.FileMode, writeErr error) error {
	rc, err := e.Open()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", common.ErrInvalidArchive, e.Path, err)
	}
	defer rc.Close()

	src := &trackingReader{r: rc}
	if _, err := filex.WriteAtomic(dst, src, perm); err != nil {
		if src.err != nil {
			return fmt.Errorf("%w: %s: %w", common.ErrInvalidArchive, e.Path, src.err)
		}
		return fmt.Errorf("%w: %s: %w", writeErr, e.Path, err)
	}
	return nil
}

// trackingReader remembers the first non-EOF read error.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF && t.err == nil {
		t.err = err
	}
	return n, err
}
