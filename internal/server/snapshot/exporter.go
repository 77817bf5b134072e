// Package snapshot produces portable archives of the live structured-storage
// file and the attachments directory without taking the storage offline.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/dbx"
	"github.com/dmitrijs2005/opsvault/internal/filex"
	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/dmitrijs2005/opsvault/internal/server/archive"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
	"github.com/google/uuid"
)

// Acquirer hands out the live storage handle.
type Acquirer interface {
	Acquire() (storage.Handle, error)
}

// Stats describes what went into an archive.
type Stats struct {
	HasDatabase     bool  `json:"has_database"`
	DatabaseBytes   int64 `json:"database_bytes"`
	Attachments     int   `json:"attachments"`
	AttachmentBytes int64 `json:"attachment_bytes"`
}

// Snapshot is an archive materialized under the work directory.
type Snapshot struct {
	Path      string
	Name      string
	Size      int64
	CreatedAt time.Time
	Stats     Stats
}

// Remove deletes the archive file.
func (s *Snapshot) Remove() error {
	return filex.RemoveIfExists(s.Path)
}

type Exporter struct {
	registry       Acquirer
	dbPath         string
	attachmentsDir string
	workDir        string
	logger         logging.Logger
	gate           *storage.Gate
	now            func() time.Time
}

type ExporterOption func(*Exporter)

// WithGate makes exports take g shared, so they never overlap a restore.
func WithGate(g *storage.Gate) ExporterOption {
	return func(e *Exporter) { e.gate = g }
}

func NewExporter(registry Acquirer, dbPath, attachmentsDir, workDir string, logger logging.Logger, opts ...ExporterOption) *Exporter {
	e := &Exporter{
		registry:       registry,
		dbPath:         dbPath,
		attachmentsDir: attachmentsDir,
		workDir:        workDir,
		logger:         logger,
		now:            time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Export streams a snapshot archive into w.
//
// While a live handle exists the storage file is copied inside a read
// transaction on a dedicated connection. The shared lock it holds lets other
// readers proceed and keeps writers from committing until the copy is done.
// While a restore runs it fails with common.ErrRestoreInProgress.
func (e *Exporter) Export(ctx context.Context, w io.Writer) (Stats, error) {
	var st Stats
	if e.gate != nil {
		release, ok := e.gate.TryShared()
		if !ok {
			return st, common.ErrRestoreInProgress
		}
		defer release()
	}
	aw := archive.NewWriter(w)

	if err := e.writeDatabase(ctx, aw, &st); err != nil {
		return st, err
	}
	if err := e.writeAttachments(ctx, aw, &st); err != nil {
		return st, err
	}
	if err := aw.Close(); err != nil {
		return st, fmt.Errorf("finish archive: %w", err)
	}
	return st, nil
}

// ExportToFile writes a snapshot into the work directory. The archive only
// appears under its final name once it is complete.
func (e *Exporter) ExportToFile(ctx context.Context) (*Snapshot, error) {
	if err := filex.EnsureDir(e.workDir); err != nil {
		return nil, err
	}

	tmp, err := os.CreateTemp(e.workDir, ".backup-*.zip.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp archive: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	st, err := e.Export(ctx, tmp)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	info, err := tmp.Stat()
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("close archive: %w", err)
	}

	created := e.now()
	name := fmt.Sprintf("backup-%s-%s.zip", created.Format("20060102-150405"), uuid.NewString()[:8])
	final := filepath.Join(e.workDir, name)
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		return nil, fmt.Errorf("publish archive: %w", err)
	}

	e.logger.Info(ctx, "snapshot exported",
		"name", name,
		"size", info.Size(),
		"database_bytes", st.DatabaseBytes,
		"attachments", st.Attachments,
	)

	return &Snapshot{Path: final, Name: name, Size: info.Size(), CreatedAt: created, Stats: st}, nil
}

func (e *Exporter) writeDatabase(ctx context.Context, aw *archive.Writer, st *Stats) error {
	h, err := e.registry.Acquire()
	if errors.Is(err, common.ErrNotInitialized) {
		e.logger.Warn(ctx, "no live storage handle, copying file as-is", "path", e.dbPath)
		return e.copyDatabase(aw, st)
	}
	if err != nil {
		return err
	}

	conn, err := h.Conn(ctx)
	if err != nil {
		return fmt.Errorf("pin connection: %w", err)
	}
	defer conn.Close()

	return dbx.WithTx(ctx, conn, nil, func(ctx context.Context, tx dbx.DBTX) error {
		// a deferred transaction takes its shared lock on the first read
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master`).Scan(&n); err != nil {
			return fmt.Errorf("take read lock: %w", err)
		}
		return e.copyDatabase(aw, st)
	})
}

func (e *Exporter) copyDatabase(aw *archive.Writer, st *Stats) error {
	f, err := os.Open(e.dbPath)
	if errors.Is(err, fs.ErrNotExist) {
		e.logger.Warn(context.Background(), "storage file missing, exporting attachments only", "path", e.dbPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("open storage file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	n, err := aw.AddDatabase(f, info.ModTime())
	if err != nil {
		return err
	}
	st.HasDatabase = true
	st.DatabaseBytes = n
	return nil
}

func (e *Exporter) writeAttachments(ctx context.Context, aw *archive.Writer, st *Stats) error {
	root := e.attachmentsDir
	if !filex.Exists(root) {
		return nil
	}

	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() || isTempFile(d.Name()) {
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}

		f, err := os.Open(p)
		if err != nil {
			return fmt.Errorf("open attachment %s: %w", rel, err)
		}
		defer f.Close()

		n, err := aw.AddAttachment(filepath.ToSlash(rel), f, info.ModTime())
		if err != nil {
			return err
		}
		st.Attachments++
		st.AttachmentBytes += n
		return nil
	})
}

// isTempFile matches the in-flight files left by filex.WriteAtomic.
func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".") && strings.Contains(name, ".tmp-")
}
