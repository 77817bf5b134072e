package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/filex"
	"github.com/dmitrijs2005/opsvault/internal/server/audit"
	"github.com/dmitrijs2005/opsvault/internal/server/notify"
	"github.com/dmitrijs2005/opsvault/internal/server/restore"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// uploadField is the multipart field carrying the restore archive.
const uploadField = "backup"

func (h *Handler) backup(c *gin.Context) {
	ctx := c.Request.Context()

	start := time.Now()
	snap, err := h.Exporter.ExportToFile(ctx)
	if errors.Is(err, common.ErrRestoreInProgress) {
		fail(c, http.StatusConflict, restore.KindRestoreInProgress, "a restore is running, try again later")
		return
	}
	if err != nil {
		h.Logger.Error(ctx, "export failed", "error", err)
		h.Notifier.Notify(ctx, notify.Outcome{
			Operation: notify.OperationBackup,
			State:     "FAILED",
			Kind:      string(restore.KindInternal),
			Message:   err.Error(),
			Duration:  time.Since(start),
			At:        time.Now(),
		})
		fail(c, http.StatusInternalServerError, restore.KindInternal, "backup failed")
		return
	}
	defer func() {
		if err := snap.Remove(); err != nil {
			h.Logger.Warn(ctx, "removing exported archive", "path", snap.Path, "error", err)
		}
	}()

	if h.Mirror != nil {
		key, err := h.Mirror.Put(ctx, snap.Name, snap.Path)
		if err != nil {
			h.Logger.Error(ctx, "mirroring backup failed", "name", snap.Name, "error", err)
		} else {
			h.Logger.Info(ctx, "backup mirrored", "key", key)
		}
	}

	desc := fmt.Sprintf("backup %s exported: %d bytes, %d attachments", snap.Name, snap.Size, snap.Stats.Attachments)
	if err := h.Audit.Record(ctx, audit.ActionBackup, desc); err != nil {
		h.Logger.Warn(ctx, "recording backup audit entry", "error", err)
	}
	h.Notifier.Notify(ctx, notify.Outcome{
		Operation: notify.OperationBackup,
		JobID:     snap.Name,
		State:     "SUCCEEDED",
		Duration:  time.Since(start),
		At:        time.Now(),
	})

	c.FileAttachment(snap.Path, snap.Name)
}

func (h *Handler) restore(c *gin.Context) {
	ctx := c.Request.Context()

	if h.Restorer.Running() {
		fail(c, http.StatusConflict, restore.KindRestoreInProgress, "a restore is already running")
		return
	}

	if h.MaxUploadSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadSize)
	}
	fh, err := c.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			fail(c, http.StatusRequestEntityTooLarge, restore.KindInvalidArchive, "backup file is too large")
			return
		}
		fail(c, http.StatusBadRequest, restore.KindInvalidArchive, "multipart field \""+uploadField+"\" is required")
		return
	}

	if err := filex.EnsureDir(h.WorkDir); err != nil {
		h.Logger.Error(ctx, "preparing work dir", "error", err)
		fail(c, http.StatusInternalServerError, restore.KindInternal, "cannot store upload")
		return
	}
	dst := filepath.Join(h.WorkDir, "upload-"+uuid.NewString()+".zip")
	if err := c.SaveUploadedFile(fh, dst); err != nil {
		_ = os.Remove(dst)
		h.Logger.Error(ctx, "saving upload", "error", err)
		fail(c, http.StatusInternalServerError, restore.KindInternal, "cannot store upload")
		return
	}

	job, err := h.Restorer.Restore(ctx, dst)
	if errors.Is(err, common.ErrRestoreInProgress) {
		_ = os.Remove(dst)
		fail(c, http.StatusConflict, restore.KindRestoreInProgress, "a restore is already running")
		return
	}
	if job == nil {
		fail(c, http.StatusInternalServerError, restore.KindOf(err), "restore failed")
		return
	}

	st := job.Status()
	respond(c, statusFor(job), envelope{
		Success: job.Phase == restore.PhaseSucceeded,
		Message: messageFor(job),
		Data:    st,
		Error:   string(st.Kind),
		State:   string(st.Phase),
	})
}

func statusFor(job *restore.Job) int {
	switch {
	case job.Phase == restore.PhaseSucceeded:
		return http.StatusOK
	case job.Phase == restore.PhaseFailedDegraded:
		return http.StatusServiceUnavailable
	case job.Kind() == restore.KindInvalidArchive:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(job *restore.Job) string {
	switch job.Phase {
	case restore.PhaseSucceeded:
		return "restore completed"
	case restore.PhaseFailedDegraded:
		return "restore failed and storage needs operator attention"
	default:
		return "restore failed, previous data is intact"
	}
}

func (h *Handler) restoreStatus(c *gin.Context) {
	if st, ok := h.Restorer.Current(); ok {
		respond(c, http.StatusOK, envelope{Success: true, Message: "restore running", Data: st, State: string(st.Phase)})
		return
	}
	if st, ok := h.Restorer.Last(); ok {
		respond(c, http.StatusOK, envelope{Success: true, Message: "last restore", Data: st, Error: string(st.Kind), State: string(st.Phase)})
		return
	}
	respond(c, http.StatusNotFound, envelope{Success: false, Message: "no restore has run yet"})
}

func (h *Handler) auditList(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respond(c, http.StatusBadRequest, envelope{Success: false, Message: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	entries, err := h.Audit.List(c.Request.Context(), limit)
	if errors.Is(err, common.ErrNotInitialized) {
		fail(c, http.StatusServiceUnavailable, restore.KindNotInitialized, "storage is unavailable")
		return
	}
	if err != nil {
		h.Logger.Error(c.Request.Context(), "listing audit entries", "error", err)
		fail(c, http.StatusInternalServerError, restore.KindInternal, "cannot list audit entries")
		return
	}
	if entries == nil {
		entries = []*audit.Entry{}
	}
	respond(c, http.StatusOK, envelope{Success: true, Message: "ok", Data: entries})
}
