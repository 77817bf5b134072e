// Package httpapi exposes snapshot export and restore over HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/dmitrijs2005/opsvault/internal/server/audit"
	"github.com/dmitrijs2005/opsvault/internal/server/auth"
	"github.com/dmitrijs2005/opsvault/internal/server/notify"
	"github.com/dmitrijs2005/opsvault/internal/server/restore"
	"github.com/dmitrijs2005/opsvault/internal/server/snapshot"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Exporter interface {
	ExportToFile(ctx context.Context) (*snapshot.Snapshot, error)
}

type Restorer interface {
	Restore(ctx context.Context, uploadPath string) (*restore.Job, error)
	Running() bool
	Current() (restore.Status, bool)
	Last() (restore.Status, bool)
}

type AuditLog interface {
	Record(ctx context.Context, action audit.ActionType, description string) error
	List(ctx context.Context, limit int) ([]*audit.Entry, error)
}

type Mirror interface {
	Put(ctx context.Context, name, path string) (string, error)
}

type StateReporter interface {
	State() storage.State
}

// Deps are the collaborators of Handler. Mirror is optional.
type Deps struct {
	Exporter      Exporter
	Restorer      Restorer
	Audit         AuditLog
	Mirror        Mirror
	Storage       StateReporter
	Notifier      notify.Notifier
	Gatherer      prometheus.Gatherer
	Logger        logging.Logger
	WorkDir       string
	MaxUploadSize int64
	SecretKey     []byte
}

type Handler struct {
	Deps
}

func New(d Deps) *Handler {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	return &Handler{Deps: d}
}

// Router builds the gin engine with every route registered.
func (h *Handler) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), h.requestLogger())
	r.MaxMultipartMemory = 32 << 20

	r.GET("/healthz", h.health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.Gatherer, promhttp.HandlerOpts{})))

	api := r.Group("/api", auth.Middleware(h.SecretKey))
	api.GET("/backup", h.backup)
	api.POST("/backup/restore", h.restore)
	api.GET("/backup/restore/status", h.restoreStatus)
	api.GET("/audit", h.auditList)

	return r
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.Logger.Info(c.Request.Context(), "http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// envelope is the JSON shape shared by every API response.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	State   string `json:"state,omitempty"`
}

func respond(c *gin.Context, code int, e envelope) {
	c.JSON(code, e)
}

func fail(c *gin.Context, code int, kind restore.Kind, msg string) {
	respond(c, code, envelope{Success: false, Message: msg, Error: string(kind)})
}

func (h *Handler) health(c *gin.Context) {
	state := h.Storage.State()
	code, status := http.StatusOK, "ok"
	if state != storage.StateLive {
		code, status = http.StatusServiceUnavailable, "unavailable"
	}
	c.JSON(code, gin.H{"status": status, "storage": state.String()})
}
