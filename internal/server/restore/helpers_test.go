package restore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/dmitrijs2005/opsvault/internal/server/archive"
	"github.com/dmitrijs2005/opsvault/internal/server/audit"
	"github.com/dmitrijs2005/opsvault/internal/server/notify"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
	"github.com/stretchr/testify/require"
)

type fakeAuditor struct {
	mu      sync.Mutex
	entries []string
}

func (a *fakeAuditor) Record(_ context.Context, action audit.ActionType, description string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, string(action)+": "+description)
	return nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	outcomes []notify.Outcome
}

func (n *fakeNotifier) Notify(_ context.Context, o notify.Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, o)
}

// countingRegistry counts quiesce calls.
type countingRegistry struct {
	Registry
	mu       sync.Mutex
	quiesces int
}

func (r *countingRegistry) Quiesce(ctx context.Context) error {
	r.mu.Lock()
	r.quiesces++
	r.mu.Unlock()
	return r.Registry.Quiesce(ctx)
}

func (r *countingRegistry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.quiesces
}

type env struct {
	dbPath   string
	attDir   string
	workDir  string
	storage  *storage.Registry
	registry *countingRegistry
	auditor  *fakeAuditor
	notifier *fakeNotifier
	orch     *Orchestrator

	originalDB []byte
}

type envOption func(*envConfig)

type envConfig struct {
	closeTimeout time.Duration
	opener       storage.Opener
	wrap         func(*storage.Registry) Registry
	gate         *storage.Gate
}

func withCloseTimeout(d time.Duration) envOption {
	return func(c *envConfig) { c.closeTimeout = d }
}

func withOpener(o storage.Opener) envOption {
	return func(c *envConfig) { c.opener = o }
}

func withGate(g *storage.Gate) envOption {
	return func(c *envConfig) { c.gate = g }
}

func withRegistry(wrap func(*storage.Registry) Registry) envOption {
	return func(c *envConfig) { c.wrap = wrap }
}

// newEnv creates a live storage file with one seller named "original" and
// two attachments.
func newEnv(t *testing.T, opts ...envOption) *env {
	t.Helper()
	cfg := envConfig{closeTimeout: time.Second}
	for _, o := range opts {
		o(&cfg)
	}

	root := t.TempDir()
	e := &env{
		dbPath:   filepath.Join(root, "data", "database.sqlite"),
		attDir:   filepath.Join(root, "data", "uploads"),
		workDir:  filepath.Join(root, "data", "tmp"),
		auditor:  &fakeAuditor{},
		notifier: &fakeNotifier{},
	}
	require.NoError(t, os.MkdirAll(e.workDir, 0o755))

	e.storage = storage.NewRegistry(cfg.opener, cfg.closeTimeout, logging.Discard(), storage.WithPollInterval(time.Millisecond))
	require.NoError(t, e.storage.Open(context.Background(), e.dbPath))
	t.Cleanup(func() { _ = e.storage.Close() })

	insertSeller(t, e.storage, "original")
	writeFile(t, filepath.Join(e.attDir, "logo.png"), "old-logo")
	writeFile(t, filepath.Join(e.attDir, "docs", "keep.txt"), "keep")
	e.originalDB = readFile(t, e.dbPath)

	var inner Registry = e.storage
	if cfg.wrap != nil {
		inner = cfg.wrap(e.storage)
	}
	e.registry = &countingRegistry{Registry: inner}
	e.orch = New(e.registry, Options{DatabasePath: e.dbPath, AttachmentsDir: e.attDir, Gate: cfg.gate}, e.auditor, e.notifier, logging.Discard())
	return e
}

func (e *env) upload(t *testing.T, db []byte, attachments map[string]string) string {
	t.Helper()
	f, err := os.CreateTemp(e.workDir, "upload-*.zip")
	require.NoError(t, err)
	defer f.Close()

	w := archive.NewWriter(f)
	if db != nil {
		_, err := w.AddDatabase(bytes.NewReader(db), time.Now())
		require.NoError(t, err)
	}
	keys := make([]string, 0, len(attachments))
	for k := range attachments {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, err := w.AddAttachment(k, bytes.NewBufferString(attachments[k]), time.Now())
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return f.Name()
}

// leftovers lists temporary restore files next to the storage file and the
// attachments dir.
func (e *env) leftovers(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, pattern := range []string{
		e.dbPath + ".restore-*",
		e.dbPath + ".pre-restore-*",
		filepath.Join(filepath.Dir(e.attDir), ".uploads.restore-*"),
	} {
		m, err := filepath.Glob(pattern)
		require.NoError(t, err)
		out = append(out, m...)
	}
	return out
}

// buildDB returns the bytes of a fresh, migrated storage file holding one seller.
func buildDB(t *testing.T, seller string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.sqlite")
	h, err := storage.OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	_, err = h.ExecContext(context.Background(), `INSERT INTO sellers(name, created_at) VALUES (?, ?)`, seller, 1)
	require.NoError(t, err)
	require.NoError(t, h.Close())
	return readFile(t, path)
}

func insertSeller(t *testing.T, r *storage.Registry, name string) {
	t.Helper()
	h, err := r.Acquire()
	require.NoError(t, err)
	_, err = h.ExecContext(context.Background(), `INSERT INTO sellers(name, created_at) VALUES (?, ?)`, name, 1)
	require.NoError(t, err)
}

func sellerNames(t *testing.T, r *storage.Registry) []string {
	t.Helper()
	h, err := r.Acquire()
	require.NoError(t, err)
	rows, err := h.QueryContext(context.Background(), `SELECT name FROM sellers ORDER BY id`)
	require.NoError(t, err)
	defer rows.Close()
	var names []string
	for rows.Next() {
		var n string
		require.NoError(t, rows.Scan(&n))
		names = append(names, n)
	}
	require.NoError(t, rows.Err())
	return names
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func readFile(t *testing.T, path string) []byte {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return b
}

// flakyReopen fails the first n reopen calls without touching the registry.
type flakyReopen struct {
	*storage.Registry
	mu   sync.Mutex
	fail int
}

func (r *flakyReopen) Reopen(ctx context.Context, path string) error {
	r.mu.Lock()
	fail := r.fail > 0
	if fail {
		r.fail--
	}
	r.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: simulated", common.ErrReopenFailed)
	}
	return r.Registry.Reopen(ctx, path)
}

// blockingQuiesce parks inside Quiesce until released.
type blockingQuiesce struct {
	*storage.Registry
	entered chan struct{}
	release chan struct{}
}

func (r *blockingQuiesce) Quiesce(ctx context.Context) error {
	close(r.entered)
	<-r.release
	return r.Registry.Quiesce(ctx)
}

// sabotageSwap removes the staged storage file right after quiescing.
type sabotageSwap struct {
	*storage.Registry
	staged string
}

func (r *sabotageSwap) Quiesce(ctx context.Context) error {
	if err := r.Registry.Quiesce(ctx); err != nil {
		return err
	}
	m, _ := filepath.Glob(r.staged + ".restore-*")
	for _, p := range m {
		_ = os.Remove(p)
	}
	return nil
}

// hangingHandle blocks in Close until released.
type hangingHandle struct {
	*sql.DB
	release chan struct{}
}

func (h *hangingHandle) Close() error {
	<-h.release
	return h.DB.Close()
}
