package storage

import (
	"bytes"
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hangingHandle wraps a real handle and blocks in Close until released.
type hangingHandle struct {
	*sql.DB
	release chan struct{}
}

func (h *hangingHandle) Close() error {
	<-h.release
	return h.DB.Close()
}

func newTestRegistry(t *testing.T, opener Opener, timeout time.Duration, opts ...RegistryOption) (*Registry, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "database.sqlite")
	r := NewRegistry(opener, timeout, logging.Discard(), append(opts, WithPollInterval(time.Millisecond))...)
	require.NoError(t, r.Open(context.Background(), path))
	t.Cleanup(func() { _ = r.Close() })
	return r, path
}

func TestRegistry_AcquireBeforeOpen(t *testing.T) {
	r := NewRegistry(nil, time.Second, logging.Discard())

	h, err := r.Acquire()
	require.ErrorIs(t, err, common.ErrNotInitialized)
	assert.Nil(t, h)
	assert.Equal(t, StateUninitialized, r.State())
}

func TestRegistry_OpenRunsMigrations(t *testing.T) {
	r, path := newTestRegistry(t, nil, time.Second)
	assert.Equal(t, StateLive, r.State())
	assert.Equal(t, path, r.Path())

	h, err := r.Acquire()
	require.NoError(t, err)

	var n int
	require.NoError(t, h.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM audit_logs`).Scan(&n))
	assert.Equal(t, 0, n)
}

func TestRegistry_QuiesceThenReopen(t *testing.T) {
	var states []State
	r, path := newTestRegistry(t, nil, time.Second, WithStateObserver(func(s State) { states = append(states, s) }))

	require.NoError(t, r.Quiesce(context.Background()))
	assert.Equal(t, StateSwapping, r.State())

	_, err := r.Acquire()
	require.ErrorIs(t, err, common.ErrNotInitialized)

	require.NoError(t, r.Reopen(context.Background(), path))
	_, err = r.Acquire()
	require.NoError(t, err)

	assert.Equal(t, []State{StateSwapping, StateLive, StateSwapping, StateSwapping, StateLive}, states)
}

func TestRegistry_QuiesceTimesOutWithBusyConnection(t *testing.T) {
	r, path := newTestRegistry(t, nil, 50*time.Millisecond)

	before, err := r.Acquire()
	require.NoError(t, err)

	conn, err := before.Conn(context.Background())
	require.NoError(t, err)

	err = r.Quiesce(context.Background())
	require.ErrorIs(t, err, common.ErrCloseTimeout)

	// nothing was closed, the same handle is still served
	after, err := r.Acquire()
	require.NoError(t, err)
	assert.Same(t, before, after)
	require.NoError(t, after.PingContext(context.Background()))

	require.NoError(t, conn.Close())

	require.ErrorIs(t, r.Quiesce(context.Background()), common.ErrQuiesceRefused)

	require.NoError(t, r.Reopen(context.Background(), path))
	require.NoError(t, r.Quiesce(context.Background()))
}

func TestRegistry_QuiesceCloseHangs(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	opener := func(ctx context.Context, path string) (Handle, error) {
		h, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return &hangingHandle{DB: h.(*sql.DB), release: release}, nil
	}

	r := NewRegistry(opener, 30*time.Millisecond, logging.Discard(), WithPollInterval(time.Millisecond))
	require.NoError(t, r.Open(context.Background(), filepath.Join(t.TempDir(), "database.sqlite")))

	start := time.Now()
	err := r.Quiesce(context.Background())
	require.ErrorIs(t, err, common.ErrCloseTimeout)
	assert.Less(t, time.Since(start), time.Second)

	_, err = r.Acquire()
	require.ErrorIs(t, err, common.ErrNotInitialized)
	require.ErrorIs(t, r.Quiesce(context.Background()), common.ErrQuiesceRefused)
}

func TestRegistry_ReopenFailure(t *testing.T) {
	r, _ := newTestRegistry(t, nil, time.Second)
	require.NoError(t, r.Quiesce(context.Background()))

	bad := filepath.Join(t.TempDir(), "garbage.sqlite")
	require.NoError(t, os.WriteFile(bad, []byte("this is definitely not a sqlite database file"), 0o600))

	err := r.Reopen(context.Background(), bad)
	require.ErrorIs(t, err, common.ErrReopenFailed)
	assert.Equal(t, StateUninitialized, r.State())

	_, err = r.Acquire()
	require.ErrorIs(t, err, common.ErrNotInitialized)
}

func TestRegistry_ReopenClosesPreviousHandle(t *testing.T) {
	var closed atomic.Int32
	opener := func(ctx context.Context, path string) (Handle, error) {
		h, err := OpenSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return &countingHandle{DB: h.(*sql.DB), closed: &closed}, nil
	}
	r, path := newTestRegistry(t, opener, time.Second)

	require.NoError(t, r.Reopen(context.Background(), path))
	assert.Eventually(t, func() bool { return closed.Load() == 1 }, time.Second, 5*time.Millisecond)
}

type countingHandle struct {
	*sql.DB
	closed *atomic.Int32
}

func (h *countingHandle) Close() error {
	h.closed.Add(1)
	return h.DB.Close()
}

func TestCheckFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "good.sqlite")
	h, err := OpenSQLite(context.Background(), good)
	require.NoError(t, err)
	require.NoError(t, h.Close())

	before, err := os.ReadFile(good)
	require.NoError(t, err)
	require.NoError(t, CheckFile(context.Background(), good))
	after, err := os.ReadFile(good)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	bad := filepath.Join(dir, "bad.sqlite")
	require.NoError(t, os.WriteFile(bad, append([]byte("SQLite format 3\x00"), bytes.Repeat([]byte{0xFF}, 200)...), 0o600))
	assert.Error(t, CheckFile(context.Background(), bad))
}
