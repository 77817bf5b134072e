package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/logging"
)

const defaultPollInterval = 10 * time.Millisecond

// StateObserver is notified on every registry state transition.
type StateObserver func(State)

// Registry holds the single live Handle. Acquire never blocks: while the
// registry is not live it fails with common.ErrNotInitialized.
type Registry struct {
	// swapMu serializes Open, Quiesce, Reopen and Close.
	swapMu sync.Mutex

	mu      sync.RWMutex
	handle  Handle
	path    string
	state   State
	refused bool

	opener       Opener
	closeTimeout time.Duration
	pollInterval time.Duration
	observer     StateObserver
	logger       logging.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithStateObserver registers fn to be called on state changes.
func WithStateObserver(fn StateObserver) RegistryOption {
	return func(r *Registry) { r.observer = fn }
}

// WithPollInterval overrides how often Quiesce checks for in-use connections.
func WithPollInterval(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.pollInterval = d
		}
	}
}

func NewRegistry(opener Opener, closeTimeout time.Duration, logger logging.Logger, opts ...RegistryOption) *Registry {
	if opener == nil {
		opener = OpenSQLite
	}
	r := &Registry{
		opener:       opener,
		closeTimeout: closeTimeout,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Open opens the storage file at startup.
func (r *Registry) Open(ctx context.Context, path string) error {
	if err := r.Reopen(ctx, path); err != nil {
		return err
	}
	r.logger.Info(ctx, "storage opened", "path", path)
	return nil
}

// Acquire returns the live handle.
func (r *Registry) Acquire() (Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.state != StateLive || r.handle == nil {
		return nil, common.ErrNotInitialized
	}
	return r.handle, nil
}

// State reports the current lifecycle state.
func (r *Registry) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Path is the file the current (or last) handle was opened on.
func (r *Registry) Path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.path
}

// Quiesce stops handing out the handle, waits for borrowed connections to
// be returned and closes it, all within the configured close timeout.
//
// If connections are still in use at the deadline nothing has been closed:
// the registry goes back to live and common.ErrCloseTimeout is returned.
// If Close itself does not finish in time the handle is in an indeterminate
// state and stays unavailable. In both cases further quiesce attempts are
// refused with common.ErrQuiesceRefused until a Reopen succeeds.
func (r *Registry) Quiesce(ctx context.Context) error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	r.mu.Lock()
	if r.refused {
		r.mu.Unlock()
		return common.ErrQuiesceRefused
	}
	if r.state != StateLive || r.handle == nil {
		r.mu.Unlock()
		return common.ErrNotInitialized
	}
	h := r.handle
	r.setStateLocked(StateSwapping)
	r.mu.Unlock()

	deadline := time.Now().Add(r.closeTimeout)

	if inUse := r.waitIdle(h, deadline); inUse > 0 {
		r.mu.Lock()
		r.refused = true
		r.setStateLocked(StateLive)
		r.mu.Unlock()
		r.logger.Warn(ctx, "quiesce timed out waiting for connections", "in_use", inUse, "timeout", r.closeTimeout)
		return fmt.Errorf("%w: %d connections in use", common.ErrCloseTimeout, inUse)
	}

	if err := closeWithin(h, time.Until(deadline)); err != nil {
		if errors.Is(err, common.ErrCloseTimeout) {
			// the close keeps running in the background; the handle is never served again
			r.mu.Lock()
			r.handle = nil
			r.refused = true
			r.mu.Unlock()
			r.logger.Error(ctx, "storage handle close did not finish", "timeout", r.closeTimeout)
			return err
		}
		// the pool is closed even when a connection reported an error
		r.logger.Warn(ctx, "storage handle closed with error", "error", err)
	}

	r.mu.Lock()
	r.handle = nil
	r.mu.Unlock()

	r.logger.Info(ctx, "storage quiesced", "path", r.Path())
	return nil
}

// Reopen opens a fresh handle on path and publishes it. Any previous handle
// is closed in the background. On failure the registry is left
// uninitialized and the error wraps common.ErrReopenFailed.
func (r *Registry) Reopen(ctx context.Context, path string) error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	r.mu.Lock()
	old := r.handle
	r.handle = nil
	r.setStateLocked(StateSwapping)
	r.mu.Unlock()

	if old != nil {
		go func() {
			if err := closeWithin(old, r.closeTimeout); err != nil {
				r.logger.Warn(context.WithoutCancel(ctx), "closing previous storage handle", "error", err)
			}
		}()
	}

	h, err := r.opener(ctx, path)
	if err != nil {
		r.mu.Lock()
		r.setStateLocked(StateUninitialized)
		r.mu.Unlock()
		return fmt.Errorf("%w: %w", common.ErrReopenFailed, err)
	}

	r.mu.Lock()
	r.handle = h
	r.path = path
	r.refused = false
	r.setStateLocked(StateLive)
	r.mu.Unlock()
	return nil
}

// Close releases the handle on shutdown.
func (r *Registry) Close() error {
	r.swapMu.Lock()
	defer r.swapMu.Unlock()

	r.mu.Lock()
	h := r.handle
	r.handle = nil
	r.setStateLocked(StateUninitialized)
	r.mu.Unlock()

	if h == nil {
		return nil
	}
	return closeWithin(h, r.closeTimeout)
}

func (r *Registry) waitIdle(h Handle, deadline time.Time) int {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		inUse := h.Stats().InUse
		if inUse == 0 {
			return 0
		}
		if !time.Now().Before(deadline) {
			return inUse
		}
		<-ticker.C
	}
}

func (r *Registry) setStateLocked(s State) {
	r.state = s
	if r.observer != nil {
		r.observer(s)
	}
}

func closeWithin(h Handle, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- h.Close() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return common.ErrCloseTimeout
	}
}
