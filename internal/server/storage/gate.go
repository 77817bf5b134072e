package storage

import (
	"context"
	"sync"
)

// Gate keeps snapshot exports and restores apart. Any number of exports may
// hold it shared; a restore holds it exclusively for its whole run.
type Gate struct {
	mu sync.RWMutex
}

func NewGate() *Gate {
	return &Gate{}
}

// TryShared takes the gate for an export. It fails without blocking while a
// restore holds the gate or is waiting for it.
func (g *Gate) TryShared() (release func(), ok bool) {
	if !g.mu.TryRLock() {
		return nil, false
	}
	return g.mu.RUnlock, true
}

// Exclusive waits for running exports to finish and takes the gate. New
// exports are turned away from the moment it is called.
func (g *Gate) Exclusive(ctx context.Context) (release func(), err error) {
	acquired := make(chan struct{})
	go func() {
		g.mu.Lock()
		close(acquired)
	}()

	select {
	case <-acquired:
		return g.mu.Unlock, nil
	case <-ctx.Done():
		// the pending Lock still completes; hand it straight back
		go func() {
			<-acquired
			g.mu.Unlock()
		}()
		return nil, ctx.Err()
	}
}
