// Package storage owns the process-wide connection to the SQLite
// structured-storage file. The Registry is the only component allowed to
// open or close that file; everything else borrows the live Handle through
// Acquire.
package storage

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/opsvault/internal/dbx"
)

// Handle is a live connection to the storage file. *sql.DB satisfies it.
type Handle interface {
	dbx.DBTX
	dbx.TxBeginner
	Conn(ctx context.Context) (*sql.Conn, error)
	PingContext(ctx context.Context) error
	Stats() sql.DBStats
	Close() error
}

var _ Handle = (*sql.DB)(nil)

// Opener opens a Handle on the file at path.
type Opener func(ctx context.Context, path string) (Handle, error)

// State is the registry lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateLive
	StateSwapping
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateLive:
		return "live"
	case StateSwapping:
		return "swapping"
	default:
		return "unknown"
	}
}
