// Package common defines sentinel errors shared by the storage, snapshot and
// restore layers of opsvault. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Generic errors.
	ErrorInternal = errors.New("internal error")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = errors.New("invalid token")
	ErrTokenExpired = errors.New("token expired")

	// Storage handle registry errors.
	ErrNotInitialized = errors.New("storage handle not initialized")
	ErrCloseTimeout   = errors.New("storage handle close timed out")
	ErrQuiesceRefused = errors.New("quiesce refused until a successful reopen")
	ErrReopenFailed   = errors.New("storage handle reopen failed")

	// Restore errors.
	ErrInvalidArchive        = errors.New("invalid archive")
	ErrAttachmentWriteFailed = errors.New("attachment write failed")
	ErrDatabaseBusy          = errors.New("database busy")
	ErrSwapFailed            = errors.New("storage file swap failed")
	ErrRestoreInProgress     = errors.New("restore in progress")
)
