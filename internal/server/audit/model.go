// Package audit records backup and restore actions in the audit_logs table
// of the live storage file.
package audit

import "time"

type ActionType string

const (
	ActionRestore ActionType = "RESTORE"
	ActionBackup  ActionType = "BACKUP"
)

type Entry struct {
	ID          int64      `json:"id"`
	ActionType  ActionType `json:"action_type"`
	Description string     `json:"description"`
	CreatedAt   time.Time  `json:"created_at"`
}
