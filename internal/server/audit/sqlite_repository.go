package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/dbx"
)

// SQLiteRepository implements audit storage over a dbx.DBTX (*sql.DB or *sql.Tx).
type SQLiteRepository struct {
	db dbx.DBTX
}

func NewSQLiteRepository(db dbx.DBTX) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores e and fills in its ID. created_at is kept as unix milliseconds.
func (r *SQLiteRepository) Insert(ctx context.Context, e *Entry) error {
	query := `INSERT INTO audit_logs (action_type, description, created_at) VALUES (?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, string(e.ActionType), e.Description, e.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id error: %w", err)
	}
	e.ID = id
	return nil
}

// List returns up to limit entries, newest first.
func (r *SQLiteRepository) List(ctx context.Context, limit int) ([]*Entry, error) {
	query := `SELECT id, action_type, description, created_at FROM audit_logs
		ORDER BY created_at DESC, id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select audit logs: %w", err)
	}
	defer rows.Close()

	var result []*Entry
	for rows.Next() {
		var (
			item    Entry
			action  string
			created int64
		)
		if err := rows.Scan(&item.ID, &action, &item.Description, &created); err != nil {
			return nil, err
		}
		item.ActionType = ActionType(action)
		item.CreatedAt = time.UnixMilli(created).UTC()
		result = append(result, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}
