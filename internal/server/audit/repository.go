package audit

import "context"

type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	List(ctx context.Context, limit int) ([]*Entry, error)
}
