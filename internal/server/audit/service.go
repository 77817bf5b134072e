package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/dbx"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// Acquirer hands out the live storage handle.
type Acquirer interface {
	Acquire() (storage.Handle, error)
}

// Service writes through whichever storage handle is live at call time, so
// entries recorded after a restore land in the restored file.
type Service struct {
	registry Acquirer
	newRepo  func(dbx.DBTX) Repository
	now      func() time.Time
}

func NewService(registry Acquirer) *Service {
	return &Service{
		registry: registry,
		newRepo:  func(db dbx.DBTX) Repository { return NewSQLiteRepository(db) },
		now:      time.Now,
	}
}

func (s *Service) Record(ctx context.Context, action ActionType, description string) error {
	h, err := s.registry.Acquire()
	if err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	e := &Entry{ActionType: action, Description: description, CreatedAt: s.now()}
	if err := s.newRepo(h).Insert(ctx, e); err != nil {
		return fmt.Errorf("audit %s: %w", action, err)
	}
	return nil
}

func (s *Service) List(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	h, err := s.registry.Acquire()
	if err != nil {
		return nil, err
	}
	return s.newRepo(h).List(ctx, limit)
}
