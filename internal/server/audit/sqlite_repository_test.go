package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newRepoWithMock(t *testing.T) (*SQLiteRepository, sqlmock.Sqlmock, *sql.DB) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return NewSQLiteRepository(db), mock, db
}

func TestInsert_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	at := time.UnixMilli(1_700_000_000_000)
	mock.ExpectExec(`^INSERT\s+INTO\s+audit_logs\s*\(action_type,\s*description,\s*created_at\)`).
		WithArgs("RESTORE", "restore ok", at.UnixMilli()).
		WillReturnResult(sqlmock.NewResult(7, 1))

	e := &Entry{ActionType: ActionRestore, Description: "restore ok", CreatedAt: at}
	if err := repo.Insert(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.ID != 7 {
		t.Fatalf("want id 7, got %d", e.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInsert_DBError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectExec(`^INSERT\s+INTO\s+audit_logs`).
		WillReturnError(errors.New("db down"))

	err := repo.Insert(context.Background(), &Entry{ActionType: ActionBackup, CreatedAt: time.Now()})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestList_Success(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "action_type", "description", "created_at"}).
		AddRow(2, "BACKUP", "backup-1.zip", int64(2000)).
		AddRow(1, "RESTORE", "restore ok", int64(1000))

	mock.ExpectQuery(`(?s)^SELECT\s+id,\s*action_type,\s*description,\s*created_at\s+FROM\s+audit_logs.*LIMIT\s+\?`).
		WithArgs(10).
		WillReturnRows(rows)

	got, err := repo.List(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 rows, got %d", len(got))
	}
	if got[0].ActionType != ActionBackup || got[1].ActionType != ActionRestore {
		t.Fatalf("unexpected order: %+v %+v", got[0], got[1])
	}
	if !got[1].CreatedAt.Equal(time.UnixMilli(1000)) {
		t.Fatalf("unexpected created_at: %v", got[1].CreatedAt)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestList_ScanError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "action_type", "description", "created_at"}).
		AddRow("not-a-number", "BACKUP", "x", int64(1))
	mock.ExpectQuery(`^SELECT`).WithArgs(5).WillReturnRows(rows)

	if _, err := repo.List(context.Background(), 5); err == nil {
		t.Fatalf("expected scan error, got nil")
	}
}

func TestList_QueryError(t *testing.T) {
	repo, mock, db := newRepoWithMock(t)
	defer db.Close()

	mock.ExpectQuery(`^SELECT`).WithArgs(5).WillReturnError(errors.New("db down"))

	if _, err := repo.List(context.Background(), 5); err == nil {
		t.Fatalf("expected error, got nil")
	}
}
