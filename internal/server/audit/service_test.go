package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/dmitrijs2005/opsvault/internal/common"
	"github.com/dmitrijs2005/opsvault/internal/logging"
	"github.com/dmitrijs2005/opsvault/internal/server/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestService_RecordAndList(t *testing.T) {
	reg := storage.NewRegistry(nil, time.Second, logging.Discard())
	require.NoError(t, reg.Open(context.Background(), filepath.Join(t.TempDir(), "database.sqlite")))
	t.Cleanup(func() { _ = reg.Close() })

	s := NewService(reg)
	tick := time.UnixMilli(1_700_000_000_000)
	s.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	ctx := context.Background()
	require.NoError(t, s.Record(ctx, ActionBackup, "backup-a.zip"))
	require.NoError(t, s.Record(ctx, ActionRestore, "restore ok"))

	got, err := s.List(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, ActionRestore, got[0].ActionType)
	assert.Equal(t, "backup-a.zip", got[1].Description)

	got, err = s.List(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestService_RecordWithoutHandle(t *testing.T) {
	s := NewService(storage.NewRegistry(nil, time.Second, logging.Discard()))

	err := s.Record(context.Background(), ActionRestore, "x")
	require.ErrorIs(t, err, common.ErrNotInitialized)

	_, err = s.List(context.Background(), 10)
	require.ErrorIs(t, err, common.ErrNotInitialized)
}
