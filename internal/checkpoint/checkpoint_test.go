package checkpoint

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/dbsession"
	"github.com/syncwork-io/syncwork/internal/repository"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	session, err := dbsession.Open(context.Background(), dbsession.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return New(session)
}

func TestStore_GetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "task")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestStore_SetThenGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	when := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	cursor := "cursor-abc"
	require.NoError(t, s.Set(ctx, "task", when, &cursor))

	cp, err := s.Get(ctx, "task")
	require.NoError(t, err)
	assert.True(t, cp.LastEventTime.Equal(when))
	require.NotNil(t, cp.LastCursor)
	assert.Equal(t, "cursor-abc", *cp.LastCursor)
}

func TestStore_SetIsUpsertNotInsertConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	second := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.Set(ctx, "mail", first, nil))
	require.NoError(t, s.Set(ctx, "mail", second, nil))

	cp, err := s.Get(ctx, "mail")
	require.NoError(t, err)
	assert.True(t, cp.LastEventTime.Equal(second))
}
