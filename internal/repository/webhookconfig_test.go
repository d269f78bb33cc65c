package repository

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/dbsession"
)

func newTestSession(t *testing.T) *dbsession.Session {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	session, err := dbsession.Open(context.Background(), dbsession.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return session
}

func TestWebhookConfigRepository_GetMissingReturnsErrNotFound(t *testing.T) {
	repo := NewWebhookConfigRepository(newTestSession(t))
	_, err := repo.Get(context.Background(), "task")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWebhookConfigRepository_SetThenGetRoundTrip(t *testing.T) {
	repo := NewWebhookConfigRepository(newTestSession(t))
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "mail", "hook-abc"))

	cfg, err := repo.Get(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, "hook-abc", cfg.RemoteWebhookID)
	assert.False(t, cfg.RegisteredAt.IsZero())
}

func TestWebhookConfigRepository_SetReplacesExistingRegistration(t *testing.T) {
	repo := NewWebhookConfigRepository(newTestSession(t))
	ctx := context.Background()

	require.NoError(t, repo.Set(ctx, "task", "hook-1"))
	require.NoError(t, repo.Set(ctx, "task", "hook-2"))

	cfg, err := repo.Get(ctx, "task")
	require.NoError(t, err)
	assert.Equal(t, "hook-2", cfg.RemoteWebhookID)
}
