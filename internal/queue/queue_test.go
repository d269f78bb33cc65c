package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/dbsession"
)

// newTestQueue gives each test its own named in-memory SQLite database so
// tests never see one another's rows — "cache=shared" is required for the
// single underlying connection the session holds to see its own schema.
func newTestQueue(t *testing.T, cfg Config) *Queue {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	session, err := dbsession.Open(context.Background(), dbsession.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return New(session, cfg, zap.NewNop())
}

func TestQueue_EnqueueDequeueCompleteRoundTrip(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task", "task.updated", "ext-1"))

	items, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "ext-1", items[0].ExternalID)
	assert.Equal(t, "processing", items[0].Status)

	ms := int64(42)
	require.NoError(t, q.MarkCompleted(ctx, items[0].ID, &ms))

	// A completed item is never dequeued again.
	again, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestQueue_DequeueBatchRespectsSourceFilter(t *testing.T) {
	q := newTestQueue(t, Config{})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "mail", "mail.updated", "m-1"))
	require.NoError(t, q.Enqueue(ctx, "task", "task.updated", "t-1"))
	require.NoError(t, q.Enqueue(ctx, "task", "task.updated", "t-2"))

	items, err := q.DequeueBatch(ctx, "worker-1", 10, "task")
	require.NoError(t, err)
	require.Len(t, items, 2)
	for _, item := range items {
		assert.Equal(t, "task", item.Source)
	}
}

func TestQueue_MarkFailedRetriesUntilMaxAttemptsThenDeadLetters(t *testing.T) {
	q := newTestQueue(t, Config{MaxAttempts: 2, BackoffBase: time.Millisecond, BackoffCeiling: time.Second})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task", "task.updated", "ext-1"))
	items, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	require.NoError(t, q.MarkFailed(ctx, id, "first failure", true))

	// Retry count 1 < MaxAttempts 2, so it's back to pending, but not
	// eligible until next_retry_at elapses.
	immediately, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, immediately)

	time.Sleep(50 * time.Millisecond)
	retried, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)
	require.Len(t, retried, 1)

	require.NoError(t, q.MarkFailed(ctx, id, "second failure", true))

	buckets, _, err := q.Health(ctx)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, int64(1), buckets[0].DeadLetter)
}

func TestQueue_ResetStuckItemsReturnsOrphanedClaimsToPending(t *testing.T) {
	q := newTestQueue(t, Config{VisibilityTimeout: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task", "task.updated", "ext-1"))
	_, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	reset, err := q.ResetStuckItems(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), reset)

	items, err := q.DequeueBatch(ctx, "worker-2", 10, "")
	require.NoError(t, err)
	require.Len(t, items, 1)
}

func TestQueue_CleanupDeletesOnlyOldCompletedRows(t *testing.T) {
	q := newTestQueue(t, Config{RetentionWindow: time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, "task", "task.updated", "ext-1"))
	items, err := q.DequeueBatch(ctx, "worker-1", 10, "")
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, items[0].ID, nil))

	time.Sleep(20 * time.Millisecond)

	deleted, err := q.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
}
