package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/checkpoint"
	"github.com/syncwork-io/syncwork/internal/dbsession"
	"github.com/syncwork-io/syncwork/internal/queue"
	"github.com/syncwork-io/syncwork/internal/sourceclient"
)

type testFixture struct {
	queue       *queue.Queue
	checkpoints *checkpoint.Store
}

func newFixture(t *testing.T) testFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	session, err := dbsession.Open(context.Background(), dbsession.Config{
		Driver: "sqlite",
		DSN:    dsn,
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return testFixture{
		queue:       queue.New(session, queue.Config{}, zap.NewNop()),
		checkpoints: checkpoint.New(session),
	}
}

func TestReconciler_New_RejectsInvalidCronExpr(t *testing.T) {
	fx := newFixture(t)
	_, err := New(Config{Source: "task", CronExpr: "not a cron expression"}, sourceclient.NewFakeClient(), fx.queue, fx.checkpoints, zap.NewNop())
	assert.Error(t, err)
}

func TestReconciler_New_AcceptsValidCronExpr(t *testing.T) {
	fx := newFixture(t)
	r, err := New(Config{Source: "task", CronExpr: "*/5 * * * *"}, sourceclient.NewFakeClient(), fx.queue, fx.checkpoints, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, r)
}

func TestReconciler_Poll_EnqueuesEveryRecordAndAdvancesCheckpoint(t *testing.T) {
	fx := newFixture(t)

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	client := sourceclient.NewFakeClient()
	client.Pages = [][]sourceclient.RawRecord{
		{
			{ID: "ext-1", UpdatedAt: t0},
			{ID: "ext-2", UpdatedAt: t0.Add(time.Hour)},
		},
	}

	r, err := New(Config{
		Source:       "task",
		ProcessAfter: t0.Add(-24 * time.Hour),
	}, client, fx.queue, fx.checkpoints, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.poll(context.Background()))

	items, err := fx.queue.DequeueBatch(context.Background(), "test-worker", 10, "")
	require.NoError(t, err)
	require.Len(t, items, 2)

	cp, err := fx.checkpoints.Get(context.Background(), "task")
	require.NoError(t, err)
	assert.True(t, cp.LastEventTime.Equal(t0.Add(time.Hour)) || cp.LastEventTime.After(t0.Add(time.Hour)))
}

func TestReconciler_Poll_UsesProcessAfterWhenNoCheckpointExists(t *testing.T) {
	fx := newFixture(t)
	client := sourceclient.NewFakeClient()
	processAfter := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	r, err := New(Config{Source: "mail", ProcessAfter: processAfter, Overlap: time.Minute}, client, fx.queue, fx.checkpoints, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.poll(context.Background()))

	require.Len(t, client.SinceCalls, 1)
	assert.True(t, client.SinceCalls[0].Equal(processAfter.Add(-time.Minute)))
}

func TestReconciler_Poll_AdvancesCheckpointToNowWhenNoRecordsReturned(t *testing.T) {
	fx := newFixture(t)
	client := sourceclient.NewFakeClient() // no pages scripted

	before := time.Now().UTC()
	r, err := New(Config{Source: "task", ProcessAfter: before.Add(-time.Hour)}, client, fx.queue, fx.checkpoints, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.poll(context.Background()))

	cp, err := fx.checkpoints.Get(context.Background(), "task")
	require.NoError(t, err)
	assert.True(t, !cp.LastEventTime.Before(before))
}

func TestReconciler_Poll_FullReenumerationIgnoresCheckpointFloor(t *testing.T) {
	fx := newFixture(t)
	client := sourceclient.NewFakeClient()
	client.Pages = [][]sourceclient.RawRecord{{{ID: "doc-1", UpdatedAt: time.Now().UTC()}}}

	r, err := New(Config{
		Source:            "doc",
		ProcessAfter:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		FullReenumeration: true,
	}, client, fx.queue, fx.checkpoints, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, r.poll(context.Background()))

	require.Len(t, client.SinceCalls, 1)
	assert.True(t, client.SinceCalls[0].IsZero())
}
