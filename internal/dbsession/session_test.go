package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil error", nil, false},
		{"sql.ErrConnDone", sql.ErrConnDone, true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"connection reset substring", errors.New("read tcp: connection reset by peer"), true},
		{"connection refused substring", errors.New("dial tcp: connection refused"), true},
		{"EOF substring, case-insensitive", errors.New("unexpected EOF"), true},
		{"ordinary constraint violation", errors.New("UNIQUE constraint failed: tasks.task_id"), false},
		{"record not found", gorm.ErrRecordNotFound, false},
		{"pg connection exception class 08", &pgconn.PgError{Code: "08006", Message: "connection failure"}, true},
		{"pg too_many_connections, no denylist substring", &pgconn.PgError{Code: "53300", Message: "sorry, too many clients already"}, true},
		{"pg admin shutdown, no denylist substring", &pgconn.PgError{Code: "57P01", Message: "terminating connection due to administrator command"}, true},
		{"pg unique violation is a logic error", &pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"}, false},
		{"wrapped pg connection error", fmt.Errorf("tasks: upsert: %w", &pgconn.PgError{Code: "08003", Message: "connection does not exist"}), true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsConnectionError(tc.err))
		})
	}
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: "sqlite",
		DSN:    "file::memory:?cache=shared",
		Logger: zap.NewNop(),
	})
	require.NoError(t, err)
	return s
}

func TestSession_EnsureConnectedAndExecute(t *testing.T) {
	s := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, s.EnsureConnected(ctx))
	assert.True(t, s.IsConnected(ctx))

	err := s.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Exec("SELECT 1").Error
	})
	require.NoError(t, err)
}

func TestSession_ExecutePropagatesLogicErrors(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	sentinel := errors.New("boom: not a connection problem")
	err := s.Execute(ctx, func(tx *gorm.DB) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
