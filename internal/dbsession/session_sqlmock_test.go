package dbsession

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// TestSession_ExecuteRollsBackAndMarksDisconnectedOnConnectionError drives
// Execute against a sqlmock-backed *gorm.DB instead of a real database,
// which is the only way to assert the rollback actually happens (a real
// driver's rollback is invisible from the caller) and that the Session
// flips itself to disconnected without needing a second real connection
// attempt to observe it.
func TestSession_ExecuteRollsBackAndMarksDisconnectedOnConnectionError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	s := &Session{
		cfg: Config{
			Logger:            zap.NewNop(),
			OperationRetries:  0,
			ReconnectDelay:    time.Millisecond,
			MaxReconnectDelay: time.Millisecond,
		},
		logger:    zap.NewNop(),
		db:        gdb,
		connected: true,
	}

	mock.ExpectBegin()
	mock.ExpectExec("SELECT 1").WillReturnError(errors.New("read tcp: connection reset by peer"))
	mock.ExpectRollback()

	ctx := context.Background()
	err = s.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Exec("SELECT 1").Error
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "operation failed after 1 attempts")
	assert.False(t, s.connected, "a connection-classified error must mark the session disconnected")
	assert.NoError(t, mock.ExpectationsWereMet())
}

// A non-connection error still rolls back (GORM always rolls back a failed
// transaction) but must NOT mark the session disconnected or consume a
// retry attempt.
func TestSession_ExecuteDoesNotMarkDisconnectedOnLogicError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	gdb, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	s := &Session{
		cfg: Config{
			Logger:            zap.NewNop(),
			OperationRetries:  3,
			ReconnectDelay:    time.Millisecond,
			MaxReconnectDelay: time.Millisecond,
		},
		logger:    zap.NewNop(),
		db:        gdb,
		connected: true,
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks").WillReturnError(errors.New("UNIQUE constraint failed: tasks.task_id"))
	mock.ExpectRollback()

	ctx := context.Background()
	err = s.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Exec("INSERT INTO tasks").Error
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "UNIQUE constraint failed")
	assert.True(t, s.connected, "a logic error must not flip the session to disconnected")
	assert.NoError(t, mock.ExpectationsWereMet())
}
