// Package checkpoint implements the reconciliation high-water mark store:
// a small table keyed by source, written only by the Backfill Reconciler at
// the end of each successful poll window.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
	"github.com/syncwork-io/syncwork/internal/dbsession"
	"github.com/syncwork-io/syncwork/internal/repository"
)

// Checkpoint is the value type returned to callers outside this package.
type Checkpoint struct {
	Source        string
	LastEventTime time.Time
	LastCursor    *string
}

// Store wraps the checkpoints table behind the shared dbsession.Session.
type Store struct {
	session *dbsession.Session
}

// New constructs a Store.
func New(session *dbsession.Session) *Store {
	return &Store{session: session}
}

// Get returns the checkpoint for source, or repository.ErrNotFound if none
// has ever been written — the caller (the reconciler) falls back to a
// configured process-after date or lookback window in that case.
func (s *Store) Get(ctx context.Context, source string) (*Checkpoint, error) {
	var row connectordb.Checkpoint
	err := s.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.First(&row, "source = ?", source).Error
	})
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("checkpoint: get: %w", err)
	}
	return &Checkpoint{Source: row.Source, LastEventTime: row.LastEventTime, LastCursor: row.LastCursor}, nil
}

// Set upserts the checkpoint for source. Called once at the end of every
// successful poll window, even when zero records were returned, so the
// window marches forward.
func (s *Store) Set(ctx context.Context, source string, lastEventTime time.Time, cursor *string) error {
	row := connectordb.Checkpoint{
		Source:        source,
		LastEventTime: lastEventTime,
		LastCursor:    cursor,
		UpdatedAt:     time.Now().UTC(),
	}
	err := s.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "source"}},
			DoUpdates: clause.AssignmentColumns([]string{"last_event_time", "last_cursor", "updated_at"}),
		}).Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("checkpoint: set: %w", err)
	}
	return nil
}
