// Package queue implements the durable, at-least-once work queue shared by
// the webhook receiver, the backfill reconciler, and the dispatcher. It is
// backed by a single `queue_items` table; concurrent
// workers never contend on the same row because DequeueBatch claims rows
// with SKIP LOCKED (Postgres) — on SQLite the single-writer connection
// already serializes claims, so the same query degrades to a correct,
// merely non-concurrent, claim.
package queue

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
	"github.com/syncwork-io/syncwork/internal/dbsession"
)

// Item mirrors db.QueueItem; it is the value type handed to callers outside
// this package so that dispatcher code never needs to import internal/db.
type Item struct {
	ID               int64
	Source           string
	EventType        string
	ExternalID       string
	Status           string
	RetryCount       int
	NextRetryAt      time.Time
	ClaimedBy        *string
	ClaimedAt        *time.Time
	CreatedAt        time.Time
	CompletedAt      *time.Time
	LastError        *string
	ProcessingTimeMS *int64
}

// HealthBucket aggregates one source's counts for each status plus the
// running average processing time, backing the /health and /metrics
// endpoints.
type HealthBucket struct {
	Source              string
	Pending             int64
	Processing          int64
	Failed              int64
	DeadLetter          int64
	AvgProcessingTimeMS float64
	StuckItems          int64
}

// Config holds the backoff and retention parameters for the queue's retry
// state machine and cleanup job.
type Config struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	BackoffBase       time.Duration
	BackoffCeiling    time.Duration
	RetentionWindow   time.Duration
}

// Queue is the durable work queue. All mutation is expressed through the
// dbsession.Session so that connection errors are retried uniformly with
// the rest of the pipeline.
type Queue struct {
	session *dbsession.Session
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Queue. Zero-valued cfg fields fall back to the service
// defaults (5-attempt dead-letter budget, 30 minute visibility window).
func New(session *dbsession.Session, cfg Config, logger *zap.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 30 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffCeiling <= 0 {
		cfg.BackoffCeiling = 5 * time.Minute
	}
	if cfg.RetentionWindow <= 0 {
		cfg.RetentionWindow = 7 * 24 * time.Hour
	}
	return &Queue{session: session, cfg: cfg, logger: logger.Named("queue")}
}

// Enqueue inserts a new pending item. It never blocks on other workers —
// DequeueBatch's row-level locking is what serializes concurrent claims, not
// the insert path. Webhook handlers must treat a non-nil error here as a
// reason to return 503.
func (q *Queue) Enqueue(ctx context.Context, source, eventType, externalID string) error {
	now := time.Now().UTC()
	row := connectordb.QueueItem{
		Source:      source,
		EventType:   eventType,
		ExternalID:  externalID,
		Status:      connectordb.QueueStatusPending,
		RetryCount:  0,
		NextRetryAt: now,
		CreatedAt:   now,
	}
	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Create(&row).Error
	})
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// DequeueBatch atomically claims up to maxItems pending, eligible rows for
// workerID, ordered by (next_retry_at, id) — the pipeline's only ordering
// guarantee. sourceFilter restricts the claim to a single source when
// non-empty.
func (q *Queue) DequeueBatch(ctx context.Context, workerID string, maxItems int, sourceFilter string) ([]Item, error) {
	if maxItems <= 0 {
		maxItems = 10
	}

	var claimed []connectordb.QueueItem
	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		now := time.Now().UTC()

		query := tx.Where("status = ? AND next_retry_at <= ?", connectordb.QueueStatusPending, now).
			Order("next_retry_at ASC, id ASC").
			Limit(maxItems)
		if tx.Dialector.Name() == "postgres" {
			// True SKIP LOCKED concurrency — concurrent workers never block on,
			// or double-claim, the same candidate rows.
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		// SQLite's single-writer connection already serializes this whole
		// transaction, so no additional locking clause is needed there.
		if sourceFilter != "" {
			query = query.Where("source = ?", sourceFilter)
		}

		var candidates []connectordb.QueueItem
		if err := query.Find(&candidates).Error; err != nil {
			return fmt.Errorf("select candidates: %w", err)
		}
		if len(candidates) == 0 {
			return nil
		}

		ids := make([]int64, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}

		if err := tx.Model(&connectordb.QueueItem{}).
			Where("id IN ?", ids).
			Updates(map[string]interface{}{
				"status":     connectordb.QueueStatusProcessing,
				"claimed_by": workerID,
				"claimed_at": now,
			}).Error; err != nil {
			return fmt.Errorf("claim candidates: %w", err)
		}

		for i := range candidates {
			candidates[i].Status = connectordb.QueueStatusProcessing
			candidates[i].ClaimedBy = &workerID
			candidates[i].ClaimedAt = &now
		}
		claimed = candidates
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue batch: %w", err)
	}

	return toItems(claimed), nil
}

// MarkCompleted sets a claimed item to its terminal success state. Idempotent —
// calling it twice for the same id is harmless.
func (q *Queue) MarkCompleted(ctx context.Context, id int64, processingTimeMS *int64) error {
	now := time.Now().UTC()
	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		return tx.Model(&connectordb.QueueItem{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":             connectordb.QueueStatusCompleted,
				"completed_at":       now,
				"processing_time_ms": processingTimeMS,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("queue: mark completed: %w", err)
	}
	return nil
}

// MarkFailed records a processing failure. If retry is true and the item has
// not exhausted MaxAttempts, it is returned to pending with an
// exponentially-backed-off, jittered next_retry_at; otherwise it moves to
// dead_letter, a terminal state from which it is never dequeued again.
func (q *Queue) MarkFailed(ctx context.Context, id int64, errText string, retry bool) error {
	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		var item connectordb.QueueItem
		if err := tx.First(&item, "id = ?", id).Error; err != nil {
			return err
		}

		nextRetryCount := item.RetryCount + 1
		errCopy := errText

		if retry && nextRetryCount < q.cfg.MaxAttempts {
			delay := q.backoff(nextRetryCount)
			return tx.Model(&connectordb.QueueItem{}).
				Where("id = ?", id).
				Updates(map[string]interface{}{
					"status":        connectordb.QueueStatusPending,
					"retry_count":   nextRetryCount,
					"next_retry_at": time.Now().UTC().Add(delay),
					"last_error":    errCopy,
				}).Error
		}

		return tx.Model(&connectordb.QueueItem{}).
			Where("id = ?", id).
			Updates(map[string]interface{}{
				"status":      connectordb.QueueStatusDeadLetter,
				"retry_count": nextRetryCount,
				"last_error":  errCopy,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("queue: mark failed: %w", err)
	}
	return nil
}

// backoff computes base·2^n + U(0, base), capped at the configured ceiling.
func (q *Queue) backoff(attempt int) time.Duration {
	exp := q.cfg.BackoffBase * time.Duration(1<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(q.cfg.BackoffBase) + 1))
	d := exp + jitter
	if d > q.cfg.BackoffCeiling {
		d = q.cfg.BackoffCeiling
	}
	return d
}

// ResetStuckItems sweeps rows that have been processing longer than the
// visibility timeout back to pending. It does not touch retry_count —
// this is a recovery from a lost worker, not a failure.
func (q *Queue) ResetStuckItems(ctx context.Context) (int64, error) {
	var affected int64
	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		cutoff := time.Now().UTC().Add(-q.cfg.VisibilityTimeout)
		result := tx.Model(&connectordb.QueueItem{}).
			Where("status = ? AND claimed_at < ?", connectordb.QueueStatusProcessing, cutoff).
			Updates(map[string]interface{}{
				"status":     connectordb.QueueStatusPending,
				"claimed_by": nil,
				"claimed_at": nil,
			})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("queue: reset stuck items: %w", err)
	}
	if affected > 0 {
		q.logger.Info("swept stuck items back to pending", zap.Int64("count", affected))
	}
	return affected, nil
}

// Cleanup deletes completed rows older than the retention window.
// dead_letter rows are never deleted by this path — they are retained
// indefinitely for operator inspection.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	var affected int64
	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		cutoff := time.Now().UTC().Add(-q.cfg.RetentionWindow)
		result := tx.Where("status = ? AND completed_at < ?", connectordb.QueueStatusCompleted, cutoff).
			Delete(&connectordb.QueueItem{})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return 0, fmt.Errorf("queue: cleanup: %w", err)
	}
	return affected, nil
}

// Health returns per-(source,status) counts and average processing time,
// backing both the /health and /metrics endpoints.
func (q *Queue) Health(ctx context.Context) ([]HealthBucket, int64, error) {
	var buckets []HealthBucket
	var totalPending int64

	err := q.session.Execute(ctx, func(tx *gorm.DB) error {
		type row struct {
			Source string
			Status string
			Count  int64
			AvgMS  float64
		}
		var rows []row
		if err := tx.Model(&connectordb.QueueItem{}).
			Select("source, status, count(*) as count, coalesce(avg(processing_time_ms), 0) as avg_ms").
			Group("source, status").
			Scan(&rows).Error; err != nil {
			return err
		}

		byline := map[string]*HealthBucket{}
		for _, r := range rows {
			b, ok := byline[r.Source]
			if !ok {
				b = &HealthBucket{Source: r.Source}
				byline[r.Source] = b
			}
			switch r.Status {
			case connectordb.QueueStatusPending:
				b.Pending = r.Count
				totalPending += r.Count
			case connectordb.QueueStatusProcessing:
				b.Processing = r.Count
			case connectordb.QueueStatusFailed:
				b.Failed = r.Count
			case connectordb.QueueStatusDeadLetter:
				b.DeadLetter = r.Count
			}
			if r.Status == connectordb.QueueStatusCompleted && r.AvgMS > 0 {
				b.AvgProcessingTimeMS = r.AvgMS
			}
		}

		cutoff := time.Now().UTC().Add(-q.cfg.VisibilityTimeout)
		var stuck []struct {
			Source string
			Count  int64
		}
		if err := tx.Model(&connectordb.QueueItem{}).
			Select("source, count(*) as count").
			Where("status = ? AND claimed_at < ?", connectordb.QueueStatusProcessing, cutoff).
			Group("source").
			Scan(&stuck).Error; err != nil {
			return err
		}
		for _, s := range stuck {
			if b, ok := byline[s.Source]; ok {
				b.StuckItems = s.Count
			}
		}

		for _, b := range byline {
			buckets = append(buckets, *b)
		}
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("queue: health: %w", err)
	}
	return buckets, totalPending, nil
}

func toItems(rows []connectordb.QueueItem) []Item {
	items := make([]Item, len(rows))
	for i, r := range rows {
		items[i] = Item{
			ID:               r.ID,
			Source:           r.Source,
			EventType:        r.EventType,
			ExternalID:       r.ExternalID,
			Status:           r.Status,
			RetryCount:       r.RetryCount,
			NextRetryAt:      r.NextRetryAt,
			ClaimedBy:        r.ClaimedBy,
			ClaimedAt:        r.ClaimedAt,
			CreatedAt:        r.CreatedAt,
			CompletedAt:      r.CompletedAt,
			LastError:        r.LastError,
			ProcessingTimeMS: r.ProcessingTimeMS,
		}
	}
	return items
}
