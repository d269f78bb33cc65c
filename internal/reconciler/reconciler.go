// Package reconciler implements backfill reconciliation: a per-source poll
// loop that asks the source API for everything updated since the last
// checkpoint, enqueues it alongside whatever the webhook receiver already
// enqueued, and advances the checkpoint so the window marches forward even
// when a poll returns zero records.
//
// One Reconciler instance runs one source. The supervisor constructs one
// per configured source (task, mail and the optional doc source), each on
// its own timer with the interval from that source's SourceConfig; the doc
// source has no delta endpoint and instead re-enumerates its full tree on
// every tick.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/checkpoint"
	"github.com/syncwork-io/syncwork/internal/metrics"
	"github.com/syncwork-io/syncwork/internal/queue"
	"github.com/syncwork-io/syncwork/internal/repository"
	"github.com/syncwork-io/syncwork/internal/sourceclient"
)

// Config holds one source's reconciliation parameters.
type Config struct {
	// Source is the value stored on enqueued queue_items — "task", "mail",
	// or "doc".
	Source string
	// Interval is the tick period: 60s default when webhooks are active, 5s
	// in pure-polling mode. Ignored when CronExpr is set.
	Interval time.Duration
	// CronExpr optionally overrides Interval with a standard 5-field cron
	// expression (operator-facing config, e.g. "*/5 * * * *" for "every five
	// minutes" or "0 * * * *" for "top of every hour"), for deployments that
	// want the backfill tick aligned to wall-clock boundaries rather than a
	// fixed period since process start. Validated against the same grammar
	// cron(5) accepts, independently of gocron's own (more permissive)
	// parser, so a typo fails Reconciler construction instead of silently
	// never firing.
	CronExpr string
	// Overlap tolerates clock skew and missed webhooks by re-asking for
	// records updated after checkpoint-minus-overlap, not checkpoint itself.
	Overlap time.Duration
	// ProcessAfter is the fallback lower bound used when no checkpoint has
	// ever been written for this source.
	ProcessAfter time.Time
	// FullReenumeration is true for the doc source: every tick re-lists the
	// entire remote tree instead of an incremental "updated since" query.
	FullReenumeration bool
}

// enqueuer is the subset of *queue.Queue the reconciler needs.
type enqueuer interface {
	Enqueue(ctx context.Context, source, eventType, externalID string) error
}

// Reconciler polls a single source on a gocron timer, in singleton mode so
// a slow poll never overlaps its own next tick.
type Reconciler struct {
	cfg         Config
	client      sourceclient.Client
	queue       enqueuer
	checkpoints *checkpoint.Store
	logger      *zap.Logger

	sched gocron.Scheduler
}

// New constructs a Reconciler. Call Start to run the initial poll and
// register the periodic job.
func New(cfg Config, client sourceclient.Client, q *queue.Queue, checkpoints *checkpoint.Store, logger *zap.Logger) (*Reconciler, error) {
	if cfg.CronExpr != "" {
		if _, err := cron.ParseStandard(cfg.CronExpr); err != nil {
			return nil, fmt.Errorf("reconciler: invalid cron expression %q: %w", cfg.CronExpr, err)
		}
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("reconciler: create gocron scheduler: %w", err)
	}
	return &Reconciler{
		cfg:         cfg,
		client:      client,
		queue:       q,
		checkpoints: checkpoints,
		logger:      logger.Named("reconciler").With(zap.String("source", cfg.Source)),
		sched:       sched,
	}, nil
}

// Start runs one immediate poll, then registers the periodic job and starts
// the underlying scheduler. A failed startup poll is logged, not fatal: the
// periodic timer will retry.
func (r *Reconciler) Start(ctx context.Context) error {
	if err := r.poll(ctx); err != nil {
		r.logger.Warn("startup backfill poll failed", zap.Error(err))
	}

	var jobDef gocron.JobDefinition
	if r.cfg.CronExpr != "" {
		jobDef = gocron.CronJob(r.cfg.CronExpr, false)
	} else {
		jobDef = gocron.DurationJob(r.cfg.Interval)
	}

	_, err := r.sched.NewJob(
		jobDef,
		gocron.NewTask(func() {
			pollCtx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()
			if err := r.poll(pollCtx); err != nil {
				r.logger.Error("backfill poll failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("reconciler: schedule periodic job: %w", err)
	}

	r.sched.Start()
	if r.cfg.CronExpr != "" {
		r.logger.Info("reconciler started", zap.String("cron", r.cfg.CronExpr))
	} else {
		r.logger.Info("reconciler started", zap.Duration("interval", r.cfg.Interval))
	}
	return nil
}

// Stop gracefully shuts down the gocron scheduler, waiting for any in-flight
// poll to finish.
func (r *Reconciler) Stop() error {
	if err := r.sched.Shutdown(); err != nil {
		return fmt.Errorf("reconciler: shutdown: %w", err)
	}
	r.logger.Info("reconciler stopped")
	return nil
}

// poll executes one full backfill cycle for the source: read checkpoint,
// page through the source API obeying Retry-After, enqueue every returned
// record, then advance the checkpoint.
func (r *Reconciler) poll(ctx context.Context) error {
	since, err := r.checkpointFloor(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: read checkpoint: %w", err)
	}

	// Full re-enumeration (the doc source) has no "since" semantics; the
	// zero time lists everything.
	queryFloor := since.Add(-r.cfg.Overlap)
	if r.cfg.FullReenumeration {
		queryFloor = time.Time{}
	}

	var (
		cursor       *string
		latestSeen   = since
		enqueueCount int
	)

	for {
		records, nextCursor, err := r.listPage(ctx, queryFloor, cursor)
		if err != nil {
			return fmt.Errorf("reconciler: list updated records: %w", err)
		}

		for _, rec := range records {
			if err := r.queue.Enqueue(ctx, r.cfg.Source, "backfill", rec.ID); err != nil {
				return fmt.Errorf("reconciler: enqueue %s: %w", rec.ID, err)
			}
			enqueueCount++
			metrics.ReconcilerEnqueuedTotal.WithLabelValues(r.cfg.Source).Inc()
			if rec.UpdatedAt.After(latestSeen) {
				latestSeen = rec.UpdatedAt
			}
		}

		if nextCursor == nil {
			break
		}
		cursor = nextCursor
	}

	newCheckpoint := since
	if latestSeen.After(newCheckpoint) {
		newCheckpoint = latestSeen
	}
	now := time.Now().UTC()
	if now.After(newCheckpoint) {
		newCheckpoint = now
	}

	if err := r.checkpoints.Set(ctx, r.cfg.Source, newCheckpoint, cursor); err != nil {
		return fmt.Errorf("reconciler: advance checkpoint: %w", err)
	}

	r.logger.Debug("backfill poll complete",
		zap.Int("enqueued", enqueueCount),
		zap.Time("checkpoint", newCheckpoint),
	)
	return nil
}

// listPage fetches one page, retrying in place (without advancing the
// cursor) whenever the source API signals a rate limit.
func (r *Reconciler) listPage(ctx context.Context, since time.Time, cursor *string) ([]sourceclient.RawRecord, *string, error) {
	for {
		records, nextCursor, err := r.client.ListUpdatedSince(ctx, since, cursor)
		if err == nil {
			return records, nextCursor, nil
		}

		var rateLimited *sourceclient.RateLimitedError
		if !errors.As(err, &rateLimited) {
			return nil, nil, err
		}

		r.logger.Info("rate limited, sleeping before retry", zap.Duration("retry_after", rateLimited.RetryAfter))
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(rateLimited.RetryAfter):
		}
	}
}

func (r *Reconciler) checkpointFloor(ctx context.Context) (time.Time, error) {
	cp, err := r.checkpoints.Get(ctx, r.cfg.Source)
	if err == nil {
		return cp.LastEventTime, nil
	}
	if errors.Is(err, repository.ErrNotFound) {
		return r.cfg.ProcessAfter, nil
	}
	return time.Time{}, err
}
