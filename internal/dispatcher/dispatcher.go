// Package dispatcher implements the queue consumer loop: dequeue a batch,
// normalize each item, upsert the batch, and fall back to per-item
// processing when the batch upsert fails for a reason that isn't a
// database outage.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
	"github.com/syncwork-io/syncwork/internal/dbsession"
	"github.com/syncwork-io/syncwork/internal/metrics"
	"github.com/syncwork-io/syncwork/internal/normalize"
	"github.com/syncwork-io/syncwork/internal/queue"
	"github.com/syncwork-io/syncwork/internal/repository"
)

// queueClient is the subset of *queue.Queue a worker needs.
type queueClient interface {
	DequeueBatch(ctx context.Context, workerID string, maxItems int, sourceFilter string) ([]queue.Item, error)
	MarkCompleted(ctx context.Context, id int64, processingTimeMS *int64) error
	MarkFailed(ctx context.Context, id int64, errText string, retry bool) error
}

// connectionProbe lets a worker check the shared Session before each cycle,
// the same "ensure db available" guard the webhook receiver's health check
// uses.
type connectionProbe interface {
	IsConnected(ctx context.Context) bool
	EnsureConnected(ctx context.Context) error
}

// Config controls the worker pool's shape and pacing.
type Config struct {
	Workers      int
	BatchSize    int
	IdleSleep    time.Duration // sleep when a dequeue returns zero rows
	ReconnectMin time.Duration
}

// Dispatcher owns the pool of dispatch workers, one goroutine each with a
// distinct worker ID.
type Dispatcher struct {
	cfg         Config
	queue       queueClient
	session     connectionProbe
	normalizers normalize.Registry
	tasks       repository.TaskRepository
	emails      repository.EmailRepository
	documents   repository.DocumentRepository
	logger      *zap.Logger

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New constructs a Dispatcher. Call Start to launch the worker goroutines.
func New(cfg Config, q queueClient, session connectionProbe, normalizers normalize.Registry,
	tasks repository.TaskRepository, emails repository.EmailRepository, documents repository.DocumentRepository,
	logger *zap.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = 500 * time.Millisecond
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = time.Second
	}
	return &Dispatcher{
		cfg:         cfg,
		queue:       q,
		session:     session,
		normalizers: normalizers,
		tasks:       tasks,
		emails:      emails,
		documents:   documents,
		logger:      logger.Named("dispatcher"),
	}
}

// Start launches cfg.Workers goroutines, each running its own copy of the
// dispatch loop with a distinct worker ID.
func (d *Dispatcher) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.runLoop(ctx, workerID)
		}()
	}
	d.logger.Info("dispatcher started", zap.Int("workers", d.cfg.Workers))
}

// Stop signals every worker to exit at its next loop boundary and waits for
// them to finish. In-flight items remain "processing"; the stuck-item
// sweeper returns them to pending on the next startup.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
	d.logger.Info("dispatcher stopped")
}

// runLoop is one worker's dispatch cycle: probe the session, dequeue,
// process per-source groups, repeat.
func (d *Dispatcher) runLoop(ctx context.Context, workerID string) {
	log := d.logger.With(zap.String("worker_id", workerID))
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !d.session.IsConnected(ctx) {
			if err := d.session.EnsureConnected(ctx); err != nil {
				log.Warn("db unavailable, backing off", zap.Error(err))
				if !sleepOrDone(ctx, d.cfg.ReconnectMin) {
					return
				}
				continue
			}
		}

		items, err := d.queue.DequeueBatch(ctx, workerID, d.cfg.BatchSize, "")
		if err != nil {
			log.Error("dequeue failed", zap.Error(err))
			if !sleepOrDone(ctx, d.cfg.ReconnectMin) {
				return
			}
			continue
		}

		if len(items) == 0 {
			if !sleepOrDone(ctx, d.cfg.IdleSleep) {
				return
			}
			continue
		}

		for _, group := range groupBySource(items) {
			d.processGroup(ctx, log, group)
		}
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func groupBySource(items []queue.Item) [][]queue.Item {
	order := make([]string, 0, 4)
	bySource := make(map[string][]queue.Item, 4)
	for _, item := range items {
		if _, ok := bySource[item.Source]; !ok {
			order = append(order, item.Source)
		}
		bySource[item.Source] = append(bySource[item.Source], item)
	}
	groups := make([][]queue.Item, 0, len(order))
	for _, source := range order {
		groups = append(groups, bySource[source])
	}
	return groups
}

// normalized pairs a queue item with the result of running it through its
// source's normalizer.
type normalized struct {
	item   queue.Item
	result normalize.NormalizeResult
}

// processGroup normalizes every item in a same-source group, then attempts
// a single batch upsert; on a logic-ish failure it falls back to per-item
// upserts so one poisoned record can't block the rest of the batch.
func (d *Dispatcher) processGroup(ctx context.Context, log *zap.Logger, group []queue.Item) {
	source := group[0].Source
	normalizer, ok := d.normalizers[normalize.Source(source)]
	if !ok {
		log.Error("no normalizer registered for source", zap.String("source", source))
		for _, item := range group {
			d.markFailed(ctx, source, item.ID, "no normalizer registered for source "+source)
		}
		return
	}

	group = d.dedupeByExternalID(ctx, source, group)

	var toUpsert []normalized
	for _, item := range group {
		result, err := normalizer.Process(ctx, item.EventType, normalize.Hint{ExternalID: item.ExternalID})
		if err != nil {
			log.Error("normalizer failed", zap.Int64("item_id", item.ID), zap.String("external_id", item.ExternalID), zap.Error(err))
			d.markFailed(ctx, source, item.ID, err.Error())
			continue
		}

		switch result.Kind {
		case normalize.KindSkip:
			d.ack(ctx, source, item, nil)
		case normalize.KindDelete:
			if err := d.markDeleted(ctx, source, item.ExternalID); err != nil {
				log.Error("mark deleted failed", zap.Int64("item_id", item.ID), zap.Error(err))
				d.markFailed(ctx, source, item.ID, err.Error())
				continue
			}
			d.ack(ctx, source, item, nil)
		case normalize.KindRecord:
			toUpsert = append(toUpsert, normalized{item: item, result: result})
		}
	}

	if len(toUpsert) == 0 {
		return
	}

	if err := d.batchUpsert(ctx, source, toUpsert); err != nil {
		if isConnectionError(err) {
			log.Warn("batch upsert hit a connection error, leaving items unacked", zap.Error(err))
			return
		}

		log.Warn("batch upsert failed, falling back to per-item upserts", zap.Error(err))
		for _, n := range toUpsert {
			start := time.Now()
			if err := d.upsertOne(ctx, source, n); err != nil {
				log.Error("per-item upsert failed", zap.Int64("item_id", n.item.ID), zap.Error(err))
				d.markFailed(ctx, source, n.item.ID, err.Error())
				continue
			}
			d.ack(ctx, source, n.item, durationMS(start))
		}
		return
	}

	for _, n := range toUpsert {
		d.ack(ctx, source, n.item, nil)
	}
}

// dedupeByExternalID collapses a batch that dequeued more than one event for
// the same external record (a burst of rapid webhook edits, or a backfill
// page overlapping a live webhook) into a single fetch-and-upsert per id,
// keeping only the newest queue item. The superseded duplicates are acked
// immediately without touching the source API or a normalizer — they are
// redundant by construction, not failures. An LRU bounded to the batch size
// is enough to hold every id seen in one dequeue; it is never shared across
// batches, since cross-batch duplicates are already excluded by the queue's
// own dequeue-then-process-then-ack cycle.
func (d *Dispatcher) dedupeByExternalID(ctx context.Context, source string, group []queue.Item) []queue.Item {
	if len(group) <= 1 {
		return group
	}

	cache, err := lru.New[string, queue.Item](len(group))
	if err != nil {
		return group
	}

	order := make([]string, 0, len(group))
	var superseded []queue.Item
	for _, item := range group {
		if prev, ok := cache.Get(item.ExternalID); ok {
			superseded = append(superseded, prev)
		} else {
			order = append(order, item.ExternalID)
		}
		cache.Add(item.ExternalID, item)
	}

	for _, item := range superseded {
		d.ack(ctx, source, item, nil)
	}

	deduped := make([]queue.Item, 0, len(order))
	for _, id := range order {
		item, _ := cache.Get(id)
		deduped = append(deduped, item)
	}
	return deduped
}

// batchUpsert applies the whole same-source group through one repository
// batch call: a single transaction with a single multi-row statement for
// the rows, so a group of ten records costs one database round-trip, not
// ten. Any failure rolls the entire batch back; the caller then decides
// between the per-item fallback (logic error) and leaving the items
// unacked for the visibility sweep (connection error).
func (d *Dispatcher) batchUpsert(ctx context.Context, source string, group []normalized) error {
	switch source {
	case string(normalize.SourceTask):
		batch := make([]repository.TaskUpsert, 0, len(group))
		for _, n := range group {
			if n.result.Task == nil {
				return errors.New("dispatcher: task normalizer returned KindRecord with nil Task")
			}
			batch = append(batch, repository.TaskUpsert{
				Task:          n.result.Task,
				TagIDs:        n.result.TagIDsToLink,
				TagNames:      n.result.TagNames,
				AssigneeIDs:   n.result.AssigneeIDsToLink,
				AssigneeNames: n.result.AssigneeNames,
			})
		}
		return d.tasks.UpsertBatch(ctx, batch)
	case string(normalize.SourceMail):
		emails := make([]*connectordb.Email, 0, len(group))
		for _, n := range group {
			if n.result.Email == nil {
				return errors.New("dispatcher: mail normalizer returned KindRecord with nil Email")
			}
			emails = append(emails, n.result.Email)
		}
		return d.emails.UpsertBatch(ctx, emails)
	case string(normalize.SourceDoc):
		docs := make([]*connectordb.Document, 0, len(group))
		for _, n := range group {
			if n.result.Document == nil {
				return errors.New("dispatcher: doc normalizer returned KindRecord with nil Document")
			}
			docs = append(docs, n.result.Document)
		}
		return d.documents.UpsertBatch(ctx, docs)
	default:
		return fmt.Errorf("dispatcher: unknown source %q", source)
	}
}

// upsertOne is the per-item fallback: each record is written outside any
// batch-mate's transaction so one poisoned row cannot take down its nine
// healthy batch-mates. A task's row, tag links and assignee links are
// written in three separate transactions.
func (d *Dispatcher) upsertOne(ctx context.Context, source string, n normalized) error {
	switch source {
	case string(normalize.SourceTask):
		if n.result.Task == nil {
			return errors.New("dispatcher: task normalizer returned KindRecord with nil Task")
		}
		if err := d.tasks.Upsert(ctx, n.result.Task); err != nil {
			return err
		}
		if err := d.tasks.LinkTags(ctx, n.result.Task.TaskID, n.result.TagIDsToLink, n.result.TagNames); err != nil {
			return err
		}
		return d.tasks.LinkAssignees(ctx, n.result.Task.TaskID, n.result.AssigneeIDsToLink, n.result.AssigneeNames)
	case string(normalize.SourceMail):
		if n.result.Email == nil {
			return errors.New("dispatcher: mail normalizer returned KindRecord with nil Email")
		}
		return d.emails.Upsert(ctx, n.result.Email)
	case string(normalize.SourceDoc):
		if n.result.Document == nil {
			return errors.New("dispatcher: doc normalizer returned KindRecord with nil Document")
		}
		return d.documents.Upsert(ctx, n.result.Document)
	default:
		return fmt.Errorf("dispatcher: unknown source %q", source)
	}
}

// markDeleted flips the local row's deletion flag for a record the source
// API reports gone. A row we never ingested is already in the desired state,
// so the repositories' ErrNotFound is success here, not a failure.
func (d *Dispatcher) markDeleted(ctx context.Context, source, externalID string) error {
	now := time.Now().UTC()
	var err error
	switch source {
	case string(normalize.SourceTask):
		err = d.tasks.MarkDeleted(ctx, externalID, now)
	case string(normalize.SourceMail):
		err = d.emails.MarkDeleted(ctx, externalID, now)
	case string(normalize.SourceDoc):
		err = d.documents.MarkDeleted(ctx, externalID, now)
	default:
		return fmt.Errorf("dispatcher: unknown source %q", source)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	return err
}

func (d *Dispatcher) ack(ctx context.Context, source string, item queue.Item, processingTimeMS *int64) {
	if err := d.queue.MarkCompleted(ctx, item.ID, processingTimeMS); err != nil {
		d.logger.Error("failed to mark item completed", zap.Int64("item_id", item.ID), zap.Error(err))
		return
	}
	metrics.ItemsProcessedTotal.WithLabelValues(source, "completed").Inc()
	if processingTimeMS != nil {
		metrics.ProcessingDuration.WithLabelValues(source).Observe(float64(*processingTimeMS) / 1000)
	}
}

// markFailed records the failure via MarkFailed(retry=true) and a metric —
// the queue's own retry budget decides whether this lands back in pending
// or moves to dead_letter, so the metric label is the coarser "failed"
// outcome rather than the queue's finer-grained state.
func (d *Dispatcher) markFailed(ctx context.Context, source string, itemID int64, errText string) {
	if err := d.queue.MarkFailed(ctx, itemID, errText, true); err != nil {
		d.logger.Error("failed to mark item failed", zap.Int64("item_id", itemID), zap.Error(err))
	}
	metrics.ItemsProcessedTotal.WithLabelValues(source, "failed").Inc()
}

func durationMS(start time.Time) *int64 {
	ms := time.Since(start).Milliseconds()
	return &ms
}

// isConnectionError classifies a repository error the same way
// internal/dbsession classifies one: a DB unreachable mid-batch must not be
// acked, so the item is retried by the visibility timeout rather than by
// MarkFailed.
func isConnectionError(err error) bool {
	return dbsession.IsConnectionError(err)
}
