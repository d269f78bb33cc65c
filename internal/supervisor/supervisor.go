// Package supervisor owns the ingest pipeline's lifecycle: it constructs
// and starts every component in dependency order and tears them down in
// reverse on shutdown. It never fails to start because the database is
// unreachable: the DB Session retries in the background, the webhook
// receiver degrades to 503s, and the dispatcher spins on reconnect.
package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/api"
	"github.com/syncwork-io/syncwork/internal/checkpoint"
	"github.com/syncwork-io/syncwork/internal/dbsession"
	"github.com/syncwork-io/syncwork/internal/dispatcher"
	"github.com/syncwork-io/syncwork/internal/metrics"
	"github.com/syncwork-io/syncwork/internal/normalize"
	"github.com/syncwork-io/syncwork/internal/queue"
	"github.com/syncwork-io/syncwork/internal/reconciler"
	"github.com/syncwork-io/syncwork/internal/repository"
	"github.com/syncwork-io/syncwork/internal/sourceclient"
	"github.com/syncwork-io/syncwork/internal/webhook"
)

// SourceConfig bundles one source's reconciliation and webhook-trust
// settings, keyed by source name ("task", "mail", "doc") by the caller.
type SourceConfig struct {
	Client            sourceclient.Client
	WebhookSecret     string
	WebhookSignHeader string
	ProcessAfter      time.Time
	BackfillInterval  time.Duration
	BackfillCronExpr  string
	Overlap           time.Duration
	FullReenumeration bool
}

// Config is everything the Supervisor needs to wire the pipeline.
type Config struct {
	HTTPAddr          string
	ShutdownGrace     time.Duration
	DisableWebhooks   bool
	DispatcherWorkers int
	DispatcherBatch   int
	VisibilityTimeout time.Duration
	MaxQueueAttempts  int
	QueueRetention    time.Duration
	Sources           map[string]SourceConfig
}

// Supervisor starts, in order: DB Session (already open by the time it is
// handed in) → Queue → Webhook Receiver → Dispatcher → Backfill
// Reconciler(s) → stuck-item sweeper → queue cleanup. Shutdown reverses the
// order.
type Supervisor struct {
	cfg     Config
	logger  *zap.Logger
	session *dbsession.Session
	queue   *queue.Queue

	httpSrv     *http.Server
	dispatcher  *dispatcher.Dispatcher
	reconcilers []*reconciler.Reconciler
	maintSched  gocron.Scheduler
}

// New wires the pipeline's components against the given session, registry
// of normalizers, and per-source configuration. It does not start
// anything; call Start for that.
func New(cfg Config, session *dbsession.Session, normalizers normalize.Registry, logger *zap.Logger) (*Supervisor, error) {
	logger = logger.Named("supervisor")

	q := queue.New(session, queue.Config{
		MaxAttempts:       cfg.MaxQueueAttempts,
		VisibilityTimeout: cfg.VisibilityTimeout,
		RetentionWindow:   cfg.QueueRetention,
	}, logger)

	tasks := repository.NewTaskRepository(session)
	emails := repository.NewEmailRepository(session)
	documents := repository.NewDocumentRepository(session)
	checkpoints := checkpoint.New(session)

	disp := dispatcher.New(dispatcher.Config{
		Workers:   cfg.DispatcherWorkers,
		BatchSize: cfg.DispatcherBatch,
	}, q, session, normalizers, tasks, emails, documents, logger)

	var recs []*reconciler.Reconciler
	for source, sc := range cfg.Sources {
		client := sc.Client
		if client == nil {
			client = sourceclient.Disabled{}
		}
		rec, err := reconciler.New(reconciler.Config{
			Source:            source,
			Interval:          sc.BackfillInterval,
			CronExpr:          sc.BackfillCronExpr,
			Overlap:           sc.Overlap,
			ProcessAfter:      sc.ProcessAfter,
			FullReenumeration: sc.FullReenumeration,
		}, sourceclient.NewBreakerClient(source, client), q, checkpoints, logger)
		if err != nil {
			return nil, fmt.Errorf("supervisor: build reconciler for %s: %w", source, err)
		}
		recs = append(recs, rec)
	}

	maintSched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("supervisor: create maintenance scheduler: %w", err)
	}

	var httpSrv *http.Server
	if !cfg.DisableWebhooks {
		sources := make(map[string]webhook.SourceConfig, len(cfg.Sources))
		for source, sc := range cfg.Sources {
			sources[source] = webhook.SourceConfig{Secret: sc.WebhookSecret, SignatureHead: sc.WebhookSignHeader}
		}
		wh := webhook.NewHandler(q, session, sources, logger.Named("webhook"))
		health := api.NewHealthHandler(session, q)
		router := api.NewRouter(api.RouterConfig{Logger: logger, Webhook: wh, Health: health})
		httpSrv = &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	return &Supervisor{
		cfg:         cfg,
		logger:      logger,
		session:     session,
		queue:       q,
		httpSrv:     httpSrv,
		dispatcher:  disp,
		reconcilers: recs,
		maintSched:  maintSched,
	}, nil
}

// Start launches every component in dependency order. The
// Webhook Receiver's http.Server is started in a background goroutine;
// errors other than the expected http.ErrServerClosed are logged, not
// returned, since a listener failure should not take down the rest of the
// already-running pipeline.
func (s *Supervisor) Start(ctx context.Context) error {
	// Queue reachability probe, bounded so a down database cannot block
	// startup on the session's indefinite reconnect loop. Non-fatal: a down
	// database at startup means the receiver serves 503s and the dispatcher
	// spins on reconnect until the database comes back.
	probeCtx, probeCancel := context.WithTimeout(ctx, 10*time.Second)
	if _, _, err := s.queue.Health(probeCtx); err != nil {
		s.logger.Warn("queue table unreachable at startup, starting degraded", zap.Error(err))
	}
	probeCancel()

	if s.httpSrv != nil {
		go func() {
			s.logger.Info("webhook receiver listening", zap.String("addr", s.cfg.HTTPAddr))
			if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.logger.Error("webhook receiver stopped unexpectedly", zap.Error(err))
			}
		}()
	} else {
		s.logger.Info("webhooks disabled, running in pure-polling mode")
	}

	s.dispatcher.Start(ctx)

	for _, rec := range s.reconcilers {
		if err := rec.Start(ctx); err != nil {
			return fmt.Errorf("supervisor: start reconciler: %w", err)
		}
	}

	if _, err := s.maintSched.NewJob(
		gocron.DurationJob(s.cfg.VisibilityTimeout/2),
		gocron.NewTask(func() {
			if _, err := s.queue.ResetStuckItems(ctx); err != nil {
				s.logger.Error("stuck-item sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("supervisor: schedule stuck-item sweep: %w", err)
	}

	if _, err := s.maintSched.NewJob(
		gocron.DurationJob(24*time.Hour),
		gocron.NewTask(func() {
			if _, err := s.queue.Cleanup(ctx); err != nil {
				s.logger.Error("queue cleanup failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("supervisor: schedule queue cleanup: %w", err)
	}

	if _, err := s.maintSched.NewJob(
		gocron.DurationJob(15*time.Second),
		gocron.NewTask(func() { s.collectQueueMetrics(ctx) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	); err != nil {
		return fmt.Errorf("supervisor: schedule metrics collector: %w", err)
	}

	s.maintSched.Start()
	s.logger.Info("supervisor started")
	return nil
}

// collectQueueMetrics refreshes the /metrics queue-depth gauges from the
// queue's own health view, so the Prometheus endpoint exports the same
// data backing /health.
func (s *Supervisor) collectQueueMetrics(ctx context.Context) {
	buckets, _, err := s.queue.Health(ctx)
	if err != nil {
		return
	}
	for _, b := range buckets {
		metrics.QueueDepth.WithLabelValues(b.Source, "pending").Set(float64(b.Pending))
		metrics.QueueDepth.WithLabelValues(b.Source, "processing").Set(float64(b.Processing))
		metrics.QueueDepth.WithLabelValues(b.Source, "failed").Set(float64(b.Failed))
		metrics.QueueDepth.WithLabelValues(b.Source, "dead_letter").Set(float64(b.DeadLetter))
	}
}

// Shutdown tears down every component in reverse start order, honoring the
// configured grace period for in-flight HTTP requests.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.logger.Info("supervisor shutting down")

	if err := s.maintSched.Shutdown(); err != nil {
		s.logger.Warn("maintenance scheduler shutdown error", zap.Error(err))
	}

	for _, rec := range s.reconcilers {
		if err := rec.Stop(); err != nil {
			s.logger.Warn("reconciler shutdown error", zap.Error(err))
		}
	}

	s.dispatcher.Stop()

	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("webhook receiver graceful shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("supervisor stopped")
	return nil
}
