package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/syncwork-io/syncwork/internal/dbsession"
	"github.com/syncwork-io/syncwork/internal/normalize"
	"github.com/syncwork-io/syncwork/internal/supervisor"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// sources is the closed set of upstream systems this build understands.
var sources = []string{"task", "mail", "doc"}

type config struct {
	appPort  string
	logLevel string

	dbDriver            string
	dbDSN               string
	dbConnectTimeout    time.Duration
	dbOperationRetries  int
	dbReconnectDelay    time.Duration
	dbMaxReconnectDelay time.Duration

	maxQueueAttempts       int
	backfillOverlapSeconds int
	periodicBackfillSecs   int
	periodicBackfillCron   string
	disableWebhooks        bool
	timezone               string

	perSource map[string]*sourceFlags
}

// sourceFlags holds the <SOURCE>_BASE_URL / _API_KEY / _WEBHOOK_SECRET /
// _PROCESS_AFTER configuration for one source.
type sourceFlags struct {
	baseURL       string
	apiKey        string
	webhookSecret string
	processAfter  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCodeFor(err))
	}
}

// exitCodeFor maps a run() error to an exit code: 1 for configuration
// errors, 2 for unrecoverable initialization errors.
func exitCodeFor(err error) int {
	switch err.(type) {
	case *configError:
		return 1
	case *initError:
		return 2
	default:
		return 1
	}
}

type configError struct{ err error }

func (e *configError) Error() string { return e.err.Error() }
func (e *configError) Unwrap() error { return e.err }

type initError struct{ err error }

func (e *initError) Error() string { return e.err.Error() }
func (e *initError) Unwrap() error { return e.err }

func newRootCmd() *cobra.Command {
	cfg := &config{perSource: make(map[string]*sourceFlags, len(sources))}

	root := &cobra.Command{
		Use:   "connector",
		Short: "Bidirectional ingest-and-sync connector",
		Long: `connector keeps a local relational store continuously aligned with the
task tracker and shared mailbox SaaS systems (plus an optional document
store) via webhook receipt and periodic backfill reconciliation.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.appPort, "app-port", envOrDefault("APP_PORT", "8080"), "HTTP listen port")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("DB_DSN", "./connector.db"), "Database connection string")
	root.PersistentFlags().DurationVar(&cfg.dbConnectTimeout, "db-connect-timeout", envDurationSeconds("DB_CONNECT_TIMEOUT", 10), "Initial DB connect timeout")
	root.PersistentFlags().IntVar(&cfg.dbOperationRetries, "db-operation-retries", envInt("DB_OPERATION_RETRIES", 3), "Per-operation retry count on connection errors")
	root.PersistentFlags().DurationVar(&cfg.dbReconnectDelay, "db-reconnect-delay", envDurationSeconds("DB_RECONNECT_DELAY", 1), "Initial reconnect backoff")
	root.PersistentFlags().DurationVar(&cfg.dbMaxReconnectDelay, "db-max-reconnect-delay", envDurationSeconds("DB_MAX_RECONNECT_DELAY", 30), "Reconnect backoff ceiling")

	root.PersistentFlags().IntVar(&cfg.maxQueueAttempts, "max-queue-attempts", envInt("MAX_QUEUE_ATTEMPTS", 5), "Failures before a queue item moves to dead_letter")
	root.PersistentFlags().IntVar(&cfg.backfillOverlapSeconds, "backfill-overlap-seconds", envInt("BACKFILL_OVERLAP_SECONDS", 120), "Overlap window subtracted from the checkpoint on each poll")
	root.PersistentFlags().IntVar(&cfg.periodicBackfillSecs, "periodic-backfill-interval", envInt("PERIODIC_BACKFILL_INTERVAL", 60), "Reconciler poll period in seconds")
	root.PersistentFlags().StringVar(&cfg.periodicBackfillCron, "periodic-backfill-cron", envOrDefault("PERIODIC_BACKFILL_CRON", ""), "Optional 5-field cron expression overriding --periodic-backfill-interval, e.g. '*/5 * * * *'")
	root.PersistentFlags().BoolVar(&cfg.disableWebhooks, "disable-webhooks", envOrDefault("DISABLE_WEBHOOKS", "false") == "true", "Pure-polling mode: do not start the webhook receiver")
	root.PersistentFlags().StringVar(&cfg.timezone, "timezone", envOrDefault("TIMEZONE", "UTC"), "Presentation timezone for external stores")

	for _, source := range sources {
		sf := &sourceFlags{}
		cfg.perSource[source] = sf
		prefix := sourceEnvPrefix(source)
		root.PersistentFlags().StringVar(&sf.baseURL, source+"-base-url", envOrDefault(prefix+"_BASE_URL", ""), source+" source API base URL")
		root.PersistentFlags().StringVar(&sf.apiKey, source+"-api-key", envOrDefault(prefix+"_API_KEY", ""), source+" source API key")
		root.PersistentFlags().StringVar(&sf.webhookSecret, source+"-webhook-secret", envOrDefault(prefix+"_WEBHOOK_SECRET", ""), source+" webhook HMAC secret")
		root.PersistentFlags().StringVar(&sf.processAfter, source+"-process-after", envOrDefault(prefix+"_PROCESS_AFTER", ""), source+" fallback backfill floor, DD.MM.YYYY")
	}

	return root
}

func sourceEnvPrefix(source string) string {
	switch source {
	case "task":
		return "TASK"
	case "mail":
		return "MAIL"
	case "doc":
		return "DOC"
	default:
		return source
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("connector %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return &configError{fmt.Errorf("failed to build logger: %w", err)}
	}
	defer logger.Sync() //nolint:errcheck

	// The presentation timezone is consumed by the external-store exporters,
	// not by the pipeline itself, but a typo'd name should still fail at
	// startup rather than at first export.
	if _, err := time.LoadLocation(cfg.timezone); err != nil {
		return &configError{fmt.Errorf("invalid timezone %q: %w", cfg.timezone, err)}
	}

	logger.Info("starting connector",
		zap.String("version", version),
		zap.String("app_port", cfg.appPort),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
		zap.Bool("disable_webhooks", cfg.disableWebhooks),
		zap.String("timezone", cfg.timezone),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- 1. DB Session ---
	// Open never fails fatally on a merely-unreachable database: it logs a
	// warning and lets EnsureConnected retry in the background, so the
	// webhook receiver can still start and degrade to 503s.
	session, err := dbsession.Open(ctx, dbsession.Config{
		Driver:            cfg.dbDriver,
		DSN:               cfg.dbDSN,
		Logger:            logger,
		LogLevel:          gormLogLevel(cfg.logLevel),
		ConnectTimeout:    cfg.dbConnectTimeout,
		OperationRetries:  cfg.dbOperationRetries,
		ReconnectDelay:    cfg.dbReconnectDelay,
		MaxReconnectDelay: cfg.dbMaxReconnectDelay,
	})
	if err != nil {
		return &initError{fmt.Errorf("failed to construct database session: %w", err)}
	}

	// --- 2. Interval derived from mode: 60s webhooks-active default, 5s in
	// pure-polling mode. Any other explicit --periodic-backfill-interval is
	// kept as given; an explicit 60 is indistinguishable from the default
	// and becomes 5s in pure-polling mode.
	interval := time.Duration(cfg.periodicBackfillSecs) * time.Second
	if cfg.disableWebhooks && cfg.periodicBackfillSecs == 60 {
		interval = 5 * time.Second
	}
	overlap := time.Duration(cfg.backfillOverlapSeconds) * time.Second

	sourceCfgs := make(map[string]supervisor.SourceConfig, len(sources))
	for _, source := range sources {
		sf := cfg.perSource[source]
		processAfter, err := parseProcessAfter(sf.processAfter)
		if err != nil {
			return &configError{fmt.Errorf("invalid %s-process-after: %w", source, err)}
		}

		sourceCfgs[source] = supervisor.SourceConfig{
			// Client is left nil (-> sourceclient.Disabled) for every
			// source; the base-URL and API-key flags are parsed but no
			// HTTP client is built from them here.
			Client:            nil,
			WebhookSecret:     sf.webhookSecret,
			ProcessAfter:      processAfter,
			BackfillInterval:  interval,
			BackfillCronExpr:  cfg.periodicBackfillCron,
			Overlap:           overlap,
			FullReenumeration: source == "doc",
		}
	}

	// --- 3. Normalizer registry ---
	// An empty registry means every dequeued item is logged and
	// dead-lettered until real normalizers are registered at the
	// deployment's wiring point.
	normalizers := normalize.Registry{}

	sup, err := supervisor.New(supervisor.Config{
		HTTPAddr:          ":" + cfg.appPort,
		ShutdownGrace:     30 * time.Second,
		DisableWebhooks:   cfg.disableWebhooks,
		DispatcherWorkers: 4,
		DispatcherBatch:   10,
		VisibilityTimeout: 30 * time.Minute,
		MaxQueueAttempts:  cfg.maxQueueAttempts,
		QueueRetention:    7 * 24 * time.Hour,
		Sources:           sourceCfgs,
	}, session, normalizers, logger)
	if err != nil {
		return &initError{fmt.Errorf("failed to construct supervisor: %w", err)}
	}

	if err := sup.Start(ctx); err != nil {
		return &initError{fmt.Errorf("failed to start supervisor: %w", err)}
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	logger.Info("connector stopped")
	return nil
}

// parseProcessAfter parses the "DD.MM.YYYY" process-after format. An empty
// string falls back to a 30-day lookback from now.
func parseProcessAfter(s string) (time.Time, error) {
	if s == "" {
		return time.Now().UTC().AddDate(0, 0, -30), nil
	}
	return time.Parse("02.01.2006", s)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config
	if level == "debug" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

// gormLogLevel maps the application log level string to a GORM logger
// level — kept in sync with internal/db's default (Warn), surfaced here so
// main can in principle override it per-deployment.
func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "debug":
		return gormlogger.Info
	case "info":
		return gormlogger.Warn
	default:
		return gormlogger.Error
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

func envDurationSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(envInt(key, defaultSeconds)) * time.Second
}
