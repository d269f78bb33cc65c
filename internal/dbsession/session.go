// Package dbsession owns the single long-lived database connection used by
// every other component in the connector. It is the one place that knows how
// to reconnect after a dropped connection and how to classify a driver error
// as transient-infrastructure versus application-logic.
//
// Callers never hold a *gorm.DB across an await point — they pass a closure
// to Execute and let the Session decide whether the connection needs to be
// rebuilt before (or after) running it.
package dbsession

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
)

// connErrSubstrings is the last-resort fallback denylist used when a driver
// error does not carry a typed classification. Prefer typed checks
// (net.Error, *net.OpError, sql.ErrConnDone) over this list wherever the
// calling driver exposes them — this is here only because modernc's sqlite
// driver and lib/pq-style drivers do not always give one.
var connErrSubstrings = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"connection closed",
	"server closed",
	"bad connection",
	"i/o timeout",
	"network is unreachable",
	"no such host",
	"eof",
}

// Config configures a Session's reconnect behavior.
type Config struct {
	Driver            string
	DSN               string
	Logger            *zap.Logger
	LogLevel          gormlogger.LogLevel
	ConnectTimeout    time.Duration
	OperationRetries  int
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
}

// Session wraps a *gorm.DB and serializes reconnection attempts behind a
// mutex. Normal queries are never serialized — only the reconnect path is.
type Session struct {
	cfg    Config
	logger *zap.Logger

	mu        sync.Mutex
	db        *gorm.DB
	connected bool
}

// Open builds a Session with an initial connection already established.
// It returns an error only on a configuration problem (e.g. unsupported
// driver) — a database that is merely unreachable is retried internally by
// EnsureConnected, not surfaced here as a fatal error, so the Supervisor can
// start degraded.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.OperationRetries <= 0 {
		cfg.OperationRetries = 3
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}

	s := &Session{
		cfg:    cfg,
		logger: cfg.Logger.Named("dbsession"),
	}

	if err := s.reconnect(ctx); err != nil {
		s.logger.Warn("initial database connection failed, will retry in background", zap.Error(err))
	}

	return s, nil
}

// reconnectLocked closes the existing connection (if any) and opens a fresh
// one, applying migrations again (a no-op if already applied). The liveness
// probe on the new connection is bounded by ConnectTimeout. Must be called
// with s.mu held.
func (s *Session) reconnectLocked(ctx context.Context) error {
	database, err := connectordb.Open(connectordb.Config{
		Driver:   s.cfg.Driver,
		DSN:      s.cfg.DSN,
		Logger:   s.logger,
		LogLevel: s.cfg.LogLevel,
	})
	if err != nil {
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()
	if err := connectordb.Ping(pingCtx, database); err != nil {
		return fmt.Errorf("dbsession: new connection failed liveness probe: %w", err)
	}

	old := s.db
	s.db = database
	s.connected = true
	if old != nil {
		if oldSQL, err := old.DB(); err == nil {
			_ = oldSQL.Close()
		}
	}
	return nil
}

func (s *Session) reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnectLocked(ctx)
}

// EnsureConnected blocks until a valid connection is available, retrying
// indefinitely with exponential backoff (initial 1s, cap 30s by default).
// Callers must not race it — a DB-unavailable webhook request or dispatcher
// tick should call this once and act on its result, not spin their own retry
// loop around it.
func (s *Session) EnsureConnected(ctx context.Context) error {
	s.mu.Lock()
	db := s.db
	connected := s.connected
	s.mu.Unlock()

	if connected && db != nil {
		if err := connectordb.Ping(ctx, db); err == nil {
			return nil
		}
		s.markDisconnected()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.ReconnectDelay
	b.MaxInterval = s.cfg.MaxReconnectDelay

	// No WithMaxElapsedTime / WithMaxTries: retry indefinitely, only ctx
	// cancellation stops the loop.
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := s.reconnect(ctx); err != nil {
			s.logger.Warn("database reconnect attempt failed", zap.Error(err))
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b))

	return err
}

func (s *Session) markDisconnected() {
	s.mu.Lock()
	s.connected = false
	s.mu.Unlock()
}

// IsConnected performs a cheap liveness probe used by /health and by the
// Supervisor to decide whether to accept webhook traffic. It never blocks on
// reconnect — a false result means EnsureConnected should be called by
// whoever needs a working connection next.
func (s *Session) IsConnected(ctx context.Context) bool {
	s.mu.Lock()
	db := s.db
	connected := s.connected
	s.mu.Unlock()

	if !connected || db == nil {
		return false
	}
	if err := connectordb.Ping(ctx, db); err != nil {
		s.markDisconnected()
		return false
	}
	return true
}

// DB returns the underlying *gorm.DB for packages (repositories, queue) that
// build their own GORM queries. Callers must still route writes through
// Execute so that connection-error retries are applied uniformly; DB is
// exposed for read paths and for building repository constructors at
// startup, where the Session is known to already be connected.
func (s *Session) DB() *gorm.DB {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db
}

// Execute runs op inside a transaction. On a classified connection error it
// rolls back, marks the session invalid, reconnects, and retries up to
// OperationRetries times with the same backoff used by EnsureConnected.
// Non-connection errors roll back and are surfaced to the caller immediately.
func (s *Session) Execute(ctx context.Context, op func(tx *gorm.DB) error) error {
	var lastErr error

	for attempt := 0; attempt <= s.cfg.OperationRetries; attempt++ {
		if err := s.EnsureConnected(ctx); err != nil {
			return fmt.Errorf("dbsession: cannot execute, database unavailable: %w", err)
		}

		db := s.DB()
		err := db.WithContext(ctx).Transaction(op)
		if err == nil {
			return nil
		}

		if !IsConnectionError(err) {
			return err
		}

		lastErr = err
		s.markDisconnected()
		s.logger.Warn("database operation failed with connection error, will reconnect and retry",
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", s.cfg.OperationRetries+1),
			zap.Error(err),
		)

		delay := s.cfg.ReconnectDelay * time.Duration(1<<uint(attempt))
		if delay > s.cfg.MaxReconnectDelay {
			delay = s.cfg.MaxReconnectDelay
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("dbsession: operation failed after %d attempts: %w", s.cfg.OperationRetries+1, lastErr)
}

// IsConnectionError classifies err as a transient infrastructure failure
// versus an application-logic error. Typed checks come first — a driver
// error that names its own class is authoritative and never falls through
// to the substring denylist; the denylist handles only untyped errors.
// Exported so other components (the dispatcher) that receive an
// already-retried error from Execute can apply the same connection-vs-logic
// split.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sql.ErrConnDone) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 is "connection exception"; the 53300/57Pxx codes cover
		// too_many_connections and the server-side shutdown family, whose
		// message text carries none of the denylist substrings.
		if strings.HasPrefix(pgErr.Code, "08") {
			return true
		}
		switch pgErr.Code {
		case "53300", "57P01", "57P02", "57P03":
			return true
		}
		return false
	}

	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		// Mask to the primary result code: extended codes like
		// SQLITE_IOERR_READ encode the primary code in the low byte.
		switch sqErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_PROTOCOL:
			return true
		}
		return false
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, substr := range connErrSubstrings {
		if strings.Contains(msg, substr) {
			return true
		}
	}
	return false
}
