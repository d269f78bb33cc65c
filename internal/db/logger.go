package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

// slowQueryThreshold is the elapsed time beyond which a statement is logged
// as a warning even when full SQL tracing is off. The ingest pipeline's
// statements are all short single-table operations; anything slower than
// this usually means the queue table is missing its dequeue index or the
// database is under external load.
const slowQueryThreshold = 200 * time.Millisecond

// zapGORMLogger routes GORM's internal messages (SQL statements, slow query
// warnings, errors) through the application's zap logger instead of GORM's
// own stdout writer.
//
// gorm.ErrRecordNotFound is never logged as an error: the repositories
// translate it into repository.ErrNotFound as a normal application
// condition, and the dequeue path hits it constantly on an empty queue.
type zapGORMLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newZapGORMLogger returns a gormlogger.Interface backed by log. Use
// gormlogger.Silent to disable all GORM logging, or gormlogger.Info to log
// every SQL statement (useful during development).
func newZapGORMLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	return &zapGORMLogger{
		log:   log.WithOptions(zap.AddCallerSkip(3)),
		level: level,
	}
}

// LogMode returns a copy of the logger at the given level. GORM calls this
// internally, e.g. db.Debug() raises the level to Info for one call.
func (l *zapGORMLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	copied := *l
	copied.level = level
	return &copied
}

func (l *zapGORMLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *zapGORMLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace logs individual SQL statements with their execution time and rows
// affected, and warns on statements exceeding slowQueryThreshold.
func (l *zapGORMLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Duration("elapsed", elapsed),
		zap.Int64("rows", rows),
		zap.String("caller", utils.FileWithLineNum()),
	}

	switch {
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		l.log.Error("gorm query error", append(fields, zap.Error(err))...)
	case elapsed > slowQueryThreshold:
		l.log.Warn("gorm slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("gorm query", fields...)
	}
}
