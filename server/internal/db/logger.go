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

// slowQueryCutoff is the elapsed time past which a statement is logged as a
// warning even when full SQL tracing is off.
const slowQueryCutoff = 200 * time.Millisecond

// queryLogger routes GORM's internal messages (statements, slow-query
// warnings, errors) through the server's zap logger so nothing writes to
// stdout on its own.
type queryLogger struct {
	log   *zap.Logger
	level gormlogger.LogLevel
}

// newQueryLogger wraps log as a gormlogger.Interface. gormlogger.Silent
// disables GORM logging entirely; gormlogger.Info traces every statement.
func newQueryLogger(log *zap.Logger, level gormlogger.LogLevel) gormlogger.Interface {
	if level == 0 {
		level = gormlogger.Warn
	}
	// Skip the gorm callback frames so the caller column points at the
	// repository method that issued the query.
	return &queryLogger{log: log.WithOptions(zap.AddCallerSkip(3)), level: level}
}

// LogMode satisfies gormlogger.Interface; GORM calls it for per-operation
// overrides such as db.Debug().
func (l *queryLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	clone := *l
	clone.level = level
	return &clone
}

func (l *queryLogger) Info(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Info {
		l.log.Info(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Warn(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Warn {
		l.log.Warn(fmt.Sprintf(msg, args...))
	}
}

func (l *queryLogger) Error(_ context.Context, msg string, args ...interface{}) {
	if l.level >= gormlogger.Error {
		l.log.Error(fmt.Sprintf(msg, args...))
	}
}

// Trace records one executed statement with its timing and row count.
// gorm.ErrRecordNotFound is not an error here: the repositories translate it
// into their own not-found sentinel, so logging it would only add noise.
func (l *queryLogger) Trace(_ context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
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
		l.log.Error("query failed", append(fields, zap.Error(err))...)
	case elapsed > slowQueryCutoff:
		l.log.Warn("slow query", fields...)
	case l.level >= gormlogger.Info:
		l.log.Debug("query", fields...)
	}
}
