package datastore

import (
	"context"
	"log/slog"
	"time"

	gormlogger "gorm.io/gorm/logger"

	"github.com/jkarvonen/plantcount-go/internal/logging"
)

const serviceName = "datastore"

var logger *slog.Logger

func init() {
	logger = logging.ForService(serviceName)
	if logger == nil {
		logger = slog.Default().With("service", serviceName)
	}
}

// GetLogger returns the datastore package logger.
func GetLogger() *slog.Logger {
	return logger
}

// slogGormLogger adapts the package slog logger to GORM's logger interface
// so query logging follows the application's structured output.
type slogGormLogger struct {
	slowThreshold time.Duration
	level         gormlogger.LogLevel
}

func newSlogGormLogger(slowThreshold time.Duration, level gormlogger.LogLevel) gormlogger.Interface {
	return &slogGormLogger{slowThreshold: slowThreshold, level: level}
}

func (l *slogGormLogger) LogMode(level gormlogger.LogLevel) gormlogger.Interface {
	return &slogGormLogger{slowThreshold: l.slowThreshold, level: level}
}

func (l *slogGormLogger) Info(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Info {
		logger.InfoContext(ctx, msg, "args", args)
	}
}

func (l *slogGormLogger) Warn(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Warn {
		logger.WarnContext(ctx, msg, "args", args)
	}
}

func (l *slogGormLogger) Error(ctx context.Context, msg string, args ...any) {
	if l.level >= gormlogger.Error {
		logger.ErrorContext(ctx, msg, "args", args)
	}
}

func (l *slogGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (sql string, rowsAffected int64), err error) {
	if l.level <= gormlogger.Silent {
		return
	}

	elapsed := time.Since(begin)
	switch {
	case err != nil && l.level >= gormlogger.Error:
		sql, rows := fc()
		logger.ErrorContext(ctx, "Query failed",
			"error", err, "elapsed", elapsed, "rows", rows, "sql", sql)
	case l.slowThreshold > 0 && elapsed > l.slowThreshold && l.level >= gormlogger.Warn:
		sql, rows := fc()
		logger.WarnContext(ctx, "Slow query",
			"elapsed", elapsed, "threshold", l.slowThreshold, "rows", rows, "sql", sql)
	case l.level >= gormlogger.Info:
		sql, rows := fc()
		logger.DebugContext(ctx, "Query",
			"elapsed", elapsed, "rows", rows, "sql", sql)
	}
}
