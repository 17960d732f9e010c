package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"plaza/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const slowQuery = 200 * time.Millisecond

// journalLogger routes GORM output through slog and times every journal
// statement into the store latency histogram.
type journalLogger struct {
	log   *slog.Logger
	level logger.LogLevel
	slow  time.Duration
}

func newJournalLogger(l *slog.Logger) *journalLogger {
	return &journalLogger{log: l, level: logger.Warn, slow: slowQuery}
}

func (j *journalLogger) LogMode(level logger.LogLevel) logger.Interface {
	clone := *j
	clone.level = level
	return &clone
}

func (j *journalLogger) printf(ctx context.Context, at logger.LogLevel, lvl slog.Level, msg string, args []any) {
	if j.level >= at {
		j.log.Log(ctx, lvl, fmt.Sprintf(msg, args...))
	}
}

func (j *journalLogger) Info(ctx context.Context, msg string, args ...any) {
	j.printf(ctx, logger.Info, slog.LevelInfo, msg, args)
}

func (j *journalLogger) Warn(ctx context.Context, msg string, args ...any) {
	j.printf(ctx, logger.Warn, slog.LevelWarn, msg, args)
}

func (j *journalLogger) Error(ctx context.Context, msg string, args ...any) {
	j.printf(ctx, logger.Error, slog.LevelError, msg, args)
}

// Trace reports failed statements, slow ones, and at Info level everything.
// A missing row is an answer, not a failure.
func (j *journalLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		err = nil
	}
	observability.ObserveStore("sql", "repair_journal", begin, err)
	if j.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()
	attrs := []any{slog.String("sql", sql), slog.Int64("rows", rows), slog.Duration("elapsed", elapsed)}

	switch {
	case err != nil && j.level >= logger.Error:
		j.log.ErrorContext(ctx, "journal query failed", append(attrs, slog.String("error", err.Error()))...)
	case j.slow > 0 && elapsed > j.slow && j.level >= logger.Warn:
		j.log.WarnContext(ctx, "slow journal query", attrs...)
	case j.level >= logger.Info:
		j.log.DebugContext(ctx, "journal query", attrs...)
	}
}
