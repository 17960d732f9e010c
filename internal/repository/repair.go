package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"plaza/internal/docstore"
	"plaza/internal/models"
	"plaza/internal/observability"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// RepairRepository is the journal of half-written follow edges.
type RepairRepository interface {
	Record(ctx context.Context, task *models.RepairTask) error
	ListPending(ctx context.Context, limit int) ([]models.RepairTask, error)
	MarkDone(ctx context.Context, id string) error
	MarkAttemptFailed(ctx context.Context, id string, cause error, maxAttempts int) error
	CountPending(ctx context.Context) (int64, error)
}

type repairRepository struct {
	db *gorm.DB
}

// NewRepairRepository returns a RepairRepository backed by db.
func NewRepairRepository(db *gorm.DB) RepairRepository {
	return &repairRepository{db: db}
}

// Record stores task. Recording the same id twice is a no-op.
func (r *repairRepository) Record(ctx context.Context, task *models.RepairTask) error {
	defer observability.TrackQuery("insert", "repair_tasks")()
	if task.Status == "" {
		task.Status = models.RepairPending
	}
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "id"}}, DoNothing: true}).
		Create(task).Error
	if err != nil {
		return journalError(err)
	}
	observability.RepairTasks.WithLabelValues(string(models.RepairPending)).Inc()
	return nil
}

func (r *repairRepository) ListPending(ctx context.Context, limit int) ([]models.RepairTask, error) {
	defer observability.TrackQuery("select", "repair_tasks")()
	if limit <= 0 {
		limit = 100
	}
	var tasks []models.RepairTask
	err := r.db.WithContext(ctx).
		Where("status = ?", models.RepairPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&tasks).Error
	if err != nil {
		return nil, journalError(err)
	}
	return tasks, nil
}

func (r *repairRepository) MarkDone(ctx context.Context, id string) error {
	defer observability.TrackQuery("update", "repair_tasks")()
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.RepairTask{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": models.RepairDone, "resolved_at": now, "last_error": ""})
	if res.Error != nil {
		return journalError(res.Error)
	}
	if res.RowsAffected == 0 {
		return models.NewNotFoundError("RepairTask", id)
	}
	observability.RepairTasks.WithLabelValues(string(models.RepairDone)).Inc()
	return nil
}

// MarkAttemptFailed bumps the attempt counter and parks the task as failed
// once maxAttempts is reached.
func (r *repairRepository) MarkAttemptFailed(ctx context.Context, id string, cause error, maxAttempts int) error {
	defer observability.TrackQuery("update", "repair_tasks")()
	return journalError(r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.RepairTask
		if err := tx.First(&task, "id = ?", id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.NewNotFoundError("RepairTask", id)
			}
			return err
		}
		task.Attempts++
		task.LastError = cause.Error()
		if maxAttempts > 0 && task.Attempts >= maxAttempts {
			task.Status = models.RepairFailed
			observability.RepairTasks.WithLabelValues(string(models.RepairFailed)).Inc()
		}
		return tx.Save(&task).Error
	}))
}

func (r *repairRepository) CountPending(ctx context.Context) (int64, error) {
	defer observability.TrackQuery("count", "repair_tasks")()
	var n int64
	err := r.db.WithContext(ctx).Model(&models.RepairTask{}).
		Where("status = ?", models.RepairPending).
		Count(&n).Error
	return n, journalError(err)
}

// Postgres SQLSTATEs worth retrying.
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateTooManyConnections   = "53300"
)

// journalError wraps retryable database failures in docstore.ErrTransient so
// the same retry policy applies to journal writes.
func journalError(err error) error {
	if err == nil {
		return nil
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if isTransientDBError(err) {
		return fmt.Errorf("%w: %w", docstore.ErrTransient, err)
	}
	return models.NewInternalError(err)
}

func isTransientDBError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateTooManyConnections:
			return true
		}
		return false
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	// sqlite reports lock contention as plain text.
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}
