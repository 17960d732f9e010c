package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"plaza/internal/docstore"
	"plaza/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return gormDB, mock
}

func setupSQLiteDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.RepairTask{}))
	return db
}

func newTask(id string) *models.RepairTask {
	return &models.RepairTask{
		ID:          id,
		Op:          models.GraphOpFollow,
		ActorID:     "a",
		TargetID:    "b",
		MissingSide: models.SideFollowers,
	}
}

func TestRepairRepository_Lifecycle(t *testing.T) {
	repo := NewRepairRepository(setupSQLiteDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Record(ctx, newTask("t1")))
	require.NoError(t, repo.Record(ctx, newTask("t1")), "recording twice is a no-op")
	require.NoError(t, repo.Record(ctx, newTask("t2")))

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, models.RepairPending, pending[0].Status)

	require.NoError(t, repo.MarkDone(ctx, "t1"))
	n, err := repo.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	cause := errors.New("store unavailable")
	require.NoError(t, repo.MarkAttemptFailed(ctx, "t2", cause, 2))
	n, _ = repo.CountPending(ctx)
	assert.Equal(t, int64(1), n, "first failure keeps the task pending")

	require.NoError(t, repo.MarkAttemptFailed(ctx, "t2", cause, 2))
	n, _ = repo.CountPending(ctx)
	assert.Equal(t, int64(0), n, "task is parked after max attempts")

	err = repo.MarkDone(ctx, "missing")
	assert.True(t, models.IsCode(err, models.CodeNotFound))
}

func TestRepairRepository_MarkDone_Postgres(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRepairRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "repair_tasks" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.MarkDone(context.Background(), "t1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepairRepository_CountPending_TransientPostgresError(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRepairRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "repair_tasks" WHERE status = $1`)).
		WillReturnError(&pgconn.PgError{Code: "40P01", Message: "deadlock detected"})

	_, err := repo.CountPending(context.Background())
	require.Error(t, err)
	assert.True(t, docstore.IsTransient(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepairRepository_ListPending_PermanentPostgresError(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewRepairRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "repair_tasks" WHERE status = $1 ORDER BY created_at ASC LIMIT $2`)).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: "relation does not exist"})

	_, err := repo.ListPending(context.Background(), 5)
	require.Error(t, err)
	assert.False(t, docstore.IsTransient(err))
	assert.True(t, models.IsCode(err, models.CodeInternal))
}
