package database

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"plaza/internal/config"
	"plaza/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestConnect_SQLiteMigratesJournal(t *testing.T) {
	db, err := Connect(&config.Config{JournalDriver: "sqlite", JournalDSN: ":memory:"})
	require.NoError(t, err)
	defer func() { _ = Close(db) }()

	assert.True(t, db.Migrator().HasTable(&models.RepairTask{}))
	assert.True(t, db.Migrator().HasIndex(&models.RepairTask{}, "idx_repair_pair"))

	sqlDB, err := db.DB()
	require.NoError(t, err)
	assert.Equal(t, 1, sqlDB.Stats().MaxOpenConnections)
}

func TestConnect_UnknownDriver(t *testing.T) {
	_, err := Connect(&config.Config{JournalDriver: "mysql"})
	assert.Error(t, err)
}

func TestPersistentModels_IncludesRepairTask(t *testing.T) {
	found := false
	for _, model := range PersistentModels() {
		if _, ok := model.(*models.RepairTask); ok {
			found = true
		}
	}
	assert.True(t, found)
}

func TestJournalLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	l := newJournalLogger(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := context.Background()
	query := func() (string, int64) { return "SELECT 1", 1 }

	l.Trace(ctx, time.Now(), query, nil)
	assert.Empty(t, buf.String())

	l.Trace(ctx, time.Now(), query, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	l.Trace(ctx, time.Now(), query, errors.New("connection reset"))
	assert.Contains(t, buf.String(), "journal query failed")
	buf.Reset()

	l.Trace(ctx, time.Now().Add(-time.Second), query, nil)
	assert.Contains(t, buf.String(), "slow journal query")
	buf.Reset()

	l.LogMode(logger.Silent).Trace(ctx, time.Now(), query, errors.New("ignored"))
	assert.Empty(t, buf.String())
}
