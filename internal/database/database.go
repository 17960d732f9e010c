// Package database opens the SQL database that holds the follow repair journal.
package database

import (
	"fmt"
	"log/slog"
	"time"

	"plaza/internal/config"
	"plaza/internal/observability"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Connect opens the journal database named by cfg.JournalDriver and
// cfg.JournalDSN and migrates its schema.
func Connect(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.JournalDriver {
	case "postgres":
		dialector = postgres.Open(cfg.JournalDSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.JournalDSN)
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.JournalDriver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: newJournalLogger(observability.GlobalLogger.Logger)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	if err := configurePool(db, cfg.JournalDriver); err != nil {
		return nil, err
	}
	if err := Migrate(db); err != nil {
		return nil, err
	}

	observability.GlobalLogger.Info("journal database connected", slog.String("driver", cfg.JournalDriver))
	return db, nil
}

// Migrate creates or updates the journal tables.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(PersistentModels()...); err != nil {
		return fmt.Errorf("failed to migrate journal database: %w", err)
	}
	return nil
}

func configurePool(db *gorm.DB, driver string) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("failed to get journal connection pool: %w", err)
	}
	if driver == "postgres" {
		sqlDB.SetMaxOpenConns(10)
		sqlDB.SetMaxIdleConns(2)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
		return nil
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" databases shared.
	sqlDB.SetMaxOpenConns(1)
	return nil
}

// Close releases the pool behind db.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
