package database

import (
	"fmt"

	"github.com/ksred/darkpool-api/internal/database/migrations"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open initializes a GORM connection to the sqlite database at dsn and runs
// migrations. SQLite takes one writer at a time, so the pool is capped at a
// single connection; ":memory:" databases rely on that too.
func Open(dsn string, debug bool) (*gorm.DB, error) {
	cfg := &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)}
	if debug {
		cfg.Logger = logger.Default.LogMode(logger.Info)
	}

	db, err := gorm.Open(sqlite.Open(dsn), cfg)
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := migrations.CreateSettlementTables(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddSettlementIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
