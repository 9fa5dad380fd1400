package database

import (
	"fmt"
	"os"

	"github.com/qtrade/pms-engine/internal/database/migrations"
	"github.com/qtrade/pms-engine/internal/store"
	"github.com/qtrade/pms-engine/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// NewDatabase initializes and returns a new GORM DB connection
func NewDatabase() (*gorm.DB, error) {
	path := os.Getenv("DB_PATH")
	if path == "" {
		path = "pms.db"
	}
	return Open(path)
}

// Open connects to the given sqlite path and runs all migrations.
// Tests pass ":memory:" for an isolated throwaway database.
func Open(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddTradeLedger(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	// Auto-migrate other schemas
	err = db.AutoMigrate(
		&store.PortfolioRecord{},
		&types.IdempotencyRecord{},
	)
	if err != nil {
		return nil, err
	}

	return db, nil
}
