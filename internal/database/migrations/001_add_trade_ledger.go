package migrations

import (
	"github.com/qtrade/pms-engine/internal/types"
	"gorm.io/gorm"
)

func AddTradeLedger(db *gorm.DB) error {
	// Create the order and trade tables
	if err := db.AutoMigrate(&types.Order{}); err != nil {
		return err
	}

	if err := db.AutoMigrate(&types.Trade{}); err != nil {
		return err
	}

	return nil
}
