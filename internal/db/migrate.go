package db

import (
	"fmt"

	"github.com/zulandar/consult/internal/models"
	"gorm.io/gorm"
)

// AllModels returns every GORM model for migration.
func AllModels() []interface{} {
	return []interface{}{
		&models.ActiveSession{},
		&models.TurnLog{},
	}
}

// AutoMigrate creates or updates all tables.
func AutoMigrate(db *gorm.DB) error {
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: auto-migrate: %w", err)
	}
	return nil
}
