package db

import (
	"syncbridge/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	return db.Gorm.AutoMigrate(
		&models.App{},
		&models.Entity{},
		&models.SyncState{},
		&models.SyncJob{},
		&models.SyncJobTask{},
	)
}
