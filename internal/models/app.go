package models

import (
	"time"

	"gorm.io/datatypes"
)

// App is one tenant: a provider connector plus its credentials and options.
type App struct {
	AppKey         string         `gorm:"primaryKey;type:varchar(64)"`
	Provider       string         `gorm:"type:varchar(32);not null;index"`
	Config         datatypes.JSON `gorm:"type:jsonb"`
	EarliestSyncAt *time.Time
	Enabled        bool      `gorm:"not null"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime"`
}

func (App) TableName() string {
	return "apps"
}
