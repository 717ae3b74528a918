package models

import (
	"time"

	"gorm.io/datatypes"
)

// Entity is one normalized provider record. (app_key, collection_key, external_id) is unique.
type Entity struct {
	ID            string         `gorm:"primaryKey;type:varchar(191)"`
	ExternalID    string         `gorm:"type:varchar(191);not null;uniqueIndex:ux_entities_identity,priority:3"`
	AppKey        string         `gorm:"type:varchar(64);not null;uniqueIndex:ux_entities_identity,priority:1"`
	CollectionKey string         `gorm:"type:varchar(128);not null;uniqueIndex:ux_entities_identity,priority:2;index"`
	APIVersion    *string        `gorm:"type:varchar(64)"`
	RawPayload    datatypes.JSON `gorm:"type:jsonb;not null"`
	ArchivedAt    *time.Time
	DeletedAt     *time.Time
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime"`
}

func (Entity) TableName() string {
	return "entities"
}
