package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncState struct {
	AppKey           string         `gorm:"primaryKey;type:varchar(64)" json:"app_key"`
	CollectionKey    string         `gorm:"primaryKey;type:varchar(128)" json:"collection_key"`
	LastSyncedAt     time.Time      `gorm:"not null" json:"last_synced_at"`
	LastSyncMetadata datatypes.JSON `gorm:"type:jsonb" json:"last_sync_metadata,omitempty"`
	UpdatedAt        time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncState) TableName() string {
	return "sync_state"
}

// SyncStateMetadata is the shape stored in LastSyncMetadata.
type SyncStateMetadata struct {
	Mode       string `json:"mode"`
	Created    int    `json:"created"`
	Updated    int    `json:"updated"`
	Deleted    int    `json:"deleted"`
	Errors     int    `json:"errors"`
	DurationMs int64  `json:"duration_ms"`
}
