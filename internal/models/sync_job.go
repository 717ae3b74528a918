package models

import (
	"time"

	"gorm.io/datatypes"
)

type SyncMode string

const (
	SyncModeFull        SyncMode = "full"
	SyncModeIncremental SyncMode = "incremental"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

type SyncJob struct {
	ID                string                      `gorm:"primaryKey;type:varchar(36)" json:"id"`
	AppKey            string                      `gorm:"type:varchar(64);not null;index" json:"app_key"`
	Mode              SyncMode                    `gorm:"type:varchar(20);not null" json:"mode"`
	ResourceTypes     datatypes.JSONSlice[string] `gorm:"type:jsonb" json:"resource_types"`
	Status            JobStatus                   `gorm:"type:varchar(20);not null;index" json:"status"`
	TotalTasks        int                         `gorm:"not null;default:0" json:"total_tasks"`
	CompletedTasks    int                         `gorm:"not null;default:0" json:"completed_tasks"`
	FailedTasks       int                         `gorm:"not null;default:0" json:"failed_tasks"`
	ProcessedEntities int64                       `gorm:"not null;default:0" json:"processed_entities"`
	NeedsWorker       bool                        `gorm:"not null;default:false;index" json:"needs_worker"`
	WorkerSpawnedAt   *time.Time                  `json:"worker_spawned_at,omitempty"`
	StartedAt         *time.Time                  `json:"started_at,omitempty"`
	CompletedAt       *time.Time                  `json:"completed_at,omitempty"`
	ErrorMessage      *string                     `gorm:"type:text" json:"error_message,omitempty"`
	CreatedAt         time.Time                   `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time                   `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncJob) TableName() string {
	return "sync_jobs"
}

type SyncJobTask struct {
	ID            string     `gorm:"primaryKey;type:varchar(36)" json:"id"`
	JobID         string     `gorm:"type:varchar(36);not null;index" json:"job_id"`
	ResourceType  string     `gorm:"type:varchar(64);not null" json:"resource_type"`
	Position      int        `gorm:"not null;default:0" json:"position"`
	Status        TaskStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	EntityCount   int64      `gorm:"not null;default:0" json:"entity_count"`
	Cursor        *string    `gorm:"type:text" json:"cursor,omitempty"`
	SyncStartedAt *time.Time `json:"sync_started_at,omitempty"`
	LastHeartbeat *time.Time `gorm:"index" json:"last_heartbeat,omitempty"`
	ErrorMessage  *string    `gorm:"type:text" json:"error_message,omitempty"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (SyncJobTask) TableName() string {
	return "sync_job_tasks"
}
