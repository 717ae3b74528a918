package repository

import (
	"context"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"

	"syncbridge/internal/models"
)

type UpsertResult struct {
	Created int
	Updated int
}

type EntityRepository interface {
	InTx(ctx context.Context, fn func(tx *gorm.DB) error) error
	// UpsertEntities writes the batch in one transaction, resolving on (app_key, collection_key, external_id).
	UpsertEntities(ctx context.Context, items []models.Entity) (UpsertResult, error)
	DeleteEntity(ctx context.Context, appKey, collectionKey, externalID string) (int64, error)
	ListExternalIDs(ctx context.Context, appKey, collectionKey string, createdAfter *time.Time) ([]string, error)
	GetEntity(ctx context.Context, appKey, collectionKey, externalID string) (*models.Entity, error)
	CountEntities(ctx context.Context, appKey, collectionKey string) (int64, error)
}

type SyncStateRepository interface {
	GetSyncState(ctx context.Context, appKey, collectionKey string) (*models.SyncState, error)
	SaveSyncState(ctx context.Context, state *models.SyncState) error
	ListSyncStates(ctx context.Context, appKey string) ([]models.SyncState, error)
}

type AppRepository interface {
	GetApp(ctx context.Context, appKey string) (*models.App, error)
	UpsertApp(ctx context.Context, app *models.App) error
	ListApps(ctx context.Context) ([]models.App, error)
	UpdateAppConfig(ctx context.Context, appKey string, cfg datatypes.JSON, now time.Time) error
}

type ListJobsParams struct {
	AppKey *string
	Status *models.JobStatus
	Limit  int
	Offset int
}

type JobRepository interface {
	CreateJobWithTasks(ctx context.Context, job *models.SyncJob, tasks []models.SyncJobTask) error
	GetJob(ctx context.Context, id string) (*models.SyncJob, error)
	ListJobs(ctx context.Context, params ListJobsParams) ([]models.SyncJob, error)
	CountJobs(ctx context.Context, params ListJobsParams) (int64, error)
	ListTasks(ctx context.Context, jobID string) ([]models.SyncJobTask, error)
	GetTask(ctx context.Context, id string) (*models.SyncJobTask, error)

	// NextPendingTask returns the oldest pending task of a live job, or nil.
	NextPendingTask(ctx context.Context, jobID string) (*models.SyncJobTask, error)
	// ClaimTask moves a task from pending to processing if its attempts still equal the value read.
	// Zero rows means another worker won. The claim holds attempts+1, and the task writes below
	// only apply while that value is current, so a requeued and reclaimed task rejects the old owner.
	ClaimTask(ctx context.Context, taskID string, attempts int, now time.Time) (int64, error)
	MarkJobProcessing(ctx context.Context, jobID string, now time.Time) (int64, error)
	UpdateTaskHeartbeat(ctx context.Context, taskID string, attempt int, entityCount int64, cursor *string, now time.Time) (int64, error)
	SetTaskSyncStartedAt(ctx context.Context, taskID string, at time.Time) error
	FinishTask(ctx context.Context, taskID string, attempt int, status models.TaskStatus, entityCount int64, errMsg *string, now time.Time) (int64, error)
	ReleaseTask(ctx context.Context, taskID string, attempt int, entityCount int64, cursor *string, now time.Time) (int64, error)
	FailPendingTasks(ctx context.Context, jobID, message string, now time.Time) (int64, error)

	// RefreshJob recomputes counters from the tasks and, when none are left, moves the job to a terminal status.
	RefreshJob(ctx context.Context, jobID string, now time.Time) (*models.SyncJob, bool, error)
	SetJobNeedsWorker(ctx context.Context, jobID string, needs bool) error
	MarkWorkerSpawned(ctx context.Context, jobID string, now, spawnedBefore time.Time) (int64, error)
	ListJobsNeedingWorker(ctx context.Context, spawnedBefore time.Time, limit int) ([]models.SyncJob, error)
	CancelJob(ctx context.Context, jobID, message string, now time.Time) (int64, error)

	ListStaleTasks(ctx context.Context, heartbeatBefore time.Time, limit int) ([]models.SyncJobTask, error)
	RequeueStaleTask(ctx context.Context, taskID string, heartbeatBefore, now time.Time) (int64, error)
	DeleteFinishedJobsBefore(ctx context.Context, before time.Time) (int64, error)
}

type Repository interface {
	EntityRepository
	SyncStateRepository
	AppRepository
	JobRepository
}
