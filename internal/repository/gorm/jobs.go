package gormrepository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

var liveJobStatuses = []models.JobStatus{models.JobStatusPending, models.JobStatusProcessing}

var finishedJobStatuses = []models.JobStatus{models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled}

func (s *Store) CreateJobWithTasks(ctx context.Context, job *models.SyncJob, tasks []models.SyncJobTask) error {
	if s == nil || s.db == nil || job == nil {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return createInBatches(tx, tasks, 200)
	})
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.SyncJob, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var job models.SyncJob
	err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *Store) jobsQuery(ctx context.Context, params repository.ListJobsParams) *gorm.DB {
	query := s.db.WithContext(ctx).Model(&models.SyncJob{})
	if params.AppKey != nil && *params.AppKey != "" {
		query = query.Where("app_key = ?", *params.AppKey)
	}
	if params.Status != nil && *params.Status != "" {
		query = query.Where("status = ?", *params.Status)
	}
	return query
}

func (s *Store) ListJobs(ctx context.Context, params repository.ListJobsParams) ([]models.SyncJob, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var jobs []models.SyncJob
	err := s.jobsQuery(ctx, params).
		Order("created_at desc").
		Limit(normalizeLimit(params.Limit, 50)).
		Offset(params.Offset).
		Find(&jobs).Error
	return jobs, err
}

func (s *Store) CountJobs(ctx context.Context, params repository.ListJobsParams) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var total int64
	err := s.jobsQuery(ctx, params).Count(&total).Error
	return total, err
}

func (s *Store) ListTasks(ctx context.Context, jobID string) ([]models.SyncJobTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var tasks []models.SyncJobTask
	err := s.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("position asc").
		Find(&tasks).Error
	return tasks, err
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.SyncJobTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var task models.SyncJobTask
	err := s.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Store) NextPendingTask(ctx context.Context, jobID string) (*models.SyncJobTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Model(&models.SyncJobTask{}).
		Select("sync_job_tasks.*").
		Joins("JOIN sync_jobs ON sync_jobs.id = sync_job_tasks.job_id").
		Where("sync_job_tasks.status = ?", models.TaskStatusPending).
		Where("sync_jobs.status IN ?", liveJobStatuses)
	if jobID != "" {
		query = query.Where("sync_job_tasks.job_id = ?", jobID)
	}
	var task models.SyncJobTask
	err := query.
		Order("sync_job_tasks.created_at asc").
		Order("sync_job_tasks.position asc").
		Take(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ClaimTask only succeeds while attempts still holds the value read with the task.
// The claim is then identified by attempts+1.
func (s *Store) ClaimTask(ctx context.Context, taskID string, attempts int, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJobTask{}).
		Where("id = ? AND status = ? AND attempts = ?", taskID, models.TaskStatusPending, attempts).
		Updates(map[string]any{
			"status":         models.TaskStatusProcessing,
			"attempts":       attempts + 1,
			"started_at":     gorm.Expr("COALESCE(started_at, ?)", now),
			"last_heartbeat": now,
			"error_message":  nil,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) MarkJobProcessing(ctx context.Context, jobID string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ? AND status = ?", jobID, models.JobStatusPending).
		Updates(map[string]any{
			"status":     models.JobStatusProcessing,
			"started_at": now,
			"updated_at": now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) UpdateTaskHeartbeat(ctx context.Context, taskID string, attempt int, entityCount int64, cursor *string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJobTask{}).
		Where("id = ? AND status = ? AND attempts = ?", taskID, models.TaskStatusProcessing, attempt).
		Updates(map[string]any{
			"last_heartbeat": now,
			"entity_count":   entityCount,
			"cursor":         cursor,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) SetTaskSyncStartedAt(ctx context.Context, taskID string, at time.Time) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&models.SyncJobTask{}).
		Where("id = ? AND sync_started_at IS NULL", taskID).
		Update("sync_started_at", at).Error
}

func (s *Store) FinishTask(ctx context.Context, taskID string, attempt int, status models.TaskStatus, entityCount int64, errMsg *string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	if !status.Terminal() {
		return 0, fmt.Errorf("finish task: %s is not a terminal status", status)
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJobTask{}).
		Where("id = ? AND status = ? AND attempts = ?", taskID, models.TaskStatusProcessing, attempt).
		Updates(map[string]any{
			"status":         status,
			"entity_count":   entityCount,
			"error_message":  errMsg,
			"cursor":         nil,
			"last_heartbeat": now,
			"completed_at":   now,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) ReleaseTask(ctx context.Context, taskID string, attempt int, entityCount int64, cursor *string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJobTask{}).
		Where("id = ? AND status = ? AND attempts = ?", taskID, models.TaskStatusProcessing, attempt).
		Updates(map[string]any{
			"status":         models.TaskStatusPending,
			"entity_count":   entityCount,
			"cursor":         cursor,
			"last_heartbeat": now,
			"updated_at":     now,
		})
	return res.RowsAffected, res.Error
}

func (s *Store) FailPendingTasks(ctx context.Context, jobID, message string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJobTask{}).
		Where("job_id = ? AND status = ?", jobID, models.TaskStatusPending).
		Updates(map[string]any{
			"status":        models.TaskStatusFailed,
			"error_message": message,
			"completed_at":  now,
			"updated_at":    now,
		})
	return res.RowsAffected, res.Error
}

type taskAggregate struct {
	Status   models.TaskStatus
	N        int64
	Entities int64
}

type jobCounters struct {
	completed int64
	failed    int64
	open      int64
	entities  int64
}

func refreshCounters(tx *gorm.DB, jobID string, now time.Time) (jobCounters, error) {
	var rows []taskAggregate
	if err := tx.Model(&models.SyncJobTask{}).
		Select("status, COUNT(*) AS n, COALESCE(SUM(entity_count), 0) AS entities").
		Where("job_id = ?", jobID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return jobCounters{}, err
	}
	var c jobCounters
	for _, r := range rows {
		c.entities += r.Entities
		switch r.Status {
		case models.TaskStatusCompleted:
			c.completed += r.N
		case models.TaskStatusFailed:
			c.failed += r.N
		default:
			c.open += r.N
		}
	}
	err := tx.Model(&models.SyncJob{}).
		Where("id = ?", jobID).
		Updates(map[string]any{
			"completed_tasks":    c.completed,
			"failed_tasks":       c.failed,
			"processed_entities": c.entities,
			"updated_at":         now,
		}).Error
	return c, err
}

func (s *Store) RefreshJob(ctx context.Context, jobID string, now time.Time) (*models.SyncJob, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, nil
	}
	var job models.SyncJob
	finished := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := refreshCounters(tx, jobID, now)
		if err != nil {
			return err
		}
		if c.open == 0 {
			updates := map[string]any{
				"status":       models.JobStatusCompleted,
				"needs_worker": false,
				"completed_at": now,
				"updated_at":   now,
			}
			if c.failed > 0 {
				updates["status"] = models.JobStatusFailed
				updates["error_message"] = fmt.Sprintf("%d of %d tasks failed", c.failed, c.completed+c.failed)
			}
			// Only live jobs move; a terminal job never changes status again.
			res := tx.Model(&models.SyncJob{}).
				Where("id = ? AND status IN ?", jobID, liveJobStatuses).
				Updates(updates)
			if res.Error != nil {
				return res.Error
			}
			finished = res.RowsAffected > 0
		}
		return tx.First(&job, "id = ?", jobID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &job, finished, nil
}

func (s *Store) SetJobNeedsWorker(ctx context.Context, jobID string, needs bool) error {
	if s == nil || s.db == nil {
		return nil
	}
	query := s.db.WithContext(ctx).Model(&models.SyncJob{}).Where("id = ?", jobID)
	if needs {
		query = query.Where("status IN ?", liveJobStatuses)
	}
	return query.Update("needs_worker", needs).Error
}

func (s *Store) MarkWorkerSpawned(ctx context.Context, jobID string, now, spawnedBefore time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	res := s.db.WithContext(ctx).
		Model(&models.SyncJob{}).
		Where("id = ? AND needs_worker = ?", jobID, true).
		Where("worker_spawned_at IS NULL OR worker_spawned_at < ?", spawnedBefore).
		Update("worker_spawned_at", now)
	return res.RowsAffected, res.Error
}

func (s *Store) ListJobsNeedingWorker(ctx context.Context, spawnedBefore time.Time, limit int) ([]models.SyncJob, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var jobs []models.SyncJob
	err := s.db.WithContext(ctx).
		Where("needs_worker = ? AND status IN ?", true, liveJobStatuses).
		Where("worker_spawned_at IS NULL OR worker_spawned_at < ?", spawnedBefore).
		Order("created_at asc").
		Limit(normalizeLimit(limit, 20)).
		Find(&jobs).Error
	return jobs, err
}

func (s *Store) CancelJob(ctx context.Context, jobID, message string, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.SyncJob{}).
			Where("id = ? AND status IN ?", jobID, liveJobStatuses).
			Updates(map[string]any{
				"status":        models.JobStatusCancelled,
				"needs_worker":  false,
				"error_message": message,
				"completed_at":  now,
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 {
			return nil
		}
		if err := tx.Model(&models.SyncJobTask{}).
			Where("job_id = ? AND status = ?", jobID, models.TaskStatusPending).
			Updates(map[string]any{
				"status":        models.TaskStatusFailed,
				"error_message": message,
				"completed_at":  now,
				"updated_at":    now,
			}).Error; err != nil {
			return err
		}
		_, err := refreshCounters(tx, jobID, now)
		return err
	})
	return affected, err
}

func (s *Store) ListStaleTasks(ctx context.Context, heartbeatBefore time.Time, limit int) ([]models.SyncJobTask, error) {
	if s == nil || s.db == nil {
		return nil, nil
	}
	var tasks []models.SyncJobTask
	err := s.db.WithContext(ctx).
		Where("status = ? AND last_heartbeat < ?", models.TaskStatusProcessing, heartbeatBefore).
		Order("last_heartbeat asc").
		Limit(normalizeLimit(limit, 100)).
		Find(&tasks).Error
	return tasks, err
}

func (s *Store) RequeueStaleTask(ctx context.Context, taskID string, heartbeatBefore, now time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var affected int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.SyncJobTask
		if err := tx.First(&task, "id = ?", taskID).Error; err != nil {
			return err
		}
		res := tx.Model(&models.SyncJobTask{}).
			Where("id = ? AND status = ? AND last_heartbeat < ?", taskID, models.TaskStatusProcessing, heartbeatBefore).
			Updates(map[string]any{
				"status":        models.TaskStatusPending,
				"error_message": "requeued after missed heartbeats",
				"updated_at":    now,
			})
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		if affected == 0 {
			return nil
		}
		return tx.Model(&models.SyncJob{}).
			Where("id = ? AND status IN ?", task.JobID, liveJobStatuses).
			Update("needs_worker", true).Error
	})
	return affected, err
}

func (s *Store) DeleteFinishedJobsBefore(ctx context.Context, before time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, nil
	}
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		if err := tx.Model(&models.SyncJob{}).
			Where("status IN ? AND updated_at < ?", finishedJobStatuses, before).
			Limit(1000).
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("job_id IN ?", ids).Delete(&models.SyncJobTask{}).Error; err != nil {
			return err
		}
		res := tx.Where("id IN ?", ids).Delete(&models.SyncJob{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}
