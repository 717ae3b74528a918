package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"syncbridge/internal/metrics"
	"syncbridge/internal/repository"
)

// Maintenance holds the periodic housekeeping jobs driven by cron.
type Maintenance struct {
	Repo       repository.JobRepository
	StaleAfter time.Duration
	RetainFor  time.Duration
	Logger     *zap.Logger
	Now        func() time.Time
}

// RequeueStaleTasks returns processing tasks whose heartbeat stopped to pending.
// The task keeps its cursor, so the next claim resumes where the lost worker left off.
func (m *Maintenance) RequeueStaleTasks(ctx context.Context) (int, error) {
	if m.StaleAfter <= 0 {
		return 0, nil
	}
	now := m.now()
	cutoff := now.Add(-m.StaleAfter)
	tasks, err := m.Repo.ListStaleTasks(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, t := range tasks {
		n, err := m.Repo.RequeueStaleTask(ctx, t.ID, cutoff, now)
		if err != nil {
			m.logger().Warn("requeue stale task failed", zap.String("task_id", t.ID), zap.Error(err))
			continue
		}
		if n == 0 {
			continue
		}
		requeued++
		metrics.StaleTasksRequeued.Inc()
		m.logger().Warn("stale task requeued",
			zap.String("task_id", t.ID),
			zap.String("job_id", t.JobID),
			zap.String("resource_type", t.ResourceType),
		)
	}
	return requeued, nil
}

// PurgeFinishedJobs deletes terminal jobs and their tasks once they are older than RetainFor.
func (m *Maintenance) PurgeFinishedJobs(ctx context.Context) (int64, error) {
	if m.RetainFor <= 0 {
		return 0, nil
	}
	var total int64
	before := m.now().Add(-m.RetainFor)
	for {
		n, err := m.Repo.DeleteFinishedJobsBefore(ctx, before)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		m.logger().Info("finished jobs purged", zap.Int64("count", total))
	}
	return total, nil
}

func (m *Maintenance) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Maintenance) logger() *zap.Logger {
	if m.Logger == nil {
		return zap.NewNop()
	}
	return m.Logger
}
