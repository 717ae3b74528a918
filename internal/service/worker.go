package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"syncbridge/internal/connector"
	"syncbridge/internal/eventlog"
	"syncbridge/internal/metrics"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

const (
	ReasonBudget     = "runtime_budget_exhausted"
	ReasonMaxTasks   = "max_tasks_reached"
	ReasonShutdown   = "shutdown"
	ReasonStore      = "store_error"
	// ReasonContention means every claim attempt lost a race while tasks were still pending.
	ReasonContention = "claim_contention"

	defaultBudget            = 45 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultClaimAttempts     = 5
)

type RunOptions struct {
	JobID    string
	MaxTasks int
}

type RunResult struct {
	TasksProcessed int      `json:"tasks_processed"`
	JobsCompleted  []string `json:"jobs_completed"`
	DurationMs     int64    `json:"duration_ms"`
	ShutdownReason string   `json:"shutdown_reason,omitempty"`
}

// Worker drains pending tasks until none are left, its budget runs out, or ctx is cancelled.
type Worker struct {
	Repo              repository.JobRepository
	Apps              *AppService
	Exec              *SyncExecutor
	Spawner           *WorkerSpawner
	Events            *eventlog.Sink
	Logger            *zap.Logger
	Budget            time.Duration
	HeartbeatInterval time.Duration
	MaxClaimAttempts  int
	Now               func() time.Time
}

type taskOutcome struct {
	released     bool
	jobCompleted bool
}

func (w *Worker) Run(ctx context.Context, opts RunOptions) RunResult {
	start := time.Now()
	budget := w.Budget
	if budget <= 0 {
		budget = defaultBudget
	}
	deadline := start.Add(budget)
	// Store writes for the task in flight must outlive a shutdown signal.
	ioCtx := context.WithoutCancel(ctx)

	res := RunResult{JobsCompleted: []string{}}
	released := map[string]struct{}{}
	for {
		if ctx.Err() != nil {
			res.ShutdownReason = ReasonShutdown
			break
		}
		if !time.Now().Before(deadline) {
			res.ShutdownReason = ReasonBudget
			break
		}
		if opts.MaxTasks > 0 && res.TasksProcessed >= opts.MaxTasks {
			res.ShutdownReason = ReasonMaxTasks
			break
		}
		task, err := w.Claim(ioCtx, opts.JobID)
		var contended *ClaimContentionError
		if errors.As(err, &contended) {
			w.logger().Info("claim attempts exhausted", zap.String("job_id", contended.JobID))
			res.ShutdownReason = ReasonContention
			released[contended.JobID] = struct{}{}
			break
		}
		if err != nil {
			w.logger().Error("claim task failed", zap.Error(err))
			res.ShutdownReason = ReasonStore
			break
		}
		if task == nil {
			break
		}
		out := w.process(ctx, ioCtx, task, deadline)
		res.TasksProcessed++
		if out.jobCompleted {
			res.JobsCompleted = append(res.JobsCompleted, task.JobID)
		}
		if out.released {
			released[task.JobID] = struct{}{}
		}
	}
	res.DurationMs = time.Since(start).Milliseconds()

	reason := res.ShutdownReason
	if reason == "" {
		reason = "drained"
	}
	metrics.WorkerRuns.WithLabelValues(reason).Inc()
	metrics.WorkerDuration.Observe(time.Since(start).Seconds())
	w.logger().Info("worker finished",
		zap.Int("tasks_processed", res.TasksProcessed),
		zap.Strings("jobs_completed", res.JobsCompleted),
		zap.Int64("duration_ms", res.DurationMs),
		zap.String("reason", reason),
	)
	w.Events.Record("syncbridge_worker_run", "info", map[string]any{
		"tasks_processed": res.TasksProcessed,
		"jobs_completed":  res.JobsCompleted,
		"duration_ms":     res.DurationMs,
		"reason":          reason,
	})

	// Chain a continuation for work left behind. A shutdown leaves it to the cron scan.
	if res.ShutdownReason == ReasonBudget && opts.JobID != "" {
		released[opts.JobID] = struct{}{}
	}
	if res.ShutdownReason != ReasonShutdown {
		for jobID := range released {
			w.Spawner.Spawn(ioCtx, jobID)
		}
	}
	return res
}

// ClaimContentionError reports that pending work remained but every claim lost a race.
type ClaimContentionError struct {
	JobID string
}

func (e *ClaimContentionError) Error() string {
	return fmt.Sprintf("claim contention on job %s", e.JobID)
}

// Claim takes ownership of the oldest pending task, optionally within one job.
// A lost race is retried against the next candidate; nil means nothing is left to claim.
// When every attempt loses, a *ClaimContentionError names the job last contended.
func (w *Worker) Claim(ctx context.Context, jobID string) (*models.SyncJobTask, error) {
	attempts := w.MaxClaimAttempts
	if attempts <= 0 {
		attempts = defaultClaimAttempts
	}
	contended := ""
	for i := 0; i < attempts; i++ {
		task, err := w.Repo.NextPendingTask(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if task == nil {
			return nil, nil
		}
		now := w.now()
		n, err := w.Repo.ClaimTask(ctx, task.ID, task.Attempts, now)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			metrics.ClaimConflicts.Inc()
			contended = task.JobID
			continue
		}
		task.Status = models.TaskStatusProcessing
		task.Attempts++
		task.LastHeartbeat = &now
		if _, err := w.Repo.MarkJobProcessing(ctx, task.JobID, now); err != nil {
			w.logger().Warn("mark job processing failed", zap.String("job_id", task.JobID), zap.Error(err))
		}
		return task, nil
	}
	return nil, &ClaimContentionError{JobID: contended}
}

type progress struct {
	mu       sync.Mutex
	entities int64
	cursor   *string
}

func (p *progress) set(entities int64, cursor string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entities = entities
	if cursor == "" {
		p.cursor = nil
	} else {
		c := cursor
		p.cursor = &c
	}
}

func (p *progress) get() (int64, *string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entities, p.cursor
}

func (w *Worker) process(ctx, ioCtx context.Context, task *models.SyncJobTask, deadline time.Time) taskOutcome {
	log := w.logger().With(
		zap.String("job_id", task.JobID),
		zap.String("task_id", task.ID),
		zap.String("resource_type", task.ResourceType),
	)

	job, err := w.Repo.GetJob(ioCtx, task.JobID)
	if err != nil {
		return w.fail(ioCtx, log, task, task.EntityCount, fmt.Sprintf("load job: %v", err))
	}
	if job == nil {
		return w.fail(ioCtx, log, task, task.EntityCount, "job no longer exists")
	}
	if job.Status == models.JobStatusCancelled {
		return w.fail(ioCtx, log, task, task.EntityCount, cancelledMessage)
	}
	app, err := w.Apps.Resolve(ioCtx, job.AppKey)
	if err != nil {
		return w.fail(ioCtx, log, task, task.EntityCount, err.Error())
	}

	fetchStarted := task.SyncStartedAt
	if fetchStarted == nil {
		t := w.now()
		if err := w.Repo.SetTaskSyncStartedAt(ioCtx, task.ID, t); err != nil {
			log.Warn("record sync start failed", zap.Error(err))
		}
		fetchStarted = &t
	}
	cursor := ""
	if task.Cursor != nil {
		cursor = *task.Cursor
	}

	base := task.EntityCount
	prog := &progress{entities: base, cursor: task.Cursor}
	var cancelled, lost, yielded atomic.Bool

	hbDone := make(chan struct{})
	hbStopped := make(chan struct{})
	go func() {
		defer close(hbStopped)
		w.heartbeat(ioCtx, log, task, prog, &cancelled, &lost, hbDone)
	}()

	outcome, runErr := func() (out SyncOutcome, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return w.Exec.Run(ioCtx, SyncRequest{
			App:            app,
			ResourceType:   task.ResourceType,
			Mode:           job.Mode,
			Cursor:         cursor,
			FetchStartedAt: fetchStarted,
			Yield: func() bool {
				stop := ctx.Err() != nil || !time.Now().Before(deadline) || cancelled.Load() || lost.Load()
				if stop {
					yielded.Store(true)
				}
				return stop
			},
			OnPage: func(p connector.PageProgress) {
				prog.set(base+int64(p.Entities), p.Cursor)
			},
		})
	}()
	close(hbDone)
	<-hbStopped

	entities := base + int64(outcome.Processed())
	switch {
	case runErr != nil:
		return w.fail(ioCtx, log, task, entities, runErr.Error())
	case lost.Load():
		log.Warn("task was requeued by another process; dropping result")
		return taskOutcome{}
	case cancelled.Load():
		return w.fail(ioCtx, log, task, entities, cancelledMessage)
	case outcome.HasMore && yielded.Load() && outcome.NextCursor != "":
		return w.release(ioCtx, log, task, entities, outcome.NextCursor)
	case !outcome.Success:
		return w.fail(ioCtx, log, task, entities, summarize(outcome.ErrorMessages))
	default:
		return w.finish(ioCtx, log, task, models.TaskStatusCompleted, entities, nil)
	}
}

func (w *Worker) heartbeat(ctx context.Context, log *zap.Logger, task *models.SyncJobTask, prog *progress, cancelled, lost *atomic.Bool, done <-chan struct{}) {
	interval := w.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			entities, cursor := prog.get()
			n, err := w.Repo.UpdateTaskHeartbeat(ctx, task.ID, task.Attempts, entities, cursor, w.now())
			if err != nil {
				log.Warn("heartbeat failed", zap.Error(err))
				continue
			}
			if n == 0 {
				lost.Store(true)
				continue
			}
			job, err := w.Repo.GetJob(ctx, task.JobID)
			if err == nil && job != nil && job.Status == models.JobStatusCancelled {
				cancelled.Store(true)
			}
		}
	}
}

func (w *Worker) release(ctx context.Context, log *zap.Logger, task *models.SyncJobTask, entities int64, cursor string) taskOutcome {
	if job, err := w.Repo.GetJob(ctx, task.JobID); err == nil && job != nil && job.Status == models.JobStatusCancelled {
		return w.fail(ctx, log, task, entities, cancelledMessage)
	}
	n, err := w.Repo.ReleaseTask(ctx, task.ID, task.Attempts, entities, &cursor, w.now())
	if err != nil {
		log.Error("release task failed", zap.Error(err))
		return taskOutcome{}
	}
	if n == 0 {
		return taskOutcome{}
	}
	if err := w.Repo.SetJobNeedsWorker(ctx, task.JobID, true); err != nil {
		log.Warn("flag job for continuation failed", zap.Error(err))
	}
	metrics.TasksFinished.WithLabelValues("released").Inc()
	log.Info("task released for continuation", zap.Int64("entity_count", entities), zap.String("cursor", cursor))
	return taskOutcome{released: true}
}

func (w *Worker) fail(ctx context.Context, log *zap.Logger, task *models.SyncJobTask, entities int64, msg string) taskOutcome {
	log.Warn("task failed", zap.String("error", msg))
	return w.finish(ctx, log, task, models.TaskStatusFailed, entities, &msg)
}

func (w *Worker) finish(ctx context.Context, log *zap.Logger, task *models.SyncJobTask, status models.TaskStatus, entities int64, msg *string) taskOutcome {
	n, err := w.Repo.FinishTask(ctx, task.ID, task.Attempts, status, entities, msg, w.now())
	if err != nil {
		log.Error("finish task failed", zap.Error(err))
		return taskOutcome{}
	}
	if n == 0 {
		log.Warn("task claim superseded; result dropped", zap.String("status", string(status)))
		return taskOutcome{}
	}
	metrics.TasksFinished.WithLabelValues(string(status)).Inc()
	job, completed, err := w.Repo.RefreshJob(ctx, task.JobID, w.now())
	if err != nil {
		log.Error("refresh job failed", zap.Error(err))
		return taskOutcome{}
	}
	if completed && job != nil {
		log.Info("sync job finished",
			zap.String("status", string(job.Status)),
			zap.Int("completed_tasks", job.CompletedTasks),
			zap.Int("failed_tasks", job.FailedTasks),
			zap.Int64("processed_entities", job.ProcessedEntities),
		)
		w.Events.Record("syncbridge_job_finished", levelForJob(job.Status), map[string]any{
			"job_id":             job.ID,
			"app_key":            job.AppKey,
			"status":             job.Status,
			"processed_entities": job.ProcessedEntities,
		})
	}
	return taskOutcome{jobCompleted: completed}
}

func levelForJob(status models.JobStatus) string {
	if status == models.JobStatusCompleted {
		return "info"
	}
	return "warn"
}

func summarize(msgs []string) string {
	if len(msgs) == 0 {
		return "sync reported failure"
	}
	const limit = 5
	if len(msgs) > limit {
		return strings.Join(msgs[:limit], "; ") + fmt.Sprintf("; and %d more", len(msgs)-limit)
	}
	return strings.Join(msgs, "; ")
}

func (w *Worker) now() time.Time {
	if w.Now != nil {
		return w.Now().UTC()
	}
	return time.Now().UTC()
}

func (w *Worker) logger() *zap.Logger {
	if w.Logger == nil {
		return zap.NewNop()
	}
	return w.Logger
}
