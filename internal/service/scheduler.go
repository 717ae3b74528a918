package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"syncbridge/internal/connector"
	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

const cancelledMessage = "job cancelled"

type JobInput struct {
	AppKey        string
	Mode          string
	ResourceTypes []string
}

type JobStatus struct {
	Job   *models.SyncJob      `json:"job"`
	Tasks []models.SyncJobTask `json:"tasks,omitempty"`
}

// SyncResponse is the result of running every resource of a request inline.
type SyncResponse struct {
	AppKey     string        `json:"app_key"`
	Success    bool          `json:"success"`
	Results    []SyncOutcome `json:"results"`
	DurationMs int64         `json:"duration_ms"`
}

type Scheduler struct {
	Repo    repository.JobRepository
	Apps    *AppService
	Exec    *SyncExecutor
	Spawner *WorkerSpawner
	Logger  *zap.Logger
	Now     func() time.Time
}

func ParseMode(raw string) (models.SyncMode, error) {
	switch models.SyncMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", models.SyncModeFull:
		return models.SyncModeFull, nil
	case models.SyncModeIncremental:
		return models.SyncModeIncremental, nil
	default:
		return "", invalid(ErrInvalidMode, raw)
	}
}

// ResolveResources picks the independently syncable resources, honouring an optional filter.
func ResolveResources(inst *connector.Instance, requested []string) ([]string, error) {
	if len(requested) == 0 {
		all := inst.SyncableResources()
		if len(all) == 0 {
			return nil, invalid(ErrUnsupportedResource, "connector has no syncable resources")
		}
		return all, nil
	}
	seen := make(map[string]struct{}, len(requested))
	out := make([]string, 0, len(requested))
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if _, dup := seen[name]; dup {
			continue
		}
		res, ok := inst.Resource(name)
		if !ok {
			return nil, invalid(ErrUnsupportedResource, name)
		}
		if res.SyncedWithParent {
			return nil, invalid(ErrUnsupportedResource, name+" is synced with its parent")
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	return out, nil
}

func (s *Scheduler) CreateJob(ctx context.Context, in JobInput) (*models.SyncJob, error) {
	app, err := s.Apps.Resolve(ctx, in.AppKey)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(in.Mode)
	if err != nil {
		return nil, err
	}
	types, err := ResolveResources(app.Connector, in.ResourceTypes)
	if err != nil {
		return nil, err
	}

	now := s.now()
	job := &models.SyncJob{
		ID:            uuid.NewString(),
		AppKey:        app.App.AppKey,
		Mode:          mode,
		ResourceTypes: types,
		Status:        models.JobStatusPending,
		TotalTasks:    len(types),
		NeedsWorker:   true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	tasks := make([]models.SyncJobTask, 0, len(types))
	for i, rt := range types {
		tasks = append(tasks, models.SyncJobTask{
			ID:           uuid.NewString(),
			JobID:        job.ID,
			ResourceType: rt,
			Position:     i,
			Status:       models.TaskStatusPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}
	if err := s.Repo.CreateJobWithTasks(ctx, job, tasks); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.logger().Info("sync job created",
		zap.String("job_id", job.ID),
		zap.String("app_key", job.AppKey),
		zap.String("mode", string(mode)),
		zap.Strings("resource_types", types),
	)
	if s.Spawner != nil {
		s.Spawner.Spawn(ctx, job.ID)
	}
	return job, nil
}

// RunInline runs each resource sequentially in the caller's request.
func (s *Scheduler) RunInline(ctx context.Context, in JobInput) (*SyncResponse, error) {
	app, err := s.Apps.Resolve(ctx, in.AppKey)
	if err != nil {
		return nil, err
	}
	mode, err := ParseMode(in.Mode)
	if err != nil {
		return nil, err
	}
	types, err := ResolveResources(app.Connector, in.ResourceTypes)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	resp := &SyncResponse{AppKey: app.App.AppKey, Success: true}
	for _, rt := range types {
		out, err := s.Exec.Run(ctx, SyncRequest{App: app, ResourceType: rt, Mode: mode})
		if err != nil {
			out = SyncOutcome{ResourceType: rt, Mode: mode}
			out.AddError(err)
		}
		if !out.Success {
			resp.Success = false
		}
		resp.Results = append(resp.Results, out)
	}
	resp.DurationMs = time.Since(start).Milliseconds()
	return resp, nil
}

func (s *Scheduler) GetJobStatus(ctx context.Context, jobID string, withTasks bool) (*JobStatus, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, ErrJobNotFound
	}
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, ErrJobNotFound
	}
	out := &JobStatus{Job: job}
	if withTasks {
		tasks, err := s.Repo.ListTasks(ctx, jobID)
		if err != nil {
			return nil, err
		}
		out.Tasks = tasks
	}
	return out, nil
}

// CancelJob stops a live job. Pending tasks fail at once; a task in flight fails after its current page.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) (*models.SyncJob, error) {
	status, err := s.GetJobStatus(ctx, jobID, false)
	if err != nil {
		return nil, err
	}
	if status.Job.Status.Terminal() {
		return status.Job, ErrJobFinished
	}
	n, err := s.Repo.CancelJob(ctx, jobID, cancelledMessage, s.now())
	if err != nil {
		return nil, fmt.Errorf("cancel job: %w", err)
	}
	job, err := s.Repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return job, ErrJobFinished
	}
	s.logger().Info("sync job cancelled", zap.String("job_id", jobID))
	return job, nil
}

func (s *Scheduler) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Scheduler) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// IsValidation reports whether err should be answered with a 4xx.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v) ||
		errors.Is(err, ErrInvalidAppKey) ||
		errors.Is(err, ErrInvalidMode) ||
		errors.Is(err, ErrUnsupportedResource)
}
