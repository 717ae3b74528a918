package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"syncbridge/internal/repository"
)

var ErrTriggerBusy = errors.New("worker trigger at capacity")

// Trigger starts a worker invocation scoped to one job.
type Trigger interface {
	Trigger(ctx context.Context, jobID string) error
}

// InProcessTrigger runs workers as goroutines of this process, bounded by a concurrency limit.
type InProcessTrigger struct {
	worker  *Worker
	baseCtx context.Context
	group   *errgroup.Group
	logger  *zap.Logger
}

func NewInProcessTrigger(baseCtx context.Context, worker *Worker, concurrency int, logger *zap.Logger) *InProcessTrigger {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &errgroup.Group{}
	g.SetLimit(concurrency)
	return &InProcessTrigger{worker: worker, baseCtx: baseCtx, group: g, logger: logger}
}

func (t *InProcessTrigger) Trigger(_ context.Context, jobID string) error {
	started := t.group.TryGo(func() error {
		res := t.worker.Run(t.baseCtx, RunOptions{JobID: jobID})
		t.logger.Debug("in-process worker finished",
			zap.String("job_id", jobID),
			zap.Int("tasks_processed", res.TasksProcessed),
			zap.String("shutdown_reason", res.ShutdownReason),
		)
		return nil
	})
	if !started {
		return ErrTriggerBusy
	}
	return nil
}

// Wait blocks until every running worker has returned.
func (t *InProcessTrigger) Wait() {
	_ = t.group.Wait()
}

// HTTPTrigger asks another deployment of this service to run a worker via POST /worker.
type HTTPTrigger struct {
	URL    string
	Token  string
	HTTP   *http.Client
	Logger *zap.Logger
}

// Trigger fires the request without waiting for the worker to finish.
func (t *HTTPTrigger) Trigger(_ context.Context, jobID string) error {
	base := strings.TrimRight(strings.TrimSpace(t.URL), "/")
	if base == "" {
		return errors.New("worker trigger url is empty")
	}
	body, err := json.Marshal(map[string]any{"job_id": jobID})
	if err != nil {
		return err
	}
	go func() {
		client := t.HTTP
		if client == nil {
			client = &http.Client{Timeout: 5 * time.Second}
		}
		ctx, cancel := context.WithTimeout(context.Background(), client.Timeout+time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/worker", bytes.NewReader(body))
		if err != nil {
			t.log().Warn("worker trigger request failed", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		if t.Token != "" {
			req.Header.Set("Authorization", "Bearer "+t.Token)
		}
		resp, err := client.Do(req)
		if err != nil {
			// The receiving worker keeps running after our client gives up waiting.
			t.log().Debug("worker trigger did not answer", zap.String("job_id", jobID), zap.Error(err))
			return
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode >= 300 {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<10))
			t.log().Warn("worker trigger rejected",
				zap.String("job_id", jobID),
				zap.Error(fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))),
			)
		}
	}()
	return nil
}

func (t *HTTPTrigger) log() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}

// WorkerSpawner chains workers for jobs flagged needs_worker, at most once per debounce window per job.
type WorkerSpawner struct {
	Repo     repository.JobRepository
	Trigger  Trigger
	Debounce time.Duration
	Logger   *zap.Logger
	Now      func() time.Time
}

func (s *WorkerSpawner) Spawn(ctx context.Context, jobID string) bool {
	if s == nil || s.Trigger == nil {
		return false
	}
	now := s.now()
	n, err := s.Repo.MarkWorkerSpawned(ctx, jobID, now, now.Add(-s.Debounce))
	if err != nil {
		s.logger().Warn("mark worker spawned failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	if n == 0 {
		return false
	}
	if err := s.Trigger.Trigger(ctx, jobID); err != nil {
		s.logger().Warn("worker trigger failed", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	return true
}

// Scan triggers workers for every job still waiting for one.
func (s *WorkerSpawner) Scan(ctx context.Context) int {
	if s == nil {
		return 0
	}
	now := s.now()
	jobs, err := s.Repo.ListJobsNeedingWorker(ctx, now.Add(-s.Debounce), 50)
	if err != nil {
		s.logger().Warn("list jobs needing worker failed", zap.Error(err))
		return 0
	}
	spawned := 0
	for _, job := range jobs {
		if s.Spawn(ctx, job.ID) {
			spawned++
		}
	}
	if spawned > 0 {
		s.logger().Info("workers triggered", zap.Int("count", spawned))
	}
	return spawned
}

func (s *WorkerSpawner) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *WorkerSpawner) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}
