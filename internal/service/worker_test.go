package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"syncbridge/internal/models"
	"syncbridge/internal/repository"
)

func TestWorker_DrainsJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2", "c3")
	env.fake.set("product", "p1", "p2")
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme"})
	require.NoError(t, err)

	res := env.worker().Run(ctx, RunOptions{JobID: job.ID})
	assert.Equal(t, 2, res.TasksProcessed)
	assert.Equal(t, []string{job.ID}, res.JobsCompleted)
	assert.Empty(t, res.ShutdownReason)

	status, err := env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Job.Status)
	assert.Equal(t, 2, status.Job.CompletedTasks)
	assert.Equal(t, int64(5), status.Job.ProcessedEntities)
	assert.False(t, status.Job.NeedsWorker)
	for _, task := range status.Tasks {
		assert.Equal(t, models.TaskStatusCompleted, task.Status)
		assert.Nil(t, task.Cursor)
		assert.Equal(t, 1, task.Attempts)
	}

	n, err := env.store.CountEntities(ctx, "acme", "fake_product")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestWorker_ConcurrentWorkersShareTasks(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2")
	env.fake.set("product", "p1")
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	results := make([]RunResult, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.worker().Run(ctx, RunOptions{})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 2, results[0].TasksProcessed+results[1].TasksProcessed)
	assert.Equal(t, 1, len(results[0].JobsCompleted)+len(results[1].JobsCompleted))

	status, err := env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Job.Status)
	for _, task := range status.Tasks {
		assert.Equal(t, 1, task.Attempts)
	}
}

func TestWorker_ReleasesOnShutdownAndResumes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2", "c3", "c4", "c5")
	env.fake.set("product", "p1")
	_, err := env.store.UpsertEntities(ctx, []models.Entity{{
		AppKey: "acme", CollectionKey: "fake_customer", ExternalID: "ghost", RawPayload: datatypes.JSON(`{}`),
	}})
	require.NoError(t, err)
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme"})
	require.NoError(t, err)
	require.NoError(t, env.store.SetJobNeedsWorker(ctx, job.ID, false))

	first := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	runCtx, stop := context.WithCancel(ctx)
	env.fake.onPage = func(resource, cursor string) {
		if resource == "customer" && cursor == "" {
			stop()
		}
	}
	w := env.worker()
	w.Now = fixedClock(first)
	res := w.Run(runCtx, RunOptions{JobID: job.ID})
	assert.Equal(t, ReasonShutdown, res.ShutdownReason)
	assert.Equal(t, 1, res.TasksProcessed)

	status, err := env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, status.Job.Status)
	assert.True(t, status.Job.NeedsWorker)
	customer := status.Tasks[0]
	assert.Equal(t, models.TaskStatusPending, customer.Status)
	require.NotNil(t, customer.Cursor)
	assert.Equal(t, "2", *customer.Cursor)
	assert.Equal(t, int64(2), customer.EntityCount)
	require.NotNil(t, customer.SyncStartedAt)
	assert.True(t, customer.SyncStartedAt.Equal(first))

	env.fake.onPage = nil
	w.Now = fixedClock(first.Add(time.Minute))
	res = w.Run(ctx, RunOptions{JobID: job.ID})
	assert.Equal(t, 2, res.TasksProcessed)
	assert.Equal(t, []string{job.ID}, res.JobsCompleted)
	assert.Contains(t, env.fake.seenCursors(), "customer:2")

	status, err = env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, status.Job.Status)
	assert.Equal(t, int64(5), status.Tasks[0].EntityCount)
	assert.Equal(t, 2, status.Tasks[0].Attempts)

	// A resumed listing cannot prove absence, so stored records survive.
	ghost, err := env.store.GetEntity(ctx, "acme", "fake_customer", "ghost")
	require.NoError(t, err)
	assert.NotNil(t, ghost)

	state, err := env.store.GetSyncState(ctx, "acme", "fake_customer")
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.True(t, state.LastSyncedAt.Equal(first))
}

func TestWorker_SupersededClaimDropsResult(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1", "c2", "c3")
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme", ResourceTypes: []string{"customer"}})
	require.NoError(t, err)
	status, err := env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	taskID := status.Tasks[0].ID

	claimedAt := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	// The reaper requeues the task mid-run and another worker claims it.
	env.fake.onPage = func(resource, cursor string) {
		if cursor != "" {
			return
		}
		n, err := env.store.RequeueStaleTask(ctx, taskID, claimedAt.Add(time.Hour), claimedAt.Add(time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n)
		n, err = env.store.ClaimTask(ctx, taskID, 1, claimedAt.Add(time.Hour))
		assert.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}
	w := env.worker()
	w.Now = fixedClock(claimedAt)
	res := w.Run(ctx, RunOptions{JobID: job.ID})
	assert.Equal(t, 1, res.TasksProcessed)
	assert.Empty(t, res.JobsCompleted)

	task, err := env.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusProcessing, task.Status)
	assert.Equal(t, 2, task.Attempts)
	got, err := env.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
}

func TestWorker_FailedTaskFailsJob(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.fake.set("customer", "c1")
	env.fake.set("product", "p1")
	env.fake.failOn = "product"
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme"})
	require.NoError(t, err)

	res := env.worker().Run(ctx, RunOptions{JobID: job.ID})
	assert.Equal(t, 2, res.TasksProcessed)

	status, err := env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status.Job.Status)
	assert.Equal(t, 1, status.Job.CompletedTasks)
	assert.Equal(t, 1, status.Job.FailedTasks)
	product := status.Tasks[1]
	assert.Equal(t, models.TaskStatusFailed, product.Status)
	require.NotNil(t, product.ErrorMessage)
	assert.Contains(t, *product.ErrorMessage, "provider unavailable")
}

func TestWorker_DisabledAppFailsTask(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme", ResourceTypes: []string{"product"}})
	require.NoError(t, err)
	env.addApp(t, "acme", false)

	env.worker().Run(ctx, RunOptions{JobID: job.ID})
	status, err := env.sched.GetJobStatus(ctx, job.ID, true)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, status.Job.Status)
	require.NotNil(t, status.Tasks[0].ErrorMessage)
	assert.Equal(t, ErrAppDisabled.Error(), *status.Tasks[0].ErrorMessage)
}

func TestWorker_MaxTasksAndBudget(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme"})
	require.NoError(t, err)

	res := env.worker().Run(ctx, RunOptions{JobID: job.ID, MaxTasks: 1})
	assert.Equal(t, ReasonMaxTasks, res.ShutdownReason)
	assert.Equal(t, 1, res.TasksProcessed)

	trigger := &recordingTrigger{}
	w := env.worker()
	w.Budget = time.Nanosecond
	w.Spawner = &WorkerSpawner{Repo: env.store, Trigger: trigger, Debounce: time.Second}
	res = w.Run(ctx, RunOptions{JobID: job.ID})
	assert.Equal(t, ReasonBudget, res.ShutdownReason)
	assert.Equal(t, 0, res.TasksProcessed)
	assert.Equal(t, []string{job.ID}, trigger.triggered())
}

// losingClaims behaves as if another worker wins every claim race.
type losingClaims struct {
	repository.JobRepository
}

func (losingClaims) ClaimTask(context.Context, string, int, time.Time) (int64, error) {
	return 0, nil
}

func TestWorker_ClaimContentionChainsWorker(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	job, err := env.sched.CreateJob(ctx, JobInput{AppKey: "acme", ResourceTypes: []string{"product"}})
	require.NoError(t, err)

	w := env.worker()
	w.Repo = losingClaims{env.store}
	w.MaxClaimAttempts = 3

	_, err = w.Claim(ctx, job.ID)
	var contended *ClaimContentionError
	require.ErrorAs(t, err, &contended)
	assert.Equal(t, job.ID, contended.JobID)

	trigger := &recordingTrigger{}
	w.Spawner = &WorkerSpawner{Repo: env.store, Trigger: trigger, Debounce: time.Second}
	res := w.Run(ctx, RunOptions{})
	assert.Equal(t, ReasonContention, res.ShutdownReason)
	assert.Equal(t, 0, res.TasksProcessed)
	assert.Equal(t, []string{job.ID}, trigger.triggered())

	tasks, err := env.store.ListTasks(ctx, job.ID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusPending, tasks[0].Status)
}

func TestSummarize(t *testing.T) {
	assert.Equal(t, "sync reported failure", summarize(nil))
	assert.Equal(t, "a; b", summarize([]string{"a", "b"}))
	assert.Equal(t, "1; 2; 3; 4; 5; and 2 more", summarize([]string{"1", "2", "3", "4", "5", "6", "7"}))
}
