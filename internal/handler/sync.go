package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"syncbridge/internal/models"
	"syncbridge/internal/repository"
	"syncbridge/internal/service"
)

type SyncHandler struct {
	Scheduler *service.Scheduler
	Jobs      repository.JobRepository
	States    repository.SyncStateRepository
	Logger    *zap.Logger
	// WatchInterval is how often the watch stream polls the job row.
	WatchInterval time.Duration
}

type syncRequest struct {
	AppKey        string   `json:"app_key"`
	Mode          string   `json:"mode"`
	ResourceTypes []string `json:"resource_types"`
	Immediate     bool     `json:"immediate"`
}

type jobCreatedResponse struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	TotalTasks int              `json:"total_tasks"`
}

func (h *SyncHandler) Register(r gin.IRouter) {
	r.POST("/sync", h.sync)
	group := r.Group("/sync")
	group.GET("/jobs", h.listJobs)
	group.GET("/jobs/:job_id", h.getJob)
	group.POST("/jobs/:job_id/cancel", h.cancelJob)
	group.GET("/jobs/:job_id/watch", h.watchJob)
	group.GET("/state/:app_key", h.listState)
}

// @Summary Start a sync
// @Description immediate=true runs every resource inline; otherwise a job is queued for workers.
// @Tags sync
// @Accept json
// @Produce json
// @Param body body syncRequest true "sync request"
// @Success 200 {object} apiResponse
// @Success 202 {object} apiResponse
// @Router /sync [post]
func (h *SyncHandler) sync(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	in := service.JobInput{AppKey: strings.TrimSpace(req.AppKey), Mode: req.Mode, ResourceTypes: req.ResourceTypes}
	if req.Immediate {
		resp, err := h.Scheduler.RunInline(c.Request.Context(), in)
		if err != nil {
			serviceError(c, h.Logger, "inline sync failed", err)
			return
		}
		Ok(c, resp, nil)
		return
	}
	job, err := h.Scheduler.CreateJob(c.Request.Context(), in)
	if err != nil {
		serviceError(c, h.Logger, "create sync job failed", err)
		return
	}
	Accepted(c, jobCreatedResponse{JobID: job.ID, Status: job.Status, TotalTasks: job.TotalTasks})
}

// @Summary List sync jobs
// @Tags sync
// @Produce json
// @Param app_key query string false "tenant key"
// @Param status query string false "pending|processing|completed|failed|cancelled"
// @Param limit query int false "limit"
// @Param offset query int false "offset"
// @Success 200 {object} apiResponse
// @Router /sync/jobs [get]
func (h *SyncHandler) listJobs(c *gin.Context) {
	if h.Jobs == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	params := repository.ListJobsParams{
		Limit:  intQuery(c, "limit", 50),
		Offset: intQuery(c, "offset", 0),
	}
	if v := strings.TrimSpace(c.Query("app_key")); v != "" {
		params.AppKey = &v
	}
	if v := strings.TrimSpace(c.Query("status")); v != "" {
		st := models.JobStatus(strings.ToLower(v))
		params.Status = &st
	}
	ctx := c.Request.Context()
	jobs, err := h.Jobs.ListJobs(ctx, params)
	if err != nil {
		serviceError(c, h.Logger, "list jobs failed", err)
		return
	}
	total, err := h.Jobs.CountJobs(ctx, params)
	if err != nil {
		serviceError(c, h.Logger, "count jobs failed", err)
		return
	}
	Ok(c, jobs, paginationMeta(params.Limit, params.Offset, total))
}

// @Summary Get a sync job
// @Tags sync
// @Produce json
// @Param job_id path string true "job id"
// @Param include_tasks query bool false "include the per-task breakdown"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /sync/jobs/{job_id} [get]
func (h *SyncHandler) getJob(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	status, err := h.Scheduler.GetJobStatus(c.Request.Context(), c.Param("job_id"), boolQueryDefault(c, "include_tasks", false))
	if err != nil {
		serviceError(c, h.Logger, "get job failed", err)
		return
	}
	Ok(c, status, nil)
}

// @Summary Cancel a sync job
// @Tags sync
// @Produce json
// @Param job_id path string true "job id"
// @Success 200 {object} apiResponse
// @Failure 409 {object} apiResponse
// @Router /sync/jobs/{job_id}/cancel [post]
func (h *SyncHandler) cancelJob(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	job, err := h.Scheduler.CancelJob(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		serviceError(c, h.Logger, "cancel job failed", err)
		return
	}
	Ok(c, job, nil)
}

// @Summary Stream job progress
// @Description Upgrades to a websocket and pushes the job row whenever it changes, closing once the job is finished.
// @Tags sync
// @Param job_id path string true "job id"
// @Router /sync/jobs/{job_id}/watch [get]
func (h *SyncHandler) watchJob(c *gin.Context) {
	if h.Scheduler == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	jobID := c.Param("job_id")
	// Unknown jobs are answered before the upgrade so clients get a plain 404.
	first, err := h.Scheduler.GetJobStatus(c.Request.Context(), jobID, false)
	if err != nil {
		serviceError(c, h.Logger, "watch job failed", err)
		return
	}
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		h.logger().Warn("websocket accept failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	defer func() { _ = conn.CloseNow() }()

	ctx := conn.CloseRead(c.Request.Context())
	if err := h.streamJob(ctx, conn, jobID, first.Job); err != nil {
		if websocket.CloseStatus(err) == -1 && !errors.Is(err, context.Canceled) {
			h.logger().Debug("watch stream ended", zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}
	_ = conn.Close(websocket.StatusNormalClosure, "job finished")
}

func (h *SyncHandler) streamJob(ctx context.Context, conn *websocket.Conn, jobID string, job *models.SyncJob) error {
	interval := h.WatchInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last time.Time
	for {
		if job != nil && !job.UpdatedAt.Equal(last) {
			if err := wsjson.Write(ctx, conn, job); err != nil {
				return err
			}
			last = job.UpdatedAt
			if job.Status.Terminal() {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		status, err := h.Scheduler.GetJobStatus(ctx, jobID, false)
		if err != nil {
			return err
		}
		job = status.Job
	}
}

// @Summary List sync state of a tenant
// @Tags sync
// @Produce json
// @Param app_key path string true "tenant key"
// @Success 200 {object} apiResponse
// @Router /sync/state/{app_key} [get]
func (h *SyncHandler) listState(c *gin.Context) {
	if h.States == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	appKey := c.Param("app_key")
	if err := service.ValidateAppKey(appKey); err != nil {
		serviceError(c, h.Logger, "list sync state failed", err)
		return
	}
	states, err := h.States.ListSyncStates(c.Request.Context(), appKey)
	if err != nil {
		serviceError(c, h.Logger, "list sync state failed", err)
		return
	}
	Ok(c, states, map[string]any{"total": len(states)})
}

func (h *SyncHandler) logger() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}
