package handler

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"syncbridge/internal/service"
)

type WorkerHandler struct {
	Worker *service.Worker
}

type workerRequest struct {
	JobID    string `json:"job_id"`
	MaxTasks int    `json:"max_tasks"`
}

func (h *WorkerHandler) Register(r gin.IRouter) {
	r.POST("/worker", h.run)
}

// @Summary Run a worker
// @Description Drains pending tasks until none are left or the runtime budget is spent.
// @Tags worker
// @Accept json
// @Produce json
// @Param body body workerRequest false "optional job scope and task cap"
// @Success 200 {object} apiResponse
// @Router /worker [post]
func (h *WorkerHandler) run(c *gin.Context) {
	if h.Worker == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req workerRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		Error(c, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	req.JobID = strings.TrimSpace(req.JobID)
	if req.JobID != "" {
		if _, err := uuid.Parse(req.JobID); err != nil {
			Error(c, http.StatusBadRequest, "invalid job_id", nil)
			return
		}
	}
	if req.MaxTasks < 0 {
		Error(c, http.StatusBadRequest, "max_tasks must not be negative", nil)
		return
	}
	res := h.Worker.Run(c.Request.Context(), service.RunOptions{JobID: req.JobID, MaxTasks: req.MaxTasks})
	Ok(c, res, nil)
}
