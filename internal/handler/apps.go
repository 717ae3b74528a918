package handler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"syncbridge/internal/models"
	"syncbridge/internal/service"
)

type AppsHandler struct {
	Service *service.AppService
	Logger  *zap.Logger
}

type appRequest struct {
	Provider       string          `json:"provider"`
	Enabled        *bool           `json:"enabled"`
	EarliestSyncAt *time.Time      `json:"earliest_sync_at"`
	Config         json.RawMessage `json:"config"`
}

type appView struct {
	AppKey         string         `json:"app_key"`
	Provider       string         `json:"provider"`
	Enabled        bool           `json:"enabled"`
	EarliestSyncAt *time.Time     `json:"earliest_sync_at,omitempty"`
	Config         map[string]any `json:"config"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

func (h *AppsHandler) Register(r gin.IRouter) {
	group := r.Group("/apps")
	group.GET("/:app_key", h.get)
	group.PUT("/:app_key", h.put)
}

// @Summary Get a tenant
// @Description Credential-looking settings are masked.
// @Tags apps
// @Produce json
// @Param app_key path string true "tenant key"
// @Success 200 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /apps/{app_key} [get]
func (h *AppsHandler) get(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	app, err := h.Service.Get(c.Request.Context(), c.Param("app_key"))
	if err != nil {
		serviceError(c, h.Logger, "get app failed", err)
		return
	}
	Ok(c, toAppView(app), nil)
}

// @Summary Create or replace a tenant
// @Description The config is validated against the provider's schema.
// @Tags apps
// @Accept json
// @Produce json
// @Param app_key path string true "tenant key"
// @Param body body appRequest true "tenant"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Router /apps/{app_key} [put]
func (h *AppsHandler) put(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	var req appRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Error(c, http.StatusBadRequest, "invalid json body", nil)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	app, err := h.Service.Upsert(c.Request.Context(), service.AppInput{
		AppKey:         c.Param("app_key"),
		Provider:       req.Provider,
		Enabled:        enabled,
		EarliestSyncAt: req.EarliestSyncAt,
		Config:         req.Config,
	})
	if err != nil {
		serviceError(c, h.Logger, "upsert app failed", err)
		return
	}
	Ok(c, toAppView(app), nil)
}

func toAppView(app *models.App) appView {
	return appView{
		AppKey:         app.AppKey,
		Provider:       app.Provider,
		Enabled:        app.Enabled,
		EarliestSyncAt: app.EarliestSyncAt,
		Config:         service.RedactConfig(app.Config),
		CreatedAt:      app.CreatedAt,
		UpdatedAt:      app.UpdatedAt,
	}
}
