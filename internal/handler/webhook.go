package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"syncbridge/internal/connector"
	"syncbridge/internal/service"
)

type WebhookHandler struct {
	Service      *service.WebhookService
	MaxBodyBytes int64
	Logger       *zap.Logger
}

func (h *WebhookHandler) Register(r gin.IRouter) {
	r.OPTIONS("/webhook/:app_key", h.preflight)
	r.POST("/webhook/:app_key", h.receive)
}

func (h *WebhookHandler) preflight(c *gin.Context) {
	c.Header("Access-Control-Allow-Origin", "*")
	c.Header("Access-Control-Allow-Methods", "POST, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "*")
	c.Status(http.StatusNoContent)
}

// @Summary Receive a provider webhook
// @Tags webhook
// @Accept json
// @Produce json
// @Param app_key path string true "tenant key"
// @Success 200 {object} apiResponse
// @Failure 400 {object} apiResponse
// @Failure 401 {object} apiResponse
// @Failure 404 {object} apiResponse
// @Router /webhook/{app_key} [post]
func (h *WebhookHandler) receive(c *gin.Context) {
	if h.Service == nil {
		Error(c, http.StatusInternalServerError, "service unavailable", nil)
		return
	}
	limit := h.MaxBodyBytes
	if limit <= 0 {
		limit = 5 << 20
	}
	// The signature covers the exact bytes, so the body is read once and never re-encoded.
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, limit))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(c, http.StatusRequestEntityTooLarge, "payload too large", nil)
			return
		}
		Error(c, http.StatusBadRequest, "unreadable body", nil)
		return
	}

	out, err := h.Service.Handle(c.Request.Context(), c.Param("app_key"), connector.WebhookRequest{
		Header: c.Request.Header.Clone(),
		Body:   body,
	})
	if err != nil {
		serviceError(c, h.Logger, "webhook processing failed", err)
		return
	}
	Ok(c, out, nil)
}
