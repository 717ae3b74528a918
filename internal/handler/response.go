package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"syncbridge/internal/service"
)

type apiResponse struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    any            `json:"data,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func Ok(c *gin.Context, data any, meta map[string]any) {
	c.JSON(http.StatusOK, apiResponse{
		Code:    0,
		Message: "ok",
		Data:    data,
		Meta:    meta,
	})
}

func Accepted(c *gin.Context, data any) {
	c.JSON(http.StatusAccepted, apiResponse{
		Code:    0,
		Message: "accepted",
		Data:    data,
	})
}

func Error(c *gin.Context, status int, message string, meta map[string]any) {
	c.JSON(status, apiResponse{
		Code:    status,
		Message: message,
		Meta:    meta,
	})
}

// statusFor maps service errors to HTTP statuses. Anything unrecognized is a 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidAppKey),
		errors.Is(err, service.ErrInvalidMode),
		errors.Is(err, service.ErrUnsupportedResource),
		errors.Is(err, service.ErrInvalidConfig):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrVerificationFailed):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrAppNotFound),
		errors.Is(err, service.ErrAppDisabled),
		errors.Is(err, service.ErrWebhookUnsupported),
		errors.Is(err, service.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrJobFinished):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// serviceError writes err with its mapped status. 5xx bodies stay generic; the detail goes to the log.
func serviceError(c *gin.Context, logger *zap.Logger, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		if logger != nil {
			logger.Error(msg, zap.String("path", c.FullPath()), zap.Error(err))
		}
		Error(c, status, "internal error", nil)
		return
	}
	Error(c, status, err.Error(), nil)
}
