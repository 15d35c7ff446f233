package api

import (
	"errors"
	"net/http"

	"flux-gen-service/internal/generation"
	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"github.com/gin-gonic/gin"
)

// retryAfterSeconds Busy 时建议客户端等待的秒数
const retryAfterSeconds = "5"

// Success 成功响应，data 中的字段与 success 平铺在同一层
func Success(c *gin.Context, data gin.H) {
	body := gin.H{"success": true}
	for k, v := range data {
		body[k] = v
	}
	c.JSON(http.StatusOK, body)
}

// Fail 按错误分类返回失败响应
func Fail(c *gin.Context, err error) {
	kind := model.KindOf(err)
	body := gin.H{
		"success":   false,
		"error":     logging.RedactSensitiveData(model.MessageOf(err)),
		"errorKind": kind,
	}
	if stage := generation.StageOf(err); stage != "" {
		body["stage"] = stage
	}
	if kind == model.KindBusy {
		c.Header("Retry-After", retryAfterSeconds)
	}
	c.JSON(statusFor(err), body)
}

// badRequest 请求体无法解析
func badRequest(c *gin.Context, err error) {
	Fail(c, model.NewError(model.KindValidation, "invalid request body", err))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrValidation), errors.Is(err, model.ErrUnconfigured):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrBusy):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrInvalidParameters):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrEnhancementFailed), errors.Is(err, model.ErrCatalogUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
