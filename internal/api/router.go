package api

import (
	"flux-gen-service/internal/logging"

	"github.com/gin-gonic/gin"
)

// NewRouter 注册全部路由
func NewRouter(h *Handler, logger *logging.Logger) *gin.Engine {
	if logger == nil {
		logger = logging.L()
	}
	r := gin.New()
	// 中间件必须在路由注册之前设置
	r.Use(gin.Recovery(), RequestID(), AccessLog(logger), CORS())

	r.GET("/", h.Root)
	r.GET("/health", h.Health)
	r.GET("/config", h.GetConfig)
	r.POST("/config", h.UpdateConfig)
	r.GET("/models", h.ListModels)
	r.POST("/enhance", h.Enhance)
	r.POST("/generate", h.Generate)
	r.GET("/status/stream", h.StreamState)

	r.GET("/gallery", h.ListGallery)
	r.POST("/gallery/export", h.ExportGallery)
	r.DELETE("/gallery/:filename", h.DeleteGalleryImage)
	r.GET("/outputs/:filename", h.ServeOutput)
	return r
}
