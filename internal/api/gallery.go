package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ListGallery 图库列表，最新的在前
func (h *Handler) ListGallery(c *gin.Context) {
	entries, err := h.gallery.List()
	if err != nil {
		Fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": entries})
}

// DeleteGalleryImage 同时删除图片与元数据
func (h *Handler) DeleteGalleryImage(c *gin.Context) {
	if err := h.gallery.Delete(c.Param("filename")); err != nil {
		Fail(c, err)
		return
	}
	Success(c, nil)
}

// ServeOutput 返回原始 PNG
func (h *Handler) ServeOutput(c *gin.Context) {
	path, err := h.gallery.Open(c.Param("filename"))
	if err != nil {
		Fail(c, err)
		return
	}
	c.Header("Content-Type", "image/png")
	c.Header("Cache-Control", "public, max-age=86400")
	c.File(path)
}
