package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"flux-gen-service/internal/enhancer"
	"flux-gen-service/internal/generation"
	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"
	"flux-gen-service/internal/provider"
	"flux-gen-service/internal/settings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SettingsStore 凭据读写
type SettingsStore interface {
	Get() settings.Snapshot
	Set(ctx context.Context, credential string) error
}

// ModelCatalog 优化模型列表
type ModelCatalog interface {
	List(ctx context.Context, forceRefresh bool) (enhancer.Snapshot, error)
}

// Generator 生成编排
type Generator interface {
	Generate(ctx context.Context, req model.GenerationRequest) (*generation.Result, error)
	Enhance(ctx context.Context, prompt, modelID string) (string, error)
	Busy() bool
	State() generation.State
	Backend() provider.Backend
}

// GalleryStore 图库读取与删除
type GalleryStore interface {
	List() ([]model.GalleryEntry, error)
	Delete(filename string) error
	Open(filename string) (string, error)
}

// Deps Handler 依赖
type Deps struct {
	Settings     SettingsStore
	Catalog      ModelCatalog
	Generator    Generator
	Gallery      GalleryStore
	DefaultModel string
	// 设置新凭据后刷新模型列表的超时，0 表示不刷新
	RefreshTimeout time.Duration
	Logger         *logging.Logger
}

// Handler serves the HTTP surface of the service.
type Handler struct {
	settings       SettingsStore
	catalog        ModelCatalog
	generator      Generator
	gallery        GalleryStore
	defaultModel   string
	refreshTimeout time.Duration
	logger         *logging.Logger
}

func NewHandler(deps Deps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Handler{
		settings:       deps.Settings,
		catalog:        deps.Catalog,
		generator:      deps.Generator,
		gallery:        deps.Gallery,
		defaultModel:   deps.DefaultModel,
		refreshTimeout: deps.RefreshTimeout,
		logger:         logger.Named("api"),
	}
}

// Root 服务状态
func (h *Handler) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "Flux image generation API is running", "status": "ok"})
}

// Health 后端与优化服务状态
func (h *Handler) Health(c *gin.Context) {
	backend := h.generator.Backend()
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	c.JSON(http.StatusOK, gin.H{
		"backendAvailable":      backend.Available(ctx),
		"backendModelName":      backend.Model(),
		"backend":               backend.Name(),
		"enhancementConfigured": h.settings.Get().Configured(),
		"busy":                  h.generator.Busy(),
		"state":                 h.generator.State(),
	})
}

// GetConfig 返回脱敏后的配置
func (h *Handler) GetConfig(c *gin.Context) {
	snap := h.settings.Get()
	backend := h.generator.Backend()
	c.JSON(http.StatusOK, gin.H{
		"credentialConfigured":    snap.Configured(),
		"credentialMasked":        snap.Masked(),
		"backend":                 backend.Name(),
		"backendModel":            backend.Model(),
		"defaultEnhancementModel": h.defaultModel,
		"qualityPresets":          model.QualityPresets,
		"resolutionPresets":       model.ResolutionPresets,
	})
}

// UpdateConfigRequest 更新凭据请求
type UpdateConfigRequest struct {
	Credential string `json:"credential"`
}

// UpdateConfig 校验并保存新的凭据
func (h *Handler) UpdateConfig(c *gin.Context) {
	var req UpdateConfigRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := h.settings.Set(c.Request.Context(), req.Credential); err != nil {
		Fail(c, err)
		return
	}

	if h.refreshTimeout > 0 && h.catalog != nil {
		// 新凭据可见的模型可能不同，后台刷新一次
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), h.refreshTimeout)
			defer cancel()
			if _, err := h.catalog.List(ctx, true); err != nil {
				h.logger.Warn("model refresh after credential update failed", zap.Error(err))
			}
		}()
	}

	Success(c, gin.H{"credentialMasked": h.settings.Get().Masked()})
}

// ListModels 返回可用的优化模型，拉取失败时返回旧列表并标记 stale
func (h *Handler) ListModels(c *gin.Context) {
	refresh, _ := strconv.ParseBool(strings.TrimSpace(c.DefaultQuery("refresh", "false")))

	snap, err := h.catalog.List(c.Request.Context(), refresh)
	if err != nil {
		if errors.Is(err, model.ErrCatalogUnavailable) && !snap.FetchedAt.IsZero() {
			c.JSON(http.StatusOK, gin.H{
				"models":    snap.Models,
				"fetchedAt": snap.FetchedAt,
				"stale":     true,
				"warning":   logging.RedactSensitiveData(model.MessageOf(err)),
			})
			return
		}
		Fail(c, err)
		return
	}

	models := snap.Models
	if models == nil {
		models = []model.ModelInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"models":    models,
		"fetchedAt": snap.FetchedAt,
		"stale":     false,
	})
}

// EnhanceRequest 手动优化请求
type EnhanceRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model"`
}

// Enhance 手动优化提示词
func (h *Handler) Enhance(c *gin.Context) {
	var req EnhanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	enhanced, err := h.generator.Enhance(c.Request.Context(), req.Prompt, req.Model)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"original": req.Prompt, "enhanced": enhanced})
}

// Generate 生成图片并写入图库
func (h *Handler) Generate(c *gin.Context) {
	var req model.GenerationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.generator.Generate(c.Request.Context(), req)
	if err != nil {
		Fail(c, err)
		return
	}

	body := gin.H{
		"imageBytesBase64": base64.StdEncoding.EncodeToString(res.Image),
		"metadata":         res.Metadata,
	}
	if res.EnhancedPrompt != "" {
		body["enhancedPrompt"] = res.EnhancedPrompt
	}
	if res.Entry != nil {
		body["filename"] = res.Entry.Filename
		body["imageUrl"] = res.Entry.URL
	}
	if res.Warning != nil {
		body["warning"] = logging.RedactSensitiveData(model.MessageOf(res.Warning))
		body["warningKind"] = model.KindOf(res.Warning)
	}
	Success(c, body)
}
