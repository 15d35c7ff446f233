package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"flux-gen-service/internal/api"
	"flux-gen-service/internal/config"
	"flux-gen-service/internal/enhancer"
	"flux-gen-service/internal/generation"
	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"
	"flux-gen-service/internal/provider"
	"flux-gen-service/internal/settings"
	"flux-gen-service/internal/storage"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func main() {
	// 1. 初始化配置
	config.InitConfig()
	cfg := &config.GlobalConfig

	// 2. 初始化日志
	logger := logging.NewLogger(logging.Options{
		Development: cfg.Logging.Development,
		FilePath:    cfg.Logging.File,
	})
	logging.SetGlobal(logger)
	defer logger.Sync()

	if cfg.Server.Mode != "" {
		gin.SetMode(cfg.Server.Mode)
	}

	// 3. 初始化数据库
	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		logger.Fatal("创建数据目录失败", zap.Error(err))
	}
	if err := model.InitDB(cfg.Database.Path); err != nil {
		logger.Fatal("初始化数据库失败", zap.Error(err))
	}

	// 4. OpenRouter 客户端与凭据
	client := enhancer.NewClient(enhancer.ClientOptions{
		BaseURL:       cfg.Enhancer.BaseURL,
		Referer:       cfg.Enhancer.Referer,
		Title:         cfg.Enhancer.Title,
		ChatTimeout:   seconds(cfg.Enhancer.TimeoutSeconds),
		ModelsTimeout: seconds(cfg.Enhancer.ModelsTimeoutSeconds),
		KeyTimeout:    seconds(cfg.Enhancer.KeyCheckTimeoutSecond),
	})

	// 5. 生成后端
	backend, err := provider.New(cfg, logger)
	if err != nil {
		logger.Fatal("初始化生成后端失败", zap.Error(err))
	}

	store, err := settings.New(settings.Options{
		InitialCredential: cfg.Enhancer.APIKey,
		BackendName:       backend.Name(),
		BackendModel:      backend.Model(),
		Validator:         client,
		DB:                model.DB,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("初始化配置存储失败", zap.Error(err))
	}

	catalog := enhancer.NewCatalog(client, store, filepath.Join(cfg.Storage.DataDir, "models_cache.json"), logger)
	enh := enhancer.NewEnhancer(client, store, catalog, enhancer.EnhancerOptions{
		DefaultModel:    cfg.Enhancer.DefaultModel,
		SystemPrompt:    cfg.Prompts.EnhanceSystem,
		MinPromptLength: cfg.Enhancer.MinPromptLength,
	}, logger)

	// 6. 初始化图库存储
	var mirror storage.Mirror
	if cfg.Storage.OSS.Enabled {
		oss, err := storage.NewOSSMirror(storage.OSSOptions{
			Endpoint:        cfg.Storage.OSS.Endpoint,
			AccessKeyID:     cfg.Storage.OSS.AccessKeyID,
			AccessKeySecret: cfg.Storage.OSS.AccessKeySecret,
			BucketName:      cfg.Storage.OSS.BucketName,
			Domain:          cfg.Storage.OSS.Domain,
			Prefix:          cfg.Storage.OSS.Prefix,
		})
		if err != nil {
			logger.Warn("OSS 镜像不可用，仅保存到本地", zap.Error(err))
		} else {
			mirror = oss
		}
	}
	gallery, err := storage.NewGallery(storage.GalleryOptions{
		Dir:       cfg.Storage.OutputDir,
		URLPrefix: "/outputs/",
		Limit:     cfg.Gallery.ListLimit,
		Mirror:    mirror,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("初始化图库失败", zap.Error(err))
	}

	orch := generation.NewOrchestrator(backend, enh, gallery, generation.Options{
		Timeout: seconds(cfg.Backend.TimeoutSeconds),
		Logger:  logger,
	})

	// 7. 设置路由
	h := api.NewHandler(api.Deps{
		Settings:       store,
		Catalog:        catalog,
		Generator:      orch,
		Gallery:        gallery,
		DefaultModel:   cfg.Enhancer.DefaultModel,
		RefreshTimeout: seconds(cfg.Enhancer.ModelsTimeoutSeconds),
		Logger:         logger,
	})
	r := api.NewRouter(h, logger)

	// 8. 优雅启动与关闭
	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: r,
	}

	go func() {
		logger.Info("服务启动",
			zap.String("addr", srv.Addr),
			zap.String("backend", backend.Name()),
			zap.String("model", backend.Model()),
			zap.Bool("enhancement_configured", store.Configured()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("启动服务失败", zap.Error(err))
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("正在关闭服务...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭", zap.Error(err))
	}

	logger.Info("服务已安全退出")
}
