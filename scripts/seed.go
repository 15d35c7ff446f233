package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"flux-gen-service/internal/config"
	"flux-gen-service/internal/enhancer"
	"flux-gen-service/internal/model"
	"flux-gen-service/internal/settings"
)

// 预置 OpenRouter 凭据：go run ./scripts <key>，不传参数时读取 OPENROUTER_API_KEY
func main() {
	config.InitConfig()
	cfg := config.GlobalConfig

	key := strings.TrimSpace(os.Getenv("OPENROUTER_API_KEY"))
	if len(os.Args) > 1 {
		key = strings.TrimSpace(os.Args[1])
	}
	if key == "" {
		log.Fatal("用法: go run ./scripts <openrouter-api-key>")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0755); err != nil {
		log.Fatalf("创建数据目录失败: %v", err)
	}
	if err := model.InitDB(cfg.Database.Path); err != nil {
		log.Fatalf("初始化数据库失败: %v", err)
	}

	client := enhancer.NewClient(enhancer.ClientOptions{
		BaseURL:    cfg.Enhancer.BaseURL,
		Referer:    cfg.Enhancer.Referer,
		Title:      cfg.Enhancer.Title,
		KeyTimeout: time.Duration(cfg.Enhancer.KeyCheckTimeoutSecond) * time.Second,
	})
	store, err := settings.New(settings.Options{Validator: client, DB: model.DB})
	if err != nil {
		log.Fatalf("初始化配置存储失败: %v", err)
	}

	if err := store.Set(context.Background(), key); err != nil {
		log.Fatalf("保存凭据失败: %s", model.MessageOf(err))
	}
	fmt.Printf("凭据已保存: %s\n", store.Get().Masked())
}
