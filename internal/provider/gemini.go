package provider

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strings"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

// GeminiOptions Gemini 图像模型配置
type GeminiOptions struct {
	APIKey  string
	APIBase string
	Model   string
	Timeout time.Duration
}

// generateContentFunc 与 client.Models.GenerateContent 签名一致，便于测试替换
type generateContentFunc func(ctx context.Context, modelID string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

type GeminiBackend struct {
	opts     GeminiOptions
	generate generateContentFunc
	logger   *logging.Logger
}

// geminiAspectRatios Gemini 图像模型支持的比例
var geminiAspectRatios = []string{"1:1", "2:3", "3:2", "3:4", "4:3", "4:5", "5:4", "9:16", "16:9", "21:9"}

func NewGeminiBackend(ctx context.Context, opts GeminiOptions, logger *logging.Logger) (*GeminiBackend, error) {
	if opts.Model == "" {
		opts.Model = "gemini-2.5-flash-image"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 600 * time.Second
	}
	logger = logger.Named("gemini")
	b := &GeminiBackend{opts: opts, logger: logger}

	if opts.APIKey == "" {
		logger.Warn("no API key configured, backend disabled")
		return b, nil
	}

	// 每次请求使用新的 TCP 连接，避免部分中转服务复用连接出错
	httpClient := &http.Client{
		Timeout: opts.Timeout,
		Transport: &http.Transport{
			DisableKeepAlives: true,
			ForceAttemptHTTP2: false,
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
		},
	}

	clientConfig := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httpClient,
	}
	if opts.APIBase != "" && opts.APIBase != "https://generativelanguage.googleapis.com" {
		clientConfig.HTTPOptions = genai.HTTPOptions{
			BaseURL: strings.TrimRight(opts.APIBase, "/"),
		}
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Gemini 客户端失败: %w", err)
	}
	b.generate = client.Models.GenerateContent
	logger.Info("backend initialised", zap.String("model", opts.Model))
	return b, nil
}

func (b *GeminiBackend) Name() string {
	return "gemini"
}

func (b *GeminiBackend) Model() string {
	return b.opts.Model
}

func (b *GeminiBackend) Available(_ context.Context) bool {
	return b.generate != nil
}

func (b *GeminiBackend) Generate(ctx context.Context, params Params) (*Result, error) {
	if b.generate == nil {
		return nil, model.NewError(model.KindBackendUnavailable, "gemini backend has no API key", nil)
	}
	if params.Width <= 0 || params.Height <= 0 {
		return nil, model.Errorf(model.KindInvalidParameters, "invalid size %dx%d", params.Width, params.Height)
	}
	seed := resolveSeed(params.Seed)
	if seed > math.MaxInt32 {
		return nil, model.Errorf(model.KindInvalidParameters, "gemini seeds must not exceed %d", math.MaxInt32)
	}

	genConfig := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
		ImageConfig: &genai.ImageConfig{
			AspectRatio: nearestAspectRatio(params.Width, params.Height),
		},
		Seed: genai.Ptr(int32(seed)),
		SafetySettings: []*genai.SafetySetting{
			{Category: genai.HarmCategoryHateSpeech, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryDangerousContent, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategoryHarassment, Threshold: genai.HarmBlockThresholdBlockNone},
			{Category: genai.HarmCategorySexuallyExplicit, Threshold: genai.HarmBlockThresholdBlockNone},
		},
	}
	content := &genai.Content{
		Role:  "user",
		Parts: []*genai.Part{{Text: params.Prompt}},
	}

	b.logger.Info("calling GenerateContent",
		zap.String("model", b.opts.Model),
		zap.String("aspect_ratio", genConfig.ImageConfig.AspectRatio),
		zap.Int64("seed", seed),
	)

	start := time.Now()
	resp, err := b.generate(ctx, b.opts.Model, []*genai.Content{content}, genConfig)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timedOut(ctx, b.Name())
		}
		if isConnectionError(err) {
			return nil, unavailable(b.Name(), err)
		}
		if strings.Contains(err.Error(), "INVALID_ARGUMENT") {
			return nil, model.NewError(model.KindInvalidParameters, "gemini rejected the request", err)
		}
		return nil, failed(b.Name(), err)
	}

	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, failed(b.Name(), errors.New("API 未返回有效内容 (可能触发了安全过滤或配额限制)"))
	}
	candidate := resp.Candidates[0]
	for _, part := range candidate.Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return &Result{Image: part.InlineData.Data, Seed: seed, Elapsed: time.Since(start)}, nil
		}
	}

	var reason strings.Builder
	reason.WriteString(fmt.Sprintf("未在响应中找到图片数据 (FinishReason: %s)", candidate.FinishReason))
	for _, part := range candidate.Content.Parts {
		if part.Text != "" {
			reason.WriteString(" | 文本响应: " + part.Text)
		}
	}
	return nil, failed(b.Name(), errors.New(reason.String()))
}

// nearestAspectRatio 选出与 width/height 最接近的受支持比例
func nearestAspectRatio(width, height int) string {
	target := float64(width) / float64(height)
	best := geminiAspectRatios[0]
	bestDiff := math.Inf(1)
	for _, ar := range geminiAspectRatios {
		var w, h float64
		if _, err := fmt.Sscanf(ar, "%g:%g", &w, &h); err != nil || h == 0 {
			continue
		}
		if diff := math.Abs(math.Log(target) - math.Log(w/h)); diff < bestDiff {
			best, bestDiff = ar, diff
		}
	}
	return best
}
