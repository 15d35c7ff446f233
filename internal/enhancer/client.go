// Package enhancer talks to the OpenRouter text-completion API: credential
// checks, the model catalog and prompt enhancement.
package enhancer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"flux-gen-service/internal/model"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ClientOptions OpenRouter 客户端配置
type ClientOptions struct {
	BaseURL       string
	Referer       string
	Title         string
	ChatTimeout   time.Duration
	ModelsTimeout time.Duration
	KeyTimeout    time.Duration
	HTTPClient    *http.Client
}

// Client is a stateless OpenRouter client. The API key is supplied per call so
// a credential change takes effect on the very next request.
type Client struct {
	opts ClientOptions
}

func NewClient(opts ClientOptions) *Client {
	opts.BaseURL = NormalizeBaseURL(opts.BaseURL)
	if opts.ChatTimeout <= 0 {
		opts.ChatTimeout = 30 * time.Second
	}
	if opts.ModelsTimeout <= 0 {
		opts.ModelsTimeout = 15 * time.Second
	}
	if opts.KeyTimeout <= 0 {
		opts.KeyTimeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	return &Client{opts: opts}
}

// NormalizeBaseURL trims trailing slashes and a pasted /chat/completions suffix.
func NormalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return "https://openrouter.ai/api/v1"
	}
	base = strings.TrimRight(base, "/")
	if i := strings.Index(base, "/chat/completions"); i >= 0 {
		base = strings.TrimRight(base[:i], "/")
	}
	return base
}

func (c *Client) sdk(key string) openai.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithBaseURL(c.opts.BaseURL),
		option.WithHTTPClient(c.opts.HTTPClient),
		// 重试由用户手动触发
		option.WithMaxRetries(0),
	}
	if c.opts.Referer != "" {
		opts = append(opts, option.WithHeader("HTTP-Referer", c.opts.Referer))
	}
	if c.opts.Title != "" {
		opts = append(opts, option.WithHeader("X-Title", c.opts.Title))
	}
	return openai.NewClient(opts...)
}

// ValidateKey calls GET /auth/key. A 401/403 is a ValidationError; anything
// else that fails means the provider could not be reached.
func (c *Client) ValidateKey(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.KeyTimeout)
	defer cancel()

	client := c.sdk(key)
	var out map[string]interface{}
	if err := client.Get(ctx, "auth/key", nil, &out); err != nil {
		if isAuthError(err) {
			return model.Errorf(model.KindValidation, "invalid credential")
		}
		return model.NewError(model.KindEnhancementFailed, "could not verify credential", errors.New(formatClientError(err)))
	}
	return nil
}

type modelsResponse struct {
	Data []struct {
		ID            string `json:"id"`
		Name          string `json:"name"`
		Description   string `json:"description"`
		ContextLength int    `json:"context_length"`
	} `json:"data"`
}

// ListModels fetches GET /models. Filtering and ordering happen in Catalog.
func (c *Client) ListModels(ctx context.Context, key string) ([]model.ModelInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ModelsTimeout)
	defer cancel()

	client := c.sdk(key)
	var resp modelsResponse
	if err := client.Get(ctx, "models", nil, &resp); err != nil {
		return nil, fmt.Errorf("list models: %s", formatClientError(err))
	}

	models := make([]model.ModelInfo, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID == "" {
			continue
		}
		name := m.Name
		if name == "" {
			name = m.ID
		}
		models = append(models, model.ModelInfo{
			ID:            m.ID,
			Name:          name,
			Description:   m.Description,
			ContextLength: m.ContextLength,
		})
	}
	return models, nil
}

// CompletionRequest 单次对话补全请求
type CompletionRequest struct {
	Model       string
	System      string
	User        string
	MaxTokens   int64
	Temperature float64
}

// Complete performs exactly one chat completion and returns the first choice.
func (c *Client) Complete(ctx context.Context, key string, req CompletionRequest) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.ChatTimeout)
	defer cancel()

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			openai.UserMessage(req.User),
		},
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(req.MaxTokens)
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	client := c.sdk(key)
	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("completion timed out after %s", c.opts.ChatTimeout)
		}
		return "", fmt.Errorf("completion request failed: %s", formatClientError(err))
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("completion returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func isAuthError(err error) bool {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return false
}

func formatClientError(err error) string {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		msg := strings.TrimSpace(apiErr.Message)
		if msg == "" {
			msg = strings.TrimSpace(apiErr.RawJSON())
		}
		if msg != "" {
			return fmt.Sprintf("%d %s", apiErr.StatusCode, msg)
		}
		return fmt.Sprintf("status %d", apiErr.StatusCode)
	}
	return err.Error()
}
