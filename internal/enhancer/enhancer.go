package enhancer

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"go.uber.org/zap"
)

const (
	enhanceMaxTokens   = 500
	enhanceTemperature = 0.7
)

// Completer is the remote text-completion capability.
type Completer interface {
	Complete(ctx context.Context, key string, req CompletionRequest) (string, error)
}

// EnhancerOptions 提示词优化配置
type EnhancerOptions struct {
	DefaultModel    string
	SystemPrompt    string
	MinPromptLength int
}

// Enhancer rewrites prompts through one remote completion call. It never
// retries.
type Enhancer struct {
	completer Completer
	creds     Credentials
	catalog   *Catalog
	opts      EnhancerOptions
	logger    *logging.Logger
}

func NewEnhancer(completer Completer, creds Credentials, catalog *Catalog, opts EnhancerOptions, logger *logging.Logger) *Enhancer {
	if opts.MinPromptLength <= 0 {
		opts.MinPromptLength = 3
	}
	if logger == nil {
		logger = logging.L()
	}
	return &Enhancer{
		completer: completer,
		creds:     creds,
		catalog:   catalog,
		opts:      opts,
		logger:    logger.Named("enhancer"),
	}
}

// DefaultModel 默认使用的优化模型
func (e *Enhancer) DefaultModel() string {
	return e.opts.DefaultModel
}

// Configured reports whether a credential is available.
func (e *Enhancer) Configured() bool {
	return e.creds.Get().Configured()
}

// Enhance returns a rewritten copy of prompt. modelID may be empty, in which
// case the configured default is used.
func (e *Enhancer) Enhance(ctx context.Context, prompt, modelID string) (string, error) {
	// 先看凭据，未配置时与提示词内容无关
	cfg := e.creds.Get()
	if !cfg.Configured() {
		return "", model.Errorf(model.KindUnconfigured, "enhancement credential not configured")
	}

	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", model.Errorf(model.KindValidation, "prompt must not be empty")
	}
	if utf8.RuneCountInString(trimmed) < e.opts.MinPromptLength {
		return "", model.Errorf(model.KindValidation, "prompt is too short to enhance (minimum %d characters)", e.opts.MinPromptLength)
	}

	modelID = strings.TrimSpace(modelID)
	if modelID == "" {
		modelID = e.opts.DefaultModel
	}
	if e.catalog != nil {
		if snap, ok := e.catalog.Cached(); ok && !snap.Contains(modelID) {
			// provider decides whether the id is valid
			e.logger.Warn("model not in cached catalog, forwarding anyway", zap.String("model", modelID))
		}
	}

	out, err := e.completer.Complete(ctx, cfg.Credential, CompletionRequest{
		Model:       modelID,
		System:      e.opts.SystemPrompt,
		User:        fmt.Sprintf("Transform this into a Flux optimized prompt: %s", trimmed),
		MaxTokens:   enhanceMaxTokens,
		Temperature: enhanceTemperature,
	})
	if err != nil {
		e.logger.Warn("enhancement failed", zap.String("model", modelID), zap.Error(err))
		return "", model.NewError(model.KindEnhancementFailed, "prompt enhancement failed", err)
	}

	enhanced := cleanCompletion(out)
	if enhanced == "" {
		return "", model.Errorf(model.KindEnhancementFailed, "model %s returned an empty prompt", modelID)
	}
	e.logger.Info("prompt enhanced", zap.String("model", modelID), zap.Int("chars", utf8.RuneCountInString(enhanced)))
	return enhanced, nil
}

func cleanCompletion(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	return strings.TrimSpace(s)
}
