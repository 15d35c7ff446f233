package generation

import (
	"context"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"
	"flux-gen-service/internal/provider"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// State 生成流程所处阶段
type State string

const (
	StateIdle State = "idle"
	// 校验与优化按请求进行，只出现在任务日志里
	StateValidating State = "validating"
	StateEnhancing  State = "enhancing"
	// 以下状态属于持有后端的任务，State() 可见
	StateDispatching State = "dispatching"
	StatePersisting  State = "persisting"
	StateFailed      State = "failed"
)

// Stage 标记失败发生在哪一步，随错误返回给客户端
type Stage string

const (
	StageValidate Stage = "validate"
	StageEnhance  Stage = "enhance"
	StageGenerate Stage = "generate"
)

// StageError wraps a failure with the step that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return string(e.Stage) + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf 返回错误对应的阶段，未标记时为空
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return ""
}

// PromptEnhancer 提示词优化能力
type PromptEnhancer interface {
	Enhance(ctx context.Context, prompt, modelID string) (string, error)
	Configured() bool
	DefaultModel() string
}

// Gallery 生成结果的持久化
type Gallery interface {
	Save(image []byte, sidecar model.Sidecar) (model.GalleryEntry, error)
}

// Options 编排器配置
type Options struct {
	Timeout time.Duration // 单次后端调用的上限
	Logger  *logging.Logger
}

// Result is one successful generation. Warning is set when the image could not
// be written to the gallery; the image bytes are still valid.
type Result struct {
	Image          []byte
	Metadata       model.ImageMetadata
	OriginalPrompt string
	EnhancedPrompt string
	Entry          *model.GalleryEntry
	Warning        error
}

// Orchestrator turns requests into backend jobs. At most one job is dispatched
// at a time; a second caller gets Busy immediately instead of waiting.
type Orchestrator struct {
	backend  provider.Backend
	enhancer PromptEnhancer
	gallery  Gallery
	timeout  time.Duration
	logger   *logging.Logger

	slot chan struct{}

	mu    sync.RWMutex
	state State
}

func NewOrchestrator(backend provider.Backend, enhancer PromptEnhancer, gallery Gallery, opts Options) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 600 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = logging.L()
	}
	return &Orchestrator{
		backend:  backend,
		enhancer: enhancer,
		gallery:  gallery,
		timeout:  opts.Timeout,
		logger:   opts.Logger.Named("orchestrator"),
		slot:     make(chan struct{}, 1),
		state:    StateIdle,
	}
}

// State reports the state of the job holding the backend: dispatching,
// persisting or failed, and idle when no job holds it. Requests still
// validating or enhancing have not taken the backend yet and are not visible
// here.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// Busy 当前是否有任务占用后端
func (o *Orchestrator) Busy() bool {
	return len(o.slot) > 0
}

func (o *Orchestrator) Backend() provider.Backend {
	return o.backend
}

// Resolve 校验请求并把预设解析为具体参数
func (o *Orchestrator) Resolve(req model.GenerationRequest) (model.ResolvedParams, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return model.ResolvedParams{}, model.Errorf(model.KindValidation, "prompt is required")
	}

	preset, ok := model.LookupQuality(req.QualityPreset)
	if !ok {
		return model.ResolvedParams{}, model.Errorf(model.KindValidation, "unknown quality preset: %q", req.QualityPreset)
	}

	width, height := req.Width, req.Height
	if width == 0 && height == 0 {
		width, height = model.DefaultWidth, model.DefaultHeight
	}
	if !model.IsSupportedResolution(width, height) {
		return model.ResolvedParams{}, model.Errorf(model.KindValidation, "unsupported resolution: %dx%d", width, height)
	}

	if req.Seed != nil && (*req.Seed < 0 || *req.Seed > model.MaxSeed) {
		return model.ResolvedParams{}, model.Errorf(model.KindValidation, "seed must be between 0 and %d", model.MaxSeed)
	}

	var seed *int64
	if req.Seed != nil {
		s := *req.Seed
		seed = &s
	}
	return model.ResolvedParams{
		Prompt:        prompt,
		Width:         width,
		Height:        height,
		Steps:         preset.Steps,
		Guidance:      preset.Guidance,
		Seed:          seed,
		QualityPreset: preset.Key,
	}, nil
}

// Enhance 手动优化提示词，不占用后端
func (o *Orchestrator) Enhance(ctx context.Context, prompt, modelID string) (string, error) {
	enhanced, err := o.enhancer.Enhance(ctx, prompt, modelID)
	if err != nil {
		return "", &StageError{Stage: StageEnhance, Err: err}
	}
	return enhanced, nil
}

// Generate runs validate → (enhance) → dispatch → persist for one request.
func (o *Orchestrator) Generate(ctx context.Context, req model.GenerationRequest) (*Result, error) {
	job := o.logger.With(zap.String("job", uuid.NewString()[:8]))

	job.Debug("state", zap.String("state", string(StateValidating)))
	params, err := o.Resolve(req)
	if err != nil {
		return nil, o.fail(job, StageValidate, err)
	}

	// 后端已被占用时直接返回，避免白白调用一次优化
	if o.Busy() {
		return nil, o.fail(job, StageGenerate, model.Errorf(model.KindBusy, "a generation is already in progress"))
	}

	original := params.Prompt
	var enhanced, enhancementModel string
	if req.EnhancePrompt {
		job.Debug("state", zap.String("state", string(StateEnhancing)))
		enhanced, err = o.enhancer.Enhance(ctx, original, req.EnhancementModel)
		if err != nil {
			return nil, o.fail(job, StageEnhance, err)
		}
		enhancementModel = strings.TrimSpace(req.EnhancementModel)
		if enhancementModel == "" {
			enhancementModel = o.enhancer.DefaultModel()
		}
		params.Prompt = enhanced
	}

	select {
	case o.slot <- struct{}{}:
	default:
		return nil, o.fail(job, StageGenerate, model.Errorf(model.KindBusy, "a generation is already in progress"))
	}
	defer o.release()

	o.setState(job, StateDispatching)
	start := time.Now()
	out, err := o.dispatch(ctx, params)
	if err != nil {
		o.setState(job, StateFailed)
		return nil, o.fail(job, StageGenerate, err)
	}

	elapsed := out.Elapsed
	if elapsed <= 0 {
		elapsed = time.Since(start)
	}
	meta := model.ImageMetadata{
		Width:                 params.Width,
		Height:                params.Height,
		Steps:                 params.Steps,
		Guidance:              params.Guidance,
		Seed:                  out.Seed,
		GenerationTimeSeconds: math.Round(elapsed.Seconds()*100) / 100,
		Model:                 o.backend.Model(),
		Backend:               o.backend.Name(),
		Prompt:                params.Prompt,
		QualityPreset:         params.QualityPreset,
	}
	result := &Result{
		Image:          out.Image,
		Metadata:       meta,
		OriginalPrompt: original,
		EnhancedPrompt: enhanced,
	}

	o.setState(job, StatePersisting)
	entry, err := o.gallery.Save(out.Image, model.Sidecar{
		ImageMetadata:    meta,
		OriginalPrompt:   original,
		EnhancedPrompt:   enhanced,
		EnhancementModel: enhancementModel,
	})
	if err != nil {
		job.Warn("gallery write failed", zap.Error(err))
		result.Warning = model.NewError(model.KindPersistenceWarning, "image generated but could not be saved to the gallery", err)
	} else {
		result.Entry = &entry
	}

	job.Info("generation finished",
		zap.String("backend", meta.Backend),
		zap.Int("width", meta.Width),
		zap.Int("height", meta.Height),
		zap.Int("steps", meta.Steps),
		zap.Int64("seed", meta.Seed),
		zap.Float64("seconds", meta.GenerationTimeSeconds),
	)
	return result, nil
}

// dispatch 在独立 goroutine 中调用后端，超时后立即返回，不等待卡住的后端
func (o *Orchestrator) dispatch(ctx context.Context, params model.ResolvedParams) (*provider.Result, error) {
	// 客户端断开不取消已派发的任务，只受超时约束
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	type generateResult struct {
		result *provider.Result
		err    error
	}
	done := make(chan generateResult, 1)
	go func() {
		res, err := o.backend.Generate(ctx, provider.Params{
			Prompt:   params.Prompt,
			Width:    params.Width,
			Height:   params.Height,
			Steps:    params.Steps,
			Guidance: params.Guidance,
			Seed:     params.Seed,
		})
		done <- generateResult{result: res, err: err}
	}()

	var out generateResult
	select {
	case <-ctx.Done():
		return nil, model.Errorf(model.KindGenerationFailed, "generation timed out after %s", o.timeout)
	case out = <-done:
	}

	if out.err != nil {
		if errors.Is(out.err, context.DeadlineExceeded) {
			return nil, model.Errorf(model.KindGenerationFailed, "generation timed out after %s", o.timeout)
		}
		var typed *model.Error
		if !errors.As(out.err, &typed) {
			return nil, model.NewError(model.KindGenerationFailed, "backend error", out.err)
		}
		return nil, out.err
	}
	if out.result == nil || len(out.result.Image) == 0 {
		return nil, model.Errorf(model.KindGenerationFailed, "backend returned no image")
	}
	if params.Seed != nil && out.result.Seed != *params.Seed {
		return nil, model.Errorf(model.KindGenerationFailed, "backend used seed %d instead of requested %d", out.result.Seed, *params.Seed)
	}
	return out.result, nil
}

func (o *Orchestrator) setState(job *logging.Logger, s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
	job.Debug("state", zap.String("state", string(s)))
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	<-o.slot
}

func (o *Orchestrator) fail(job *logging.Logger, stage Stage, err error) error {
	job.Warn("generation failed",
		zap.String("state", string(StateFailed)),
		zap.String("stage", string(stage)),
		zap.String("kind", string(model.KindOf(err))),
		zap.Error(err),
	)
	return &StageError{Stage: stage, Err: err}
}
