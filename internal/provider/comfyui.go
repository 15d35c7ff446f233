package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ComfyUIOptions ComfyUI 服务地址
type ComfyUIOptions struct {
	Host         string
	Port         int
	HTTPClient   *http.Client
	PollInterval time.Duration // websocket 不可用时轮询 /history 的间隔
}

type workflowKind string

const (
	workflowGGUF     workflowKind = "gguf"
	workflowStandard workflowKind = "standard"
	workflowSimple   workflowKind = "simple"
)

// ComfyUIBackend drives a local ComfyUI server running a Flux 2 workflow.
type ComfyUIBackend struct {
	baseURL  string
	wsURL    string
	clientID string
	http     *http.Client
	poll     time.Duration
	logger   *logging.Logger

	nodesMu sync.Mutex
	nodes   map[string]json.RawMessage
}

func NewComfyUIBackend(opts ComfyUIOptions, logger *logging.Logger) *ComfyUIBackend {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = 8188
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	addr := opts.Host + ":" + strconv.Itoa(opts.Port)
	return &ComfyUIBackend{
		baseURL:  "http://" + addr,
		wsURL:    "ws://" + addr + "/ws",
		clientID: uuid.NewString(),
		http:     opts.HTTPClient,
		poll:     opts.PollInterval,
		logger:   logger.Named("comfyui"),
	}
}

func (b *ComfyUIBackend) Name() string {
	return "comfyui"
}

func (b *ComfyUIBackend) Model() string {
	return "flux-2-dev"
}

func (b *ComfyUIBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := b.get(ctx, "/system_stats", nil)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (b *ComfyUIBackend) Generate(ctx context.Context, params Params) (*Result, error) {
	if params.Width <= 0 || params.Height <= 0 || params.Steps <= 0 {
		return nil, model.Errorf(model.KindInvalidParameters, "invalid parameters: %dx%d, %d steps", params.Width, params.Height, params.Steps)
	}
	seed := resolveSeed(params.Seed)
	start := time.Now()

	// 先连 websocket，避免错过执行完成事件
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, b.wsURL+"?clientId="+url.QueryEscape(b.clientID), nil)
	if err != nil {
		if isConnectionError(err) {
			return nil, unavailable(b.Name(), err)
		}
		b.logger.Warn("websocket unavailable, falling back to history polling", zap.Error(err))
		ws = nil
	}
	if ws != nil {
		defer ws.Close()
	}

	promptID, err := b.queueWithFallback(ctx, params, seed)
	if err != nil {
		return nil, err
	}
	b.logger.Info("prompt queued", zap.String("prompt_id", promptID), zap.Int64("seed", seed))

	if ws != nil {
		err = b.waitWebsocket(ctx, ws, promptID)
	} else {
		err = b.waitHistory(ctx, promptID)
	}
	if err != nil {
		return nil, err
	}

	image, err := b.fetchOutput(ctx, promptID)
	if err != nil {
		return nil, err
	}
	return &Result{Image: image, Seed: seed, Elapsed: time.Since(start)}, nil
}

// workflowOrder 按 gguf > standard > simple 排列可用的工作流
func (b *ComfyUIBackend) workflowOrder(ctx context.Context) []workflowKind {
	nodes := b.availableNodes(ctx)
	_, hasGGUF := nodes["UnetLoaderGGUF"]
	_, hasSampling := nodes["ModelSamplingFlux"]

	var order []workflowKind
	if hasGGUF {
		order = append(order, workflowGGUF)
	}
	if hasSampling {
		order = append(order, workflowStandard)
	}
	return append(order, workflowSimple)
}

func (b *ComfyUIBackend) availableNodes(ctx context.Context) map[string]json.RawMessage {
	b.nodesMu.Lock()
	defer b.nodesMu.Unlock()
	if b.nodes != nil {
		return b.nodes
	}

	resp, err := b.get(ctx, "/object_info", nil)
	if err != nil {
		b.logger.Warn("object_info failed", zap.Error(err))
		return map[string]json.RawMessage{}
	}
	defer resp.Body.Close()

	var nodes map[string]json.RawMessage
	if resp.StatusCode != http.StatusOK || json.NewDecoder(resp.Body).Decode(&nodes) != nil {
		return map[string]json.RawMessage{}
	}
	b.nodes = nodes
	return nodes
}

func (b *ComfyUIBackend) queueWithFallback(ctx context.Context, params Params, seed int64) (string, error) {
	var lastErr error
	for _, kind := range b.workflowOrder(ctx) {
		promptID, err := b.queuePrompt(ctx, buildWorkflow(kind, params, seed))
		if err == nil {
			return promptID, nil
		}
		if model.KindOf(err) == model.KindBackendUnavailable || ctx.Err() != nil {
			return "", err
		}
		b.logger.Warn("workflow rejected", zap.String("workflow", string(kind)), zap.Error(err))
		lastErr = err
	}
	return "", lastErr
}

func (b *ComfyUIBackend) queuePrompt(ctx context.Context, workflow map[string]any) (string, error) {
	body, err := json.Marshal(map[string]any{
		"prompt":    workflow,
		"client_id": b.clientID,
	})
	if err != nil {
		return "", failed(b.Name(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", failed(b.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		if isConnectionError(err) {
			return "", unavailable(b.Name(), err)
		}
		return "", failed(b.Name(), err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var out struct {
		PromptID string          `json:"prompt_id"`
		Error    json.RawMessage `json:"error"`
	}
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode == http.StatusBadRequest {
		return "", model.Errorf(model.KindInvalidParameters, "comfyui rejected workflow: %s", tail(raw, 512))
	}
	if resp.StatusCode != http.StatusOK {
		return "", failed(b.Name(), fmt.Errorf("queue prompt: HTTP %d: %s", resp.StatusCode, tail(raw, 512)))
	}
	if len(out.Error) > 0 && string(out.Error) != "null" {
		return "", failed(b.Name(), fmt.Errorf("queue prompt: %s", out.Error))
	}
	if out.PromptID == "" {
		return "", failed(b.Name(), errors.New("queue prompt: missing prompt_id"))
	}
	return out.PromptID, nil
}

type wsMessage struct {
	Type string `json:"type"`
	Data struct {
		Node             *string `json:"node"`
		PromptID         string  `json:"prompt_id"`
		ExceptionMessage string  `json:"exception_message"`
	} `json:"data"`
}

func (b *ComfyUIBackend) waitWebsocket(ctx context.Context, ws *websocket.Conn, promptID string) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			ws.Close()
		case <-stop:
		}
	}()

	for {
		msgType, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return timedOut(ctx, b.Name())
			}
			// 连接中断时改为轮询
			b.logger.Warn("websocket closed before completion", zap.Error(err))
			return b.waitHistory(ctx, promptID)
		}
		if msgType != websocket.TextMessage {
			continue // 预览图等二进制帧
		}

		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Data.PromptID != "" && msg.Data.PromptID != promptID {
			continue
		}
		switch msg.Type {
		case "executing":
			if msg.Data.Node == nil {
				return nil
			}
		case "execution_error":
			return failed(b.Name(), fmt.Errorf("execution error: %s", msg.Data.ExceptionMessage))
		}
	}
}

func (b *ComfyUIBackend) waitHistory(ctx context.Context, promptID string) error {
	ticker := time.NewTicker(b.poll)
	defer ticker.Stop()
	for {
		history, err := b.history(ctx, promptID)
		if err != nil {
			return err
		}
		if history != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return timedOut(ctx, b.Name())
		case <-ticker.C:
		}
	}
}

type historyEntry struct {
	Outputs map[string]struct {
		Images []struct {
			Filename  string `json:"filename"`
			Subfolder string `json:"subfolder"`
			Type      string `json:"type"`
		} `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
	} `json:"status"`
}

func (b *ComfyUIBackend) history(ctx context.Context, promptID string) (*historyEntry, error) {
	resp, err := b.get(ctx, "/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		if ctx.Err() != nil {
			return nil, timedOut(ctx, b.Name())
		}
		return nil, failed(b.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, failed(b.Name(), fmt.Errorf("history: HTTP %d", resp.StatusCode))
	}

	var all map[string]historyEntry
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, failed(b.Name(), fmt.Errorf("decode history: %w", err))
	}
	entry, ok := all[promptID]
	if !ok {
		return nil, nil
	}
	if entry.Status.StatusStr == "error" {
		return nil, failed(b.Name(), errors.New("execution error reported in history"))
	}
	return &entry, nil
}

func (b *ComfyUIBackend) fetchOutput(ctx context.Context, promptID string) ([]byte, error) {
	entry, err := b.history(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, failed(b.Name(), errors.New("no history found for prompt"))
	}

	for _, output := range entry.Outputs {
		if len(output.Images) == 0 {
			continue
		}
		img := output.Images[0]
		query := url.Values{}
		query.Set("filename", img.Filename)
		query.Set("subfolder", img.Subfolder)
		query.Set("type", img.Type)

		resp, err := b.get(ctx, "/view", query)
		if err != nil {
			return nil, failed(b.Name(), err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, failed(b.Name(), fmt.Errorf("view: HTTP %d", resp.StatusCode))
		}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, failed(b.Name(), fmt.Errorf("read image: %w", err))
		}
		if len(data) == 0 {
			return nil, failed(b.Name(), errors.New("empty image"))
		}
		return data, nil
	}
	return nil, failed(b.Name(), errors.New("no image found in output"))
}

func (b *ComfyUIBackend) get(ctx context.Context, path string, query url.Values) (*http.Response, error) {
	target := b.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	return b.http.Do(req)
}

// buildWorkflow 生成 Flux 2 Dev 的 API 格式工作流
func buildWorkflow(kind workflowKind, params Params, seed int64) map[string]any {
	unetNode := "load_unet"
	clipName := "mistral_3_small_flux2_fp8.safetensors"
	wf := map[string]any{}

	if kind == workflowGGUF {
		unetNode = "load_unet_gguf"
		clipName = "mistral_3_small_flux2_bf16.safetensors"
		wf[unetNode] = node("UnetLoaderGGUF", map[string]any{
			"unet_name": "flux2-dev-Q5_K_M.gguf",
		})
	} else {
		wf[unetNode] = node("UNETLoader", map[string]any{
			"unet_name":    "flux2_dev_fp8mixed.safetensors",
			"weight_dtype": "fp8_e4m3fn",
		})
	}

	wf["load_clip"] = node("CLIPLoader", map[string]any{"clip_name": clipName, "type": "flux2"})
	wf["load_vae"] = node("VAELoader", map[string]any{"vae_name": "flux2-vae.safetensors"})
	wf["clip_encode"] = node("CLIPTextEncode", map[string]any{"text": params.Prompt, "clip": link("load_clip")})
	wf["clip_encode_negative"] = node("CLIPTextEncode", map[string]any{"text": "", "clip": link("load_clip")})
	wf["empty_latent"] = node("EmptySD3LatentImage", map[string]any{
		"width":      params.Width,
		"height":     params.Height,
		"batch_size": 1,
	})

	samplerModel := link(unetNode)
	if kind != workflowSimple {
		wf["model_sampling"] = node("ModelSamplingFlux", map[string]any{
			"model":      link(unetNode),
			"max_shift":  1.15,
			"base_shift": 0.5,
			"width":      params.Width,
			"height":     params.Height,
		})
		samplerModel = link("model_sampling")
	}

	wf["sampler"] = node("KSampler", map[string]any{
		"model":        samplerModel,
		"positive":     link("clip_encode"),
		"negative":     link("clip_encode_negative"),
		"latent_image": link("empty_latent"),
		"seed":         seed,
		"steps":        params.Steps,
		"cfg":          params.Guidance,
		"sampler_name": "euler",
		"scheduler":    "simple",
		"denoise":      1.0,
	})
	wf["vae_decode"] = node("VAEDecode", map[string]any{"samples": link("sampler"), "vae": link("load_vae")})
	wf["save_image"] = node("SaveImage", map[string]any{"images": link("vae_decode"), "filename_prefix": "flux_gen"})
	return wf
}

func node(classType string, inputs map[string]any) map[string]any {
	return map[string]any{"class_type": classType, "inputs": inputs}
}

func link(id string) []any {
	return []any{id, 0}
}
