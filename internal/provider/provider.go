package provider

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"

	"flux-gen-service/internal/config"
	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"
)

// Params 已完全解析的生成参数
type Params struct {
	Prompt   string
	Width    int
	Height   int
	Steps    int
	Guidance float64
	Seed     *int64 // nil 时由后端选择并回报
}

// Result 图片生成结果
type Result struct {
	Image   []byte        // 完整的图片数据
	Seed    int64         // 实际使用的 seed
	Elapsed time.Duration // 后端耗时
}

// Backend is one local image-generation technology. Generate blocks until the
// image is complete or fails; it never returns partial image bytes.
type Backend interface {
	Name() string
	Model() string
	Available(ctx context.Context) bool
	Generate(ctx context.Context, params Params) (*Result, error)
}

// MaxBackendSeed bounds seeds chosen by backends.
const MaxBackendSeed = 1<<31 - 1

// RandomSeed returns a seed in [0, MaxBackendSeed].
func RandomSeed() int64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return time.Now().UnixNano() % (MaxBackendSeed + 1)
	}
	return int64(binary.LittleEndian.Uint64(buf[:]) % (MaxBackendSeed + 1))
}

func resolveSeed(seed *int64) int64 {
	if seed != nil {
		return *seed
	}
	return RandomSeed()
}

// New 根据配置创建后端
func New(cfg *config.Config, logger *logging.Logger) (Backend, error) {
	if logger == nil {
		logger = logging.L()
	}
	timeout := time.Duration(cfg.Backend.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 600 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend.Type)) {
	case "", "mflux":
		return NewMFluxBackend(MFluxOptions{
			Command:  cfg.Backend.MFlux.Command,
			Model:    cfg.Backend.MFlux.Model,
			Quantize: cfg.Backend.MFlux.Quantize,
		}, logger), nil
	case "comfyui":
		return NewComfyUIBackend(ComfyUIOptions{
			Host: cfg.Backend.ComfyUI.Host,
			Port: cfg.Backend.ComfyUI.Port,
		}, logger), nil
	case "gemini":
		return NewGeminiBackend(context.Background(), GeminiOptions{
			APIKey:  cfg.Backend.Gemini.APIKey,
			APIBase: cfg.Backend.Gemini.APIBase,
			Model:   cfg.Backend.Gemini.Model,
			Timeout: timeout,
		}, logger)
	default:
		return nil, fmt.Errorf("unknown backend type: %s", cfg.Backend.Type)
	}
}

// isConnectionError reports whether err means the backend process is not
// reachable at all.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func unavailable(name string, err error) error {
	return model.NewError(model.KindBackendUnavailable, name+" backend is not reachable", err)
}

func failed(name string, err error) error {
	return model.NewError(model.KindGenerationFailed, name+" generation failed", err)
}

func timedOut(ctx context.Context, name string) error {
	return model.NewError(model.KindGenerationFailed, name+" generation did not finish in time", ctx.Err())
}
