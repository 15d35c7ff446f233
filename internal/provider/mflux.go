package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"flux-gen-service/internal/logging"
	"flux-gen-service/internal/model"

	"go.uber.org/zap"
)

// MFluxOptions mflux 命令行配置
type MFluxOptions struct {
	Command  string
	Model    string // schnell 或 dev
	Quantize int    // 4, 5, 6, 8；0 表示全精度
}

type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// MFluxBackend runs Flux through the mflux-generate CLI (Apple Silicon / MLX).
type MFluxBackend struct {
	opts     MFluxOptions
	run      commandRunner
	lookPath func(string) (string, error)
	logger   *logging.Logger
}

func NewMFluxBackend(opts MFluxOptions, logger *logging.Logger) *MFluxBackend {
	if opts.Command == "" {
		opts.Command = "mflux-generate"
	}
	if opts.Model == "" {
		opts.Model = "schnell"
	}
	return &MFluxBackend{
		opts:     opts,
		run:      execRunner,
		lookPath: exec.LookPath,
		logger:   logger.Named("mflux"),
	}
}

func (b *MFluxBackend) Name() string {
	return "mflux"
}

func (b *MFluxBackend) Model() string {
	return "flux-1-" + b.opts.Model
}

func (b *MFluxBackend) Available(_ context.Context) bool {
	_, err := b.lookPath(b.opts.Command)
	return err == nil
}

func (b *MFluxBackend) Generate(ctx context.Context, params Params) (*Result, error) {
	if params.Width <= 0 || params.Height <= 0 || params.Width%16 != 0 || params.Height%16 != 0 {
		return nil, model.Errorf(model.KindInvalidParameters, "mflux requires width and height to be positive multiples of 16, got %dx%d", params.Width, params.Height)
	}
	if params.Steps <= 0 {
		return nil, model.Errorf(model.KindInvalidParameters, "steps must be positive, got %d", params.Steps)
	}

	bin, err := b.lookPath(b.opts.Command)
	if err != nil {
		return nil, unavailable(b.Name(), err)
	}

	seed := resolveSeed(params.Seed)

	workDir, err := os.MkdirTemp("", "mflux-*")
	if err != nil {
		return nil, failed(b.Name(), fmt.Errorf("create work dir: %w", err))
	}
	// 无论成功失败都清理临时目录，不留下半成品
	defer os.RemoveAll(workDir)
	output := filepath.Join(workDir, "image.png")

	args := []string{
		"--model", b.opts.Model,
		"--prompt", params.Prompt,
		"--width", strconv.Itoa(params.Width),
		"--height", strconv.Itoa(params.Height),
		"--steps", strconv.Itoa(params.Steps),
		"--guidance", strconv.FormatFloat(params.Guidance, 'f', -1, 64),
		"--seed", strconv.FormatInt(seed, 10),
		"--output", output,
	}
	if b.opts.Quantize > 0 {
		args = append(args, "--quantize", strconv.Itoa(b.opts.Quantize))
	}

	b.logger.Info("starting generation",
		zap.String("model", b.Model()),
		zap.Int("width", params.Width),
		zap.Int("height", params.Height),
		zap.Int("steps", params.Steps),
		zap.Int64("seed", seed),
	)

	start := time.Now()
	out, err := b.run(ctx, bin, args...)
	elapsed := time.Since(start)
	if ctx.Err() != nil {
		return nil, timedOut(ctx, b.Name())
	}
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, unavailable(b.Name(), err)
		}
		return nil, failed(b.Name(), fmt.Errorf("%w: %s", err, tail(out, 512)))
	}

	image, err := os.ReadFile(output)
	if err != nil {
		return nil, failed(b.Name(), fmt.Errorf("read output: %w", err))
	}
	if len(image) == 0 || !strings.HasPrefix(http.DetectContentType(image), "image/png") {
		return nil, failed(b.Name(), errors.New("output is not a complete PNG image"))
	}

	return &Result{Image: image, Seed: seed, Elapsed: elapsed}, nil
}

func tail(out []byte, n int) string {
	out = bytes.TrimSpace(out)
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return string(out)
}
