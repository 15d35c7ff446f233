package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, "outputs", cfg.Storage.OutputDir)
	assert.Equal(t, 50, cfg.Gallery.ListLimit)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.Enhancer.BaseURL)
	assert.Equal(t, "anthropic/claude-3-haiku", cfg.Enhancer.DefaultModel)
	assert.Equal(t, "mflux", cfg.Backend.Type)
	assert.Equal(t, 4, cfg.Backend.MFlux.Quantize)
	assert.Equal(t, DefaultEnhanceSystemPrompt, cfg.Prompts.EnhanceSystem)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("OPENROUTER_API_KEY", "sk-or-v1-test")
	t.Setenv("FLUX_BACKEND", "comfyui")
	t.Setenv("GALLERY_LIST_LIMIT", "10")

	cfg, err := Load(viper.New())
	require.NoError(t, err)

	assert.Equal(t, "sk-or-v1-test", cfg.Enhancer.APIKey)
	assert.Equal(t, "comfyui", cfg.Backend.Type)
	assert.Equal(t, 10, cfg.Gallery.ListLimit)
}
