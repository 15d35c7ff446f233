package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server struct {
		Port int    `mapstructure:"port"`
		Mode string `mapstructure:"mode"`
	} `mapstructure:"server"`
	Database struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`
	Storage struct {
		OutputDir string `mapstructure:"output_dir"`
		DataDir   string `mapstructure:"data_dir"`
		OSS       struct {
			Enabled         bool   `mapstructure:"enabled"`
			Endpoint        string `mapstructure:"endpoint"`
			AccessKeyID     string `mapstructure:"access_key_id"`
			AccessKeySecret string `mapstructure:"access_key_secret"`
			BucketName      string `mapstructure:"bucket_name"`
			Domain          string `mapstructure:"domain"`
			Prefix          string `mapstructure:"prefix"`
		} `mapstructure:"oss"`
	} `mapstructure:"storage"`
	Gallery struct {
		ListLimit int `mapstructure:"list_limit"`
	} `mapstructure:"gallery"`
	Enhancer struct {
		APIKey                string `mapstructure:"api_key"`
		BaseURL               string `mapstructure:"base_url"`
		DefaultModel          string `mapstructure:"default_model"`
		Referer               string `mapstructure:"referer"`
		Title                 string `mapstructure:"title"`
		TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
		ModelsTimeoutSeconds  int    `mapstructure:"models_timeout_seconds"`
		KeyCheckTimeoutSecond int    `mapstructure:"key_check_timeout_seconds"`
		MinPromptLength       int    `mapstructure:"min_prompt_length"`
	} `mapstructure:"enhancer"`
	Prompts struct {
		EnhanceSystem string `mapstructure:"enhance_system"`
	} `mapstructure:"prompts"`
	Backend struct {
		Type           string `mapstructure:"type"`
		TimeoutSeconds int    `mapstructure:"timeout_seconds"`
		MFlux          struct {
			Command  string `mapstructure:"command"`
			Model    string `mapstructure:"model"`
			Quantize int    `mapstructure:"quantize"`
		} `mapstructure:"mflux"`
		ComfyUI struct {
			Host string `mapstructure:"host"`
			Port int    `mapstructure:"port"`
		} `mapstructure:"comfyui"`
		Gemini struct {
			APIKey  string `mapstructure:"api_key"`
			APIBase string `mapstructure:"api_base"`
			Model   string `mapstructure:"model"`
		} `mapstructure:"gemini"`
	} `mapstructure:"backend"`
	Logging struct {
		Development bool   `mapstructure:"development"`
		File        string `mapstructure:"file"`
	} `mapstructure:"logging"`
}

var GlobalConfig Config

// DefaultEnhanceSystemPrompt 提示词优化的系统提示词，可通过 prompts.enhance_system 覆盖
const DefaultEnhanceSystemPrompt = `You rewrite short image descriptions into detailed prompts for the Flux text-to-image model.

Flux works best with:
- concrete subjects and their visual attributes
- lighting, mood and atmosphere
- camera angle or composition where it helps
- an art style or medium when the user implies one

Rules:
1. Reply with the rewritten prompt only. No preamble, no quotes, no markdown, no lists.
2. Keep the user's intent. Do not change the subject.
3. One flowing paragraph, roughly 50 to 150 words, in English.
4. Do not write a negative prompt.`

// SetDefaults 注册所有默认值，测试中也会调用
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.mode", "release")
	v.SetDefault("database.path", "data/flux.db")
	v.SetDefault("storage.output_dir", "outputs")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.oss.prefix", "flux/")
	v.SetDefault("gallery.list_limit", 50)
	v.SetDefault("enhancer.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("enhancer.default_model", "anthropic/claude-3-haiku")
	v.SetDefault("enhancer.referer", "http://localhost:3000")
	v.SetDefault("enhancer.title", "Flux Generator")
	v.SetDefault("enhancer.timeout_seconds", 30)
	v.SetDefault("enhancer.models_timeout_seconds", 15)
	v.SetDefault("enhancer.key_check_timeout_seconds", 10)
	v.SetDefault("enhancer.min_prompt_length", 3)
	v.SetDefault("prompts.enhance_system", DefaultEnhanceSystemPrompt)
	v.SetDefault("backend.type", "mflux")
	v.SetDefault("backend.timeout_seconds", 600)
	v.SetDefault("backend.mflux.command", "mflux-generate")
	v.SetDefault("backend.mflux.model", "schnell")
	v.SetDefault("backend.mflux.quantize", 4)
	v.SetDefault("backend.comfyui.host", "127.0.0.1")
	v.SetDefault("backend.comfyui.port", 8188)
	v.SetDefault("backend.gemini.api_base", "https://generativelanguage.googleapis.com")
	v.SetDefault("backend.gemini.model", "gemini-2.5-flash-image")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.file", "logs/server.log")
}

// Load 读取配置文件与环境变量
func Load(v *viper.Viper) (Config, error) {
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("configs")
	v.AddConfigPath(".")

	SetDefaults(v)

	// 支持环境变量
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	_ = v.BindEnv("enhancer.api_key", "ENHANCER_API_KEY", "OPENROUTER_API_KEY")
	_ = v.BindEnv("backend.type", "BACKEND_TYPE", "FLUX_BACKEND")
	_ = v.BindEnv("backend.mflux.model", "BACKEND_MFLUX_MODEL", "MFLUX_MODEL")
	_ = v.BindEnv("backend.mflux.quantize", "BACKEND_MFLUX_QUANTIZE", "MFLUX_QUANTIZE")
	_ = v.BindEnv("backend.gemini.api_key", "BACKEND_GEMINI_API_KEY", "GEMINI_API_KEY")

	if err := v.ReadInConfig(); err != nil {
		log.Printf("config file not found, using env and defaults: %v", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// InitConfig 加载 .env 后初始化全局配置
func InitConfig() {
	if err := godotenv.Load(); err != nil {
		log.Printf(".env not loaded: %v", err)
	}

	cfg, err := Load(viper.GetViper())
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	GlobalConfig = cfg
}
