package model

import "time"

// GenerationRequest 客户端提交的生成请求
type GenerationRequest struct {
	Prompt           string `json:"prompt"`
	Width            int    `json:"width"`
	Height           int    `json:"height"`
	QualityPreset    string `json:"qualityPreset"`
	Seed             *int64 `json:"seed,omitempty"`
	EnhancePrompt    bool   `json:"enhancePrompt"`
	EnhancementModel string `json:"enhancementModel,omitempty"`
}

// ResolvedParams are the concrete values handed to a backend.
type ResolvedParams struct {
	Prompt        string
	Width         int
	Height        int
	Steps         int
	Guidance      float64
	Seed          *int64
	QualityPreset string
}

// ImageMetadata 实际生成时使用的参数
type ImageMetadata struct {
	Width                 int     `json:"width"`
	Height                int     `json:"height"`
	Steps                 int     `json:"steps"`
	Guidance              float64 `json:"guidance"`
	Seed                  int64   `json:"seed"`
	GenerationTimeSeconds float64 `json:"generationTimeSeconds"`
	Model                 string  `json:"model"`
	Backend               string  `json:"backend"`
	Prompt                string  `json:"prompt"`
	QualityPreset         string  `json:"qualityPreset"`
}

// Sidecar is the JSON record stored next to every gallery image.
type Sidecar struct {
	ImageMetadata
	OriginalPrompt   string    `json:"originalPrompt"`
	EnhancedPrompt   string    `json:"enhancedPrompt,omitempty"`
	EnhancementModel string    `json:"enhancementModel,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
	RemoteURL        string    `json:"remoteUrl,omitempty"`
}

// GalleryEntry 图库条目
type GalleryEntry struct {
	Filename  string    `json:"filename"`
	Path      string    `json:"-"`
	URL       string    `json:"url"`
	CreatedAt time.Time `json:"created"`
	Metadata  Sidecar   `json:"metadata"`
}

// ModelInfo 可用于提示词优化的模型
type ModelInfo struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	ContextLength int    `json:"contextLength,omitempty"`
}
