package model

import "strings"

// QualityPreset 质量预设，决定推理步数与 guidance
type QualityPreset struct {
	Key         string  `json:"key"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Steps       int     `json:"steps"`
	Guidance    float64 `json:"guidance"`
}

// ResolutionPreset 支持的分辨率
type ResolutionPreset struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

const (
	QualityBasic    = "basic"
	QualityStandard = "standard"
	QualityHigh     = "high"

	DefaultWidth  = 1024
	DefaultHeight = 1024

	// MaxSeed is the largest seed a client may pin (unsigned 32-bit).
	MaxSeed int64 = 1<<32 - 1
)

var QualityPresets = []QualityPreset{
	{Key: QualityBasic, Name: "Basic", Description: "Fast generation, good for previews", Steps: 2, Guidance: 3.0},
	{Key: QualityStandard, Name: "Standard", Description: "Balanced quality and speed", Steps: 4, Guidance: 3.5},
	{Key: QualityHigh, Name: "High Quality", Description: "Best quality, slower generation", Steps: 8, Guidance: 4.0},
}

var ResolutionPresets = []ResolutionPreset{
	{Name: "Square (1:1)", Width: 1024, Height: 1024},
	{Name: "Landscape (16:9)", Width: 1344, Height: 768},
	{Name: "Portrait (9:16)", Width: 768, Height: 1344},
	{Name: "Wide (21:9)", Width: 1536, Height: 640},
	{Name: "Classic (4:3)", Width: 1152, Height: 896},
	{Name: "Photo (3:2)", Width: 1216, Height: 832},
}

// LookupQuality resolves a preset key. "mid" is the legacy name of standard and
// an empty key means standard.
func LookupQuality(key string) (QualityPreset, bool) {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" || key == "mid" {
		key = QualityStandard
	}
	for _, p := range QualityPresets {
		if p.Key == key {
			return p, true
		}
	}
	return QualityPreset{}, false
}

// IsSupportedResolution 判断宽高是否属于预设
func IsSupportedResolution(width, height int) bool {
	for _, r := range ResolutionPresets {
		if r.Width == width && r.Height == height {
			return true
		}
	}
	return false
}
