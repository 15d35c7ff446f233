package model

import (
	"time"
)

// Setting 对应 settings 表，保存运行时可修改的配置项（如 OpenRouter API Key）
type Setting struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"uniqueIndex;not null" json:"name"`
	Value     string    `json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

const SettingOpenRouterKey = "openrouter_api_key"
