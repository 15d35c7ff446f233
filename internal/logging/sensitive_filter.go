package logging

import (
	"regexp"
	"strings"
)

const RedactedPlaceholder = "[REDACTED]"

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(sk-or-v1-[a-zA-Z0-9]{16,})`), // OpenRouter
	regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,})`),
	regexp.MustCompile(`(AIza[a-zA-Z0-9_-]{35})`),
	regexp.MustCompile(`(?i)(bearer\s+[a-zA-Z0-9._-]{20,})`),
	regexp.MustCompile(`(?i)(api_key\s*[:=]\s*[^\s,;]{8,})`),
}

var sensitiveKeys = []string{"credential", "api_key", "apikey", "secret", "password", "token", "authorization"}

// RedactSensitiveData replaces anything that looks like an API key or bearer
// token with RedactedPlaceholder.
func RedactSensitiveData(value string) string {
	if value == "" {
		return value
	}
	for _, p := range sensitivePatterns {
		value = p.ReplaceAllString(value, RedactedPlaceholder)
	}
	return value
}

// IsSensitiveField reports whether a structured field name carries a secret.
func IsSensitiveField(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
