package types

import "strings"

const (
	maxDebugStringLen = 500
	redactedValue     = "[REDACTED]"
	truncatedSuffix   = "...[truncated]"
)

var sensitiveDebugKeys = []string{"api_key", "token", "authorization", "password", "secret"}

// SanitizeDebug returns a copy of a debug payload with secrets redacted and
// long strings truncated. Nested maps and slices are walked.
func SanitizeDebug(debug map[string]any) map[string]any {
	if len(debug) == 0 {
		return nil
	}
	out, _ := sanitizeValue(debug).(map[string]any)
	return out
}

func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			if isSensitiveKey(k) {
				out[k] = redactedValue
				continue
			}
			out[k] = sanitizeValue(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = sanitizeValue(item)
		}
		return out
	case string:
		if len(val) > maxDebugStringLen {
			return val[:maxDebugStringLen] + truncatedSuffix
		}
		return val
	default:
		return v
	}
}

func isSensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveDebugKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
