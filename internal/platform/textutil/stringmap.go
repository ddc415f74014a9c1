package textutil

import "strings"

// NormalizeAttributes trims keys and values and drops entries whose key or
// value ends up empty. Message attributes must carry no blank fields, so the
// result is safe to attach to an outgoing message as-is. Returns nil when
// nothing survives.
func NormalizeAttributes(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	result := make(map[string]string, len(values))
	for key, value := range values {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		trimmedValue := strings.TrimSpace(value)
		if trimmedValue == "" {
			continue
		}
		result[trimmedKey] = trimmedValue
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
