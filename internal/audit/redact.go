package audit

import (
	"encoding/json"
	"strings"
)

// Field names matched case-insensitively as substrings. "apikey" also
// catches api_key after normalization below.
var sensitiveKeys = []string{
	"password",
	"secret",
	"api_key",
	"apikey",
	"passphrase",
	"token",
	"authorization",
	"private_key",
}

const (
	redactedMarker = "[REDACTED]"
	truncatedMark  = "[TRUNCATED]"
	maxRedactDepth = 8
)

// redactJSON renders a payload to JSON with sensitive fields replaced.
// The payload is round-tripped through generic JSON so nested structs,
// maps, and slices are all walked uniformly.
func redactJSON(payload any) (json.RawMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(redactValue(v, 0))
}

func redactValue(v any, depth int) any {
	if depth > maxRedactDepth {
		return truncatedMark
	}
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if sensitiveKey(k) {
				out[k] = redactedMarker
				continue
			}
			out[k] = redactValue(val, depth+1)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, depth+1)
		}
		return out
	default:
		return v
	}
}

func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
