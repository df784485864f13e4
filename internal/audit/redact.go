package audit

import "strings"

// Redacted replaces the value of any sensitive key before an event reaches a
// sink.
const Redacted = "***REDACTED***"

var sensitiveSubstrings = []string{"password", "secret", "token", "apikey", "api_key"}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, s := range sensitiveSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

// redactMap returns a copy of m with sensitive values replaced. Nested maps
// are scanned one level deep, matching what the sinks promise.
func redactMap(m map[string]interface{}, depth int) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]interface{}); ok && depth > 0 {
			out[k] = redactMap(nested, depth-1)
			continue
		}
		out[k] = v
	}
	return out
}

// redactEvent sanitizes details and metadata. For configuration changes the
// oldValue/newValue pair is also redacted whenever the changed key itself is
// sensitive, since the values are the secret.
func redactEvent(e *Event) {
	e.Details = redactMap(e.Details, 1)
	e.Metadata = redactMap(e.Metadata, 1)

	if e.Type == TypeConfigChange && e.Details != nil {
		if key, ok := e.Details["key"].(string); ok && isSensitiveKey(key) {
			if _, present := e.Details["oldValue"]; present {
				e.Details["oldValue"] = Redacted
			}
			if _, present := e.Details["newValue"]; present {
				e.Details["newValue"] = Redacted
			}
		}
	}
}
