package logging

import (
	"regexp"
	"slices"
	"strings"
)

const (
	// MaxBodyLogLength is the maximum length of a remote response body to log
	MaxBodyLogLength = 200
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Pattern to match potential passwords in connection strings
	// Matches: password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Pattern to match JWT tokens (three base64 segments separated by dots)
	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// Pattern to match potential API keys
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}`)

	// Pattern to match connection string credentials (user:pass@host format)
	connStringPattern = regexp.MustCompile(`://[^:]+:[^@]+@[^/\s]+`)

	// Pattern to match secret-bearing JSON members ("internal_service_secret": "...")
	jsonSecretPattern = regexp.MustCompile(`(?i)"(internal_service_secret|x-api-key|api_key|password|secret)"\s*:\s*"[^"]*"`)
)

// sensitiveKeys are map keys whose values are never logged.
var sensitiveKeys = map[string]struct{}{
	"internal_service_secret": {},
	"api_key":                 {},
	"x-api-key":               {},
	"password":                {},
	"secret":                  {},
	"authorization":           {},
}

// SanitizeConnectionString removes sensitive data from connection strings
// Use this before logging any connection string
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)

	return sanitized
}

// SanitizeError sanitizes error messages that might contain sensitive data
// Use this before logging any error from remote calls or database operations
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText applies every redaction pattern to free text such as a remote
// response body.
func SanitizeText(s string) string {
	sanitized := passwordPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	sanitized = jsonSecretPattern.ReplaceAllString(sanitized, `"${1}":"`+RedactedText+`"`)
	return sanitized
}

// RedactMap returns a copy of m with sensitive values replaced, descending
// into nested maps. The input is not modified.
func RedactMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if _, sensitive := sensitiveKeys[strings.ToLower(k)]; sensitive {
			out[k] = RedactedText
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = RedactMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// SortedKeys returns the keys of m, for logging request shapes without values.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
