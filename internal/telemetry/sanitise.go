package telemetry

import (
	"encoding/json"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"
)

// maxLoggedValueLength bounds caller-supplied strings in logs and span attributes
const maxLoggedValueLength = 100

// Argument keys whose values never leave the process
var secretKeys = map[string]bool{
	"api_key":       true,
	"apikey":        true,
	"token":         true,
	"secret":        true,
	"password":      true,
	"authorization": true,
	"access_token":  true,
}

// SanitiseText makes a caller-supplied string safe for a single log line:
// control characters become spaces and long values are truncated.
func SanitiseText(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return TruncateString(cleaned, maxLoggedValueLength)
}

// SanitiseURL removes credentials and secret query parameters from a URL
func SanitiseURL(rawURL string) string {
	if rawURL == "" {
		return ""
	}

	parsedURL, err := url.Parse(rawURL)
	if err != nil || parsedURL.Scheme == "" {
		return "[INVALID_URL]"
	}

	parsedURL.User = nil
	if parsedURL.RawQuery != "" {
		query := parsedURL.Query()
		for key := range query {
			if isSecretKey(key) {
				query.Set(key, "[REDACTED]")
			}
		}
		parsedURL.RawQuery = query.Encode()
	}

	return parsedURL.String()
}

// SanitiseArguments returns tool arguments as JSON with secrets redacted and strings shortened
func SanitiseArguments(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	sanitised := make(map[string]any, len(args))
	for key, value := range args {
		if isSecretKey(key) {
			sanitised[key] = "[REDACTED]"
			continue
		}
		if str, ok := value.(string); ok {
			sanitised[key] = SanitiseText(str)
			continue
		}
		sanitised[key] = value
	}

	data, err := json.Marshal(sanitised)
	if err != nil {
		return `{"error":"failed to serialise arguments"}`
	}
	return string(data)
}

// TruncateString shortens s to at most maxLen bytes without splitting a rune
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}

	const marker = "...[TRUNCATED]"
	if maxLen <= len(marker) {
		return marker[:maxLen]
	}

	cut := maxLen - len(marker)
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + marker
}

func isSecretKey(key string) bool {
	lower := strings.ToLower(key)
	return secretKeys[lower] || strings.Contains(lower, "token") || strings.Contains(lower, "secret") || strings.Contains(lower, "password")
}
