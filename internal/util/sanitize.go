package util

import (
	"html"
	"os"
	"strings"
)

const redacted = "[REDACTED]"

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// NormalizeEmail lowercases and trims an address so rate-limit keys and token
// lookups agree on one spelling.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// MaskEmail keeps the first two characters of the local part and of the
// domain: "jane.doe@example.com" becomes "ja***@ex***".
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return truncate(email, 2) + "***"
	}
	return truncate(email[:at], 2) + "***@" + truncate(email[at+1:], 2) + "***"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var (
	emailKeys  = []string{"email", "requester_email", "mail"}
	secretKeys = []string{"code", "password", "secret", "token", "otp", "api_key", "apikey"}
	freeText   = []string{"content", "message_text", "prompt", "query", "body", "phi", "diagnosis"}
)

// RedactDetails returns a copy of details with PII/PHI removed. Email-like keys
// are masked, secrets and free text are replaced, nested maps are walked.
func RedactDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		key := strings.ToLower(k)
		switch {
		case matchesAny(key, secretKeys):
			out[k] = redacted
		case matchesAny(key, emailKeys):
			if s, ok := v.(string); ok {
				out[k] = MaskEmail(s)
			} else {
				out[k] = redacted
			}
		case matchesAny(key, freeText):
			out[k] = redacted
		default:
			if nested, ok := v.(map[string]any); ok {
				out[k] = RedactDetails(nested)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

func matchesAny(key string, candidates []string) bool {
	for _, c := range candidates {
		if key == c || strings.HasSuffix(key, "_"+c) {
			return true
		}
	}
	return false
}

// GetEnv returns the value of key or defaultValue when unset.
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
