// Package obfuscate centralizes redaction helpers used when credentials reach logs,
// audit records or error messages.
package obfuscate

import (
	"strings"
)

// ObfuscateTokenGeneric obfuscates arbitrary token-like strings for display/logging.
// - length <= 4  → all asterisks of same length
// - 5..12        → keep first 2 characters, replace the rest with asterisks
// - > 12         → keep first 8 characters, then "...", then last 4 characters
func ObfuscateTokenGeneric(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// APIKey shows the pk_{env}_ prefix plus the first and last four characters of the
// key body. Keys are not secret but full values stay out of logs.
func APIKey(key string) string {
	prefix, rest, ok := splitCredential(key, "pk_")
	if !ok {
		return ObfuscateTokenGeneric(key)
	}
	if len(rest) <= 8 {
		return prefix + strings.Repeat("*", len(rest))
	}
	return prefix + rest[:4] + strings.Repeat("*", len(rest)-8) + rest[len(rest)-4:]
}

// Secret never reveals any character of the secret body.
func Secret(secret string) string {
	prefix, _, ok := splitCredential(secret, "sk_")
	if !ok {
		return "[REDACTED]"
	}
	return prefix + "[REDACTED]"
}

// splitCredential splits "<kind><env>_<body>" into "<kind><env>_" and body.
func splitCredential(s, kind string) (string, string, bool) {
	if !strings.HasPrefix(s, kind) {
		return "", "", false
	}
	idx := strings.Index(s[len(kind):], "_")
	if idx < 0 {
		return "", "", false
	}
	cut := len(kind) + idx + 1
	return s[:cut], s[cut:], true
}
