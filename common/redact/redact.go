// Package redact strips API keys and other credentials from text before it is
// logged, written to the audit table, or returned to an API caller.
//
// Agent containers receive provider API keys through their configuration
// artifact and environment. Runtime errors from the container engine can echo
// those values back (for example a failed create echoes the environment), so
// every error that crosses the fleet boundary goes through String first.
package redact

import (
	"strings"
)

const placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED]. Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret. Non-string values are
// left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// Env redacts the value half of KEY=VALUE entries whose key looks sensitive.
// It is used when container environments are logged.
func Env(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if ok && v != "" && isSensitiveKey(k) {
			out[i] = k + "=" + placeholder
			continue
		}
		out[i] = kv
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	if lower == "api_key_name" || lower == "api_key_mode" {
		return false
	}
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
