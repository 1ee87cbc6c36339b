package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue replaces secret values in logs.
const RedactedValue = "[REDACTED]"

var redactionAllowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"netuid":    {},
	"listen":    {},
	"endpoint":  {},
	"identity":  {},
	"error":     {},
}

// IsAllowlisted reports whether key may be logged without redaction.
func IsAllowlisted(key string) bool {
	_, ok := redactionAllowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute that hides value unless key is allowlisted.
// Empty values pass through so that "unset" stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// Presence logs whether a secret is configured without revealing it.
func Presence(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" {
		return slog.String(key, "unset")
	}
	return slog.String(key, "set")
}
