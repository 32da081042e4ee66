// Package environment provides helpers for loading configuration from environment variables.
//
// Every helper reads one variable and falls back to a default when it is unset,
// empty, or malformed. Malformed values are logged so a typo in a deployment
// manifest does not silently revert to the default.
package environment

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOr returns the value of the named environment variable, or defaultValue
// if the variable is unset or empty.
func StringOr(name, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		return v
	}
	return defaultValue
}

// BoolOr parses the named environment variable as a boolean. Recognized values
// are the same as strconv.ParseBool.
func BoolOr(name string, defaultValue bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("environment: ignoring malformed bool", "var", name, "value", v)
		return defaultValue
	}
	return b
}

// IntOr parses the named environment variable as a decimal integer.
func IntOr(name string, defaultValue int) int {
	v := os.Getenv(name)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("environment: ignoring malformed int", "var", name, "value", v)
		return defaultValue
	}
	return n
}

// DurationOr parses the named environment variable as a time.Duration (e.g.
// "30s", "5m"). A bare integer is read as seconds.
func DurationOr(name string, defaultValue time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("environment: ignoring malformed duration", "var", name, "value", v)
		return defaultValue
	}
	return d
}

// LocationOr loads the IANA time zone named by the environment variable
// (e.g. "Europe/Bucharest"). "Local" and "UTC" are accepted.
func LocationOr(name string, defaultValue *time.Location) *time.Location {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return defaultValue
	}
	loc, err := time.LoadLocation(v)
	if err != nil {
		slog.Warn("environment: unknown time zone", "var", name, "value", v, "err", err)
		return defaultValue
	}
	return loc
}
