package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a Go duration string found at the dotted config
// key. Blank means zero; negative values are rejected.
func ParseDurationField(key, raw string) (time.Duration, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(text)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %q is not a duration (want e.g. 30s, 5m): %w", key, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: %s is negative", key, text)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with fallback used for blank or zero.
func ParseDurationOrDefault(key, raw string, fallback time.Duration) (time.Duration, error) {
	if d, err := ParseDurationField(key, raw); err != nil || d > 0 {
		return d, err
	}
	return fallback, nil
}
