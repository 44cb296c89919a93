package config

import (
	"fmt"
	"strings"
	"time"
)

// Every interval in Config is kept as a plain string ("30s", "1h30m") so a
// hot reload can be validated before it commits. These helpers do the parsing
// at the component boundary; field names the config path of the value so a
// rejection log points the operator at the right line.

// ParseDurationField parses one interval field. An empty value means the
// field is unset and yields zero, letting the component pick its own default.
// Negative intervals are rejected outright.
func ParseDurationField(field, raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(trimmed)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: interval %q must not be negative", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault resolves an optional interval field, substituting
// def when the field is unset or zero.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
