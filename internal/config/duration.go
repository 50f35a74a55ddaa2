package config

import (
	"fmt"
	"time"
)

// ParseDuration parses a Go duration string with a default for empty values.
// The field name is only used for error messages.
func ParseDuration(field, s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, s, err)
	}
	return d, nil
}
