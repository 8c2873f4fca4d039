package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

const day = 24 * time.Hour

// DurationError reports a config field holding an unusable duration.
type DurationError struct {
	Field string
	Value string
	Err   error
}

func (e *DurationError) Error() string {
	return fmt.Sprintf("%s: invalid duration %q: %v", e.Field, e.Value, e.Err)
}

func (e *DurationError) Unwrap() error { return e.Err }

var errNegative = fmt.Errorf("must be >= 0")

// ParseDurationField parses a non-negative duration for the config field at
// path ("monitor.interval"). Empty means 0. On top of time.ParseDuration it
// accepts a leading whole-day count, so "2d" and "1d12h" are valid.
func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := parseWithDays(s)
	if err != nil {
		return 0, &DurationError{Field: path, Value: raw, Err: err}
	}
	if d < 0 {
		return 0, &DurationError{Field: path, Value: raw, Err: errNegative}
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero.
func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	switch d, err := ParseDurationField(path, raw); {
	case err != nil:
		return 0, err
	case d == 0:
		return def, nil
	default:
		return d, nil
	}
}

func parseWithDays(s string) (time.Duration, error) {
	idx := strings.IndexByte(s, 'd')
	if idx < 0 {
		return time.ParseDuration(s)
	}
	n, err := strconv.Atoi(s[:idx])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("bad day count %q", s[:idx])
	}
	days := time.Duration(n) * day
	rest := s[idx+1:]
	if rest == "" {
		return days, nil
	}
	tail, err := time.ParseDuration(rest)
	if err != nil {
		return 0, err
	}
	if tail < 0 {
		return 0, errNegative
	}
	return days + tail, nil
}
