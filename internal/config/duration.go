package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseDuration parses a steroids duration value. Accepted forms:
//   - string with suffix ms, s, m, h, d, or w ("90s", "1.5h", "2d")
//   - bare number (string or numeric type), interpreted as milliseconds
func ParseDuration(raw any) (time.Duration, error) {
	switch val := raw.(type) {
	case time.Duration:
		return val, nil
	case int:
		return time.Duration(val) * time.Millisecond, nil
	case int64:
		return time.Duration(val) * time.Millisecond, nil
	case float64:
		return time.Duration(val * float64(time.Millisecond)), nil
	case string:
		return parseDurationString(val)
	default:
		return 0, fmt.Errorf("cannot parse duration from %T", raw)
	}
}

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	// "ms" must be checked before "m" and "s".
	{"ms", time.Millisecond},
	{"w", 7 * 24 * time.Hour},
	{"d", 24 * time.Hour},
	{"h", time.Hour},
	{"m", time.Minute},
	{"s", time.Second},
}

func parseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	// Bare numbers are milliseconds.
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(n * float64(time.Millisecond)), nil
	}

	for _, u := range durationUnits {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSuffix(s, u.suffix)
			n, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
			if err != nil {
				return 0, fmt.Errorf("invalid duration %q: %w", s, err)
			}
			return time.Duration(n * float64(u.unit)), nil
		}
	}

	return 0, fmt.Errorf("invalid duration %q: unknown unit", s)
}

// ParseRetentionDays parses a retention value: bare numbers are days,
// suffixed strings follow ParseDuration.
func ParseRetentionDays(raw any) (time.Duration, error) {
	switch val := raw.(type) {
	case int:
		return time.Duration(val) * 24 * time.Hour, nil
	case int64:
		return time.Duration(val) * 24 * time.Hour, nil
	case float64:
		return time.Duration(val * float64(24*time.Hour)), nil
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
			return time.Duration(n * float64(24*time.Hour)), nil
		}
		return parseDurationString(val)
	default:
		return 0, fmt.Errorf("cannot parse retention from %T", raw)
	}
}
