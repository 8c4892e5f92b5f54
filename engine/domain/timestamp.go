package domain

import (
	"strconv"
	"time"
)

// msThreshold separates epoch seconds from epoch milliseconds. Any value
// above it is out of range for a plausible second count (year 2286) and is
// treated as milliseconds.
const msThreshold = int64(1e10)

// TimestampSeconds normalizes a metadata timestamp to epoch seconds. It
// accepts numeric values (seconds or milliseconds), numeric strings, and
// ISO-8601 strings. The second return is false when the value is unusable.
func TimestampSeconds(v any) (int64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case int64:
		return normalizeEpoch(t), true
	case int:
		return normalizeEpoch(int64(t)), true
	case int32:
		return normalizeEpoch(int64(t)), true
	case uint64:
		return normalizeEpoch(int64(t)), true
	case float64:
		return normalizeEpoch(int64(t)), true
	case float32:
		return normalizeEpoch(int64(t)), true
	case time.Time:
		return t.Unix(), true
	case string:
		return parseTimestampString(t)
	default:
		return 0, false
	}
}

func normalizeEpoch(v int64) int64 {
	if v > msThreshold {
		return v / 1000
	}
	return v
}

func parseTimestampString(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return normalizeEpoch(n), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return normalizeEpoch(int64(f)), true
	}
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Unix(), true
		}
	}
	return 0, false
}
