package model

import (
	"encoding/json"
	"time"
)

// Epoch values above this threshold are interpreted as milliseconds rather
// than seconds. In seconds it would put the instant past the year 33658.
const millisThreshold = 1_000_000_000_000

// ParseTimestamp normalizes the timestamp encodings seen across sources:
// RFC3339 strings, epoch seconds, and epoch milliseconds. It returns the
// zero time and false when the value is absent or unparseable; callers
// substitute the ingestion wall clock and must never abort on it.
func ParseTimestamp(v any) (time.Time, bool) {
	switch t := v.(type) {
	case string:
		return parseTimestampString(t)
	case float64:
		return FromEpoch(int64(t)), true
	case int64:
		return FromEpoch(t), true
	case int:
		return FromEpoch(int64(t)), true
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return FromEpoch(n), true
		}
		if f, err := t.Float64(); err == nil {
			return FromEpoch(int64(f)), true
		}
		return time.Time{}, false
	case nil:
		return time.Time{}, false
	default:
		return time.Time{}, false
	}
}

func parseTimestampString(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return ts.UTC(), true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), true
	}
	return time.Time{}, false
}

// FromEpoch converts an epoch value to UTC, treating magnitudes beyond
// millisThreshold as milliseconds.
func FromEpoch(v int64) time.Time {
	if v > millisThreshold || v < -millisThreshold {
		v /= 1000
	}
	return time.Unix(v, 0).UTC()
}

// FromEpochMillis converts an epoch-milliseconds value to UTC.
func FromEpochMillis(ms int64) time.Time {
	return time.Unix(ms/1000, 0).UTC()
}
