package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ParseSince parses the compact relative-date grammar accepted at query
// boundaries: Nd (days), Nh (hours), Nw (weeks), Nm (months, 30 days
// each). A trailing "min" is not a months value. It returns the instant
// that far before now; an empty input means no bound.
func ParseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}

	var unit time.Duration
	switch {
	case strings.HasSuffix(s, "d"):
		unit = 24 * time.Hour
	case strings.HasSuffix(s, "h"):
		unit = time.Hour
	case strings.HasSuffix(s, "w"):
		unit = 7 * 24 * time.Hour
	case strings.HasSuffix(s, "m") && !strings.HasSuffix(s, "min"):
		unit = 30 * 24 * time.Hour
	default:
		return time.Time{}, fmt.Errorf("invalid duration %q: use Nd, Nh, Nw, or Nm", s)
	}

	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid duration %q: use Nd, Nh, Nw, or Nm", s)
	}
	if n <= 0 {
		return time.Time{}, fmt.Errorf("invalid duration %q: count must be positive", s)
	}
	return now.Add(-time.Duration(n) * unit), nil
}
