// Package timespec parses the --since and --until bounds accepted by the
// queue commands.
package timespec

import (
	"fmt"
	"time"
)

// Parse resolves spec against the current time. See ParseAt.
func Parse(spec string) (time.Time, error) {
	return ParseAt(spec, time.Now())
}

// ParseAt resolves spec to an instant. A Go duration ("90s", "1h30m") means
// that long before now; anything else must be RFC3339.
func ParseAt(spec string, now time.Time) (time.Time, error) {
	if spec == "" {
		return time.Time{}, fmt.Errorf("empty time specification")
	}
	if t, err := time.Parse(time.RFC3339, spec); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid time specification %q: duration must not be negative", spec)
		}
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid time specification %q (use a duration like '15m' or RFC3339 like '2025-10-29T13:00:00Z')", spec)
}

// Range is a closed time interval. A zero bound is open.
type Range struct {
	Since time.Time
	Until time.Time
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t time.Time) bool {
	if !r.Since.IsZero() && t.Before(r.Since) {
		return false
	}
	if !r.Until.IsZero() && t.After(r.Until) {
		return false
	}
	return true
}

// IsZero reports whether both bounds are open.
func (r Range) IsZero() bool { return r.Since.IsZero() && r.Until.IsZero() }

// ParseRange parses the --since and --until flags. Empty flags leave that
// bound open.
func ParseRange(since, until string, now time.Time) (Range, error) {
	var (
		r   Range
		err error
	)
	if since != "" {
		if r.Since, err = ParseAt(since, now); err != nil {
			return Range{}, fmt.Errorf("invalid --since: %w", err)
		}
	}
	if until != "" {
		if r.Until, err = ParseAt(until, now); err != nil {
			return Range{}, fmt.Errorf("invalid --until: %w", err)
		}
	}
	if !r.Since.IsZero() && !r.Until.IsZero() && !r.Since.Before(r.Until) {
		return Range{}, fmt.Errorf("--since must be before --until")
	}
	return r, nil
}
