// Package filter selects queued persistence operations.
package filter

import (
	"path/filepath"
	"time"

	"github.com/kinopio-club/kinopio-sync/internal/queue"
	"github.com/kinopio-club/kinopio-sync/internal/timespec"
)

// Criteria are ANDed together. Zero fields match everything.
type Criteria struct {
	Range    timespec.Range
	NameGlob string // e.g. "update*"
	SpaceID  string
	UserID   string
}

// Matches reports whether op passes every criterion.
func (c Criteria) Matches(op queue.Operation) bool {
	if !c.Range.IsZero() && !c.Range.Contains(time.UnixMilli(op.QueuedAt)) {
		return false
	}
	if c.NameGlob != "" {
		matched, err := filepath.Match(c.NameGlob, op.Name)
		if err != nil || !matched {
			return false
		}
	}
	if c.SpaceID != "" && op.SpaceID != c.SpaceID {
		return false
	}
	if c.UserID != "" && op.UserID != c.UserID {
		return false
	}
	return true
}

// HasFilters reports whether any criterion is set.
func (c Criteria) HasFilters() bool {
	return !c.Range.IsZero() || c.NameGlob != "" || c.SpaceID != "" || c.UserID != ""
}

// Apply returns the operations that match, in order.
func (c Criteria) Apply(ops []queue.Operation) []queue.Operation {
	if !c.HasFilters() {
		return ops
	}
	out := make([]queue.Operation, 0, len(ops))
	for _, op := range ops {
		if c.Matches(op) {
			out = append(out, op)
		}
	}
	return out
}

// Validate checks the name glob is well formed.
func (c Criteria) Validate() error {
	if c.NameGlob == "" {
		return nil
	}
	_, err := filepath.Match(c.NameGlob, "")
	return err
}
