// Package completion derives task completion metadata from status transitions.
package completion

import (
	"time"

	"taskline/internal/domain"
)

// Change is the completion-field mutation a status transition produces.
type Change struct {
	CompletedAt *string
	CompletedBy *string
}

// Track maps a status transition to its completion-field change. It returns
// false when the transition leaves completion state untouched. The clock is
// passed in so callers control time.
func Track(oldStatus, newStatus, actor string, now time.Time) (Change, bool) {
	entered := oldStatus != domain.StatusDone && newStatus == domain.StatusDone
	left := oldStatus == domain.StatusDone && newStatus != domain.StatusDone
	switch {
	case entered:
		ts := now.UTC().Format(time.RFC3339)
		return Change{CompletedAt: &ts, CompletedBy: &actor}, true
	case left:
		return Change{}, true
	default:
		return Change{}, false
	}
}
