// Package audit computes per-field diffs for the task audit trail.
package audit

import (
	"strconv"

	"taskline/internal/domain"
)

// descriptionLengthThreshold suppresses history entries for description edits
// whose length delta is 10 characters or less, so reformatting does not flood
// the trail.
const descriptionLengthThreshold = 10

// EntryDraft is an unstamped history entry. The mutation gateway fills in
// changed_by, changed_at and change_reason before persisting.
type EntryDraft struct {
	FieldName string
	OldValue  string
	NewValue  string
}

// Diff compares the tracked fields of two task snapshots and returns one
// draft per changed field. Archival and completion columns are derived state
// and never tracked.
func Diff(old, new domain.Task) []EntryDraft {
	var drafts []EntryDraft
	add := func(field, oldValue, newValue string) {
		drafts = append(drafts, EntryDraft{FieldName: field, OldValue: oldValue, NewValue: newValue})
	}
	if old.Status != new.Status {
		add("status", old.Status, new.Status)
	}
	if old.Assignee != new.Assignee {
		add("assignee", old.Assignee, new.Assignee)
	}
	if old.Priority != new.Priority {
		add("priority", old.Priority, new.Priority)
	}
	if old.Title != new.Title {
		add("title", old.Title, new.Title)
	}
	if old.Description != new.Description {
		delta := len(new.Description) - len(old.Description)
		if delta < 0 {
			delta = -delta
		}
		if delta > descriptionLengthThreshold {
			add("description", old.Description, new.Description)
		}
	}
	if old.TaskOrder != new.TaskOrder {
		add("task_order", strconv.Itoa(old.TaskOrder), strconv.Itoa(new.TaskOrder))
	}
	if deref(old.Feature) != deref(new.Feature) {
		add("feature", deref(old.Feature), deref(new.Feature))
	}
	if deref(old.ParentTaskID) != deref(new.ParentTaskID) {
		add("parent_task_id", deref(old.ParentTaskID), deref(new.ParentTaskID))
	}
	return drafts
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
