package audit

import (
	"strings"
	"testing"

	"taskline/internal/domain"
)

func baseTask() domain.Task {
	return domain.Task{
		ID:          "t-1",
		ProjectID:   "p-1",
		Title:       "Write parser",
		Description: "Parse the incoming feed",
		Status:      domain.StatusTodo,
		Assignee:    "User",
		Priority:    domain.PriorityMedium,
		TaskOrder:   5,
	}
}

func TestDiffNoChanges(t *testing.T) {
	task := baseTask()
	if drafts := Diff(task, task); len(drafts) != 0 {
		t.Fatalf("expected no drafts, got %d", len(drafts))
	}
}

func TestDiffTrackedFields(t *testing.T) {
	old := baseTask()
	updated := old
	updated.Status = domain.StatusDoing
	updated.Assignee = "alice"
	updated.Priority = domain.PriorityHigh
	updated.Title = "Write streaming parser"
	updated.TaskOrder = 1
	feature := "ingestion"
	updated.Feature = &feature
	parent := "t-0"
	updated.ParentTaskID = &parent

	drafts := Diff(old, updated)
	want := map[string][2]string{
		"status":         {"todo", "doing"},
		"assignee":       {"User", "alice"},
		"priority":       {"medium", "high"},
		"title":          {"Write parser", "Write streaming parser"},
		"task_order":     {"5", "1"},
		"feature":        {"", "ingestion"},
		"parent_task_id": {"", "t-0"},
	}
	if len(drafts) != len(want) {
		t.Fatalf("expected %d drafts, got %d: %+v", len(want), len(drafts), drafts)
	}
	for _, d := range drafts {
		values, ok := want[d.FieldName]
		if !ok {
			t.Fatalf("unexpected field %s", d.FieldName)
		}
		if d.OldValue != values[0] || d.NewValue != values[1] {
			t.Fatalf("field %s: got %q -> %q, want %q -> %q", d.FieldName, d.OldValue, d.NewValue, values[0], values[1])
		}
	}
}

func TestDiffDescriptionThreshold(t *testing.T) {
	old := baseTask()

	small := old
	small.Description = old.Description + " now"
	if drafts := Diff(old, small); len(drafts) != 0 {
		t.Fatalf("small description edit should be suppressed, got %+v", drafts)
	}

	big := old
	big.Description = old.Description + strings.Repeat("x", 11)
	drafts := Diff(old, big)
	if len(drafts) != 1 || drafts[0].FieldName != "description" {
		t.Fatalf("expected one description draft, got %+v", drafts)
	}

	shrunk := old
	shrunk.Description = "short"
	if drafts := Diff(old, shrunk); len(drafts) != 1 {
		t.Fatalf("large shrink should be recorded, got %+v", drafts)
	}
}

func TestDiffIgnoresDerivedFields(t *testing.T) {
	old := baseTask()
	updated := old
	now := "2024-01-01T00:00:00Z"
	actor := "alice"
	updated.Archived = true
	updated.ArchivedAt = &now
	updated.ArchivedBy = &actor
	updated.CompletedAt = &now
	updated.CompletedBy = &actor
	updated.UpdatedAt = now
	if drafts := Diff(old, updated); len(drafts) != 0 {
		t.Fatalf("derived fields must not be tracked, got %+v", drafts)
	}
}
