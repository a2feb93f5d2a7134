package completion

import (
	"testing"
	"time"

	"taskline/internal/domain"
)

var fixed = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

func TestTrackEnterDone(t *testing.T) {
	change, ok := Track(domain.StatusDoing, domain.StatusDone, "alice", fixed)
	if !ok {
		t.Fatal("expected a completion change")
	}
	if change.CompletedAt == nil || *change.CompletedAt != "2024-03-10T12:00:00Z" {
		t.Fatalf("unexpected completed_at: %v", change.CompletedAt)
	}
	if change.CompletedBy == nil || *change.CompletedBy != "alice" {
		t.Fatalf("unexpected completed_by: %v", change.CompletedBy)
	}
}

func TestTrackLeaveDone(t *testing.T) {
	change, ok := Track(domain.StatusDone, domain.StatusDoing, "alice", fixed)
	if !ok {
		t.Fatal("expected a completion change")
	}
	if change.CompletedAt != nil || change.CompletedBy != nil {
		t.Fatalf("leaving done must clear completion fields, got %+v", change)
	}
}

func TestTrackUnrelatedTransitions(t *testing.T) {
	cases := [][2]string{
		{domain.StatusTodo, domain.StatusDoing},
		{domain.StatusDoing, domain.StatusReview},
		{domain.StatusDone, domain.StatusDone},
		{domain.StatusTodo, domain.StatusTodo},
	}
	for _, c := range cases {
		if _, ok := Track(c[0], c[1], "alice", fixed); ok {
			t.Fatalf("transition %s -> %s must not touch completion state", c[0], c[1])
		}
	}
}
