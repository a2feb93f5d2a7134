package engine_test

import (
	"context"
	"testing"
	"time"

	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

// Advance moves the injected clock forward.
func (e testEnv) Advance(d time.Duration) {
	*e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	eng := engine.New(conn)
	eng.Now = func() time.Time { return now }
	return testEnv{Engine: eng, Ctx: context.Background(), now: &now}
}

func (e testEnv) createProject(t *testing.T, title string) domain.Project {
	t.Helper()
	p, err := e.Engine.CreateProject(e.Ctx, title, "tester")
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return p
}

func (e testEnv) createTask(t *testing.T, opts engine.TaskCreateOptions) domain.Task {
	t.Helper()
	if opts.ActorID == "" {
		opts.ActorID = "tester"
	}
	task, err := e.Engine.CreateTask(e.Ctx, opts)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func strPtr(s string) *string { return &s }

func TestCompletionTimestampLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Lifecycle")
	task := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "Ship it"})
	if task.CompletedAt != nil || task.CompletedBy != nil {
		t.Fatalf("new task must not carry completion state: %+v", task)
	}

	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Patch: engine.TaskPatch{Status: strPtr("doing")}, ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("to doing: %v", err)
	}
	if task.CompletedAt != nil {
		t.Fatal("doing must not set completed_at")
	}

	env.Advance(2 * time.Hour)
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Patch: engine.TaskPatch{Status: strPtr("done")}, ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("to done: %v", err)
	}
	if task.CompletedAt == nil || *task.CompletedAt != "2024-03-10T14:00:00Z" {
		t.Fatalf("completed_at: %v", task.CompletedAt)
	}
	if task.CompletedBy == nil || *task.CompletedBy != "alice" {
		t.Fatalf("completed_by: %v", task.CompletedBy)
	}

	// Reopening clears completion state entirely.
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Patch: engine.TaskPatch{Status: strPtr("doing")}, ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if task.CompletedAt != nil || task.CompletedBy != nil {
		t.Fatalf("reopen must clear completion state: %+v", task)
	}

	env.Advance(time.Hour)
	task, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Patch: engine.TaskPatch{Status: strPtr("done")}, ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("re-complete: %v", err)
	}
	if task.CompletedAt == nil || *task.CompletedAt != "2024-03-10T15:00:00Z" {
		t.Fatalf("re-completion must stamp fresh time: %v", task.CompletedAt)
	}
	if task.CompletedBy == nil || *task.CompletedBy != "bob" {
		t.Fatalf("completed_by after re-complete: %v", task.CompletedBy)
	}
}

func TestCompletionStateSurvivesUnrelatedUpdates(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Sticky")
	task := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "Keep it", Status: "done", ActorID: "alice"})
	if task.CompletedAt == nil {
		t.Fatal("done at creation must set completed_at")
	}
	stamped := *task.CompletedAt

	env.Advance(3 * time.Hour)
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Patch: engine.TaskPatch{Title: strPtr("Keep it renamed")}, ActorID: "bob",
	})
	if err != nil {
		t.Fatalf("rename: %v", err)
	}
	if task.CompletedAt == nil || *task.CompletedAt != stamped {
		t.Fatalf("completed_at must not move on unrelated edits: %v", task.CompletedAt)
	}
}

func TestArchiveProjectCascade(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "P1")
	t1 := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "T1"})
	t2 := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "T2", Status: "done", ActorID: "alice"})
	completedAt := *t2.CompletedAt

	res, err := env.Engine.ArchiveProject(env.Ctx, p.ID, "alice")
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if res.TasksArchived != 2 {
		t.Fatalf("tasks_archived: %d", res.TasksArchived)
	}
	if res.ArchivedBy != "alice" {
		t.Fatalf("archived_by: %s", res.ArchivedBy)
	}

	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Archived || got.ArchivedAt == nil || got.ArchivedBy == nil {
		t.Fatalf("project archival fields: %+v", got)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		task, err := env.Engine.Repo.GetTask(env.Ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if !task.Archived {
			t.Fatalf("task %s not archived", id)
		}
	}
	// Archival must not disturb completion state.
	task, _ := env.Engine.Repo.GetTask(env.Ctx, t2.ID)
	if task.CompletedAt == nil || *task.CompletedAt != completedAt {
		t.Fatalf("completed_at changed by archive: %v", task.CompletedAt)
	}
}

func TestArchiveUnarchiveRoundTrip(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Round trip")
	env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "A"})
	env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "B"})

	if _, err := env.Engine.ArchiveProject(env.Ctx, p.ID, ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	res, err := env.Engine.UnarchiveProject(env.Ctx, p.ID, "")
	if err != nil {
		t.Fatalf("unarchive: %v", err)
	}
	if res.TasksRestored != 2 {
		t.Fatalf("tasks_restored: %d", res.TasksRestored)
	}
	got, err := env.Engine.Repo.GetProject(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Archived || got.ArchivedAt != nil || got.ArchivedBy != nil {
		t.Fatalf("archival fields must clear on restore: %+v", got)
	}
}

func TestArchiveGuards(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Guarded")

	if _, err := env.Engine.UnarchiveProject(env.Ctx, p.ID, ""); err == nil {
		t.Fatal("unarchiving a live project must fail")
	}
	if _, err := env.Engine.ArchiveProject(env.Ctx, p.ID, ""); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if _, err := env.Engine.ArchiveProject(env.Ctx, p.ID, ""); err == nil {
		t.Fatal("double archive must fail")
	}
}

func TestArchiveTaskOneHop(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Hops")
	parent := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "parent"})
	child := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "child", ParentTaskID: parent.ID})
	grandchild := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "grandchild", ParentTaskID: child.ID})

	count, err := env.Engine.ArchiveTask(env.Ctx, parent.ID, "alice")
	if err != nil {
		t.Fatalf("archive task: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected parent+child archived, got %d", count)
	}
	gc, err := env.Engine.Repo.GetTask(env.Ctx, grandchild.ID)
	if err != nil {
		t.Fatal(err)
	}
	if gc.Archived {
		t.Fatal("grandchild must survive a one-hop cascade")
	}
	if _, err := env.Engine.ArchiveTask(env.Ctx, parent.ID, ""); err == nil {
		t.Fatal("double task archive must fail")
	}
}

func TestAuditTrailCompleteness(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Audited")
	task := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "Track"})

	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID,
		Patch: engine.TaskPatch{
			Status:   strPtr("doing"),
			Assignee: strPtr("carol"),
		},
		ActorID: "alice",
		Reason:  "kickoff",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	entries, err := env.Engine.GetTaskHistory(env.Ctx, task.ID, "", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected exactly one row per changed field, got %d", len(entries))
	}
	byField := map[string]domain.TaskHistoryEntry{}
	for _, e := range entries {
		byField[e.FieldName] = e
	}
	status := byField["status"]
	if status.OldValue != "todo" || status.NewValue != "doing" {
		t.Fatalf("status row: %+v", status)
	}
	assignee := byField["assignee"]
	if assignee.OldValue != "User" || assignee.NewValue != "carol" {
		t.Fatalf("assignee row: %+v", assignee)
	}
	for _, e := range entries {
		if e.ChangedBy != "alice" {
			t.Fatalf("changed_by: %s", e.ChangedBy)
		}
		if e.ChangeReason == nil || *e.ChangeReason != "kickoff" {
			t.Fatalf("change_reason: %v", e.ChangeReason)
		}
	}

	// Writing back the same values records nothing.
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: task.ID, Patch: engine.TaskPatch{Status: strPtr("doing")}, ActorID: "alice",
	})
	if err != nil {
		t.Fatalf("noop update: %v", err)
	}
	entries, _ = env.Engine.GetTaskHistory(env.Ctx, task.ID, "", 0)
	if len(entries) != 2 {
		t.Fatalf("noop update must not append history, got %d rows", len(entries))
	}
}

func TestHistoryOrderingNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Ordered")
	task := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "Steps"})

	for _, status := range []string{"doing", "review", "done"} {
		env.Advance(time.Hour)
		if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
			ID: task.ID, Patch: engine.TaskPatch{Status: strPtr(status)}, ActorID: "alice",
		}); err != nil {
			t.Fatalf("to %s: %v", status, err)
		}
	}

	entries, err := env.Engine.GetTaskHistory(env.Ctx, task.ID, "status", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 status rows, got %d", len(entries))
	}
	if entries[0].NewValue != "done" || entries[2].NewValue != "doing" {
		t.Fatalf("ordering wrong: %+v", entries)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].ChangedAt > entries[i-1].ChangedAt {
			t.Fatalf("changed_at not descending: %s after %s", entries[i].ChangedAt, entries[i-1].ChangedAt)
		}
	}
}

func TestCompletionStatsScenario(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Stats")
	env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "T1"})
	t2 := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "T2"})

	env.Advance(6 * time.Hour)
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: t2.ID, Patch: engine.TaskPatch{Status: strPtr("done")}, ActorID: "alice",
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err := env.Engine.GetCompletionStats(env.Ctx, p.ID, 7, 50)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if res.Stats == nil {
		t.Fatal("expected project stats")
	}
	if res.Stats.TotalTasks != 2 || res.Stats.CompletedTasks != 1 {
		t.Fatalf("counts: %+v", res.Stats)
	}
	if res.Stats.CompletionRate != 50.0 {
		t.Fatalf("completion_rate: %f", res.Stats.CompletionRate)
	}
	if res.Stats.CompletionRate < 0 || res.Stats.CompletionRate > 100 {
		t.Fatalf("completion_rate out of bounds: %f", res.Stats.CompletionRate)
	}
	if res.Stats.AvgCompletionTimeHours == nil {
		t.Fatal("expected avg completion hours")
	}
	if got := *res.Stats.AvgCompletionTimeHours; got < 5.9 || got > 6.1 {
		t.Fatalf("avg completion hours: %f", got)
	}
	if len(res.RecentlyCompleted) != 1 {
		t.Fatalf("recently completed: %d", len(res.RecentlyCompleted))
	}
	if got := res.RecentlyCompleted[0].TimeToCompleteHours; got < 5.9 || got > 6.1 {
		t.Fatalf("time_to_complete: %f", got)
	}
}

func TestCompletionStatsEmptyProject(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Empty")
	res, err := env.Engine.GetCompletionStats(env.Ctx, p.ID, 7, 50)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if res.Stats == nil || res.Stats.TotalTasks != 0 {
		t.Fatalf("expected zero totals: %+v", res.Stats)
	}
	if res.Stats.CompletionRate != 0 {
		t.Fatalf("rate for empty project: %f", res.Stats.CompletionRate)
	}
	if res.Stats.AvgCompletionTimeHours != nil {
		t.Fatalf("avg hours for empty project: %v", res.Stats.AvgCompletionTimeHours)
	}
	if len(res.RecentlyCompleted) != 0 {
		t.Fatalf("recently completed: %d", len(res.RecentlyCompleted))
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.createProject(t, "Validated")

	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID}); err == nil {
		t.Fatal("missing title must fail")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", Status: "blocked"}); err == nil {
		t.Fatal("unknown status must fail")
	}
	hours := 8.0
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{ProjectID: p.ID, Title: "x", EstimatedHours: &hours}); err == nil {
		t.Fatal("estimated_hours above range must fail")
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		ProjectID: p.ID, Title: "x", Metadata: map[string]string{"favorite_color": "blue"},
	}); err == nil {
		t.Fatal("unrecognized metadata key must fail")
	}

	task := env.createTask(t, engine.TaskCreateOptions{ProjectID: p.ID, Title: "defaults"})
	if task.Status != "todo" || task.Assignee != "User" || task.Priority != "medium" {
		t.Fatalf("defaults: %+v", task)
	}
}

func TestParentValidation(t *testing.T) {
	env := newTestEnv(t)
	p1 := env.createProject(t, "One")
	p2 := env.createProject(t, "Two")
	a := env.createTask(t, engine.TaskCreateOptions{ProjectID: p1.ID, Title: "a"})
	b := env.createTask(t, engine.TaskCreateOptions{ProjectID: p1.ID, Title: "b", ParentTaskID: a.ID})
	other := env.createTask(t, engine.TaskCreateOptions{ProjectID: p2.ID, Title: "other"})

	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: a.ID, Patch: engine.TaskPatch{ParentTaskID: &other.ID}, ActorID: "tester",
	}); err == nil {
		t.Fatal("cross-project parent must fail")
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{
		ID: a.ID, Patch: engine.TaskPatch{ParentTaskID: &b.ID}, ActorID: "tester",
	}); err == nil {
		t.Fatal("parent cycle must fail")
	}
}
