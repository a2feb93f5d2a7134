package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"taskline/internal/audit"
	"taskline/internal/completion"
	"taskline/internal/domain"
	"taskline/internal/events"
	"taskline/internal/repo"
)

// Guard violations for the archival idempotency checks. Re-archiving or
// re-restoring is a rejected operation, never a silent no-op.
var (
	ErrAlreadyArchived = errors.New("already archived")
	ErrNotArchived     = errors.New("not archived")
)

const defaultActor = "system"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
}

func New(db *sql.DB) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) CreateProject(ctx context.Context, title, actorID string) (domain.Project, error) {
	if title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	actorID = orDefault(actorID)
	now := e.now().UTC().Format(time.RFC3339)
	p := domain.Project{
		ID:        uuid.New().String(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProject(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "project.created", p.ID, "project", p.ID, actorID, events.EventPayload{"title": p.Title}); err != nil {
		return domain.Project{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	ProjectID      string
	ParentTaskID   string
	Title          string
	Description    string
	Status         string
	Assignee       string
	Priority       string
	TaskOrder      int
	Feature        string
	EstimatedHours *float64
	Metadata       map[string]string
	ActorID        string
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if opts.ProjectID == "" {
		return domain.Task{}, errors.New("project is required")
	}
	if opts.Title == "" {
		return domain.Task{}, errors.New("title is required")
	}
	if opts.Status == "" {
		opts.Status = domain.StatusTodo
	}
	if !domain.ValidStatus(opts.Status) {
		return domain.Task{}, fmt.Errorf("invalid status %s", opts.Status)
	}
	if opts.Assignee == "" {
		opts.Assignee = "User"
	}
	if opts.Priority == "" {
		opts.Priority = domain.PriorityMedium
	}
	if !domain.ValidPriority(opts.Priority) {
		return domain.Task{}, fmt.Errorf("invalid priority %s", opts.Priority)
	}
	if opts.EstimatedHours != nil && (*opts.EstimatedHours < 0.5 || *opts.EstimatedHours > 4.0) {
		return domain.Task{}, errors.New("estimated_hours must be between 0.5 and 4.0")
	}
	if err := validateMetadata(opts.Metadata); err != nil {
		return domain.Task{}, err
	}
	actorID := orDefault(opts.ActorID)
	if _, err := e.Repo.GetProject(ctx, opts.ProjectID); err != nil {
		return domain.Task{}, err
	}
	if opts.ParentTaskID != "" {
		parent, err := e.Repo.GetTask(ctx, opts.ParentTaskID)
		if err != nil {
			return domain.Task{}, err
		}
		if parent.ProjectID != opts.ProjectID {
			return domain.Task{}, errors.New("parent task in different project")
		}
	}
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:             uuid.New().String(),
		ProjectID:      opts.ProjectID,
		ParentTaskID:   optionalString(opts.ParentTaskID),
		Title:          opts.Title,
		Description:    opts.Description,
		Status:         opts.Status,
		Assignee:       opts.Assignee,
		Priority:       opts.Priority,
		TaskOrder:      opts.TaskOrder,
		Feature:        optionalString(opts.Feature),
		EstimatedHours: opts.EstimatedHours,
		Metadata:       opts.Metadata,
		CreatedAt:      nowStr,
		UpdatedAt:      nowStr,
	}
	// Completion state is derived, even at creation time.
	if change, ok := completion.Track(domain.StatusTodo, t.Status, actorID, now); ok {
		t.CompletedAt = change.CompletedAt
		t.CompletedBy = change.CompletedBy
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.created", t.ProjectID, "task", t.ID, actorID, events.EventPayload{"title": t.Title, "status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// TaskPatch is the partial field set accepted by the mutation gateway.
// Completion and archival fields are absent on purpose: they are derived.
type TaskPatch struct {
	Title          *string
	Description    *string
	Status         *string
	Assignee       *string
	Priority       *string
	TaskOrder      *int
	Feature        *string
	ParentTaskID   *string
	EstimatedHours *float64
	Metadata       map[string]string
}

// TaskUpdateOptions identify the task, patch, and acting user.
type TaskUpdateOptions struct {
	ID      string
	Patch   TaskPatch
	ActorID string
	Reason  string
}

// UpdateTask is the single write path for task fields. It merges the patch,
// derives completion state, records audit entries for every tracked change,
// and commits all of it in one transaction.
func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Patch.Status != nil && !domain.ValidStatus(*opts.Patch.Status) {
		return domain.Task{}, fmt.Errorf("invalid status %s", *opts.Patch.Status)
	}
	if opts.Patch.Priority != nil && !domain.ValidPriority(*opts.Patch.Priority) {
		return domain.Task{}, fmt.Errorf("invalid priority %s", *opts.Patch.Priority)
	}
	if opts.Patch.EstimatedHours != nil && (*opts.Patch.EstimatedHours < 0.5 || *opts.Patch.EstimatedHours > 4.0) {
		return domain.Task{}, errors.New("estimated_hours must be between 0.5 and 4.0")
	}
	if err := validateMetadata(opts.Patch.Metadata); err != nil {
		return domain.Task{}, err
	}
	actorID := orDefault(opts.ActorID)
	now := e.now()
	nowStr := now.UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	current, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	merged, err := e.merge(ctx, current, opts.Patch)
	if err != nil {
		return domain.Task{}, err
	}
	if change, ok := completion.Track(current.Status, merged.Status, actorID, now); ok {
		merged.CompletedAt = change.CompletedAt
		merged.CompletedBy = change.CompletedBy
	}
	drafts := audit.Diff(current, merged)
	history := make([]domain.TaskHistoryEntry, 0, len(drafts))
	changed := make([]string, 0, len(drafts))
	for _, d := range drafts {
		history = append(history, domain.TaskHistoryEntry{
			TaskID:       merged.ID,
			FieldName:    d.FieldName,
			OldValue:     d.OldValue,
			NewValue:     d.NewValue,
			ChangedBy:    actorID,
			ChangedAt:    nowStr,
			ChangeReason: optionalString(opts.Reason),
		})
		changed = append(changed, d.FieldName)
	}
	merged.UpdatedAt = nowStr
	if err := e.Repo.ApplyTaskChange(ctx, tx, repo.TaskChange{Task: merged, History: history}); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", merged.ProjectID, "task", merged.ID, actorID, events.EventPayload{
		"changed_fields": changed,
		"status":         merged.Status,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return merged, nil
}

func (e Engine) merge(ctx context.Context, current domain.Task, patch TaskPatch) (domain.Task, error) {
	merged := current
	if patch.Title != nil {
		merged.Title = *patch.Title
	}
	if patch.Description != nil {
		merged.Description = *patch.Description
	}
	if patch.Status != nil {
		merged.Status = *patch.Status
	}
	if patch.Assignee != nil {
		merged.Assignee = *patch.Assignee
	}
	if patch.Priority != nil {
		merged.Priority = *patch.Priority
	}
	if patch.TaskOrder != nil {
		merged.TaskOrder = *patch.TaskOrder
	}
	if patch.Feature != nil {
		merged.Feature = optionalString(*patch.Feature)
	}
	if patch.EstimatedHours != nil {
		merged.EstimatedHours = patch.EstimatedHours
	}
	if patch.Metadata != nil {
		merged.Metadata = patch.Metadata
	}
	if patch.ParentTaskID != nil {
		if *patch.ParentTaskID == "" {
			merged.ParentTaskID = nil
		} else {
			parent, err := e.Repo.GetTask(ctx, *patch.ParentTaskID)
			if err != nil {
				return merged, fmt.Errorf("parent task: %w", err)
			}
			if parent.ProjectID != current.ProjectID {
				return merged, errors.New("parent task in different project")
			}
			if err := e.ensureNoCycle(ctx, *patch.ParentTaskID, current.ID); err != nil {
				return merged, err
			}
			merged.ParentTaskID = patch.ParentTaskID
		}
	}
	return merged, nil
}

func (e Engine) ensureNoCycle(ctx context.Context, parentID, childID string) error {
	// climb up parent chain to ensure no cycle
	cur := parentID
	for cur != "" {
		if cur == childID {
			return errors.New("task hierarchy cycle detected")
		}
		t, err := e.Repo.GetTask(ctx, cur)
		if err != nil {
			return err
		}
		if t.ParentTaskID == nil {
			return nil
		}
		cur = *t.ParentTaskID
	}
	return nil
}

// ArchiveResult reports how many task rows an archival cascade touched.
type ArchiveResult struct {
	ProjectID     string
	TasksArchived int
	ArchivedBy    string
}

// ArchiveProject soft-deletes a project and cascades to its live tasks:
// first every task owned by the project, then one extra hop for live tasks
// parented under one of those.
func (e Engine) ArchiveProject(ctx context.Context, projectID, actorID string) (ArchiveResult, error) {
	actorID = orDefault(actorID)
	nowStr := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return ArchiveResult{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return ArchiveResult{}, err
	}
	if p.Archived {
		return ArchiveResult{}, fmt.Errorf("project %s: %w", projectID, ErrAlreadyArchived)
	}
	if err := e.Repo.SetProjectArchived(ctx, tx, projectID, true, &nowStr, &actorID, nowStr); err != nil {
		return ArchiveResult{}, err
	}
	direct, err := e.Repo.ArchiveProjectTasks(ctx, tx, projectID, nowStr, actorID)
	if err != nil {
		return ArchiveResult{}, err
	}
	children, err := e.Repo.ArchiveChildTasks(ctx, tx, direct, nowStr, actorID)
	if err != nil {
		return ArchiveResult{}, err
	}
	count := len(direct) + len(children)
	if err := e.Events.Append(ctx, tx, "project.archived", projectID, "project", projectID, actorID, events.EventPayload{
		"tasks_archived": count,
	}); err != nil {
		return ArchiveResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ArchiveResult{}, err
	}
	return ArchiveResult{ProjectID: projectID, TasksArchived: count, ArchivedBy: actorID}, nil
}

// RestoreResult reports how many task rows an unarchive restored.
type RestoreResult struct {
	ProjectID     string
	TasksRestored int
}

// UnarchiveProject restores a project and every archived task it owns. Unlike
// archive there is no hop limit: anything carrying the project id comes back.
func (e Engine) UnarchiveProject(ctx context.Context, projectID, actorID string) (RestoreResult, error) {
	actorID = orDefault(actorID)
	nowStr := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return RestoreResult{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, projectID)
	if err != nil {
		return RestoreResult{}, err
	}
	if !p.Archived {
		return RestoreResult{}, fmt.Errorf("project %s: %w", projectID, ErrNotArchived)
	}
	if err := e.Repo.SetProjectArchived(ctx, tx, projectID, false, nil, nil, nowStr); err != nil {
		return RestoreResult{}, err
	}
	restored, err := e.Repo.UnarchiveProjectTasks(ctx, tx, projectID, nowStr)
	if err != nil {
		return RestoreResult{}, err
	}
	if err := e.Events.Append(ctx, tx, "project.unarchived", projectID, "project", projectID, actorID, events.EventPayload{
		"tasks_restored": restored,
	}); err != nil {
		return RestoreResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return RestoreResult{}, err
	}
	return RestoreResult{ProjectID: projectID, TasksRestored: restored}, nil
}

// ArchiveTask archives a single task independently of its project, cascading
// one hop to its live children.
func (e Engine) ArchiveTask(ctx context.Context, taskID, actorID string) (int, error) {
	actorID = orDefault(actorID)
	nowStr := e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return 0, err
	}
	if t.Archived {
		return 0, fmt.Errorf("task %s: %w", taskID, ErrAlreadyArchived)
	}
	if err := e.Repo.SetTaskArchived(ctx, tx, taskID, true, &nowStr, &actorID, nowStr); err != nil {
		return 0, err
	}
	children, err := e.Repo.ArchiveChildTasks(ctx, tx, []string{taskID}, nowStr, actorID)
	if err != nil {
		return 0, err
	}
	count := 1 + len(children)
	if err := e.Events.Append(ctx, tx, "task.archived", t.ProjectID, "task", taskID, actorID, events.EventPayload{
		"tasks_archived": count,
	}); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// GetTaskHistory returns the audit trail for a task, newest change first.
func (e Engine) GetTaskHistory(ctx context.Context, taskID, fieldName string, limit int) ([]domain.TaskHistoryEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	if _, err := e.Repo.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.Repo.ListTaskHistory(ctx, repo.HistoryFilters{TaskID: taskID, FieldName: fieldName, Limit: limit})
}

// CompletionStats is the completion analytics payload.
type CompletionStats struct {
	Stats             *domain.ProjectStats
	RecentlyCompleted []domain.CompletedTask
}

// GetCompletionStats computes completion analytics. Project-level stats are
// only included when a project id is given; recently-completed tasks cover
// the trailing window of days.
func (e Engine) GetCompletionStats(ctx context.Context, projectID string, days, limit int) (CompletionStats, error) {
	if days <= 0 {
		days = 7
	}
	if limit <= 0 {
		limit = 50
	}
	var result CompletionStats
	if projectID != "" {
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			return result, err
		}
		stats, err := e.Repo.ProjectTaskStats(ctx, projectID)
		if err != nil {
			return result, err
		}
		result.Stats = &stats
	}
	since := e.now().UTC().Add(-time.Duration(days) * 24 * time.Hour).Format(time.RFC3339)
	recent, err := e.Repo.RecentlyCompleted(ctx, projectID, since, limit)
	if err != nil {
		return result, err
	}
	result.RecentlyCompleted = recent
	return result, nil
}

// --- helpers ---

func validateMetadata(m map[string]string) error {
	for k := range m {
		if !domain.RecognizedMetadataKeys[k] {
			return fmt.Errorf("unrecognized metadata key %s", k)
		}
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func orDefault(actorID string) string {
	if actorID == "" {
		return defaultActor
	}
	return actorID
}
