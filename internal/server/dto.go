package server

import (
	"taskline/internal/domain"
	"taskline/internal/registry"
)

// Request payloads

type CreateProjectRequest struct {
	Title   string  `json:"title"`
	ActorID *string `json:"actor_id,omitempty"`
}

type CreateTaskRequest struct {
	ProjectID      string            `json:"project_id"`
	ParentTaskID   *string           `json:"parent_task_id,omitempty"`
	Title          string            `json:"title"`
	Description    *string           `json:"description,omitempty"`
	Status         *string           `json:"status,omitempty" enum:"todo,doing,review,done"`
	Assignee       *string           `json:"assignee,omitempty"`
	Priority       *string           `json:"priority,omitempty" enum:"low,medium,high,critical"`
	TaskOrder      *int              `json:"task_order,omitempty"`
	Feature        *string           `json:"feature,omitempty"`
	EstimatedHours *float64          `json:"estimated_hours,omitempty" minimum:"0.5" maximum:"4.0"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ActorID        *string           `json:"actor_id,omitempty"`
}

// UpdateTaskRequest is the gateway patch. Completion and archival fields are
// deliberately not accepted; they are derived server-side.
type UpdateTaskRequest struct {
	Title          *string           `json:"title,omitempty"`
	Description    *string           `json:"description,omitempty"`
	Status         *string           `json:"status,omitempty" enum:"todo,doing,review,done"`
	Assignee       *string           `json:"assignee,omitempty"`
	Priority       *string           `json:"priority,omitempty" enum:"low,medium,high,critical"`
	TaskOrder      *int              `json:"task_order,omitempty"`
	Feature        *string           `json:"feature,omitempty"`
	ParentTaskID   *string           `json:"parent_task_id,omitempty"`
	EstimatedHours *float64          `json:"estimated_hours,omitempty" minimum:"0.5" maximum:"4.0"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	ActorID        *string           `json:"actor_id,omitempty"`
	ChangeReason   *string           `json:"change_reason,omitempty"`
}

type ArchiveProjectRequest struct {
	ArchivedBy *string `json:"archived_by,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Archived   bool    `json:"archived"`
	ArchivedAt *string `json:"archived_at,omitempty" format:"date-time"`
	ArchivedBy *string `json:"archived_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type ArchiveProjectResponse struct {
	ProjectID     string `json:"project_id"`
	Message       string `json:"message"`
	TasksArchived int    `json:"tasks_archived"`
	ArchivedBy    string `json:"archived_by"`
}

type UnarchiveProjectResponse struct {
	ProjectID       string `json:"project_id"`
	Message         string `json:"message"`
	TasksUnarchived int    `json:"tasks_unarchived"`
}

type ArchiveTaskResponse struct {
	TaskID        string `json:"task_id"`
	Message       string `json:"message"`
	TasksArchived int    `json:"tasks_archived"`
}

type TaskHistoryResponse struct {
	TaskID      string                    `json:"task_id"`
	Changes     []domain.TaskHistoryEntry `json:"changes"`
	Count       int                       `json:"count"`
	FieldFilter string                    `json:"field_filter,omitempty"`
}

type CompletionStatsResponse struct {
	ProjectID         string                 `json:"project_id,omitempty"`
	DaysRange         int                    `json:"days_range"`
	Stats             *domain.ProjectStats   `json:"stats,omitempty"`
	RecentlyCompleted []domain.CompletedTask `json:"recently_completed"`
	Count             int                    `json:"count"`
}

type CrawlTasksResponse struct {
	Items []registry.Job `json:"items"`
	Count int            `json:"count"`
}

// Conversion helpers

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse(p)
}

func mapProjects(in []domain.Project) []ProjectResponse {
	res := make([]ProjectResponse, 0, len(in))
	for _, p := range in {
		res = append(res, projectResponse(p))
	}
	return res
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
