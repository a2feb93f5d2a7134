package domain

// Task statuses. A task carries completion metadata iff it is done.
const (
	StatusTodo   = "todo"
	StatusDoing  = "doing"
	StatusReview = "review"
	StatusDone   = "done"
)

// Task priorities.
const (
	PriorityLow      = "low"
	PriorityMedium   = "medium"
	PriorityHigh     = "high"
	PriorityCritical = "critical"
)

// ValidStatus reports whether s is a known task status.
func ValidStatus(s string) bool {
	switch s {
	case StatusTodo, StatusDoing, StatusReview, StatusDone:
		return true
	}
	return false
}

// ValidPriority reports whether p is a known task priority.
func ValidPriority(p string) bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// RecognizedMetadataKeys is the fixed set of optional task metadata keys.
var RecognizedMetadataKeys = map[string]bool{
	"source_url":  true,
	"doc_ref":     true,
	"external_id": true,
	"complexity":  true,
}

type Project struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Archived   bool    `json:"archived"`
	ArchivedAt *string `json:"archived_at,omitempty" format:"date-time"`
	ArchivedBy *string `json:"archived_by,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID             string            `json:"id"`
	ProjectID      string            `json:"project_id"`
	ParentTaskID   *string           `json:"parent_task_id,omitempty"`
	Title          string            `json:"title"`
	Description    string            `json:"description,omitempty"`
	Status         string            `json:"status" enum:"todo,doing,review,done"`
	Assignee       string            `json:"assignee"`
	Priority       string            `json:"priority" enum:"low,medium,high,critical"`
	TaskOrder      int               `json:"task_order"`
	Feature        *string           `json:"feature,omitempty"`
	EstimatedHours *float64          `json:"estimated_hours,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Archived       bool              `json:"archived"`
	ArchivedAt     *string           `json:"archived_at,omitempty" format:"date-time"`
	ArchivedBy     *string           `json:"archived_by,omitempty"`
	CompletedAt    *string           `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy    *string           `json:"completed_by,omitempty"`
	CreatedAt      string            `json:"created_at" format:"date-time"`
	UpdatedAt      string            `json:"updated_at" format:"date-time"`
}

// TaskHistoryEntry is one immutable field transition in a task's audit trail.
// Rows are only ever inserted; hard-deleting a task cascades to them, archival
// does not touch them.
type TaskHistoryEntry struct {
	ID           int64   `json:"id"`
	TaskID       string  `json:"task_id"`
	FieldName    string  `json:"field_name"`
	OldValue     string  `json:"old_value"`
	NewValue     string  `json:"new_value"`
	ChangedBy    string  `json:"changed_by"`
	ChangedAt    string  `json:"changed_at" format:"date-time"`
	ChangeReason *string `json:"change_reason,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// ProjectStats summarizes completion progress over a project's live tasks.
type ProjectStats struct {
	TotalTasks             int      `json:"total_tasks"`
	CompletedTasks         int      `json:"completed_tasks"`
	InProgressTasks        int      `json:"in_progress_tasks"`
	CompletionRate         float64  `json:"completion_rate"`
	AvgCompletionTimeHours *float64 `json:"avg_completion_time_hours"`
}

// CompletedTask is a recently completed task annotated with how long it took.
type CompletedTask struct {
	Task
	TimeToCompleteHours float64 `json:"time_to_complete"`
}
