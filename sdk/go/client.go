package tasklinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Project represents the API project model.
type Project struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Archived   bool    `json:"archived"`
	ArchivedAt *string `json:"archived_at,omitempty"`
	ArchivedBy *string `json:"archived_by,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

// Task represents the API task model (partial).
type Task struct {
	ID           string  `json:"id"`
	ProjectID    string  `json:"project_id"`
	ParentTaskID *string `json:"parent_task_id,omitempty"`
	Title        string  `json:"title"`
	Status       string  `json:"status"`
	Assignee     string  `json:"assignee"`
	Priority     string  `json:"priority"`
	Archived     bool    `json:"archived"`
	CompletedAt  *string `json:"completed_at,omitempty"`
	CompletedBy  *string `json:"completed_by,omitempty"`
}

// HistoryEntry is one recorded field change.
type HistoryEntry struct {
	ID           int64   `json:"id"`
	TaskID       string  `json:"task_id"`
	FieldName    string  `json:"field_name"`
	OldValue     string  `json:"old_value"`
	NewValue     string  `json:"new_value"`
	ChangedBy    string  `json:"changed_by"`
	ChangedAt    string  `json:"changed_at"`
	ChangeReason *string `json:"change_reason,omitempty"`
}

// TaskHistory is the audit trail response.
type TaskHistory struct {
	TaskID      string         `json:"task_id"`
	Changes     []HistoryEntry `json:"changes"`
	Count       int            `json:"count"`
	FieldFilter string         `json:"field_filter,omitempty"`
}

// ArchiveResult reports an archive cascade.
type ArchiveResult struct {
	ProjectID     string `json:"project_id"`
	Message       string `json:"message"`
	TasksArchived int    `json:"tasks_archived"`
	ArchivedBy    string `json:"archived_by"`
}

// RestoreResult reports an unarchive.
type RestoreResult struct {
	ProjectID       string `json:"project_id"`
	Message         string `json:"message"`
	TasksUnarchived int    `json:"tasks_unarchived"`
}

// ProjectStats summarizes completion progress.
type ProjectStats struct {
	TotalTasks             int      `json:"total_tasks"`
	CompletedTasks         int      `json:"completed_tasks"`
	InProgressTasks        int      `json:"in_progress_tasks"`
	CompletionRate         float64  `json:"completion_rate"`
	AvgCompletionTimeHours *float64 `json:"avg_completion_time_hours,omitempty"`
}

// CompletedTask is a task plus its time to complete.
type CompletedTask struct {
	Task
	TimeToCompleteHours float64 `json:"time_to_complete"`
}

// CompletionStats is the analytics response.
type CompletionStats struct {
	ProjectID         string          `json:"project_id,omitempty"`
	DaysRange         int             `json:"days_range"`
	Stats             *ProjectStats   `json:"stats,omitempty"`
	RecentlyCompleted []CompletedTask `json:"recently_completed"`
	Count             int             `json:"count"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateProject creates a project.
func (c *Client) CreateProject(ctx context.Context, title string) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodPost, "projects", map[string]any{"title": title}, &resp)
	return resp, err
}

// ListProjects lists projects; archived ones are included on request.
func (c *Client) ListProjects(ctx context.Context, includeArchived bool) ([]Project, error) {
	endpoint := "projects"
	if includeArchived {
		endpoint += "?include_archived=true"
	}
	var resp []Project
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ArchiveProject soft-deletes a project and its tasks.
func (c *Client) ArchiveProject(ctx context.Context, projectID, archivedBy string) (ArchiveResult, error) {
	body := map[string]any{}
	if archivedBy != "" {
		body["archived_by"] = archivedBy
	}
	var resp ArchiveResult
	endpoint := fmt.Sprintf("projects/%s/archive", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// UnarchiveProject restores an archived project and its tasks.
func (c *Client) UnarchiveProject(ctx context.Context, projectID string) (RestoreResult, error) {
	var resp RestoreResult
	endpoint := fmt.Sprintf("projects/%s/unarchive", url.PathEscape(projectID))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// CreateTask creates a task in a project.
func (c *Client) CreateTask(ctx context.Context, projectID, title string) (Task, error) {
	body := map[string]any{
		"project_id": projectID,
		"title":      title,
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks", body, &resp)
	return resp, err
}

// UpdateTask patches task fields. fields uses the API's JSON field names.
func (c *Client) UpdateTask(ctx context.Context, taskID string, fields map[string]any) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("tasks/%s", url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPatch, endpoint, fields, &resp)
	return resp, err
}

// TaskHistory returns the audit trail for a task, optionally filtered by field.
func (c *Client) TaskHistory(ctx context.Context, taskID, fieldName string, limit int) (TaskHistory, error) {
	endpoint := fmt.Sprintf("tasks/%s/history", url.PathEscape(taskID))
	params := url.Values{}
	if fieldName != "" {
		params.Set("field_name", fieldName)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp TaskHistory
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompletionStats returns completion analytics.
func (c *Client) CompletionStats(ctx context.Context, projectID string, days int) (CompletionStats, error) {
	params := url.Values{}
	if projectID != "" {
		params.Set("project_id", projectID)
	}
	if days > 0 {
		params.Set("days", fmt.Sprint(days))
	}
	endpoint := "tasks/completion-stats"
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp CompletionStats
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
