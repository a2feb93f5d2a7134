package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/registry"
	"taskline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Registry *registry.CrawlRegistry
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_archived"`
	Message string         `json:"message" example:"project p-1: already archived"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Taskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := api
	if basePath != "" {
		group = huma.NewGroup(api, basePath)
	}

	registerHealth(group)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerStats(group, cfg.Engine)
	registerCrawlTasks(group, cfg.Registry)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps domain errors onto the envelope. Idempotency-guard
// violations are 409s, not 200-with-failure payloads.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyArchived):
		return newAPIError(http.StatusConflict, "already_archived", err.Error(), nil)
	case errors.Is(err, engine.ErrNotArchived):
		return newAPIError(http.StatusConflict, "not_archived", err.Error(), nil)
	case errors.Is(err, registry.ErrNotRegistered):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must be") || strings.Contains(lowered, "unrecognized") ||
		strings.Contains(lowered, "cycle") || strings.Contains(lowered, "different project") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		p, err := e.CreateProject(ctx, input.Body.Title, deref(input.Body.ActorID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, input *struct {
		IncludeArchived bool `query:"include_archived"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx, input.IncludeArchived)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/archive",
		Summary:     "Archive project and cascade to its tasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string                 `path:"project_id"`
		Body      *ArchiveProjectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ArchiveProjectResponse `json:"body"`
	}, error) {
		var archivedBy string
		if input.Body != nil {
			archivedBy = deref(input.Body.ArchivedBy)
		}
		result, err := e.ArchiveProject(ctx, input.ProjectID, archivedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchiveProjectResponse `json:"body"`
		}{Body: ArchiveProjectResponse{
			ProjectID:     result.ProjectID,
			Message:       "project archived",
			TasksArchived: result.TasksArchived,
			ArchivedBy:    result.ArchivedBy,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unarchive-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/unarchive",
		Summary:     "Restore an archived project and its tasks",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body UnarchiveProjectResponse `json:"body"`
	}, error) {
		result, err := e.UnarchiveProject(ctx, input.ProjectID, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnarchiveProjectResponse `json:"body"`
		}{Body: UnarchiveProjectResponse{
			ProjectID:       result.ProjectID,
			Message:         "project unarchived",
			TasksUnarchived: result.TasksRestored,
		}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		opts := engine.TaskCreateOptions{
			ProjectID:      input.Body.ProjectID,
			ParentTaskID:   deref(input.Body.ParentTaskID),
			Title:          input.Body.Title,
			Description:    deref(input.Body.Description),
			Status:         deref(input.Body.Status),
			Assignee:       deref(input.Body.Assignee),
			Priority:       deref(input.Body.Priority),
			Feature:        deref(input.Body.Feature),
			EstimatedHours: input.Body.EstimatedHours,
			Metadata:       input.Body.Metadata,
			ActorID:        deref(input.Body.ActorID),
		}
		if input.Body.TaskOrder != nil {
			opts.TaskOrder = *input.Body.TaskOrder
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID       string `query:"project_id"`
		Status          string `query:"status"`
		IncludeArchived bool   `query:"include_archived"`
		Limit           int    `query:"limit"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			IncludeArchived: input.IncludeArchived,
			Limit:           input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task fields through the mutation gateway",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID: input.TaskID,
			Patch: engine.TaskPatch{
				Title:          input.Body.Title,
				Description:    input.Body.Description,
				Status:         input.Body.Status,
				Assignee:       input.Body.Assignee,
				Priority:       input.Body.Priority,
				TaskOrder:      input.Body.TaskOrder,
				Feature:        input.Body.Feature,
				ParentTaskID:   input.Body.ParentTaskID,
				EstimatedHours: input.Body.EstimatedHours,
				Metadata:       input.Body.Metadata,
			},
			ActorID: deref(input.Body.ActorID),
			Reason:  deref(input.Body.ChangeReason),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/archive",
		Summary:     "Archive a task and its direct children",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TaskID string                 `path:"task_id"`
		Body   *ArchiveProjectRequest `json:"body,omitempty" required:"false"`
	}) (*struct {
		Body ArchiveTaskResponse `json:"body"`
	}, error) {
		var archivedBy string
		if input.Body != nil {
			archivedBy = deref(input.Body.ArchivedBy)
		}
		count, err := e.ArchiveTask(ctx, input.TaskID, archivedBy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchiveTaskResponse `json:"body"`
		}{Body: ArchiveTaskResponse{
			TaskID:        input.TaskID,
			Message:       "task archived",
			TasksArchived: count,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Get the audit trail for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID    string `path:"task_id"`
		FieldName string `query:"field_name"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body TaskHistoryResponse `json:"body"`
	}, error) {
		entries, err := e.GetTaskHistory(ctx, input.TaskID, input.FieldName, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskHistoryResponse `json:"body"`
		}{Body: TaskHistoryResponse{
			TaskID:      input.TaskID,
			Changes:     nonNilSlice(entries),
			Count:       len(entries),
			FieldFilter: input.FieldName,
		}}, nil
	})
}

func registerStats(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "completion-stats",
		Method:      http.MethodGet,
		Path:        "/tasks/completion-stats",
		Summary:     "Completion analytics",
		Errors:      []int{http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id"`
		Days      int    `query:"days"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body CompletionStatsResponse `json:"body"`
	}, error) {
		days := input.Days
		if days <= 0 {
			days = 7
		}
		result, err := e.GetCompletionStats(ctx, input.ProjectID, days, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletionStatsResponse `json:"body"`
		}{Body: CompletionStatsResponse{
			ProjectID:         input.ProjectID,
			DaysRange:         days,
			Stats:             result.Stats,
			RecentlyCompleted: nonNilSlice(result.RecentlyCompleted),
			Count:             len(result.RecentlyCompleted),
		}}, nil
	})
}

func registerCrawlTasks(api huma.API, reg *registry.CrawlRegistry) {
	if reg == nil {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-crawl-tasks",
		Method:      http.MethodGet,
		Path:        "/crawl-tasks",
		Summary:     "List active crawl jobs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CrawlTasksResponse `json:"body"`
	}, error) {
		items := reg.Active()
		return &struct {
			Body CrawlTasksResponse `json:"body"`
		}{Body: CrawlTasksResponse{Items: nonNilSlice(items), Count: len(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-crawl-task",
		Method:      http.MethodDelete,
		Path:        "/crawl-tasks/{id}",
		Summary:     "Cancel a crawl job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := reg.Cancel(input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"id": input.ID, "status": "cancelled"}}, nil
	})
}
