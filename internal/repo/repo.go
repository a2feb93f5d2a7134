package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"taskline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const projectCols = `id,title,archived,archived_at,archived_by,created_at,updated_at`

func scanProject(scan func(dest ...any) error) (domain.Project, error) {
	var p domain.Project
	var archivedAt, archivedBy sql.NullString
	err := scan(&p.ID, &p.Title, &p.Archived, &archivedAt, &archivedBy, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if archivedAt.Valid {
		p.ArchivedAt = &archivedAt.String
	}
	if archivedBy.Valid {
		p.ArchivedBy = &archivedBy.String
	}
	return p, nil
}

func (r Repo) InsertProject(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(id,title,archived,archived_at,archived_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.Archived, nullableStringPtr(p.ArchivedAt), nullableStringPtr(p.ArchivedBy), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+projectCols+` FROM projects WHERE id=?`, id)
	return scanProject(row.Scan)
}

func (r Repo) ListProjects(ctx context.Context, includeArchived bool) ([]domain.Project, error) {
	query := `SELECT ` + projectCols + ` FROM projects`
	if !includeArchived {
		query += ` WHERE archived=0`
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// SetProjectArchived flips only the archival columns of a project row.
func (r Repo) SetProjectArchived(ctx context.Context, tx *sql.Tx, id string, archived bool, at, by *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE projects SET archived=?, archived_at=?, archived_by=?, updated_at=? WHERE id=?`,
		archived, nullableStringPtr(at), nullableStringPtr(by), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskCols = `id,project_id,parent_task_id,title,description,status,assignee,priority,task_order,feature,estimated_hours,metadata_json,archived,archived_at,archived_by,completed_at,completed_by,created_at,updated_at`

func scanTask(scan func(dest ...any) error) (domain.Task, error) {
	var t domain.Task
	var parentID, feature, metadataJSON, archivedAt, archivedBy, completedAt, completedBy sql.NullString
	var estimated sql.NullFloat64
	err := scan(&t.ID, &t.ProjectID, &parentID, &t.Title, &t.Description, &t.Status, &t.Assignee, &t.Priority,
		&t.TaskOrder, &feature, &estimated, &metadataJSON, &t.Archived, &archivedAt, &archivedBy,
		&completedAt, &completedBy, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if parentID.Valid {
		t.ParentTaskID = &parentID.String
	}
	if feature.Valid {
		t.Feature = &feature.String
	}
	if estimated.Valid {
		t.EstimatedHours = &estimated.Float64
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		_ = json.Unmarshal([]byte(metadataJSON.String), &t.Metadata)
	}
	if archivedAt.Valid {
		t.ArchivedAt = &archivedAt.String
	}
	if archivedBy.Valid {
		t.ArchivedBy = &archivedBy.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	if completedBy.Valid {
		t.CompletedBy = &completedBy.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,parent_task_id,title,description,status,assignee,priority,task_order,feature,estimated_hours,metadata_json,archived,archived_at,archived_by,completed_at,completed_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.ProjectID, nullableStringPtr(t.ParentTaskID), t.Title, t.Description, t.Status, t.Assignee, t.Priority,
		t.TaskOrder, nullableStringPtr(t.Feature), nullableFloatPtr(t.EstimatedHours), metadata,
		t.Archived, nullableStringPtr(t.ArchivedAt), nullableStringPtr(t.ArchivedBy),
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id)
	return scanTask(row.Scan)
}

type TaskFilters struct {
	ProjectID       string
	Status          string
	ParentTaskID    string
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ParentTaskID != "" {
		clauses = append(clauses, "parent_task_id=?")
		args = append(args, f.ParentTaskID)
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskCols + ` FROM tasks ` + where + ` ORDER BY task_order ASC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// TaskChange bundles a merged task row with the history entries its mutation
// produced. It is the only exported write path for task rows outside archival,
// so history can never be skipped.
type TaskChange struct {
	Task    domain.Task
	History []domain.TaskHistoryEntry
}

// ApplyTaskChange persists the updated task row and its audit entries. Both
// writes share the caller's transaction; either all land or none do.
func (r Repo) ApplyTaskChange(ctx context.Context, tx *sql.Tx, change TaskChange) error {
	if err := updateTaskRow(ctx, tx, change.Task); err != nil {
		return err
	}
	for _, h := range change.History {
		if err := insertHistoryRow(ctx, tx, h); err != nil {
			return err
		}
	}
	return nil
}

// updateTaskRow is deliberately unexported: all non-archival task updates must
// flow through ApplyTaskChange so the audit trail stays complete.
func updateTaskRow(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	metadata, err := marshalMetadata(t.Metadata)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET parent_task_id=?, title=?, description=?, status=?, assignee=?, priority=?, task_order=?, feature=?, estimated_hours=?, metadata_json=?, completed_at=?, completed_by=?, updated_at=? WHERE id=?`,
		nullableStringPtr(t.ParentTaskID), t.Title, t.Description, t.Status, t.Assignee, t.Priority,
		t.TaskOrder, nullableStringPtr(t.Feature), nullableFloatPtr(t.EstimatedHours), metadata,
		nullableStringPtr(t.CompletedAt), nullableStringPtr(t.CompletedBy), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func insertHistoryRow(ctx context.Context, tx *sql.Tx, h domain.TaskHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_history(task_id,field_name,old_value,new_value,changed_by,changed_at,change_reason) VALUES (?,?,?,?,?,?,?)`,
		h.TaskID, h.FieldName, h.OldValue, h.NewValue, h.ChangedBy, h.ChangedAt, nullableStringPtr(h.ChangeReason))
	return err
}

// ArchiveProjectTasks archives every live task directly owned by the project
// and returns the affected ids.
func (r Repo) ArchiveProjectTasks(ctx context.Context, tx *sql.Tx, projectID, at, by string) ([]string, error) {
	ids, err := collectIDs(tx.QueryContext(ctx, `SELECT id FROM tasks WHERE project_id=? AND archived=0`, projectID))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query, args := inClause(`UPDATE tasks SET archived=1, archived_at=?, archived_by=?, updated_at=? WHERE id IN (%s)`, ids, at, by, at)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// ArchiveChildTasks archives live tasks whose parent is in parents (one hop)
// and returns the affected ids.
func (r Repo) ArchiveChildTasks(ctx context.Context, tx *sql.Tx, parents []string, at, by string) ([]string, error) {
	if len(parents) == 0 {
		return nil, nil
	}
	query, args := inClause(`SELECT id FROM tasks WHERE archived=0 AND parent_task_id IN (%s)`, parents)
	ids, err := collectIDs(tx.QueryContext(ctx, query, args...))
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	query, args = inClause(`UPDATE tasks SET archived=1, archived_at=?, archived_by=?, updated_at=? WHERE id IN (%s)`, ids, at, by, at)
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return nil, err
	}
	return ids, nil
}

// UnarchiveProjectTasks restores every archived task of the project,
// regardless of nesting depth, and returns how many rows changed.
func (r Repo) UnarchiveProjectTasks(ctx context.Context, tx *sql.Tx, projectID, now string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET archived=0, archived_at=NULL, archived_by=NULL, updated_at=? WHERE project_id=? AND archived=1`, now, projectID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// SetTaskArchived flips only the archival columns of a single task row.
func (r Repo) SetTaskArchived(ctx context.Context, tx *sql.Tx, id string, archived bool, at, by *string, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET archived=?, archived_at=?, archived_by=?, updated_at=? WHERE id=?`,
		archived, nullableStringPtr(at), nullableStringPtr(by), now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type HistoryFilters struct {
	TaskID    string
	FieldName string
	Limit     int
}

// ListTaskHistory returns audit entries newest first.
func (r Repo) ListTaskHistory(ctx context.Context, f HistoryFilters) ([]domain.TaskHistoryEntry, error) {
	clauses := []string{"task_id=?"}
	args := []any{f.TaskID}
	if f.FieldName != "" {
		clauses = append(clauses, "field_name=?")
		args = append(args, f.FieldName)
	}
	query := `SELECT id,task_id,field_name,old_value,new_value,changed_by,changed_at,change_reason FROM task_history WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY changed_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHistoryEntry
	for rows.Next() {
		var h domain.TaskHistoryEntry
		var reason sql.NullString
		if err := rows.Scan(&h.ID, &h.TaskID, &h.FieldName, &h.OldValue, &h.NewValue, &h.ChangedBy, &h.ChangedAt, &reason); err != nil {
			return nil, err
		}
		if reason.Valid {
			h.ChangeReason = &reason.String
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// ProjectTaskStats aggregates completion counts over a project's live tasks.
func (r Repo) ProjectTaskStats(ctx context.Context, projectID string) (domain.ProjectStats, error) {
	var stats domain.ProjectStats
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? AND archived=0 GROUP BY status`, projectID)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.TotalTasks += count
		switch status {
		case domain.StatusDone:
			stats.CompletedTasks = count
		case domain.StatusDoing:
			stats.InProgressTasks = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}
	var avg sql.NullFloat64
	err = r.DB.QueryRowContext(ctx, `SELECT AVG((julianday(completed_at)-julianday(created_at))*24) FROM tasks WHERE project_id=? AND archived=0 AND completed_at IS NOT NULL`, projectID).Scan(&avg)
	if err != nil {
		return stats, err
	}
	if avg.Valid {
		v := round2(avg.Float64)
		stats.AvgCompletionTimeHours = &v
	}
	if stats.TotalTasks > 0 {
		stats.CompletionRate = round2(100 * float64(stats.CompletedTasks) / float64(stats.TotalTasks))
	}
	return stats, nil
}

// RecentlyCompleted lists tasks completed at or after since, newest first.
func (r Repo) RecentlyCompleted(ctx context.Context, projectID, since string, limit int) ([]domain.CompletedTask, error) {
	clauses := []string{"completed_at IS NOT NULL", "completed_at >= ?"}
	args := []any{since}
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	query := `SELECT ` + taskCols + `, ROUND((julianday(completed_at)-julianday(created_at))*24, 2) FROM tasks WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY completed_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CompletedTask
	for rows.Next() {
		var ct domain.CompletedTask
		var parentID, feature, metadataJSON, archivedAt, archivedBy, completedAt, completedBy sql.NullString
		var estimated sql.NullFloat64
		if err := rows.Scan(&ct.ID, &ct.ProjectID, &parentID, &ct.Title, &ct.Description, &ct.Status, &ct.Assignee, &ct.Priority,
			&ct.TaskOrder, &feature, &estimated, &metadataJSON, &ct.Archived, &archivedAt, &archivedBy,
			&completedAt, &completedBy, &ct.CreatedAt, &ct.UpdatedAt, &ct.TimeToCompleteHours); err != nil {
			return nil, err
		}
		if parentID.Valid {
			ct.ParentTaskID = &parentID.String
		}
		if feature.Valid {
			ct.Feature = &feature.String
		}
		if estimated.Valid {
			ct.EstimatedHours = &estimated.Float64
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			_ = json.Unmarshal([]byte(metadataJSON.String), &ct.Metadata)
		}
		if archivedAt.Valid {
			ct.ArchivedAt = &archivedAt.String
		}
		if archivedBy.Valid {
			ct.ArchivedBy = &archivedBy.String
		}
		if completedAt.Valid {
			ct.CompletedAt = &completedAt.String
		}
		if completedBy.Valid {
			ct.CompletedBy = &completedBy.String
		}
		res = append(res, ct)
	}
	return res, rows.Err()
}

// LatestEvents returns the newest events, optionally filtered.
func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	query := `SELECT id,ts,type,project_id,entity_kind,entity_id,actor_id,payload_json FROM events WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var projectID, entity sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &projectID, &e.EntityKind, &entity, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		if projectID.Valid {
			e.ProjectID = projectID.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// --- helpers ---

func collectIDs(rows *sql.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// inClause expands ids into SQL placeholders; leading args precede the ids.
func inClause(format string, ids []string, leading ...any) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := append([]any{}, leading...)
	for _, id := range ids {
		args = append(args, id)
	}
	return fmt.Sprintf(format, placeholders), args
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
