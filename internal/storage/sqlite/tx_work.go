package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/types"
)

// Tasks

const taskColumns = `id, title, status, status_reason, priority, milestone_id, plan_id,
	primary_theme, related_themes, progress, acceptance_criteria, dependencies,
	created_at, updated_at, completed_at`

func (t *tx) InsertTask(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "task validation")
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO task_status
		    (id, title, status, status_reason, priority, milestone_id, plan_id,
		     primary_theme, related_themes, progress, acceptance_criteria, dependencies,
		     created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Title, string(task.Status), task.StatusReason, task.Priority,
		task.MilestoneID, task.PlanID, task.PrimaryTheme,
		marshalList(task.RelatedThemes), task.Progress,
		marshalJSON(task.AcceptanceCriteria), marshalList(task.Dependencies),
		task.CreatedAt, task.UpdatedAt)
	return wrapDBError("insert task", err)
}

func scanTask(row interface{ Scan(...any) error }) (*types.Task, error) {
	var task types.Task
	var status, related, criteria, deps string
	var completed sql.NullTime
	err := row.Scan(&task.ID, &task.Title, &status, &task.StatusReason, &task.Priority,
		&task.MilestoneID, &task.PlanID, &task.PrimaryTheme, &related, &task.Progress,
		&criteria, &deps, &task.CreatedAt, &task.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	task.Status = types.WorkStatus(status)
	task.RelatedThemes = unmarshalList(related)
	task.Dependencies = unmarshalList(deps)
	if criteria != "" {
		_ = json.Unmarshal([]byte(criteria), &task.AcceptanceCriteria)
	}
	if completed.Valid {
		task.CompletedAt = &completed.Time
	}
	return &task, nil
}

func (t *tx) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := t.conn.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_status WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get task %s", id)
	}
	return task, nil
}

func (t *tx) UpdateTask(ctx context.Context, task *types.Task) error {
	if err := task.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "task validation")
	}
	task.UpdatedAt = time.Now().UTC()
	res, err := t.conn.ExecContext(ctx, `
		UPDATE task_status SET
		    title = ?, status = ?, status_reason = ?, priority = ?, milestone_id = ?,
		    plan_id = ?, primary_theme = ?, related_themes = ?, progress = ?,
		    acceptance_criteria = ?, dependencies = ?, updated_at = ?, completed_at = ?
		WHERE id = ?`,
		task.Title, string(task.Status), task.StatusReason, task.Priority,
		task.MilestoneID, task.PlanID, task.PrimaryTheme,
		marshalList(task.RelatedThemes), task.Progress,
		marshalJSON(task.AcceptanceCriteria), marshalList(task.Dependencies),
		task.UpdatedAt, task.CompletedAt, task.ID)
	if err != nil {
		return wrapDBError("update task", err)
	}
	return requireRow(res, "task", task.ID)
}

func (t *tx) UpdateTaskStatus(ctx context.Context, id string, status types.WorkStatus, reason string) error {
	current, err := t.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !current.Status.CanTransition(status) {
		return fault.New(fault.StateTransitionForbidden,
			"task %s cannot move from %s to %s", id, current.Status, status).
			WithDetail("task_id", id).
			WithDetail("from", string(current.Status)).
			WithDetail("to", string(status))
	}
	var completedAt any
	if status == types.StatusCompleted {
		completedAt = time.Now().UTC()
	}
	res, err := t.conn.ExecContext(ctx, `
		UPDATE task_status SET status = ?, status_reason = ?, updated_at = CURRENT_TIMESTAMP,
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ?`, string(status), reason, completedAt, id)
	if err != nil {
		return wrapDBError("update task status", err)
	}
	return requireRow(res, "task", id)
}

// CountTasksInProgress counts in-progress tasks across every session; the
// single-active-task rule is project-wide, not per session.
func (t *tx) CountTasksInProgress(ctx context.Context) (int, error) {
	var count int
	err := t.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM task_status WHERE status = 'in-progress'`).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count in-progress tasks", err)
	}
	return count, nil
}

// Subtasks

func (t *tx) InsertSubtask(ctx context.Context, st *types.Subtask) error {
	if err := st.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "subtask validation")
	}
	now := time.Now().UTC()
	st.CreatedAt = now
	st.UpdatedAt = now
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO subtask_status
		    (id, parent_id, parent_kind, title, status, flow_references, files,
		     context_mode, progress, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.ParentID, string(st.ParentKind), st.Title, string(st.Status),
		marshalJSON(st.FlowRefs), marshalList(st.Files),
		string(st.ContextMode), st.Progress, st.CreatedAt, st.UpdatedAt)
	return wrapDBError("insert subtask", err)
}

const subtaskColumns = `id, parent_id, parent_kind, title, status, flow_references,
	files, context_mode, progress, created_at, updated_at`

func scanSubtask(row interface{ Scan(...any) error }) (*types.Subtask, error) {
	var st types.Subtask
	var kind, status, refs, files, mode string
	err := row.Scan(&st.ID, &st.ParentID, &kind, &st.Title, &status, &refs,
		&files, &mode, &st.Progress, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return nil, err
	}
	st.ParentKind = types.ParentKind(kind)
	st.Status = types.WorkStatus(status)
	st.ContextMode = types.ContextMode(mode)
	st.Files = unmarshalList(files)
	if refs != "" {
		_ = json.Unmarshal([]byte(refs), &st.FlowRefs)
	}
	return &st, nil
}

func (t *tx) GetSubtask(ctx context.Context, parentID, id string) (*types.Subtask, error) {
	row := t.conn.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtask_status WHERE parent_id = ? AND id = ?`,
		parentID, id)
	st, err := scanSubtask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get subtask %s/%s", parentID, id)
	}
	return st, nil
}

func (t *tx) UpdateSubtask(ctx context.Context, st *types.Subtask) error {
	if err := st.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "subtask validation")
	}
	st.UpdatedAt = time.Now().UTC()
	res, err := t.conn.ExecContext(ctx, `
		UPDATE subtask_status SET
		    title = ?, status = ?, flow_references = ?, files = ?, context_mode = ?,
		    progress = ?, updated_at = ?
		WHERE parent_id = ? AND id = ?`,
		st.Title, string(st.Status), marshalJSON(st.FlowRefs), marshalList(st.Files),
		string(st.ContextMode), st.Progress, st.UpdatedAt, st.ParentID, st.ID)
	if err != nil {
		return wrapDBError("update subtask", err)
	}
	return requireRow(res, "subtask", st.ID)
}

func (t *tx) ListSubtasks(ctx context.Context, parentID string) ([]*types.Subtask, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtask_status WHERE parent_id = ? ORDER BY id`,
		parentID)
	if err != nil {
		return nil, wrapDBError("list subtasks", err)
	}
	defer rows.Close()

	var out []*types.Subtask
	for rows.Next() {
		st, err := scanSubtask(rows)
		if err != nil {
			return nil, wrapDBError("scan subtask", err)
		}
		out = append(out, st)
	}
	return out, wrapDBError("list subtasks", rows.Err())
}

func (t *tx) NextSubtaskOrdinal(ctx context.Context, parentID string) (int, error) {
	var count int
	err := t.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subtask_status WHERE parent_id = ?`, parentID).Scan(&count)
	if err != nil {
		return 0, wrapDBError("next subtask ordinal", err)
	}
	return count + 1, nil
}

// Sidequests

const sidequestColumns = `id, parent_task_id, title, scope, reason, urgency, impact,
	status, primary_theme, inherited_themes, scope_changed, created_at, updated_at, completed_at`

func (t *tx) InsertSidequest(ctx context.Context, q *types.Sidequest) error {
	if err := q.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "sidequest validation")
	}
	now := time.Now().UTC()
	q.CreatedAt = now
	q.UpdatedAt = now
	ordinal, err := idOrdinal(q.ID)
	if err != nil {
		return fault.Wrap(fault.ValidationError, err, "sidequest id")
	}
	_, err = t.conn.ExecContext(ctx, `
		INSERT INTO sidequest_status
		    (id, parent_task_id, title, scope, reason, urgency, impact, status,
		     primary_theme, inherited_themes, scope_changed, ordinal, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		q.ID, q.ParentTaskID, q.Title, q.Scope, q.Reason, q.Urgency, string(q.Impact),
		string(q.Status), q.PrimaryTheme, marshalList(q.InheritedThemes),
		boolInt(q.ScopeChanged), ordinal, q.CreatedAt, q.UpdatedAt)
	return wrapDBError("insert sidequest", err)
}

func scanSidequest(row interface{ Scan(...any) error }) (*types.Sidequest, error) {
	var q types.Sidequest
	var impact, status, inherited string
	var scopeChanged int
	var completed sql.NullTime
	err := row.Scan(&q.ID, &q.ParentTaskID, &q.Title, &q.Scope, &q.Reason, &q.Urgency,
		&impact, &status, &q.PrimaryTheme, &inherited, &scopeChanged,
		&q.CreatedAt, &q.UpdatedAt, &completed)
	if err != nil {
		return nil, err
	}
	q.Impact = types.SidequestImpact(impact)
	q.Status = types.WorkStatus(status)
	q.InheritedThemes = unmarshalList(inherited)
	q.ScopeChanged = scopeChanged != 0
	if completed.Valid {
		q.CompletedAt = &completed.Time
	}
	return &q, nil
}

func (t *tx) GetSidequest(ctx context.Context, id string) (*types.Sidequest, error) {
	row := t.conn.QueryRowContext(ctx,
		`SELECT `+sidequestColumns+` FROM sidequest_status WHERE id = ?`, id)
	q, err := scanSidequest(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get sidequest %s", id)
	}
	return q, nil
}

func (t *tx) UpdateSidequest(ctx context.Context, q *types.Sidequest) error {
	if err := q.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "sidequest validation")
	}
	q.UpdatedAt = time.Now().UTC()
	res, err := t.conn.ExecContext(ctx, `
		UPDATE sidequest_status SET
		    title = ?, scope = ?, reason = ?, urgency = ?, impact = ?, status = ?,
		    primary_theme = ?, inherited_themes = ?, scope_changed = ?,
		    updated_at = ?, completed_at = ?
		WHERE id = ?`,
		q.Title, q.Scope, q.Reason, q.Urgency, string(q.Impact), string(q.Status),
		q.PrimaryTheme, marshalList(q.InheritedThemes), boolInt(q.ScopeChanged),
		q.UpdatedAt, q.CompletedAt, q.ID)
	if err != nil {
		return wrapDBError("update sidequest", err)
	}
	return requireRow(res, "sidequest", q.ID)
}

func (t *tx) ListSidequestsByTask(ctx context.Context, taskID string) ([]*types.Sidequest, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT `+sidequestColumns+` FROM sidequest_status WHERE parent_task_id = ? ORDER BY ordinal`,
		taskID)
	if err != nil {
		return nil, wrapDBError("list sidequests", err)
	}
	defer rows.Close()

	var out []*types.Sidequest
	for rows.Next() {
		q, err := scanSidequest(rows)
		if err != nil {
			return nil, wrapDBError("scan sidequest", err)
		}
		out = append(out, q)
	}
	return out, wrapDBError("list sidequests", rows.Err())
}

func (t *tx) CountActiveSidequests(ctx context.Context, taskID string) (int, error) {
	var count int
	err := t.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_sidequests_by_task WHERE parent_task_id = ?`,
		taskID).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count active sidequests", err)
	}
	return count, nil
}

// NextSidequestOrdinal allocates MAX(ordinal)+1 among sidequests created on
// day, inside the current transaction; two racing creators serialize on the
// write lock, so the second observes the first's row. Ordinals restart each
// day to match the date-stamped id format.
func (t *tx) NextSidequestOrdinal(ctx context.Context, day time.Time) (int, error) {
	var max sql.NullInt64
	err := t.conn.QueryRowContext(ctx,
		`SELECT MAX(ordinal) FROM sidequest_status WHERE date(created_at) = date(?)`,
		day.UTC()).Scan(&max)
	if err != nil {
		return 0, wrapDBError("next sidequest ordinal", err)
	}
	return int(max.Int64) + 1, nil
}

// SidequestLimit returns the effective limit for a task and whether a
// per-session override is in force.
func (t *tx) SidequestLimit(ctx context.Context, taskID string) (int, bool, error) {
	var override sql.NullInt64
	err := t.conn.QueryRowContext(ctx,
		`SELECT limit_override FROM task_sidequest_limits WHERE task_id = ?`,
		taskID).Scan(&override)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, wrapDBError("get sidequest limit", err)
	}
	if override.Valid {
		return int(override.Int64), true, nil
	}
	return 0, false, nil
}

func (t *tx) RaiseSidequestLimit(ctx context.Context, taskID string, limit int) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO task_sidequest_limits (task_id, active_sidequests_count, limit_override)
		VALUES (?, 0, ?)
		ON CONFLICT(task_id) DO UPDATE SET
		    limit_override = excluded.limit_override,
		    last_updated = CURRENT_TIMESTAMP`, taskID, limit)
	return wrapDBError("raise sidequest limit", err)
}

func (t *tx) LinkSubtaskSidequest(ctx context.Context, subtaskID, sidequestID string) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO subtask_sidequest_relationships (subtask_id, sidequest_id)
		VALUES (?, ?)`, subtaskID, sidequestID)
	return wrapDBError("link subtask sidequest", err)
}

// Context snapshots

func (t *tx) SetContextSnapshot(ctx context.Context, taskID string, snap *types.ContextSnapshot) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO task_queue (task_id, context_snapshot, queued_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_id) DO UPDATE SET
		    context_snapshot = excluded.context_snapshot,
		    queued_at = CURRENT_TIMESTAMP`,
		taskID, marshalJSON(snap))
	return wrapDBError("set context snapshot", err)
}

func (t *tx) GetContextSnapshot(ctx context.Context, taskID string) (*types.ContextSnapshot, error) {
	var raw string
	err := t.conn.QueryRowContext(ctx,
		`SELECT context_snapshot FROM task_queue WHERE task_id = ?`, taskID).Scan(&raw)
	if err != nil {
		return nil, wrapDBErrorf(err, "get context snapshot for %s", taskID)
	}
	var snap types.ContextSnapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return nil, fault.Wrap(fault.IntegrityError, err, "corrupt context snapshot for %s", taskID)
	}
	return &snap, nil
}

func (t *tx) ClearContextSnapshot(ctx context.Context, taskID string) error {
	_, err := t.conn.ExecContext(ctx, `DELETE FROM task_queue WHERE task_id = ?`, taskID)
	return wrapDBError("clear context snapshot", err)
}

// idOrdinal extracts the numeric suffix of a SQ-<ts>-<n> id.
func idOrdinal(id string) (int, error) {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] == '-' {
			n := 0
			for _, c := range id[i+1:] {
				if c < '0' || c > '9' {
					return 0, fault.New(fault.ValidationError, "invalid ordinal in id %s", id)
				}
				n = n*10 + int(c-'0')
			}
			return n, nil
		}
	}
	return 0, fault.New(fault.ValidationError, "no ordinal in id %s", id)
}
