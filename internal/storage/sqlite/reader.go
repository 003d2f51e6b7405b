package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

// Reader methods run against the connection pool outside any explicit
// transaction; WAL keeps them consistent against the single writer.

const sessionColumns = `id, start_time, last_activity, context_mode, active_themes, active_tasks, status`

func scanSession(row interface{ Scan(...any) error }) (*types.Session, error) {
	var sess types.Session
	var mode, themes, tasks, status string
	err := row.Scan(&sess.ID, &sess.StartTime, &sess.LastActivity, &mode,
		&themes, &tasks, &status)
	if err != nil {
		return nil, err
	}
	sess.ContextMode = types.ContextMode(mode)
	sess.ActiveThemes = unmarshalList(themes)
	sess.ActiveTasks = unmarshalList(tasks)
	sess.Status = types.SessionStatus(status)
	return &sess, nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get session %s", id)
	}
	return sess, nil
}

// LatestSession returns the most recently started session, whatever its
// status.
func (s *Store) LatestSession(ctx context.Context) (*types.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY start_time DESC, id DESC LIMIT 1`)
	sess, err := scanSession(row)
	if err != nil {
		return nil, wrapDBError("latest session", err)
	}
	return sess, nil
}

func (s *Store) LatestSessionContext(ctx context.Context) (*types.SessionContext, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, git_hash, context_mode, loaded_themes, loaded_flows,
		       active_task_id, last_activity, boot_duration_ms, comprehensive
		FROM session_context ORDER BY last_activity DESC LIMIT 1`)
	var sc types.SessionContext
	var mode, themes, flows string
	var comprehensive int
	err := row.Scan(&sc.SessionID, &sc.GitHash, &mode, &themes, &flows,
		&sc.ActiveTaskID, &sc.LastActivity, &sc.BootDuration, &comprehensive)
	if err != nil {
		return nil, wrapDBError("latest session context", err)
	}
	sc.ContextMode = types.ContextMode(mode)
	sc.LoadedThemes = unmarshalList(themes)
	sc.LoadedFlows = unmarshalList(flows)
	sc.Comprehensive = comprehensive != 0
	return &sc, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*types.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM task_status WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get task %s", id)
	}
	return task, nil
}

func (s *Store) ListTasksByStatus(ctx context.Context, statuses ...types.WorkStatus) ([]*types.Task, error) {
	if len(statuses) == 0 {
		return nil, fault.New(fault.ValidationError, "at least one status is required")
	}
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM task_status
		 WHERE status IN (`+strings.Join(placeholders, ", ")+`)
		 ORDER BY priority, created_at`, args...)
	if err != nil {
		return nil, wrapDBError("list tasks", err)
	}
	defer rows.Close()

	var out []*types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, wrapDBError("scan task", err)
		}
		out = append(out, task)
	}
	return out, wrapDBError("list tasks", rows.Err())
}

func (s *Store) GetSubtask(ctx context.Context, parentID, id string) (*types.Subtask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subtaskColumns+` FROM subtask_status WHERE parent_id = ? AND id = ?`,
		parentID, id)
	st, err := scanSubtask(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get subtask %s/%s", parentID, id)
	}
	return st, nil
}

func (s *Store) ListSubtasks(ctx context.Context, parentID string) ([]*types.Subtask, error) {
	rows, err := s.db.QueryContext(ctx,
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

func (s *Store) GetSidequest(ctx context.Context, id string) (*types.Sidequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sidequestColumns+` FROM sidequest_status WHERE id = ?`, id)
	q, err := scanSidequest(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get sidequest %s", id)
	}
	return q, nil
}

func (s *Store) GetContextSnapshot(ctx context.Context, taskID string) (*types.ContextSnapshot, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
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

func (s *Store) GetFlowStatus(ctx context.Context, flowID string) (types.FlowStepStatus, error) {
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM flow_status WHERE flow_id = ?`, flowID).Scan(&status)
	if err != nil {
		return "", wrapDBErrorf(err, "get flow status %s", flowID)
	}
	return types.FlowStepStatus(status), nil
}

func (s *Store) ListThemeFlows(ctx context.Context, theme string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flow_id FROM theme_flows WHERE theme = ? ORDER BY flow_id`, theme)
	if err != nil {
		return nil, wrapDBError("list theme flows", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, wrapDBError("scan theme flow", err)
		}
		out = append(out, id)
	}
	return out, wrapDBError("list theme flows", rows.Err())
}

const branchColumns = `name, number, created_at, created_by_name, created_by_email,
	created_by_source, git_base_hash, purpose, status`

func scanBranch(row interface{ Scan(...any) error }) (*types.Branch, error) {
	var b types.Branch
	var status string
	err := row.Scan(&b.Name, &b.Number, &b.CreatedAt, &b.CreatedBy.Name,
		&b.CreatedBy.Email, &b.CreatedBy.Source, &b.GitBaseHash, &b.Purpose, &status)
	if err != nil {
		return nil, err
	}
	b.Status = types.BranchStatus(status)
	return &b, nil
}

func (s *Store) GetBranch(ctx context.Context, name string) (*types.Branch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+branchColumns+` FROM ai_instance_branches WHERE name = ?`, name)
	b, err := scanBranch(row)
	if err != nil {
		return nil, wrapDBErrorf(err, "get branch %s", name)
	}
	return b, nil
}

func (s *Store) ListBranches(ctx context.Context) ([]*types.Branch, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+branchColumns+` FROM ai_instance_branches ORDER BY number`)
	if err != nil {
		return nil, wrapDBError("list branches", err)
	}
	defer rows.Close()

	var out []*types.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, wrapDBError("scan branch", err)
		}
		out = append(out, b)
	}
	return out, wrapDBError("list branches", rows.Err())
}

func (s *Store) GetGitState(ctx context.Context) (*types.GitProjectState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_path, current_git_hash, last_known_hash, last_sync,
		       change_summary, affected_themes, reconciliation_status
		FROM git_project_state LIMIT 1`)
	var st types.GitProjectState
	var themes string
	err := row.Scan(&st.ProjectPath, &st.CurrentHash, &st.LastKnownHash,
		&st.LastSync, &st.ChangeSummary, &themes, &st.ReconciliationStatus)
	if err != nil {
		return nil, wrapDBError("get git state", err)
	}
	st.AffectedThemes = unmarshalList(themes)
	return &st, nil
}

func (s *Store) ListPendingImpacts(ctx context.Context) ([]*types.ChangeImpact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, old_path, change_kind, candidate_themes, signals,
		       severity, strategy, reasoning
		FROM git_change_impacts WHERE resolved = 0 ORDER BY id`)
	if err != nil {
		return nil, wrapDBError("list pending impacts", err)
	}
	defer rows.Close()

	var out []*types.ChangeImpact
	for rows.Next() {
		var imp types.ChangeImpact
		var kind, themes, signals, severity, strategy string
		err := rows.Scan(&imp.File.Path, &imp.File.OldPath, &kind, &themes,
			&signals, &severity, &strategy, &imp.Reasoning)
		if err != nil {
			return nil, wrapDBError("scan change impact", err)
		}
		imp.File.Kind = types.ChangeKind(kind)
		imp.CandidateThemes = unmarshalList(themes)
		imp.Signals = unmarshalList(signals)
		imp.Severity = types.Severity(severity)
		imp.Strategy = types.ReconcileStrategy(strategy)
		out = append(out, &imp)
	}
	return out, wrapDBError("list pending impacts", rows.Err())
}

// Prebuilt views

func (s *Store) ActiveSidequestsByTask(ctx context.Context, taskID string) ([]*types.Sidequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sidequestColumns+` FROM active_sidequests_by_task
		 WHERE parent_task_id = ? ORDER BY ordinal`, taskID)
	if err != nil {
		return nil, wrapDBError("active sidequests by task", err)
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
	return out, wrapDBError("active sidequests by task", rows.Err())
}

// SidequestLimitStatus reports the view row for one task. The effective
// limit is resolved by the scheduler from configuration; the Limit field
// here carries only a per-task override (zero when unset).
func (s *Store) SidequestLimitStatus(ctx context.Context, taskID string) (*storage.LimitStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, active_sidequests_count, limit_override
		FROM sidequest_limit_status WHERE task_id = ?`, taskID)
	var ls storage.LimitStatus
	var override sql.NullInt64
	if err := row.Scan(&ls.TaskID, &ls.ActiveCount, &override); err != nil {
		return nil, wrapDBErrorf(err, "sidequest limit status for %s", taskID)
	}
	if override.Valid {
		ls.Limit = int(override.Int64)
		ls.AtLimit = ls.ActiveCount >= ls.Limit
	}
	return &ls, nil
}

func (s *Store) ThemeFlowSummary(ctx context.Context) ([]storage.ThemeFlowSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT theme, flow_count, flows FROM theme_flow_summary ORDER BY theme`)
	if err != nil {
		return nil, wrapDBError("theme flow summary", err)
	}
	defer rows.Close()

	var out []storage.ThemeFlowSummary
	for rows.Next() {
		var row storage.ThemeFlowSummary
		var flows sql.NullString
		if err := rows.Scan(&row.Theme, &row.FlowCount, &flows); err != nil {
			return nil, wrapDBError("scan theme flow summary", err)
		}
		if flows.Valid && flows.String != "" {
			row.Flows = strings.Split(flows.String, ",")
		}
		out = append(out, row)
	}
	return out, wrapDBError("theme flow summary", rows.Err())
}

func (s *Store) FlowThemeSummary(ctx context.Context) ([]storage.FlowThemeSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT flow_id, theme_count, themes FROM flow_theme_summary ORDER BY flow_id`)
	if err != nil {
		return nil, wrapDBError("flow theme summary", err)
	}
	defer rows.Close()

	var out []storage.FlowThemeSummary
	for rows.Next() {
		var row storage.FlowThemeSummary
		var themes sql.NullString
		if err := rows.Scan(&row.FlowID, &row.ThemeCount, &themes); err != nil {
			return nil, wrapDBError("scan flow theme summary", err)
		}
		if themes.Valid && themes.String != "" {
			row.Themes = strings.Split(themes.String, ",")
		}
		out = append(out, row)
	}
	return out, wrapDBError("flow theme summary", rows.Err())
}

func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*types.NoteworthyEvent, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM recent_events LIMIT ?`, limit)
	if err != nil {
		return nil, wrapDBError("recent events", err)
	}
	defer rows.Close()

	var out []*types.NoteworthyEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, wrapDBError("scan event", err)
		}
		out = append(out, e)
	}
	return out, wrapDBError("recent events", rows.Err())
}

func (s *Store) EventImpactSummary(ctx context.Context) ([]storage.EventImpactCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT impact, count FROM event_impact_summary`)
	if err != nil {
		return nil, wrapDBError("event impact summary", err)
	}
	defer rows.Close()

	var out []storage.EventImpactCount
	for rows.Next() {
		var row storage.EventImpactCount
		var impact string
		if err := rows.Scan(&impact, &row.Count); err != nil {
			return nil, wrapDBError("scan event impact summary", err)
		}
		row.Impact = types.Severity(impact)
		out = append(out, row)
	}
	return out, wrapDBError("event impact summary", rows.Err())
}

func (s *Store) CountCurrentEvents(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM noteworthy_events WHERE archived_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count current events", err)
	}
	return count, nil
}
