package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/types"
)

// Flows and theme-flow edges

func (t *tx) UpsertFlowStatus(ctx context.Context, flowID string, status types.FlowStepStatus, completion int) error {
	if !status.IsValid() {
		return fault.New(fault.ValidationError, "invalid flow status: %s", status)
	}
	if completion < 0 || completion > 100 {
		return fault.New(fault.ValidationError, "completion percentage out of range: %d", completion)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO flow_status (flow_id, status, completion_percentage)
		VALUES (?, ?, ?)
		ON CONFLICT(flow_id) DO UPDATE SET
		    status = excluded.status,
		    completion_percentage = excluded.completion_percentage,
		    last_updated = CURRENT_TIMESTAMP`,
		flowID, string(status), completion)
	return wrapDBError("upsert flow status", err)
}

func (t *tx) GetFlowStatus(ctx context.Context, flowID string) (types.FlowStepStatus, error) {
	var status string
	err := t.conn.QueryRowContext(ctx,
		`SELECT status FROM flow_status WHERE flow_id = ?`, flowID).Scan(&status)
	if err != nil {
		return "", wrapDBErrorf(err, "get flow status %s", flowID)
	}
	return types.FlowStepStatus(status), nil
}

func (t *tx) UpsertFlowStepStatus(ctx context.Context, flowID, stepID string, status types.FlowStepStatus) error {
	if !status.IsValid() {
		return fault.New(fault.ValidationError, "invalid flow step status: %s", status)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO flow_step_status (flow_id, step_id, status)
		VALUES (?, ?, ?)
		ON CONFLICT(flow_id, step_id) DO UPDATE SET
		    status = excluded.status,
		    last_updated = CURRENT_TIMESTAMP`,
		flowID, stepID, string(status))
	return wrapDBError("upsert flow step status", err)
}

// ReplaceThemeFlows rewrites the edge set for one theme. Edges, not embedded
// lists, so both lookup directions stay a single indexed query.
func (t *tx) ReplaceThemeFlows(ctx context.Context, theme string, flowIDs []string) error {
	if _, err := t.conn.ExecContext(ctx,
		`DELETE FROM theme_flows WHERE theme = ?`, theme); err != nil {
		return wrapDBError("clear theme flows", err)
	}
	for _, flowID := range flowIDs {
		if _, err := t.conn.ExecContext(ctx,
			`INSERT OR IGNORE INTO theme_flows (theme, flow_id) VALUES (?, ?)`,
			theme, flowID); err != nil {
			return wrapDBError("insert theme flow", err)
		}
	}
	return nil
}

// Events

func (t *tx) InsertEvent(ctx context.Context, e *types.NoteworthyEvent) error {
	if err := e.Validate(); err != nil {
		return fault.Wrap(fault.ValidationError, err, "event validation")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO noteworthy_events
		    (id, event_type, title, primary_theme, task_id, session_id,
		     impact, reasoning, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Type, e.Title, e.PrimaryTheme, e.TaskID, e.SessionID,
		string(e.Impact), e.Reasoning, e.Outcome, e.CreatedAt)
	return wrapDBError("insert event", err)
}

func (t *tx) RelateEvents(ctx context.Context, eventID, relatedID, relation string) error {
	if relation == "" {
		relation = "related"
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT OR IGNORE INTO event_relationships (event_id, related_id, relation)
		VALUES (?, ?, ?)`, eventID, relatedID, relation)
	return wrapDBError("relate events", err)
}

func (t *tx) CountCurrentEvents(ctx context.Context) (int, error) {
	var count int
	err := t.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM noteworthy_events WHERE archived_at IS NULL`).Scan(&count)
	if err != nil {
		return 0, wrapDBError("count current events", err)
	}
	return count, nil
}

const eventColumns = `id, event_type, title, primary_theme, task_id, session_id,
	impact, reasoning, outcome, created_at, archived_at`

func scanEvent(row interface{ Scan(...any) error }) (*types.NoteworthyEvent, error) {
	var e types.NoteworthyEvent
	var impact string
	var archived sql.NullTime
	err := row.Scan(&e.ID, &e.Type, &e.Title, &e.PrimaryTheme, &e.TaskID,
		&e.SessionID, &impact, &e.Reasoning, &e.Outcome, &e.CreatedAt, &archived)
	if err != nil {
		return nil, err
	}
	e.Impact = types.Severity(impact)
	if archived.Valid {
		e.ArchivedAt = &archived.Time
	}
	return &e, nil
}

// ArchiveCurrentEvents marks events created before the cutoff as archived and
// returns them so the caller can stage the dated archive file in the same
// change set.
func (t *tx) ArchiveCurrentEvents(ctx context.Context, before time.Time) ([]*types.NoteworthyEvent, error) {
	rows, err := t.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM noteworthy_events
		 WHERE archived_at IS NULL AND created_at < ?
		 ORDER BY created_at`, before)
	if err != nil {
		return nil, wrapDBError("select archivable events", err)
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
	if err := rows.Err(); err != nil {
		return nil, wrapDBError("select archivable events", err)
	}

	now := time.Now().UTC()
	for _, e := range out {
		if _, err := t.conn.ExecContext(ctx,
			`UPDATE noteworthy_events SET archived_at = ? WHERE id = ?`,
			now, e.ID); err != nil {
			return nil, wrapDBError("archive event", err)
		}
		e.ArchivedAt = &now
	}
	return out, nil
}

func (t *tx) RecordThemeEvolution(ctx context.Context, theme, change, reason string) error {
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO theme_evolution (theme, change, reason) VALUES (?, ?, ?)`,
		theme, change, reason)
	return wrapDBError("record theme evolution", err)
}

// Branches

func (t *tx) InsertBranch(ctx context.Context, b *types.Branch) error {
	if !b.Status.IsValid() {
		return fault.New(fault.ValidationError, "invalid branch status: %s", b.Status)
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO ai_instance_branches
		    (name, number, created_at, created_by_name, created_by_email,
		     created_by_source, git_base_hash, purpose, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.Name, b.Number, b.CreatedAt, b.CreatedBy.Name, b.CreatedBy.Email,
		b.CreatedBy.Source, b.GitBaseHash, b.Purpose, string(b.Status))
	return wrapDBError("insert branch", err)
}

// NextBranchNumber allocates MAX(number)+1 inside the write transaction so
// concurrent creators never mint the same branch name.
func (t *tx) NextBranchNumber(ctx context.Context) (int, error) {
	var max sql.NullInt64
	err := t.conn.QueryRowContext(ctx,
		`SELECT MAX(number) FROM ai_instance_branches`).Scan(&max)
	if err != nil {
		return 0, wrapDBError("next branch number", err)
	}
	return int(max.Int64) + 1, nil
}

func (t *tx) UpdateBranchStatus(ctx context.Context, name string, status types.BranchStatus) error {
	if !status.IsValid() {
		return fault.New(fault.ValidationError, "invalid branch status: %s", status)
	}
	var stampCol string
	switch status {
	case types.BranchMerged:
		stampCol = ", merged_at = CURRENT_TIMESTAMP"
	case types.BranchDeleted:
		stampCol = ", deleted_at = CURRENT_TIMESTAMP"
	}
	res, err := t.conn.ExecContext(ctx,
		`UPDATE ai_instance_branches SET status = ?`+stampCol+` WHERE name = ?`,
		string(status), name)
	if err != nil {
		return wrapDBError("update branch status", err)
	}
	return requireRow(res, "branch", name)
}

// Git project state

func (t *tx) UpsertGitState(ctx context.Context, st *types.GitProjectState) error {
	if st.ReconciliationStatus == "" {
		st.ReconciliationStatus = "clean"
	}
	if st.LastSync.IsZero() {
		st.LastSync = time.Now().UTC()
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO git_project_state
		    (project_path, current_git_hash, last_known_hash, last_sync,
		     change_summary, affected_themes, reconciliation_status)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(project_path) DO UPDATE SET
		    current_git_hash = excluded.current_git_hash,
		    last_known_hash = excluded.last_known_hash,
		    last_sync = excluded.last_sync,
		    change_summary = excluded.change_summary,
		    affected_themes = excluded.affected_themes,
		    reconciliation_status = excluded.reconciliation_status`,
		st.ProjectPath, st.CurrentHash, st.LastKnownHash, st.LastSync,
		st.ChangeSummary, marshalList(st.AffectedThemes), st.ReconciliationStatus)
	return wrapDBError("upsert git state", err)
}

func (t *tx) GetGitState(ctx context.Context) (*types.GitProjectState, error) {
	row := t.conn.QueryRowContext(ctx, `
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

func (t *tx) InsertChangeImpact(ctx context.Context, sessionID string, imp *types.ChangeImpact) error {
	if !imp.Severity.IsValid() {
		return fault.New(fault.ValidationError, "invalid impact severity: %s", imp.Severity)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO git_change_impacts
		    (session_id, file_path, old_path, change_kind, candidate_themes,
		     signals, severity, strategy, reasoning)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID, imp.File.Path, imp.File.OldPath, string(imp.File.Kind),
		marshalList(imp.CandidateThemes), marshalList(imp.Signals),
		string(imp.Severity), string(imp.Strategy), imp.Reasoning)
	return wrapDBError("insert change impact", err)
}

func (t *tx) ResolveChangeImpacts(ctx context.Context, paths []string) error {
	for _, p := range paths {
		if _, err := t.conn.ExecContext(ctx,
			`UPDATE git_change_impacts SET resolved = 1 WHERE file_path = ? AND resolved = 0`,
			p); err != nil {
			return wrapDBError("resolve change impact", err)
		}
	}
	return nil
}
