package scheduler

import (
	"context"
	"time"

	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/idgen"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

// SidequestSpec describes a sidequest to spawn from an in-progress task.
type SidequestSpec struct {
	Title           string
	Scope           string
	Reason          string
	Urgency         string
	Impact          types.SidequestImpact
	PrimaryTheme    string
	InheritedThemes []string
}

// ActiveContext is the caller's view of what is currently loaded, captured
// into the context snapshot when the parent task is paused.
type ActiveContext struct {
	LoadedThemes []string
	LoadedFlows  []string
	LoadedFiles  []string
	ContextMode  types.ContextMode
}

// CreateSidequest spawns a sidequest from an in-progress task: the limit is
// checked and the ordinal allocated inside the write transaction, so two
// racing creators at limit-1 serialize and the second sees LimitExceeded.
// The parent is paused with a context snapshot and moved to blocked.
func (s *Scheduler) CreateSidequest(ctx context.Context, parentTaskID string, spec SidequestSpec, active ActiveContext) (string, error) {
	var sqID string
	err := s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID

		parent, err := tx.GetTask(ctx, parentTaskID)
		if err != nil {
			return err
		}
		if parent.Status != types.StatusInProgress {
			return fault.New(fault.StateTransitionForbidden,
				"sidequests spawn from an in-progress task; %s is %s", parentTaskID, parent.Status).
				WithDetail("task_id", parentTaskID)
		}

		count, err := tx.CountActiveSidequests(ctx, parentTaskID)
		if err != nil {
			return err
		}
		limit := s.cfg.Tasks.MaxActiveSidequests
		if override, ok, err := tx.SidequestLimit(ctx, parentTaskID); err != nil {
			return err
		} else if ok {
			limit = override
		}
		if count >= limit {
			return fault.New(fault.LimitExceeded,
				"task %s already has %d active sidequests (limit %d)", parentTaskID, count, limit).
				WithDetail("task_id", parentTaskID).
				WithDetail("active_count", count).
				WithDetail("limit", limit).
				WithResolutions(fault.SidequestLimitResolutions...)
		}

		// Snapshot the paused position before blocking the parent.
		snap := &types.ContextSnapshot{
			LoadedThemes: active.LoadedThemes,
			LoadedFlows:  active.LoadedFlows,
			LoadedFiles:  active.LoadedFiles,
			ContextMode:  active.ContextMode,
			PausedAt:     time.Now().UTC(),
		}
		var pausedSubtask string
		subs, err := tx.ListSubtasks(ctx, parentTaskID)
		if err != nil {
			return err
		}
		for _, st := range subs {
			if st.Status == types.StatusInProgress {
				snap.PausedSubtaskID = st.ID
				snap.PausedProgress = st.Progress
				pausedSubtask = st.ID
				break
			}
		}
		if err := tx.SetContextSnapshot(ctx, parentTaskID, snap); err != nil {
			return err
		}

		now := time.Now()
		ordinal, err := tx.NextSidequestOrdinal(ctx, now)
		if err != nil {
			return err
		}
		sqID = idgen.SidequestID(now, ordinal)

		if err := tx.UpdateTaskStatus(ctx, parentTaskID, types.StatusBlocked, "sidequest:"+sqID); err != nil {
			return err
		}

		q := &types.Sidequest{
			ID:              sqID,
			ParentTaskID:    parentTaskID,
			Title:           spec.Title,
			Scope:           spec.Scope,
			Reason:          spec.Reason,
			Urgency:         spec.Urgency,
			Impact:          spec.Impact,
			Status:          types.StatusPending,
			PrimaryTheme:    spec.PrimaryTheme,
			InheritedThemes: spec.InheritedThemes,
		}
		if err := tx.InsertSidequest(ctx, q); err != nil {
			return err
		}
		if pausedSubtask != "" {
			if err := tx.LinkSubtaskSidequest(ctx, pausedSubtask, sqID); err != nil {
				return err
			}
		}
		if err := s.stageSidequestFile(cs, q); err != nil {
			return err
		}
		return s.refreshTaskFile(ctx, tx, cs, parentTaskID)
	})
	if err != nil {
		return "", err
	}
	debug.LogEvent(s.projectRoot, "SIDEQUEST_CREATED", sqID, s.sessionID, spec.Title)
	return sqID, nil
}

// CompleteSidequest finishes a sidequest and resumes its parent from the
// context snapshot. The snapshot is returned so the caller can restore the
// loader state it describes.
func (s *Scheduler) CompleteSidequest(ctx context.Context, id string) (*types.ContextSnapshot, error) {
	var snap *types.ContextSnapshot
	err := s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID

		q, err := tx.GetSidequest(ctx, id)
		if err != nil {
			return err
		}
		if q.Status.IsTerminal() {
			return fault.New(fault.StateTransitionForbidden, "sidequest %s is already %s", id, q.Status)
		}

		subs, err := tx.ListSubtasks(ctx, id)
		if err != nil {
			return err
		}
		for _, st := range subs {
			if st.Status != types.StatusCompleted {
				return fault.New(fault.StateTransitionForbidden,
					"sidequest %s has incomplete subtask %s", id, st.ID).
					WithDetail("sidequest_id", id).
					WithDetail("subtask_id", st.ID)
			}
		}

		now := time.Now().UTC()
		q.Status = types.StatusCompleted
		q.CompletedAt = &now
		if err := tx.UpdateSidequest(ctx, q); err != nil {
			return err
		}

		// A scope-changing sidequest rewrites the parent's file from
		// the updated row before its own archival, and the decision is
		// recorded as an event.
		if q.ScopeChanged {
			if err := tx.InsertEvent(ctx, &types.NoteworthyEvent{
				ID:        idgen.EventID(now),
				Type:      types.EventDecision,
				Title:     "Sidequest " + id + " changed scope of " + q.ParentTaskID,
				TaskID:    q.ParentTaskID,
				SessionID: s.sessionID,
				Reasoning: q.Reason,
				Outcome:   "parent task definition updated",
			}); err != nil {
				return err
			}
		}

		cs.Rename(layout.SidequestFile(id), layout.ArchivedSidequestFile(id))

		snap, err = tx.GetContextSnapshot(ctx, q.ParentTaskID)
		if err != nil && !fault.IsKind(err, fault.NotFound) {
			return err
		}
		if err := tx.UpdateTaskStatus(ctx, q.ParentTaskID, types.StatusInProgress, "resumed:"+id); err != nil {
			return err
		}
		if err := tx.ClearContextSnapshot(ctx, q.ParentTaskID); err != nil {
			return err
		}
		return s.refreshTaskFile(ctx, tx, cs, q.ParentTaskID)
	})
	if err != nil {
		return nil, err
	}
	debug.LogEvent(s.projectRoot, "SIDEQUEST_COMPLETED", id, s.sessionID, "")
	return snap, nil
}

// RaiseSidequestLimit raises the per-task limit for this session, the
// fourth advisory resolution of LimitExceeded.
func (s *Scheduler) RaiseSidequestLimit(ctx context.Context, taskID string, limit int) error {
	if limit <= 0 {
		return fault.New(fault.ValidationError, "limit must be positive, got %d", limit)
	}
	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID
		return tx.RaiseSidequestLimit(ctx, taskID, limit)
	})
}
