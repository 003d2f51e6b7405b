// Package scheduler owns the lifecycle of tasks, subtasks, and sidequests:
// creation, the status transition graph, the per-task sidequest limit, and
// context snapshots captured on pause and restored on resume.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/idgen"
	"github.com/aryanduntley/aipm/internal/jsonl"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

// Scheduler coordinates work item state through the Store. One scheduler
// serves one session.
type Scheduler struct {
	projectRoot string
	store       storage.Store
	index       *themes.Index
	cfg         *config.Config
	sessionID   string
}

// New creates a scheduler bound to a session.
func New(projectRoot string, store storage.Store, index *themes.Index, cfg *config.Config, sessionID string) *Scheduler {
	return &Scheduler{
		projectRoot: projectRoot,
		store:       store,
		index:       index,
		cfg:         cfg,
		sessionID:   sessionID,
	}
}

// TaskSpec describes a task to create.
type TaskSpec struct {
	Title              string
	Priority           int
	MilestoneID        string
	PlanID             string
	PrimaryTheme       string
	RelatedThemes      []string
	AcceptanceCriteria []string
	Dependencies       []string
}

// CreateTask validates the spec against the completion path and theme index,
// then persists the task row and its definition file in one paired write.
func (s *Scheduler) CreateTask(ctx context.Context, spec TaskSpec) (string, error) {
	path, err := s.readCompletionPath()
	if err != nil {
		return "", err
	}
	if path.Milestone(spec.MilestoneID) == nil {
		return "", fault.New(fault.MissingMilestone,
			"milestone %q is not on the completion path", spec.MilestoneID).
			WithDetail("milestone_id", spec.MilestoneID)
	}
	if _, err := s.index.Theme(spec.PrimaryTheme); err != nil {
		return "", err
	}
	for _, theme := range spec.RelatedThemes {
		if _, err := s.index.Theme(theme); err != nil {
			return "", err
		}
	}

	task := &types.Task{
		ID:           idgen.TaskID(time.Now()),
		Title:        spec.Title,
		Status:       types.StatusPending,
		Priority:     spec.Priority,
		MilestoneID:  spec.MilestoneID,
		PlanID:       spec.PlanID,
		PrimaryTheme: spec.PrimaryTheme,
	}
	task.RelatedThemes = append(task.RelatedThemes, spec.RelatedThemes...)
	task.Dependencies = append(task.Dependencies, spec.Dependencies...)
	for _, c := range spec.AcceptanceCriteria {
		task.AcceptanceCriteria = append(task.AcceptanceCriteria, types.Criterion{Description: c})
	}

	err = s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		return s.stageTaskFile(cs, task)
	})
	if err != nil {
		return "", err
	}
	debug.LogEvent(s.projectRoot, "TASK_CREATED", task.ID, s.sessionID, spec.Title)
	return task.ID, nil
}

// StartTask moves a pending or blocked task to in-progress. At most one
// task may be in-progress across the project at a time.
func (s *Scheduler) StartTask(ctx context.Context, id string) error {
	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID

		running, err := tx.CountTasksInProgress(ctx)
		if err != nil {
			return err
		}
		if running > 0 {
			return fault.New(fault.ConcurrentTask,
				"another task is already in progress").
				WithDetail("task_id", id)
		}
		if err := tx.UpdateTaskStatus(ctx, id, types.StatusInProgress, ""); err != nil {
			return err
		}
		return s.refreshTaskFile(ctx, tx, cs, id)
	})
}

// AddSubtask creates the next ST-NN subtask under a task or sidequest.
func (s *Scheduler) AddSubtask(ctx context.Context, parentID string, parentKind types.ParentKind, title string, flowRefs []types.FlowReference, files []string) (string, error) {
	var id string
	err := s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID
		n, err := tx.NextSubtaskOrdinal(ctx, parentID)
		if err != nil {
			return err
		}
		id = idgen.SubtaskID(n)
		return tx.InsertSubtask(ctx, &types.Subtask{
			ID:         id,
			ParentID:   parentID,
			ParentKind: parentKind,
			Title:      title,
			Status:     types.StatusPending,
			FlowRefs:   flowRefs,
			Files:      files,
		})
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// UpdateTaskProgress is an atomic paired write of progress state; this is
// what makes unclean-shutdown recovery loss-free.
func (s *Scheduler) UpdateTaskProgress(ctx context.Context, id string, pct int, notes string) error {
	if pct < 0 || pct > 100 {
		return fault.New(fault.ValidationError, "progress must be 0-100, got %d", pct)
	}
	if err := s.rejectPlaceholders("task", id, notes); err != nil {
		return err
	}
	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		task.Progress = pct
		if notes != "" {
			task.StatusReason = notes
		}
		if err := tx.UpdateTask(ctx, task); err != nil {
			return err
		}
		return s.stageTaskFile(cs, task)
	})
}

// placeholderMarkers are the tokens avoidPlaceholders refuses in recorded
// notes. Rejected text lands in Placeholders/todos.jsonl for followup.
var placeholderMarkers = []string{"TODO", "FIXME", "XXX", "PLACEHOLDER"}

func (s *Scheduler) rejectPlaceholders(entity, id, text string) error {
	if !s.cfg.Project.AvoidPlaceholders || text == "" {
		return nil
	}
	for _, marker := range placeholderMarkers {
		if !strings.Contains(text, marker) {
			continue
		}
		entry := map[string]any{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"entity":     entity,
			"id":         id,
			"marker":     marker,
			"text":       text,
			"session_id": s.sessionID,
		}
		if err := jsonl.Append(filepath.Join(s.projectRoot, layout.TodosFile), entry); err != nil {
			debug.Logf("todos log append failed: %v", err)
		}
		return fault.New(fault.ValidationError,
			"%s notes contain placeholder marker %q", entity, marker).
			WithDetail("marker", marker).
			WithResolutions("write the real content, or record the gap as a subtask")
	}
	return nil
}

// UpdateSubtaskProgress updates one subtask's progress and refreshes the
// parent's definition file.
func (s *Scheduler) UpdateSubtaskProgress(ctx context.Context, parentID, id string, pct int) error {
	if pct < 0 || pct > 100 {
		return fault.New(fault.ValidationError, "progress must be 0-100, got %d", pct)
	}
	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID
		st, err := tx.GetSubtask(ctx, parentID, id)
		if err != nil {
			return err
		}
		st.Progress = pct
		if pct >= 100 {
			st.Status = types.StatusCompleted
		} else if st.Status == types.StatusPending && pct > 0 {
			st.Status = types.StatusInProgress
		}
		return tx.UpdateSubtask(ctx, st)
	})
}

// Transition moves a task through the state graph. Completion is gated on
// subtasks, sidequests, and acceptance criteria; cancellation cascades to
// active sidequests and discards the context snapshot.
func (s *Scheduler) Transition(ctx context.Context, id string, status types.WorkStatus) error {
	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID

		switch status {
		case types.StatusCompleted:
			if err := s.checkCompletable(ctx, tx, id); err != nil {
				return err
			}
		case types.StatusCancelled:
			if err := s.cascadeCancel(ctx, tx, cs, id); err != nil {
				return err
			}
		}
		if err := tx.UpdateTaskStatus(ctx, id, status, ""); err != nil {
			return err
		}
		if status.IsTerminal() {
			cs.Rename(layout.ActiveTaskFile(id), layout.ArchivedTaskFile(id))
			return nil
		}
		return s.refreshTaskFile(ctx, tx, cs, id)
	})
}

// checkCompletable enforces the completion gate: all subtasks completed, no
// non-terminal sidequests, all acceptance criteria satisfied.
func (s *Scheduler) checkCompletable(ctx context.Context, tx storage.Tx, id string) error {
	task, err := tx.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !task.CriteriaSatisfied() {
		return fault.New(fault.StateTransitionForbidden,
			"task %s has unsatisfied acceptance criteria", id).
			WithDetail("task_id", id)
	}
	subs, err := tx.ListSubtasks(ctx, id)
	if err != nil {
		return err
	}
	for _, st := range subs {
		if st.Status != types.StatusCompleted {
			return fault.New(fault.StateTransitionForbidden,
				"task %s has incomplete subtask %s", id, st.ID).
				WithDetail("task_id", id).
				WithDetail("subtask_id", st.ID)
		}
	}
	active, err := tx.CountActiveSidequests(ctx, id)
	if err != nil {
		return err
	}
	if active > 0 {
		return fault.New(fault.StateTransitionForbidden,
			"task %s has %d active sidequests", id, active).
			WithDetail("task_id", id)
	}
	return nil
}

// cascadeCancel cancels active sidequests of a task being cancelled and
// drops its snapshot.
func (s *Scheduler) cascadeCancel(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet, id string) error {
	sidequests, err := tx.ListSidequestsByTask(ctx, id)
	if err != nil {
		return err
	}
	for _, q := range sidequests {
		if q.Status.IsTerminal() {
			continue
		}
		q.Status = types.StatusCancelled
		if err := tx.UpdateSidequest(ctx, q); err != nil {
			return err
		}
		cs.Rename(layout.SidequestFile(q.ID), layout.ArchivedSidequestFile(q.ID))
	}
	return tx.ClearContextSnapshot(ctx, id)
}

// SetFlowStatus records a flow's tracked status, optionally scoped to one
// step. Milestone gates read this state, so completing a flow here is what
// unblocks CompleteMilestone for milestones requiring it.
func (s *Scheduler) SetFlowStatus(ctx context.Context, flowID, stepID string, status types.FlowStepStatus, completion int) error {
	if !status.IsValid() {
		return fault.New(fault.ValidationError, "invalid flow status: %s", status)
	}
	if completion < 0 || completion > 100 {
		return fault.New(fault.ValidationError, "completion must be 0-100, got %d", completion)
	}
	if s.cfg.Validation.Mode != config.ValidationDisabled {
		if _, err := s.index.FlowEntry(flowID); err != nil {
			return err
		}
	}
	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID
		if stepID != "" {
			return tx.UpsertFlowStepStatus(ctx, flowID, stepID, status)
		}
		if status == types.StepComplete {
			completion = 100
		}
		return tx.UpsertFlowStatus(ctx, flowID, status, completion)
	})
}

// readCompletionPath parses Tasks/completion-path.json.
func (s *Scheduler) readCompletionPath() (*types.CompletionPath, error) {
	data, err := os.ReadFile(filepath.Join(s.projectRoot, layout.CompletionPathFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.NotFound, err, "completion path not initialized")
		}
		return nil, fault.Wrap(fault.IntegrityError, err, "read completion path")
	}
	var path types.CompletionPath
	if err := json.Unmarshal(data, &path); err != nil {
		return nil, fault.Wrap(fault.IntegrityError, err, "parse completion path")
	}
	return &path, nil
}

// CompleteMilestone checks the milestone's gates (required flows at their
// required status, all plans completed) and rewrites the completion path.
func (s *Scheduler) CompleteMilestone(ctx context.Context, id string) error {
	path, err := s.readCompletionPath()
	if err != nil {
		return err
	}
	m := path.Milestone(id)
	if m == nil {
		return fault.New(fault.MissingMilestone, "milestone %q is not on the completion path", id)
	}

	return s.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = s.sessionID

		for flowID, required := range m.RequiredFlows {
			status, err := tx.GetFlowStatus(ctx, flowID)
			if fault.IsKind(err, fault.NotFound) {
				status = types.StepPending
			} else if err != nil {
				return err
			}
			if !status.AtLeast(types.FlowStepStatus(required)) {
				return fault.New(fault.StateTransitionForbidden,
					"milestone %s requires flow %s at %s, currently %s", id, flowID, required, status).
					WithDetail("milestone_id", id).
					WithDetail("flow_id", flowID)
			}
		}
		for _, planID := range m.PlanIDs {
			if _, err := os.Stat(filepath.Join(s.projectRoot, layout.CompletedPlanFile(planID))); err != nil {
				return fault.New(fault.StateTransitionForbidden,
					"milestone %s has plan %s not completed", id, planID).
					WithDetail("milestone_id", id).
					WithDetail("plan_id", planID)
			}
		}

		now := time.Now().UTC()
		m.Status = types.StatusCompleted
		m.CompletedAt = &now
		path.UpdatedAt = now
		data, err := storage.EncodeJSON(path, false)
		if err != nil {
			return fault.Wrap(fault.IntegrityError, err, "encode completion path")
		}
		cs.Write(layout.CompletionPathFile, data)

		return tx.InsertEvent(ctx, &types.NoteworthyEvent{
			ID:        idgen.EventID(now),
			Type:      types.EventMilestone,
			Title:     fmt.Sprintf("Milestone %s completed", id),
			SessionID: s.sessionID,
			Outcome:   "completed",
		})
	})
}

// stageTaskFile stages the task definition file. Task files are machine
// owned, so minifyJson applies.
func (s *Scheduler) stageTaskFile(cs *storage.ChangeSet, task *types.Task) error {
	data, err := storage.EncodeJSON(task, s.cfg.Project.MinifyJSON)
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "encode task %s", task.ID)
	}
	cs.Write(layout.ActiveTaskFile(task.ID), data)
	return nil
}

func (s *Scheduler) refreshTaskFile(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet, id string) error {
	task, err := tx.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return s.stageTaskFile(cs, task)
}

func (s *Scheduler) stageSidequestFile(cs *storage.ChangeSet, q *types.Sidequest) error {
	data, err := storage.EncodeJSON(q, s.cfg.Project.MinifyJSON)
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "encode sidequest %s", q.ID)
	}
	cs.Write(layout.SidequestFile(q.ID), data)
	return nil
}
