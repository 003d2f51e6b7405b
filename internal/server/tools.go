package server

import (
	"context"

	"github.com/aryanduntley/aipm/internal/boot"
	"github.com/aryanduntley/aipm/internal/loader"
	"github.com/aryanduntley/aipm/internal/scheduler"
	"github.com/aryanduntley/aipm/internal/types"
)

// Tool input types. Field names form the wire contract, so they change only
// deliberately.

type taskCreateInput struct {
	Title              string   `json:"title"`
	Priority           int      `json:"priority,omitempty"`
	MilestoneID        string   `json:"milestone_id"`
	PlanID             string   `json:"plan_id,omitempty"`
	PrimaryTheme       string   `json:"primary_theme"`
	RelatedThemes      []string `json:"related_themes,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	Dependencies       []string `json:"dependencies,omitempty"`
}

type taskIDInput struct {
	TaskID string `json:"task_id"`
}

type taskListInput struct {
	Statuses []types.WorkStatus `json:"statuses,omitempty"`
}

type taskProgressInput struct {
	TaskID   string `json:"task_id"`
	Progress int    `json:"progress"`
	Notes    string `json:"notes,omitempty"`
}

type taskTransitionInput struct {
	TaskID string           `json:"task_id"`
	Status types.WorkStatus `json:"status"`
}

type subtaskAddInput struct {
	ParentID   string                `json:"parent_id"`
	ParentKind types.ParentKind      `json:"parent_kind"`
	Title      string                `json:"title"`
	FlowRefs   []types.FlowReference `json:"flow_refs,omitempty"`
	Files      []string              `json:"files,omitempty"`
}

type subtaskProgressInput struct {
	ParentID  string `json:"parent_id"`
	SubtaskID string `json:"subtask_id"`
	Progress  int    `json:"progress"`
}

type sidequestCreateInput struct {
	ParentTaskID    string                `json:"parent_task_id"`
	Title           string                `json:"title"`
	Scope           string                `json:"scope,omitempty"`
	Reason          string                `json:"reason,omitempty"`
	Urgency         string                `json:"urgency,omitempty"`
	Impact          types.SidequestImpact `json:"impact,omitempty"`
	PrimaryTheme    string                `json:"primary_theme"`
	InheritedThemes []string              `json:"inherited_themes,omitempty"`
	LoadedThemes    []string              `json:"loaded_themes,omitempty"`
	LoadedFlows     []string              `json:"loaded_flows,omitempty"`
	LoadedFiles     []string              `json:"loaded_files,omitempty"`
	ContextMode     types.ContextMode     `json:"context_mode,omitempty"`
}

type sidequestIDInput struct {
	SidequestID string `json:"sidequest_id"`
}

type raiseLimitInput struct {
	TaskID string `json:"task_id"`
	Limit  int    `json:"limit"`
}

type milestoneInput struct {
	MilestoneID string `json:"milestone_id"`
}

type contextLoadInput struct {
	TaskID        string                `json:"task_id,omitempty"`
	PrimaryTheme  string                `json:"primary_theme"`
	RelatedThemes []string              `json:"related_themes,omitempty"`
	FlowRefs      []types.FlowReference `json:"flow_refs,omitempty"`
	Mode          types.ContextMode     `json:"mode,omitempty"`
}

type escalateInput struct {
	TaskID   string            `json:"task_id"`
	From     types.ContextMode `json:"from"`
	Reason   string            `json:"reason,omitempty"`
	Approved bool              `json:"approved,omitempty"`
}

type flowUpdateInput struct {
	FlowID     string               `json:"flow_id"`
	StepID     string               `json:"step_id,omitempty"`
	Status     types.FlowStepStatus `json:"status"`
	Completion int                  `json:"completion,omitempty"`
}

type flowIDInput struct {
	FlowID string `json:"flow_id"`
}

type branchCreateInput struct {
	Purpose string `json:"purpose,omitempty"`
}

type branchNameInput struct {
	Name        string `json:"name"`
	DeleteAfter bool   `json:"delete_after,omitempty"`
}

type reconcileDecideInput struct {
	Path    string `json:"path"`
	Theme   string `json:"theme,omitempty"`
	Approve bool   `json:"approve"`
}

type reconcileManualInput struct {
	Paths []string `json:"paths"`
}

type eventsInput struct {
	Limit int `json:"limit,omitempty"`
}

type createdResult struct {
	ID string `json:"id"`
}

type okResult struct {
	OK bool `json:"ok"`
}

var toolOK = okResult{OK: true}

func (s *Server) registerTools() {
	// Session
	s.add(tool("session.status", "boot summary and session state", true,
		func(ctx context.Context, s *Server, _ struct{}) (any, error) {
			return map[string]any{
				"summary": boot.Summary(s.res),
				"result":  s.res,
			}, nil
		}))

	// Tasks
	s.add(tool("task.create", "create a task under a milestone", false,
		func(ctx context.Context, s *Server, in taskCreateInput) (any, error) {
			id, err := s.sys.Scheduler.CreateTask(ctx, scheduler.TaskSpec{
				Title:              in.Title,
				Priority:           in.Priority,
				MilestoneID:        in.MilestoneID,
				PlanID:             in.PlanID,
				PrimaryTheme:       in.PrimaryTheme,
				RelatedThemes:      in.RelatedThemes,
				AcceptanceCriteria: in.AcceptanceCriteria,
				Dependencies:       in.Dependencies,
			})
			if err != nil {
				return nil, err
			}
			return createdResult{ID: id}, nil
		}))
	s.add(tool("task.start", "move a task to in-progress", false,
		func(ctx context.Context, s *Server, in taskIDInput) (any, error) {
			if err := s.sys.Scheduler.StartTask(ctx, in.TaskID); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("task.get", "fetch one task", true,
		func(ctx context.Context, s *Server, in taskIDInput) (any, error) {
			return s.sys.Store.GetTask(ctx, in.TaskID)
		}))
	s.add(tool("task.list", "list tasks by status", true,
		func(ctx context.Context, s *Server, in taskListInput) (any, error) {
			statuses := in.Statuses
			if len(statuses) == 0 {
				statuses = []types.WorkStatus{types.StatusPending, types.StatusInProgress, types.StatusBlocked}
			}
			return s.sys.Store.ListTasksByStatus(ctx, statuses...)
		}))
	s.add(tool("task.progress", "update task progress", false,
		func(ctx context.Context, s *Server, in taskProgressInput) (any, error) {
			if err := s.sys.Scheduler.UpdateTaskProgress(ctx, in.TaskID, in.Progress, in.Notes); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("task.transition", "transition a task's status", false,
		func(ctx context.Context, s *Server, in taskTransitionInput) (any, error) {
			if err := s.sys.Scheduler.Transition(ctx, in.TaskID, in.Status); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))

	// Subtasks
	s.add(tool("subtask.add", "add a subtask to a task or sidequest", false,
		func(ctx context.Context, s *Server, in subtaskAddInput) (any, error) {
			id, err := s.sys.Scheduler.AddSubtask(ctx, in.ParentID, in.ParentKind, in.Title, in.FlowRefs, in.Files)
			if err != nil {
				return nil, err
			}
			return createdResult{ID: id}, nil
		}))
	s.add(tool("subtask.progress", "update subtask progress", false,
		func(ctx context.Context, s *Server, in subtaskProgressInput) (any, error) {
			if err := s.sys.Scheduler.UpdateSubtaskProgress(ctx, in.ParentID, in.SubtaskID, in.Progress); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))

	// Sidequests
	s.add(tool("sidequest.create", "pause the parent task and spawn a sidequest", false,
		func(ctx context.Context, s *Server, in sidequestCreateInput) (any, error) {
			id, err := s.sys.Scheduler.CreateSidequest(ctx, in.ParentTaskID,
				scheduler.SidequestSpec{
					Title:           in.Title,
					Scope:           in.Scope,
					Reason:          in.Reason,
					Urgency:         in.Urgency,
					Impact:          in.Impact,
					PrimaryTheme:    in.PrimaryTheme,
					InheritedThemes: in.InheritedThemes,
				},
				scheduler.ActiveContext{
					LoadedThemes: in.LoadedThemes,
					LoadedFlows:  in.LoadedFlows,
					LoadedFiles:  in.LoadedFiles,
					ContextMode:  in.ContextMode,
				})
			if err != nil {
				return nil, err
			}
			return createdResult{ID: id}, nil
		}))
	s.add(tool("sidequest.complete", "complete a sidequest and resume its parent", false,
		func(ctx context.Context, s *Server, in sidequestIDInput) (any, error) {
			return s.sys.Scheduler.CompleteSidequest(ctx, in.SidequestID)
		}))
	s.add(tool("sidequest.raise_limit", "raise the per-task sidequest limit", false,
		func(ctx context.Context, s *Server, in raiseLimitInput) (any, error) {
			if err := s.sys.Scheduler.RaiseSidequestLimit(ctx, in.TaskID, in.Limit); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("sidequest.limit_status", "active sidequest count against the limit", true,
		func(ctx context.Context, s *Server, in taskIDInput) (any, error) {
			return s.sys.Store.SidequestLimitStatus(ctx, in.TaskID)
		}))

	// Milestones
	s.add(tool("milestone.complete", "complete a milestone after its gates pass", false,
		func(ctx context.Context, s *Server, in milestoneInput) (any, error) {
			if err := s.sys.Scheduler.CompleteMilestone(ctx, in.MilestoneID); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))

	// Context
	s.add(tool("context.load", "resolve themes, flows, and files for a work item", true,
		func(ctx context.Context, s *Server, in contextLoadInput) (any, error) {
			mode := in.Mode
			if !mode.IsValid() {
				mode = s.sys.Loader.DefaultMode()
			}
			return s.sys.Loader.Load(ctx, loader.Workload{
				TaskID:        in.TaskID,
				PrimaryTheme:  in.PrimaryTheme,
				RelatedThemes: in.RelatedThemes,
				FlowRefs:      in.FlowRefs,
			}, mode)
		}))
	s.add(tool("context.escalate", "widen the context mode for a task", false,
		func(ctx context.Context, s *Server, in escalateInput) (any, error) {
			mode, err := s.sys.Loader.Escalate(ctx, in.TaskID, in.From, in.Reason, in.Approved)
			if err != nil {
				return nil, err
			}
			return map[string]any{"mode": mode}, nil
		}))
	// Flows
	s.add(tool("flow.update", "record a flow or flow step status", false,
		func(ctx context.Context, s *Server, in flowUpdateInput) (any, error) {
			if err := s.sys.Scheduler.SetFlowStatus(ctx, in.FlowID, in.StepID, in.Status, in.Completion); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("flow.status", "read a flow's tracked status", true,
		func(ctx context.Context, s *Server, in flowIDInput) (any, error) {
			status, err := s.sys.Store.GetFlowStatus(ctx, in.FlowID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"flow_id": in.FlowID, "status": status}, nil
		}))

	s.add(tool("themes.summary", "theme to flow mapping overview", true,
		func(ctx context.Context, s *Server, _ struct{}) (any, error) {
			return s.sys.Store.ThemeFlowSummary(ctx)
		}))
	s.add(tool("themes.shared_files", "files shared by too many themes", true,
		func(ctx context.Context, s *Server, _ struct{}) (any, error) {
			return s.sys.Index.SharedFileWarnings()
		}))

	// Branches
	s.add(tool("branch.create", "create the next numbered work branch", false,
		func(ctx context.Context, s *Server, in branchCreateInput) (any, error) {
			return s.sys.Branches.CreateWorkBranch(ctx, in.Purpose)
		}))
	s.add(tool("branch.merge", "merge a work branch into the canonical branch", false,
		func(ctx context.Context, s *Server, in branchNameInput) (any, error) {
			if err := s.sys.Branches.MergeWorkBranch(ctx, in.Name, in.DeleteAfter); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("branch.delete", "delete a work branch on explicit request", false,
		func(ctx context.Context, s *Server, in branchNameInput) (any, error) {
			if err := s.sys.Branches.DeleteBranch(ctx, in.Name); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("branch.list", "list registered branches with staleness", true,
		func(ctx context.Context, s *Server, _ struct{}) (any, error) {
			return s.sys.Branches.ListBranches(ctx)
		}))

	// Reconciliation
	s.add(tool("reconcile.detect", "detect external source changes", false,
		func(ctx context.Context, s *Server, _ struct{}) (any, error) {
			return s.sys.Bridge.DetectChanges(ctx)
		}))
	s.add(tool("reconcile.pending", "impacts awaiting a decision", true,
		func(ctx context.Context, s *Server, _ struct{}) (any, error) {
			return s.sys.Bridge.PendingImpacts(ctx)
		}))
	s.add(tool("reconcile.decide", "approve or reject one pending impact", false,
		func(ctx context.Context, s *Server, in reconcileDecideInput) (any, error) {
			if err := s.sys.Bridge.ApplyDecision(ctx, in.Path, in.Theme, in.Approve); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))
	s.add(tool("reconcile.manual", "mark manually reconciled impacts resolved", false,
		func(ctx context.Context, s *Server, in reconcileManualInput) (any, error) {
			if err := s.sys.Bridge.CompleteManual(ctx, in.Paths); err != nil {
				return nil, err
			}
			return toolOK, nil
		}))

	// Events
	s.add(tool("events.recent", "recent noteworthy events", true,
		func(ctx context.Context, s *Server, in eventsInput) (any, error) {
			limit := in.Limit
			if limit <= 0 {
				limit = 20
			}
			return s.sys.Store.RecentEvents(ctx, limit)
		}))
}
