// Package types defines core data structures for the aipm orchestrator.
package types

import (
	"fmt"
	"time"
)

// WorkStatus represents the lifecycle state of a task, subtask, or sidequest.
type WorkStatus string

// Work item status constants
const (
	StatusPending    WorkStatus = "pending"
	StatusInProgress WorkStatus = "in-progress"
	StatusBlocked    WorkStatus = "blocked"
	StatusCompleted  WorkStatus = "completed"
	StatusCancelled  WorkStatus = "cancelled"
)

// IsValid checks if the status value is valid for tasks and sidequests.
func (s WorkStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusBlocked, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// IsValidForSubtask checks validity for subtasks, which cannot be cancelled
// independently (they terminate with their parent).
func (s WorkStatus) IsValidForSubtask() bool {
	return s.IsValid() && s != StatusCancelled
}

// IsTerminal returns true for states that admit no further transitions.
func (s WorkStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// transitions is the fixed state graph shared by tasks and sidequests.
// Cancellation is reachable from every non-terminal state so that a parent
// cancel can propagate to blocked children.
var transitions = map[WorkStatus][]WorkStatus{
	StatusPending:    {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusBlocked, StatusCompleted, StatusCancelled},
	StatusBlocked:    {StatusInProgress, StatusCancelled},
}

// CanTransition reports whether moving from s to next is permitted.
func (s WorkStatus) CanTransition(next WorkStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// SessionStatus represents the lifecycle state of an agent session.
type SessionStatus string

// Session status constants
const (
	SessionActive     SessionStatus = "active"
	SessionPaused     SessionStatus = "paused"
	SessionCompleted  SessionStatus = "completed"
	SessionTerminated SessionStatus = "terminated"
)

// IsValid checks if the session status value is valid.
func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionActive, SessionPaused, SessionCompleted, SessionTerminated:
		return true
	}
	return false
}

// IsTerminal returns true for immutable terminal session states.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionTerminated
}

// ContextMode is the breadth of themes and flows exposed to the agent.
type ContextMode string

// Context mode constants, narrowest first.
const (
	ModeFocused  ContextMode = "focused"
	ModeExpanded ContextMode = "expanded"
	ModeWide     ContextMode = "wide"
)

// IsValid checks if the context mode value is valid.
func (m ContextMode) IsValid() bool {
	switch m {
	case ModeFocused, ModeExpanded, ModeWide:
		return true
	}
	return false
}

// Rank orders modes by breadth: focused < expanded < wide.
func (m ContextMode) Rank() int {
	switch m {
	case ModeFocused:
		return 0
	case ModeExpanded:
		return 1
	case ModeWide:
		return 2
	}
	return -1
}

// SidequestImpact describes how much a sidequest disturbs its parent task.
type SidequestImpact string

// Sidequest impact constants
const (
	ImpactMinimal     SidequestImpact = "minimal"
	ImpactModerate    SidequestImpact = "moderate"
	ImpactSignificant SidequestImpact = "significant"
)

// IsValid checks if the impact value is valid.
func (i SidequestImpact) IsValid() bool {
	switch i {
	case ImpactMinimal, ImpactModerate, ImpactSignificant:
		return true
	}
	return false
}

// Session represents one agent session over a project.
type Session struct {
	ID           string        `json:"id"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	ContextMode  ContextMode   `json:"context_mode"`
	ActiveThemes []string      `json:"active_themes,omitempty"`
	ActiveTasks  []string      `json:"active_tasks,omitempty"`
	Status       SessionStatus `json:"status"`
}

// SessionContext is the per-session restoration snapshot written on every
// boot and shutdown. The latest row by LastActivity wins.
type SessionContext struct {
	SessionID     string      `json:"session_id"`
	GitHash       string      `json:"git_hash,omitempty"`
	ContextMode   ContextMode `json:"context_mode"`
	LoadedThemes  []string    `json:"loaded_themes,omitempty"`
	LoadedFlows   []string    `json:"loaded_flows,omitempty"`
	ActiveTaskID  string      `json:"active_task_id,omitempty"`
	LastActivity  time.Time   `json:"last_activity"`
	BootDuration  int64       `json:"boot_duration_ms,omitempty"`
	Comprehensive bool        `json:"comprehensive,omitempty"`
}

// Task represents a primary unit of work derived from an implementation plan.
type Task struct {
	ID                 string     `json:"id"`
	Title              string     `json:"title"`
	Status             WorkStatus `json:"status"`
	StatusReason       string     `json:"status_reason,omitempty"`
	Priority           int        `json:"priority"`
	MilestoneID        string     `json:"milestone_id"`
	PlanID             string     `json:"plan_id,omitempty"`
	PrimaryTheme       string     `json:"primary_theme"`
	RelatedThemes      []string   `json:"related_themes,omitempty"`
	Progress           int        `json:"progress"`
	AcceptanceCriteria []Criterion `json:"acceptance_criteria,omitempty"`
	Dependencies       []string   `json:"dependencies,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
}

// Criterion is a single acceptance criterion with its satisfaction flag.
type Criterion struct {
	Description string `json:"description"`
	Satisfied   bool   `json:"satisfied"`
}

// Validate checks task field invariants before persistence.
func (t *Task) Validate() error {
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if t.MilestoneID == "" {
		return fmt.Errorf("milestone_id is required")
	}
	if t.PrimaryTheme == "" {
		return fmt.Errorf("primary_theme is required")
	}
	if !t.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", t.Status)
	}
	if t.Progress < 0 || t.Progress > 100 {
		return fmt.Errorf("progress must be between 0 and 100 (got %d)", t.Progress)
	}
	return nil
}

// CriteriaSatisfied reports whether every acceptance criterion is satisfied.
func (t *Task) CriteriaSatisfied() bool {
	for _, c := range t.AcceptanceCriteria {
		if !c.Satisfied {
			return false
		}
	}
	return true
}

// ParentKind identifies what owns a subtask.
type ParentKind string

// Subtask parent kinds
const (
	ParentTask      ParentKind = "task"
	ParentSidequest ParentKind = "sidequest"
)

// FlowReference points a subtask at concrete flow steps.
type FlowReference struct {
	FlowID   string   `json:"flow_id"`
	FlowFile string   `json:"flow_file"`
	StepIDs  []string `json:"step_ids,omitempty"`
}

// Subtask represents a step of work inside a task or sidequest.
type Subtask struct {
	ID          string          `json:"id"`
	ParentID    string          `json:"parent_id"`
	ParentKind  ParentKind      `json:"parent_kind"`
	Title       string          `json:"title"`
	Status      WorkStatus      `json:"status"`
	FlowRefs    []FlowReference `json:"flow_references,omitempty"`
	Files       []string        `json:"files,omitempty"`
	ContextMode ContextMode     `json:"context_mode,omitempty"`
	Progress    int             `json:"progress"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Validate checks subtask field invariants.
func (s *Subtask) Validate() error {
	if s.ParentID == "" {
		return fmt.Errorf("parent_id is required")
	}
	if s.ParentKind != ParentTask && s.ParentKind != ParentSidequest {
		return fmt.Errorf("invalid parent_kind: %s", s.ParentKind)
	}
	if !s.Status.IsValidForSubtask() {
		return fmt.Errorf("invalid subtask status: %s", s.Status)
	}
	if s.Progress < 0 || s.Progress > 100 {
		return fmt.Errorf("progress must be between 0 and 100 (got %d)", s.Progress)
	}
	return nil
}

// Sidequest represents a tangential unit of work spawned mid-task. Creating
// one blocks the parent task; completing it resumes the parent from its
// context snapshot.
type Sidequest struct {
	ID              string          `json:"id"`
	ParentTaskID    string          `json:"parent_task_id"`
	Title           string          `json:"title"`
	Scope           string          `json:"scope,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Urgency         string          `json:"urgency,omitempty"`
	Impact          SidequestImpact `json:"impact,omitempty"`
	Status          WorkStatus      `json:"status"`
	PrimaryTheme    string          `json:"primary_theme"`
	InheritedThemes []string        `json:"inherited_themes,omitempty"`
	ScopeChanged    bool            `json:"scope_changed,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Validate checks sidequest field invariants.
func (q *Sidequest) Validate() error {
	if q.ParentTaskID == "" {
		return fmt.Errorf("parent_task_id is required")
	}
	if q.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !q.Status.IsValid() {
		return fmt.Errorf("invalid status: %s", q.Status)
	}
	if q.Impact != "" && !q.Impact.IsValid() {
		return fmt.Errorf("invalid impact: %s", q.Impact)
	}
	return nil
}

// ContextSnapshot captures the paused work state when a sidequest interrupts
// its parent task. Stored in task_queue.context_snapshot and replayed on
// resume so no progress is lost across the pause.
type ContextSnapshot struct {
	PausedSubtaskID string      `json:"pausedSubtaskId,omitempty"`
	PausedProgress  int         `json:"pausedProgress"`
	LoadedThemes    []string    `json:"loadedThemes,omitempty"`
	LoadedFlows     []string    `json:"loadedFlows,omitempty"`
	LoadedFiles     []string    `json:"loadedFiles,omitempty"`
	ContextMode     ContextMode `json:"contextMode,omitempty"`
	PausedAt        time.Time   `json:"pausedAt"`
}

// Milestone is a completion gate on the project's path.
type Milestone struct {
	ID            string            `json:"id"`
	Description   string            `json:"description"`
	Status        WorkStatus        `json:"status"`
	Dependencies  []string          `json:"dependencies,omitempty"`
	RequiredFlows map[string]string `json:"required_flows,omitempty"` // flow-id -> required status
	RelatedTasks  []string          `json:"related_tasks,omitempty"`
	PlanIDs       []string          `json:"implementation_plans,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// CompletionPath is the parsed form of Tasks/completion-path.json: the
// ordered milestones gating project completion. Milestones live in this
// file, not in the database.
type CompletionPath struct {
	Milestones []Milestone `json:"milestones"`
	UpdatedAt  time.Time   `json:"updated_at,omitempty"`
}

// Milestone returns the milestone with the given id, or nil.
func (p *CompletionPath) Milestone(id string) *Milestone {
	for i := range p.Milestones {
		if p.Milestones[i].ID == id {
			return &p.Milestones[i]
		}
	}
	return nil
}

// PlanStatus represents the lifecycle of an implementation plan version.
type PlanStatus string

// Implementation plan status constants
const (
	PlanActive     PlanStatus = "active"
	PlanCompleted  PlanStatus = "completed"
	PlanSuperseded PlanStatus = "superseded"
)

// IsValid checks if the plan status value is valid.
func (p PlanStatus) IsValid() bool {
	switch p {
	case PlanActive, PlanCompleted, PlanSuperseded:
		return true
	}
	return false
}

// ImplementationPlan is a versioned decomposition of a milestone into phases.
// Versions are append-only; the highest active version per milestone is
// current.
type ImplementationPlan struct {
	ID              string     `json:"id"` // M<n>-v<k>-<slug>
	MilestoneID     string     `json:"milestone_id"`
	Version         int        `json:"version"`
	Status          PlanStatus `json:"status"`
	Phases          []string   `json:"phases,omitempty"`
	SuccessCriteria []string   `json:"success_criteria,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
}
