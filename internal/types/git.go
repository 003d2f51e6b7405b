package types

import (
	"fmt"
	"time"
)

// BranchStatus tracks the lifecycle of a managed work branch.
type BranchStatus string

// Branch status constants
const (
	BranchActive  BranchStatus = "active"
	BranchMerged  BranchStatus = "merged"
	BranchDeleted BranchStatus = "deleted"
)

// IsValid checks if the branch status value is valid.
func (s BranchStatus) IsValid() bool {
	switch s {
	case BranchActive, BranchMerged, BranchDeleted:
		return true
	}
	return false
}

// CreatedBy records who created a work branch and where the identity came
// from (git config, environment, system user, or the ai-user fallback).
type CreatedBy struct {
	Name   string `json:"name"`
	Email  string `json:"email,omitempty"`
	Source string `json:"source"` // git_config | env | system | fallback
}

// Branch is a registered ai-pm-org-branch-NNN work branch.
type Branch struct {
	Name        string       `json:"name"`
	Number      int          `json:"number"`
	CreatedAt   time.Time    `json:"created_at"`
	CreatedBy   CreatedBy    `json:"created_by"`
	GitBaseHash string       `json:"git_base_hash"`
	Purpose     string       `json:"purpose,omitempty"`
	Status      BranchStatus `json:"status"`
	LastCommit  *time.Time   `json:"last_commit,omitempty"`
	Stale       bool         `json:"stale,omitempty"`
}

// BranchMeta is the on-branch .ai-pm-meta.json payload. It exists only on
// work branches, never on ai-pm-org-main.
type BranchMeta struct {
	BranchNumber int       `json:"branch_number"`
	BranchName   string    `json:"branch_name"`
	CreatedAt    time.Time `json:"created_at"`
	CreatedBy    CreatedBy `json:"created_by"`
	GitBaseHash  string    `json:"git_base_hash"`
	Purpose      string    `json:"purpose,omitempty"`
}

// GitProjectState is the persisted view of the source tree as last seen by
// the orchestrator. One current row per project path.
type GitProjectState struct {
	ProjectPath          string    `json:"project_path"`
	CurrentHash          string    `json:"current_git_hash"`
	LastKnownHash        string    `json:"last_known_hash,omitempty"`
	LastSync             time.Time `json:"last_sync"`
	ChangeSummary        string    `json:"change_summary,omitempty"`
	AffectedThemes       []string  `json:"affected_themes,omitempty"`
	ReconciliationStatus string    `json:"reconciliation_status,omitempty"` // clean | pending | manual
}

// Severity grades the organizational impact of an external source change.
type Severity string

// Impact severity constants
const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// IsValid checks if the severity value is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank orders severities so overlapping signals can take the max.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	}
	return -1
}

// Max returns the higher of two severities.
func (s Severity) Max(other Severity) Severity {
	if other.Rank() > s.Rank() {
		return other
	}
	return s
}

// ChangeKind mirrors git diff --name-status letters.
type ChangeKind string

// Change kind constants
const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeDeleted  ChangeKind = "deleted"
	ChangeRenamed  ChangeKind = "renamed"
)

// ChangedFile is one entry from the external-change enumeration.
type ChangedFile struct {
	Path    string     `json:"path"`
	OldPath string     `json:"old_path,omitempty"` // set for renames
	Kind    ChangeKind `json:"kind"`
}

// ReconcileStrategy classifies how a proposed change may be applied.
type ReconcileStrategy string

// Reconciliation strategy constants
const (
	ReconcileAuto     ReconcileStrategy = "auto"
	ReconcileApproval ReconcileStrategy = "user_approval"
	ReconcileManual   ReconcileStrategy = "manual"
)

// ChangeImpact is the analyzed organizational impact of one changed file.
type ChangeImpact struct {
	File            ChangedFile       `json:"file"`
	CandidateThemes []string          `json:"candidate_themes,omitempty"`
	Signals         []string          `json:"signals,omitempty"` // direct | directory | name
	Severity        Severity          `json:"severity"`
	Strategy        ReconcileStrategy `json:"strategy"`
	Reasoning       string            `json:"reasoning,omitempty"`
}

// NoteworthyEvent is an append-only record of a significant decision or
// observation. Events are never mutated; old events are archived by date.
type NoteworthyEvent struct {
	ID           string     `json:"id"` // event-<ts>
	Type         string     `json:"event_type"`
	Title        string     `json:"title"`
	PrimaryTheme string     `json:"primary_theme,omitempty"`
	TaskID       string     `json:"task_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	Impact       Severity   `json:"impact,omitempty"`
	Reasoning    string     `json:"reasoning,omitempty"`
	Outcome      string     `json:"outcome,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ArchivedAt   *time.Time `json:"archived_at,omitempty"`
}

// Event type constants for noteworthy events.
const (
	EventDecision    = "decision"
	EventEscalation  = "escalation"
	EventReconcile   = "reconciliation"
	EventMilestone   = "milestone"
	EventSessionLife = "session"
)

// Validate checks event field invariants.
func (e *NoteworthyEvent) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Title == "" {
		return fmt.Errorf("title is required")
	}
	if e.Impact != "" && !e.Impact.IsValid() {
		return fmt.Errorf("invalid impact: %s", e.Impact)
	}
	return nil
}
