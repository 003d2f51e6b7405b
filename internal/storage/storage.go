// Package storage provides shared types for the orchestrator's hybrid
// file+database store.
//
// The concrete implementation lives in the sqlite sub-package. This package
// holds the interface and value types referenced by both the implementation
// and its consumers (scheduler, loader, branch manager, boot).
package storage

import (
	"context"
	"os"
	"time"

	"github.com/aryanduntley/aipm/internal/types"
)

// Store is the interface satisfied by *sqlite.Store. Every mutation routes
// through Apply so that file and row halves commit together; reads outside
// a transaction go through the typed query surface.
type Store interface {
	// Apply executes a change set as a single serializable unit: SQL
	// statements and file operations either all commit or none do.
	// ConflictError and Busy are retried internally with bounded backoff;
	// every other error surfaces unaltered.
	Apply(ctx context.Context, cs *ChangeSet) error

	// ApplyFunc runs build inside the write transaction so the change set
	// can be derived from in-transaction reads (ordinal allocation, limit
	// checks), then applies it with the same atomicity as Apply.
	ApplyFunc(ctx context.Context, build func(ctx context.Context, tx Tx, cs *ChangeSet) error) error

	// RunInTransaction executes fn within a read-only snapshot transaction.
	RunInTransaction(ctx context.Context, fn func(tx Tx) error) error

	// Subscribe returns a channel of change records for one kind ("" for
	// all kinds). Records are delivered after their change set commits; a
	// slow consumer drops records rather than stalling writers. The channel
	// closes when cancel runs or the store closes, so each subscriber
	// observes a finite sequence per session.
	Subscribe(kind string) (ch <-chan ChangeRecord, cancel func())

	Reader

	// RecoverFiles reconciles on-disk artifacts against the database after
	// an unclean shutdown: orphan temp files are removed and files for
	// rows that committed without their paired rename are rewritten.
	// Returns the number of files rewritten.
	RecoverFiles(ctx context.Context) (int, error)

	// Close releases the database.
	Close() error
}

// Reader is the non-transactional query surface.
type Reader interface {
	GetSession(ctx context.Context, id string) (*types.Session, error)
	LatestSession(ctx context.Context) (*types.Session, error)
	LatestSessionContext(ctx context.Context) (*types.SessionContext, error)

	GetTask(ctx context.Context, id string) (*types.Task, error)
	ListTasksByStatus(ctx context.Context, statuses ...types.WorkStatus) ([]*types.Task, error)
	GetSubtask(ctx context.Context, parentID, id string) (*types.Subtask, error)
	ListSubtasks(ctx context.Context, parentID string) ([]*types.Subtask, error)
	GetSidequest(ctx context.Context, id string) (*types.Sidequest, error)
	GetContextSnapshot(ctx context.Context, taskID string) (*types.ContextSnapshot, error)

	GetFlowStatus(ctx context.Context, flowID string) (types.FlowStepStatus, error)
	ListThemeFlows(ctx context.Context, theme string) ([]string, error)

	GetBranch(ctx context.Context, name string) (*types.Branch, error)
	ListBranches(ctx context.Context) ([]*types.Branch, error)

	GetGitState(ctx context.Context) (*types.GitProjectState, error)
	ListPendingImpacts(ctx context.Context) ([]*types.ChangeImpact, error)

	// Prebuilt views
	ActiveSidequestsByTask(ctx context.Context, taskID string) ([]*types.Sidequest, error)
	SidequestLimitStatus(ctx context.Context, taskID string) (*LimitStatus, error)
	ThemeFlowSummary(ctx context.Context) ([]ThemeFlowSummary, error)
	FlowThemeSummary(ctx context.Context) ([]FlowThemeSummary, error)
	RecentEvents(ctx context.Context, limit int) ([]*types.NoteworthyEvent, error)
	EventImpactSummary(ctx context.Context) ([]EventImpactCount, error)
	CountCurrentEvents(ctx context.Context) (int, error)
}

// Tx is the typed operation surface available inside a write transaction.
// All mutations performed through Tx become part of the surrounding change
// set's SQL half.
type Tx interface {
	// Sessions
	InsertSession(ctx context.Context, s *types.Session) error
	UpdateSessionState(ctx context.Context, id string, mode types.ContextMode, themes, tasks []string) error
	UpdateSessionActivity(ctx context.Context, id string, at time.Time) error
	CloseSession(ctx context.Context, id string, status types.SessionStatus) error
	InsertSessionContext(ctx context.Context, sc *types.SessionContext) error

	// Tasks
	InsertTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id string) (*types.Task, error)
	UpdateTask(ctx context.Context, t *types.Task) error
	UpdateTaskStatus(ctx context.Context, id string, status types.WorkStatus, reason string) error
	CountTasksInProgress(ctx context.Context) (int, error)

	// Subtasks
	InsertSubtask(ctx context.Context, st *types.Subtask) error
	GetSubtask(ctx context.Context, parentID, id string) (*types.Subtask, error)
	UpdateSubtask(ctx context.Context, st *types.Subtask) error
	ListSubtasks(ctx context.Context, parentID string) ([]*types.Subtask, error)
	NextSubtaskOrdinal(ctx context.Context, parentID string) (int, error)

	// Sidequests
	InsertSidequest(ctx context.Context, q *types.Sidequest) error
	GetSidequest(ctx context.Context, id string) (*types.Sidequest, error)
	UpdateSidequest(ctx context.Context, q *types.Sidequest) error
	ListSidequestsByTask(ctx context.Context, taskID string) ([]*types.Sidequest, error)
	CountActiveSidequests(ctx context.Context, taskID string) (int, error)
	NextSidequestOrdinal(ctx context.Context, day time.Time) (int, error)
	SidequestLimit(ctx context.Context, taskID string) (int, bool, error)
	RaiseSidequestLimit(ctx context.Context, taskID string, limit int) error
	LinkSubtaskSidequest(ctx context.Context, subtaskID, sidequestID string) error

	// Context snapshots (task_queue)
	SetContextSnapshot(ctx context.Context, taskID string, snap *types.ContextSnapshot) error
	GetContextSnapshot(ctx context.Context, taskID string) (*types.ContextSnapshot, error)
	ClearContextSnapshot(ctx context.Context, taskID string) error

	// Flows and theme-flow edges
	UpsertFlowStatus(ctx context.Context, flowID string, status types.FlowStepStatus, completion int) error
	GetFlowStatus(ctx context.Context, flowID string) (types.FlowStepStatus, error)
	UpsertFlowStepStatus(ctx context.Context, flowID, stepID string, status types.FlowStepStatus) error
	ReplaceThemeFlows(ctx context.Context, theme string, flowIDs []string) error

	// Events
	InsertEvent(ctx context.Context, e *types.NoteworthyEvent) error
	RelateEvents(ctx context.Context, eventID, relatedID, relation string) error
	CountCurrentEvents(ctx context.Context) (int, error)
	ArchiveCurrentEvents(ctx context.Context, before time.Time) ([]*types.NoteworthyEvent, error)
	RecordThemeEvolution(ctx context.Context, theme, change, reason string) error

	// Branches
	InsertBranch(ctx context.Context, b *types.Branch) error
	NextBranchNumber(ctx context.Context) (int, error)
	UpdateBranchStatus(ctx context.Context, name string, status types.BranchStatus) error

	// Git project state
	UpsertGitState(ctx context.Context, st *types.GitProjectState) error
	GetGitState(ctx context.Context) (*types.GitProjectState, error)
	InsertChangeImpact(ctx context.Context, sessionID string, imp *types.ChangeImpact) error
	ResolveChangeImpacts(ctx context.Context, paths []string) error

	// Metrics and preferences
	RecordTaskMetric(ctx context.Context, taskID, metric string, value float64) error
	SetPreference(ctx context.Context, key, value string) error
	GetPreference(ctx context.Context, key string) (string, error)
}

// Stmt is one raw SQL statement carried by a change set. Most callers use
// the typed Tx surface instead; Stmt exists for migrations and maintenance.
type Stmt struct {
	SQL  string
	Args []any
}

// FileWrite stages one file for atomic replacement. Paths are relative to
// the project root.
type FileWrite struct {
	Path string
	Data []byte
	Mode os.FileMode // zero means 0644
}

// FileRename moves a file (e.g. task archival). Executed after staged
// writes, before commit.
type FileRename struct {
	From string
	To   string
}

// ChangeSet describes one atomic paired mutation: the SQL half runs inside
// a single write transaction, the file half is staged to temp paths and
// renamed into place immediately before commit.
type ChangeSet struct {
	// Actor is recorded with file modifications for audit.
	Actor string
	// SessionID scopes the file_modifications audit rows.
	SessionID string

	Statements  []Stmt
	FileWrites  []FileWrite
	FileRenames []FileRename
	FileDeletes []string
}

// Write appends a staged file write.
func (cs *ChangeSet) Write(path string, data []byte) {
	cs.FileWrites = append(cs.FileWrites, FileWrite{Path: path, Data: data})
}

// Rename appends a file rename.
func (cs *ChangeSet) Rename(from, to string) {
	cs.FileRenames = append(cs.FileRenames, FileRename{From: from, To: to})
}

// Delete appends a file deletion.
func (cs *ChangeSet) Delete(path string) {
	cs.FileDeletes = append(cs.FileDeletes, path)
}

// Exec appends a raw SQL statement.
func (cs *ChangeSet) Exec(sql string, args ...any) {
	cs.Statements = append(cs.Statements, Stmt{SQL: sql, Args: args})
}

// ChangeRecord is one committed mutation as seen by subscribers. Kind
// classifies the touched artifact (task, sidequest, theme, flow, milestone,
// branch, event, file).
type ChangeRecord struct {
	Kind      string    `json:"kind"`
	Path      string    `json:"path"`
	Op        string    `json:"op"`
	Actor     string    `json:"actor,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
}

// LimitStatus is one row of the sidequest_limit_status view.
type LimitStatus struct {
	TaskID      string `json:"task_id"`
	ActiveCount int    `json:"active_sidequests_count"`
	Limit       int    `json:"limit"`
	AtLimit     bool   `json:"at_limit"`
}

// ThemeFlowSummary is one row of the theme_flow_summary view.
type ThemeFlowSummary struct {
	Theme     string   `json:"theme"`
	FlowCount int      `json:"flow_count"`
	Flows     []string `json:"flows"`
}

// FlowThemeSummary is one row of the flow_theme_summary view.
type FlowThemeSummary struct {
	FlowID     string   `json:"flow_id"`
	ThemeCount int      `json:"theme_count"`
	Themes     []string `json:"themes"`
}

// EventImpactCount is one row of the event_impact_summary view.
type EventImpactCount struct {
	Impact types.Severity `json:"impact"`
	Count  int            `json:"count"`
}
