// Package boot reconstructs working state at session start and tears it
// down at shutdown. The fast path (fresh session context, unchanged git
// hash) skips reconciliation entirely; the comprehensive path recovers
// files, detects external changes, and rebuilds context from active work.
package boot

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aryanduntley/aipm/internal/branch"
	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/gitbridge"
	"github.com/aryanduntley/aipm/internal/jsonl"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/loader"
	"github.com/aryanduntley/aipm/internal/scheduler"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/storage/sqlite"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

// fastContextAge bounds how old a session context may be for the fast path.
const fastContextAge = 24 * time.Hour

// logicTailLines is how much of projectlogic.jsonl boot carries forward.
const logicTailLines = 50

// System holds every live component wired during boot. The server owns it
// for the life of the session.
type System struct {
	ProjectRoot string
	Config      *config.Config
	Store       *sqlite.Store
	Index       *themes.Index
	Watcher     *themes.Watcher
	Loader      *loader.Loader
	Scheduler   *scheduler.Scheduler
	Branches    *branch.Manager
	Bridge      *gitbridge.Bridge
	GitMu       *sync.Mutex
	SessionID   string
}

// Result summarizes one boot for the status surface.
type Result struct {
	SessionID      string                `json:"session_id"`
	FastPath       bool                  `json:"fast_path"`
	Degraded       bool                  `json:"degraded,omitempty"`
	DurationMS     int64                 `json:"duration_ms"`
	GitHash        string                `json:"git_hash,omitempty"`
	FilesRecovered int                   `json:"files_recovered,omitempty"`
	ActiveTask     *types.Task           `json:"active_task,omitempty"`
	Resumed        bool                  `json:"resumed,omitempty"`
	Context        *loader.Context       `json:"context,omitempty"`
	Changes        *gitbridge.Report     `json:"changes,omitempty"`
	PendingImpacts int                   `json:"pending_impacts,omitempty"`
	Milestones     *types.CompletionPath `json:"milestones,omitempty"`
	LogicTail      []json.RawMessage     `json:"logic_tail,omitempty"`
	Warnings       []string              `json:"warnings,omitempty"`
}

// Run opens the project and reconstructs session state. The boot deadline
// from configuration bounds the whole sequence; when it expires the
// returned result is marked degraded and the session should expose only
// read-only tools.
func Run(ctx context.Context, projectRoot string) (*System, *Result, error) {
	started := time.Now()

	cfg, err := config.Load(projectRoot)
	if err != nil {
		return nil, nil, err
	}
	deadline := time.Duration(cfg.Session.BootDeadlineSeconds) * time.Second
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	bctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	store, err := sqlite.New(bctx, filepath.Join(projectRoot, layout.DatabaseFile), sqlite.Options{
		ProjectRoot:      projectRoot,
		MinifyJSON:       cfg.Project.MinifyJSON,
		MaxPendingWrites: cfg.Store.MaxPendingCalls,
	})
	if err != nil {
		return nil, nil, err
	}

	res := &Result{SessionID: uuid.NewString()}
	sys := &System{
		ProjectRoot: projectRoot,
		Config:      cfg,
		Store:       store,
		GitMu:       &sync.Mutex{},
		SessionID:   res.SessionID,
	}

	sys.Index = themes.NewIndex(projectRoot, cfg.Themes.SharedFileThreshold)
	if w, err := themes.Watch(projectRoot, sys.Index); err == nil {
		sys.Watcher = w
	} else {
		res.Warnings = append(res.Warnings, "theme watcher unavailable: "+err.Error())
	}
	sys.Loader = loader.New(projectRoot, sys.Index, cfg, store)
	sys.Scheduler = scheduler.New(projectRoot, store, sys.Index, cfg, res.SessionID)
	sys.Branches = branch.NewManager(projectRoot, store, cfg, sys.GitMu)
	sys.Bridge = gitbridge.New(projectRoot, store, sys.Index, cfg, sys.Branches.Git(), sys.GitMu, res.SessionID)

	// The session row goes in before any boot work, so an interrupted boot
	// still leaves its audit trail.
	if err := openSession(bctx, sys, res); err != nil {
		_ = store.Close()
		if sys.Watcher != nil {
			_ = sys.Watcher.Close()
		}
		return nil, nil, err
	}

	if err := run(bctx, sys, res); err != nil {
		if bctx.Err() != nil {
			// Deadline hit: keep the session, degrade to read-only.
			res.Degraded = true
			res.Warnings = append(res.Warnings, "boot deadline exceeded: "+err.Error())
		} else {
			_ = store.Close()
			if sys.Watcher != nil {
				_ = sys.Watcher.Close()
			}
			return nil, nil, err
		}
	}

	res.DurationMS = time.Since(started).Milliseconds()
	// Final bookkeeping uses the caller's context so a spent deadline does
	// not block recording the session.
	if err := finishSession(ctx, sys, res); err != nil {
		res.Warnings = append(res.Warnings, "session context not recorded: "+err.Error())
	}
	debug.LogEvent(projectRoot, "SESSION_BOOT", res.SessionID, res.SessionID,
		fmt.Sprintf("fast=%t degraded=%t duration=%dms", res.FastPath, res.Degraded, res.DurationMS))
	return sys, res, nil
}

func run(ctx context.Context, sys *System, res *Result) error {
	n, err := sys.Store.RecoverFiles(ctx)
	if err != nil {
		return err
	}
	res.FilesRecovered = n

	git := sys.Branches.Git()
	if sys.Config.Git.Enabled && git.IsRepo(ctx) {
		if head, err := git.Head(ctx); err == nil {
			res.GitHash = head
		}
	}

	latest, err := sys.Store.LatestSessionContext(ctx)
	if err != nil && !fault.IsKind(err, fault.NotFound) {
		return err
	}
	res.FastPath = latest != nil &&
		time.Since(latest.LastActivity) < fastContextAge &&
		latest.GitHash == res.GitHash

	if err := archiveNoteworthy(ctx, sys); err != nil {
		return err
	}

	res.LogicTail, err = jsonl.Tail(filepath.Join(sys.ProjectRoot, layout.ProjectLogicFile), logicTailLines)
	if err != nil {
		return err
	}
	res.Milestones = readCompletionPath(sys.ProjectRoot)

	// External changes are reconciled before any work resumes so context is
	// computed against current theme state.
	if !res.FastPath && sys.Config.Git.Enabled && sys.Config.Git.CodeChangeDetection && res.GitHash != "" {
		report, err := sys.Bridge.DetectChanges(ctx)
		if err != nil {
			return err
		}
		if !report.Clean {
			res.Changes = report
			res.PendingImpacts = report.Pending
		}
	}

	inProgress, err := sys.Store.ListTasksByStatus(ctx, types.StatusInProgress)
	if err != nil {
		return err
	}
	if len(inProgress) > 0 {
		res.ActiveTask = inProgress[0]
		res.Resumed = sys.Config.Tasks.ResumeTasksOnStart && res.PendingImpacts == 0
	}

	res.Context, err = restoreContext(ctx, sys, latest, res.ActiveTask)
	if err != nil && !fault.IsKind(err, fault.NotFound) && !fault.IsKind(err, fault.UnknownTheme) {
		return err
	}
	return nil
}

// restoreContext prefers the prior session snapshot and falls back to
// computing from the active task. A project with no themes yet boots with
// no context rather than an error.
func restoreContext(ctx context.Context, sys *System, latest *types.SessionContext, active *types.Task) (*loader.Context, error) {
	mode := sys.Loader.DefaultMode()
	if latest != nil && latest.ContextMode.IsValid() {
		mode = latest.ContextMode
	}

	var w loader.Workload
	switch {
	case active != nil:
		w = loader.Workload{
			TaskID:        active.ID,
			PrimaryTheme:  active.PrimaryTheme,
			RelatedThemes: active.RelatedThemes,
		}
	case latest != nil && len(latest.LoadedThemes) > 0:
		w = loader.Workload{
			PrimaryTheme:  latest.LoadedThemes[0],
			RelatedThemes: latest.LoadedThemes[1:],
		}
	default:
		return nil, nil
	}
	return sys.Loader.Load(ctx, w, mode)
}

// archiveNoteworthy moves current events to a dated archive file once the
// table exceeds the configured limit. Existing archive entries for the day
// are preserved.
func archiveNoteworthy(ctx context.Context, sys *System) error {
	count, err := sys.Store.CountCurrentEvents(ctx)
	if err != nil {
		return err
	}
	limit := sys.Config.Events.NoteworthySizeLimit
	if limit <= 0 || count < limit {
		return nil
	}

	now := time.Now().UTC()
	archivePath := layout.NoteworthyArchiveFile(now)
	var existing []*types.NoteworthyEvent
	if data, err := os.ReadFile(filepath.Join(sys.ProjectRoot, archivePath)); err == nil {
		_ = json.Unmarshal(data, &existing)
	}

	return sys.Store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "session-boot"
		cs.SessionID = sys.SessionID
		archived, err := tx.ArchiveCurrentEvents(ctx, now)
		if err != nil {
			return err
		}
		if len(archived) == 0 {
			return nil
		}
		merged := append(existing, archived...)
		data, err := storage.EncodeJSON(merged, sys.Config.Project.MinifyJSON)
		if err != nil {
			return fault.Wrap(fault.IntegrityError, err, "encode noteworthy archive")
		}
		cs.Write(archivePath, data)
		debug.Logf("archived %d noteworthy events to %s", len(archived), archivePath)
		return nil
	})
}

func readCompletionPath(projectRoot string) *types.CompletionPath {
	data, err := os.ReadFile(filepath.Join(projectRoot, layout.CompletionPathFile))
	if err != nil {
		return nil
	}
	var cp types.CompletionPath
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil
	}
	return &cp
}

// openSession records the session row before any boot work runs.
func openSession(ctx context.Context, sys *System, res *Result) error {
	now := time.Now().UTC()
	session := &types.Session{
		ID:           res.SessionID,
		StartTime:    now,
		LastActivity: now,
		ContextMode:  sys.Loader.DefaultMode(),
		Status:       types.SessionActive,
	}
	return sys.Store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "session-boot"
		cs.SessionID = res.SessionID
		return tx.InsertSession(ctx, session)
	})
}

// finishSession stamps what boot restored onto the session row and writes
// the restoration snapshot.
func finishSession(ctx context.Context, sys *System, res *Result) error {
	now := time.Now().UTC()
	sc := &types.SessionContext{
		SessionID:     res.SessionID,
		GitHash:       res.GitHash,
		LastActivity:  now,
		BootDuration:  res.DurationMS,
		Comprehensive: !res.FastPath,
	}
	mode := sys.Loader.DefaultMode()
	var themes, tasks []string
	if res.Context != nil {
		mode = res.Context.Mode
		themes = res.Context.Themes
		sc.LoadedThemes = res.Context.Themes
		sc.LoadedFlows = res.Context.FlowIDs
	}
	sc.ContextMode = mode
	if res.ActiveTask != nil {
		sc.ActiveTaskID = res.ActiveTask.ID
		tasks = []string{res.ActiveTask.ID}
	}

	return sys.Store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "session-boot"
		cs.SessionID = res.SessionID
		if err := tx.UpdateSessionState(ctx, res.SessionID, mode, themes, tasks); err != nil {
			return err
		}
		return tx.InsertSessionContext(ctx, sc)
	})
}

// Shutdown writes the final restoration snapshot, completes the session,
// and releases every component.
func Shutdown(ctx context.Context, sys *System, res *Result) error {
	now := time.Now().UTC()
	sc := &types.SessionContext{
		SessionID:    sys.SessionID,
		GitHash:      res.GitHash,
		LastActivity: now,
	}
	if res.Context != nil {
		sc.ContextMode = res.Context.Mode
		sc.LoadedThemes = res.Context.Themes
		sc.LoadedFlows = res.Context.FlowIDs
	} else {
		sc.ContextMode = sys.Loader.DefaultMode()
	}
	if res.ActiveTask != nil {
		sc.ActiveTaskID = res.ActiveTask.ID
	}

	err := sys.Store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "session-boot"
		cs.SessionID = sys.SessionID
		if err := tx.InsertSessionContext(ctx, sc); err != nil {
			return err
		}
		if err := tx.UpdateSessionActivity(ctx, sys.SessionID, now); err != nil {
			return err
		}
		return tx.CloseSession(ctx, sys.SessionID, types.SessionCompleted)
	})

	if sys.Watcher != nil {
		_ = sys.Watcher.Close()
	}
	if cerr := sys.Store.Close(); cerr != nil && err == nil {
		err = cerr
	}
	debug.LogEvent(sys.ProjectRoot, "SESSION_END", sys.SessionID, sys.SessionID, "")
	return err
}

// Summary renders the boot result as the compact status text shown to the
// user at session start.
func Summary(res *Result) string {
	var b strings.Builder
	path := "comprehensive"
	if res.FastPath {
		path = "fast"
	}
	if res.Degraded {
		path = "degraded (read-only)"
	}
	fmt.Fprintf(&b, "session %s: %s boot in %dms\n", res.SessionID, path, res.DurationMS)
	if res.GitHash != "" {
		fmt.Fprintf(&b, "git: %.12s", res.GitHash)
		if res.PendingImpacts > 0 {
			fmt.Fprintf(&b, " (%d changes awaiting reconciliation)", res.PendingImpacts)
		}
		b.WriteString("\n")
	}
	if res.FilesRecovered > 0 {
		fmt.Fprintf(&b, "recovered %d organizational files\n", res.FilesRecovered)
	}
	switch {
	case res.ActiveTask != nil && res.Resumed:
		fmt.Fprintf(&b, "resumed task %s: %s (%d%%)\n", res.ActiveTask.ID, res.ActiveTask.Title, res.ActiveTask.Progress)
	case res.ActiveTask != nil:
		fmt.Fprintf(&b, "task %s in progress: %s (%d%%), awaiting direction\n",
			res.ActiveTask.ID, res.ActiveTask.Title, res.ActiveTask.Progress)
	default:
		b.WriteString("no task in progress\n")
	}
	if res.Context != nil {
		fmt.Fprintf(&b, "context: %s mode, themes %s\n", res.Context.Mode, strings.Join(res.Context.Themes, ", "))
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(&b, "warning: %s\n", w)
	}
	return b.String()
}
