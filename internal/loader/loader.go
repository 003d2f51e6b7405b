// Package loader selects the minimum sufficient file context for a work
// item and expands it on demand through bounded escalation.
package loader

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/idgen"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

// readmeSizeCap bounds how much of a directory README is counted toward
// the context.
const readmeSizeCap = 2 * 1024

// alwaysAccessible is the fixed set of root-level entry points exposed in
// every context, regardless of theme selection.
var alwaysAccessible = []string{
	"README.md",
	"go.mod",
	"package.json",
	"pyproject.toml",
	"Makefile",
	layout.UserConfigFile,
}

// Workload describes what a work item needs loaded.
type Workload struct {
	TaskID        string
	PrimaryTheme  string
	RelatedThemes []string
	FlowRefs      []types.FlowReference
}

// Context is the resolved set of themes, flows, and files for a work item.
type Context struct {
	Mode           types.ContextMode
	Themes         []string
	FlowIDs        []string
	FlowFiles      []string
	Files          []string
	Readmes        []string
	EstimatedBytes int64
	Truncated      bool
	Warnings       []string
}

// Loader resolves contexts against the theme index under the configured
// validation mode and memory budget.
type Loader struct {
	projectRoot string
	index       *themes.Index
	cfg         *config.Config
	store       storage.Store
}

// New creates a Loader.
func New(projectRoot string, index *themes.Index, cfg *config.Config, store storage.Store) *Loader {
	return &Loader{projectRoot: projectRoot, index: index, cfg: cfg, store: store}
}

// DefaultMode returns the configured initial context mode, falling back to
// focused when the configured value is unknown.
func (l *Loader) DefaultMode() types.ContextMode {
	mode := types.ContextMode(l.cfg.ContextLoading.DefaultMode)
	if !mode.IsValid() {
		return types.ModeFocused
	}
	return mode
}

// Load resolves the context for a work item in the given mode.
func (l *Loader) Load(ctx context.Context, w Workload, mode types.ContextMode) (*Context, error) {
	if !mode.IsValid() {
		return nil, fault.New(fault.ValidationError, "invalid context mode: %s", mode)
	}

	out := &Context{Mode: mode}

	themeNames, err := l.selectThemes(w, mode)
	if err != nil {
		return nil, err
	}
	out.Themes = themeNames

	if err := l.resolveFlows(w.FlowRefs, out); err != nil {
		return nil, err
	}

	if err := l.collectFiles(themeNames, out); err != nil {
		return nil, err
	}

	l.applyBudget(out)
	return out, nil
}

// selectThemes picks the theme set for the mode: focused is the primary
// theme plus declared related themes, expanded adds linked themes, wide is
// everything.
func (l *Loader) selectThemes(w Workload, mode types.ContextMode) ([]string, error) {
	if w.PrimaryTheme == "" {
		return nil, fault.New(fault.UnknownTheme, "work item has no primary theme")
	}
	if _, err := l.index.Theme(w.PrimaryTheme); err != nil {
		return nil, err
	}

	seen := map[string]bool{w.PrimaryTheme: true}
	out := []string{w.PrimaryTheme}
	add := func(names ...string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}

	switch mode {
	case types.ModeFocused:
		add(w.RelatedThemes...)
	case types.ModeExpanded:
		add(w.RelatedThemes...)
		closure, err := l.index.LinkedClosure(w.PrimaryTheme)
		if err != nil {
			return nil, err
		}
		add(closure...)
	case types.ModeWide:
		all, err := l.index.ThemeNames()
		if err != nil {
			return nil, err
		}
		add(all...)
	}
	return out, nil
}

// resolveFlows resolves flow references through the index, bounded by
// maxFlowFiles and ordered by declared relevance. Unresolved references
// follow the validation mode: warnings in smart, errors in strict, ignored
// when disabled.
func (l *Loader) resolveFlows(refs []types.FlowReference, out *Context) error {
	type resolved struct {
		entry *types.FlowIndexEntry
	}
	var entries []resolved
	for _, ref := range refs {
		entry, err := l.index.FlowEntry(ref.FlowID)
		if err != nil {
			if !fault.IsKind(err, fault.UnknownFlowReference) {
				return err
			}
			switch l.cfg.Validation.Mode {
			case config.ValidationStrict:
				return err
			case config.ValidationSmart:
				out.Warnings = append(out.Warnings,
					fmt.Sprintf("flow reference %q does not resolve", ref.FlowID))
			}
			continue
		}
		entries = append(entries, resolved{entry: entry})
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].entry.Relevance < entries[j].entry.Relevance
	})

	max := l.cfg.ContextLoading.MaxFlowFiles
	if max <= 0 {
		max = 3
	}
	if len(entries) > max {
		entries = entries[:max]
	}
	for _, r := range entries {
		out.FlowIDs = append(out.FlowIDs, r.entry.FlowID)
		out.FlowFiles = append(out.FlowFiles, r.entry.FlowFile)
		out.EstimatedBytes += l.fileSize(layout.FlowFile(r.entry.FlowFile))
	}
	return nil
}

// collectFiles gathers theme files, directory READMEs, and the
// always-accessible set, estimating total size as it goes.
func (l *Loader) collectFiles(themeNames []string, out *Context) error {
	seen := map[string]bool{}
	var themeFiles []string
	for _, name := range themeNames {
		theme, err := l.index.Theme(name)
		if err != nil {
			return err
		}
		for _, f := range theme.Files {
			if seen[f] {
				continue
			}
			seen[f] = true
			themeFiles = append(themeFiles, f)
		}
	}

	sizes := make([]int64, len(themeFiles))
	g := new(errgroup.Group)
	g.SetLimit(8)
	for i, f := range themeFiles {
		g.Go(func() error {
			sizes[i] = l.fileSize(f)
			return nil
		})
	}
	_ = g.Wait()

	seenDir := map[string]bool{}
	for i, f := range themeFiles {
		out.Files = append(out.Files, f)
		out.EstimatedBytes += sizes[i]

		if l.cfg.ContextLoading.ReadmeFirst {
			dir := filepath.Dir(f)
			if !seenDir[dir] {
				seenDir[dir] = true
				readme := filepath.Join(dir, "README.md")
				if size := l.fileSize(readme); size > 0 {
					if size > readmeSizeCap {
						size = readmeSizeCap
					}
					out.Readmes = append(out.Readmes, readme)
					out.EstimatedBytes += size
				}
			}
		}
	}

	for _, f := range alwaysAccessible {
		if seen[f] {
			continue
		}
		if size := l.fileSize(f); size > 0 {
			seen[f] = true
			out.Files = append(out.Files, f)
			out.EstimatedBytes += size
		}
	}
	return nil
}

func (l *Loader) fileSize(rel string) int64 {
	info, err := os.Stat(filepath.Join(l.projectRoot, rel))
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

// applyBudget truncates the context when the estimate exceeds the memory
// budget: least relevant flow files go first, then files contributed by
// non-primary themes.
func (l *Loader) applyBudget(out *Context) {
	budget := int64(l.cfg.ContextLoading.MemoryBudgetMiB) * 1024 * 1024
	if budget <= 0 || out.EstimatedBytes <= budget {
		return
	}

	out.Warnings = append(out.Warnings, fmt.Sprintf(
		"context estimate %d bytes exceeds budget %d bytes; truncating", out.EstimatedBytes, budget))
	out.Truncated = true

	for len(out.FlowFiles) > 0 && out.EstimatedBytes > budget {
		last := len(out.FlowFiles) - 1
		out.EstimatedBytes -= l.fileSize(layout.FlowFile(out.FlowFiles[last]))
		out.FlowFiles = out.FlowFiles[:last]
		out.FlowIDs = out.FlowIDs[:last]
	}

	primary := ""
	if len(out.Themes) > 0 {
		primary = out.Themes[0]
	}
	primaryTheme, err := l.index.Theme(primary)
	if err != nil {
		return
	}
	kept := out.Files[:0]
	for _, f := range out.Files {
		if out.EstimatedBytes > budget && !primaryTheme.ContainsFile(f) && !isAlwaysAccessible(f) {
			out.EstimatedBytes -= l.fileSize(f)
			continue
		}
		kept = append(kept, f)
	}
	out.Files = kept
	debug.Logf("context truncated to %d files, %d flows", len(out.Files), len(out.FlowIDs))
}

func isAlwaysAccessible(path string) bool {
	for _, f := range alwaysAccessible {
		if f == path {
			return true
		}
	}
	return false
}

// escalationKey scopes the per-task escalation budget in user_preferences.
func escalationKey(taskID string) string {
	return "escalations:" + taskID
}

// Escalate widens a task's context mode by one step. Focused to expanded
// needs only a sufficiency failure from the caller; expanded to wide also
// needs explicit user approval, recorded as an escalation event. Each task
// gets one escalation; further needs must go through a sidequest or fresh
// approval.
func (l *Loader) Escalate(ctx context.Context, taskID string, from types.ContextMode, reason string, approved bool) (types.ContextMode, error) {
	var to types.ContextMode
	switch from {
	case types.ModeFocused:
		to = types.ModeExpanded
	case types.ModeExpanded:
		to = types.ModeWide
		if !approved {
			return from, fault.New(fault.ValidationError,
				"escalation to wide mode requires user approval").
				WithDetail("task_id", taskID)
		}
	case types.ModeWide:
		return from, fault.New(fault.ValidationError, "context is already wide")
	default:
		return from, fault.New(fault.ValidationError, "invalid context mode: %s", from)
	}

	err := l.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		used := 0
		if v, err := tx.GetPreference(ctx, escalationKey(taskID)); err == nil {
			used, _ = strconv.Atoi(v)
		} else if !fault.IsKind(err, fault.NotFound) {
			return err
		}
		if used >= 1 {
			return fault.New(fault.LimitExceeded,
				"task %s already used its context escalation", taskID).
				WithDetail("task_id", taskID).
				WithResolutions("spawn_sidequest", "request_approval")
		}
		if err := tx.SetPreference(ctx, escalationKey(taskID), strconv.Itoa(used+1)); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, &types.NoteworthyEvent{
			ID:        idgen.EventID(time.Now()),
			Type:      types.EventEscalation,
			Title:     fmt.Sprintf("Context escalated from %s to %s", from, to),
			TaskID:    taskID,
			Reasoning: reason,
			Outcome:   string(to),
		})
	})
	if err != nil {
		return from, err
	}
	debug.Logf("task %s escalated %s -> %s", taskID, from, to)
	return to, nil
}
