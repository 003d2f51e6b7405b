// Package gitbridge reconciles organizational state with source changes
// made outside the orchestrator. It compares the repository HEAD against
// the last hash the store has seen, grades the impact of every changed
// file, applies the unambiguous updates itself, and queues the rest for
// user decisions.
package gitbridge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aryanduntley/aipm/internal/branch"
	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/idgen"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

// Bridge detects and reconciles external source changes. Git access
// serializes on the process-wide mutex shared with the branch manager.
type Bridge struct {
	projectRoot string
	store       storage.Store
	index       *themes.Index
	cfg         *config.Config
	git         *branch.Git
	gitMu       *sync.Mutex
	sessionID   string
}

// New creates a bridge. git and gitMu are shared with the branch manager.
func New(projectRoot string, store storage.Store, index *themes.Index,
	cfg *config.Config, git *branch.Git, gitMu *sync.Mutex, sessionID string) *Bridge {
	return &Bridge{
		projectRoot: projectRoot,
		store:       store,
		index:       index,
		cfg:         cfg,
		git:         git,
		gitMu:       gitMu,
		sessionID:   sessionID,
	}
}

// Report summarizes one detection pass.
type Report struct {
	LastKnownHash string               `json:"last_known_hash,omitempty"`
	CurrentHash   string               `json:"current_git_hash"`
	Clean         bool                 `json:"clean"`
	Files         []types.ChangedFile  `json:"files,omitempty"`
	Impacts       []types.ChangeImpact `json:"impacts,omitempty"`
	AutoApplied   []string             `json:"auto_applied,omitempty"`
	Pending       int                  `json:"pending"`
}

// DetectChanges compares HEAD against the stored hash, analyzes every
// changed file, auto-applies unambiguous theme updates, and records the
// rest as pending impacts. The first run just records a baseline.
func (b *Bridge) DetectChanges(ctx context.Context) (*Report, error) {
	b.gitMu.Lock()
	defer b.gitMu.Unlock()

	if !b.git.IsRepo(ctx) {
		return &Report{Clean: true}, nil
	}
	head, err := b.git.Head(ctx)
	if err != nil {
		return nil, err
	}
	if head == "" {
		return &Report{Clean: true}, nil
	}

	state, err := b.store.GetGitState(ctx)
	if fault.IsKind(err, fault.NotFound) {
		// First run: record the baseline without an impact sweep.
		err = b.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
			cs.Actor = "git-bridge"
			cs.SessionID = b.sessionID
			return tx.UpsertGitState(ctx, &types.GitProjectState{
				ProjectPath:          b.projectRoot,
				CurrentHash:          head,
				LastSync:             time.Now().UTC(),
				ReconciliationStatus: "clean",
			})
		})
		if err != nil {
			return nil, err
		}
		return &Report{CurrentHash: head, Clean: true}, nil
	}
	if err != nil {
		return nil, err
	}
	if state.CurrentHash == head {
		return &Report{CurrentHash: head, Clean: true}, nil
	}

	files, err := b.diff(ctx, state.CurrentHash, head)
	if err != nil {
		return nil, err
	}

	report := &Report{
		LastKnownHash: state.CurrentHash,
		CurrentHash:   head,
		Files:         files,
	}

	defined, err := b.definedThemes()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		owners, err := b.index.ThemesForFile(f.Path)
		if err != nil {
			return nil, err
		}
		report.Impacts = append(report.Impacts, b.analyzeImpact(f, owners, defined))
	}

	affected := map[string]bool{}
	err = b.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "git-bridge"
		cs.SessionID = b.sessionID
		now := time.Now().UTC()

		for i := range report.Impacts {
			imp := &report.Impacts[i]
			if err := tx.InsertChangeImpact(ctx, b.sessionID, imp); err != nil {
				return err
			}
			for _, theme := range imp.CandidateThemes {
				affected[theme] = true
			}
			if imp.Strategy != types.ReconcileAuto {
				report.Pending++
				continue
			}
			theme := imp.CandidateThemes[0]
			if err := b.assignFile(ctx, tx, cs, imp.File, theme, "automatic"); err != nil {
				return err
			}
			if err := tx.ResolveChangeImpacts(ctx, []string{imp.File.Path}); err != nil {
				return err
			}
			// Offset within the batch keeps event ids unique.
			at := now.Add(time.Duration(i+1) * time.Millisecond)
			if err := b.decisionEvent(ctx, tx, imp, theme, "auto-assigned to "+theme, at); err != nil {
				return err
			}
			report.AutoApplied = append(report.AutoApplied, imp.File.Path)
		}

		status := "clean"
		if report.Pending > 0 {
			status = "pending"
		}
		if err := tx.UpsertGitState(ctx, &types.GitProjectState{
			ProjectPath:          b.projectRoot,
			CurrentHash:          head,
			LastKnownHash:        state.CurrentHash,
			LastSync:             time.Now().UTC(),
			ChangeSummary:        summarize(files),
			AffectedThemes:       sortedKeys(affected),
			ReconciliationStatus: status,
		}); err != nil {
			return err
		}

		return tx.InsertEvent(ctx, &types.NoteworthyEvent{
			ID:        idgen.EventID(now),
			Type:      types.EventReconcile,
			Title:     fmt.Sprintf("external changes detected: %d files, %d pending", len(files), report.Pending),
			SessionID: b.sessionID,
			Impact:    maxSeverity(report.Impacts),
			Reasoning: summarize(files),
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	if len(report.AutoApplied) > 0 {
		b.index.Invalidate()
	}
	debug.Logf("detected %d external changes (%d auto, %d pending)",
		len(files), len(report.AutoApplied), report.Pending)
	return report, nil
}

// PendingImpacts lists impacts still waiting on a decision.
func (b *Bridge) PendingImpacts(ctx context.Context) ([]*types.ChangeImpact, error) {
	return b.store.ListPendingImpacts(ctx)
}

// ApplyDecision resolves one pending impact. When approved, the file is
// assigned to the chosen theme; either way the decision is recorded as a
// noteworthy event and the impact is marked resolved.
func (b *Bridge) ApplyDecision(ctx context.Context, path, theme string, approve bool) error {
	pending, err := b.store.ListPendingImpacts(ctx)
	if err != nil {
		return err
	}
	var imp *types.ChangeImpact
	for _, p := range pending {
		if p.File.Path == path {
			imp = p
			break
		}
	}
	if imp == nil {
		return fault.New(fault.NotFound, "no pending impact for %s", path)
	}
	if approve {
		if theme == "" {
			return fault.New(fault.ValidationError, "approving %s requires a theme", path)
		}
		if _, err := b.index.Theme(theme); err != nil && !fault.IsKind(err, fault.UnknownTheme) {
			return err
		}
	}

	err = b.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "git-bridge"
		cs.SessionID = b.sessionID

		outcome := "rejected"
		if approve {
			if err := b.assignFile(ctx, tx, cs, imp.File, theme, "user approval"); err != nil {
				return err
			}
			outcome = "assigned to " + theme
		}
		if err := tx.ResolveChangeImpacts(ctx, []string{path}); err != nil {
			return err
		}
		return b.decisionEvent(ctx, tx, imp, theme, outcome, time.Now().UTC())
	})
	if err != nil {
		return err
	}
	if approve {
		b.index.Invalidate()
	}
	return b.refreshStateStatus(ctx)
}

// CompleteManual marks manually reconciled impacts resolved after the user
// has edited the theme files themselves. Each resolved impact is recorded
// as a decision event carrying its computed severity.
func (b *Bridge) CompleteManual(ctx context.Context, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	pending, err := b.store.ListPendingImpacts(ctx)
	if err != nil {
		return err
	}
	byPath := make(map[string]*types.ChangeImpact, len(pending))
	for _, p := range pending {
		byPath[p.File.Path] = p
	}

	err = b.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "git-bridge"
		cs.SessionID = b.sessionID
		if err := tx.ResolveChangeImpacts(ctx, paths); err != nil {
			return err
		}
		now := time.Now().UTC()
		for i, path := range paths {
			imp, ok := byPath[path]
			if !ok {
				continue
			}
			at := now.Add(time.Duration(i) * time.Millisecond)
			if err := b.decisionEvent(ctx, tx, imp, "", "manually reconciled", at); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.index.Invalidate()
	return b.refreshStateStatus(ctx)
}

// decisionEvent persists one reconciliation decision as a noteworthy event
// with the impact's computed severity. Callers spread at across a batch so
// the timestamp-derived ids stay unique.
func (b *Bridge) decisionEvent(ctx context.Context, tx storage.Tx, imp *types.ChangeImpact,
	theme, outcome string, at time.Time) error {
	return tx.InsertEvent(ctx, &types.NoteworthyEvent{
		ID:           idgen.EventID(at),
		Type:         types.EventDecision,
		Title:        fmt.Sprintf("reconcile %s: %s", imp.File.Path, outcome),
		PrimaryTheme: theme,
		SessionID:    b.sessionID,
		Impact:       imp.Severity,
		Reasoning:    imp.Reasoning,
		Outcome:      outcome,
		CreatedAt:    at,
	})
}

// assignFile updates theme membership for one changed file inside the
// surrounding transaction: additions and renames join the theme's file
// list, deletions and rename sources leave it. The theme file is staged
// indented since users edit it by hand.
func (b *Bridge) assignFile(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet,
	file types.ChangedFile, themeName, how string) error {
	cached, err := b.index.Theme(themeName)
	if fault.IsKind(err, fault.UnknownTheme) {
		if file.Kind == types.ChangeDeleted {
			return err
		}
		return b.createTheme(ctx, tx, cs, themeName, file.Path, how)
	}
	if err != nil {
		return err
	}
	theme := *cached
	theme.Files = append([]string(nil), cached.Files...)

	var change string
	switch file.Kind {
	case types.ChangeDeleted:
		theme.Files = removeString(theme.Files, file.Path)
		change = "removed " + file.Path
	case types.ChangeRenamed:
		theme.Files = removeString(theme.Files, file.OldPath)
		theme.Files = appendUnique(theme.Files, file.Path)
		change = fmt.Sprintf("renamed %s to %s", file.OldPath, file.Path)
	default:
		if cached.ContainsFile(file.Path) {
			return nil
		}
		theme.Files = appendUnique(theme.Files, file.Path)
		change = "added " + file.Path
	}
	theme.LastModified = time.Now().UTC()

	data, err := storage.EncodeJSON(theme, false)
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "encode theme %s", themeName)
	}
	cs.Write(layout.ThemeFile(themeName), data)
	return tx.RecordThemeEvolution(ctx, themeName, change, how)
}

// createTheme stages a brand-new theme holding one file and registers it
// in themes.json. Only reachable through an approved decision.
func (b *Bridge) createTheme(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet,
	name, path, how string) error {
	names, err := b.index.ThemeNames()
	if err != nil {
		return err
	}
	idx := themesIndexDoc{Themes: appendUnique(names, name)}
	sort.Strings(idx.Themes)
	idxData, err := storage.EncodeJSON(idx, false)
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "encode themes index")
	}
	cs.Write(layout.ThemesIndexFile, idxData)

	theme := types.Theme{
		Name:         name,
		Files:        []string{path},
		LastModified: time.Now().UTC(),
	}
	data, err := storage.EncodeJSON(theme, false)
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "encode theme %s", name)
	}
	cs.Write(layout.ThemeFile(name), data)
	return tx.RecordThemeEvolution(ctx, name, "created with "+path, how)
}

// themesIndexDoc matches the Themes/themes.json shape.
type themesIndexDoc struct {
	Themes []string `json:"themes"`
}

// refreshStateStatus flips the persisted reconciliation status to clean
// once no pending impacts remain.
func (b *Bridge) refreshStateStatus(ctx context.Context) error {
	pending, err := b.store.ListPendingImpacts(ctx)
	if err != nil {
		return err
	}
	if len(pending) > 0 {
		return nil
	}
	state, err := b.store.GetGitState(ctx)
	if err != nil {
		return err
	}
	if state.ReconciliationStatus == "clean" {
		return nil
	}
	state.ReconciliationStatus = "clean"
	state.LastSync = time.Now().UTC()
	return b.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "git-bridge"
		cs.SessionID = b.sessionID
		return tx.UpsertGitState(ctx, state)
	})
}

// diff enumerates changed files between two commits.
func (b *Bridge) diff(ctx context.Context, from, to string) ([]types.ChangedFile, error) {
	out, err := b.git.Run(ctx, "diff", "--name-status", "-M", from+".."+to)
	if err != nil {
		return nil, err
	}
	return parseNameStatus(out), nil
}

// parseNameStatus parses git diff --name-status output. Organizational
// files under projectManagement/ are the orchestrator's own writes and are
// skipped.
func parseNameStatus(out string) []types.ChangedFile {
	var files []types.ChangedFile
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 || fields[0] == "" {
			continue
		}
		var f types.ChangedFile
		switch fields[0][0] {
		case 'A', 'C':
			f = types.ChangedFile{Path: fields[1], Kind: types.ChangeAdded}
		case 'M':
			f = types.ChangedFile{Path: fields[1], Kind: types.ChangeModified}
		case 'D':
			f = types.ChangedFile{Path: fields[1], Kind: types.ChangeDeleted}
		case 'R':
			if len(fields) < 3 {
				continue
			}
			f = types.ChangedFile{Path: fields[2], OldPath: fields[1], Kind: types.ChangeRenamed}
		default:
			continue
		}
		if strings.HasPrefix(f.Path, layout.Root+"/") || f.Path == layout.BranchMetaFile {
			continue
		}
		files = append(files, f)
	}
	return files
}

func (b *Bridge) definedThemes() (map[string]bool, error) {
	names, err := b.index.ThemeNames()
	if err != nil {
		return nil, err
	}
	defined := make(map[string]bool, len(names))
	for _, n := range names {
		defined[n] = true
	}
	return defined, nil
}

func summarize(files []types.ChangedFile) string {
	counts := map[types.ChangeKind]int{}
	for _, f := range files {
		counts[f.Kind]++
	}
	var parts []string
	for _, kind := range []types.ChangeKind{types.ChangeAdded, types.ChangeModified, types.ChangeDeleted, types.ChangeRenamed} {
		if n := counts[kind]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, kind))
		}
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func maxSeverity(impacts []types.ChangeImpact) types.Severity {
	max := types.SeverityLow
	for _, imp := range impacts {
		max = max.Max(imp.Severity)
	}
	return max
}

func removeString(ss []string, s string) []string {
	out := ss[:0]
	for _, v := range ss {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

func appendUnique(ss []string, s string) []string {
	for _, v := range ss {
		if v == s {
			return ss
		}
	}
	return append(ss, s)
}
