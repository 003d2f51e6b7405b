package gitbridge

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryanduntley/aipm/internal/branch"
	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage/sqlite"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func git(t *testing.T, root string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
}

func writeJSON(t *testing.T, root, rel string, v any) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeSource(t *testing.T, root, rel string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("package x\n"), 0o644))
}

// newBridge builds a repo with two themes (payment, api) sharing
// src/shared/util.go, an empty flow index, and an initial commit of the
// source files.
func newBridge(t *testing.T) (*Bridge, *sqlite.Store, string) {
	t.Helper()
	root := t.TempDir()
	git(t, root, "init", "-b", "main")
	git(t, root, "config", "user.name", "Test Dev")
	git(t, root, "config", "user.email", "dev@example.com")

	writeJSON(t, root, layout.ThemesIndexFile, map[string]any{"themes": []string{"api", "payment"}})
	writeJSON(t, root, layout.ThemeFile("payment"), map[string]any{
		"name":  "payment",
		"files": []string{"src/payment/checkout.go", "src/shared/util.go"},
	})
	writeJSON(t, root, layout.ThemeFile("api"), map[string]any{
		"name":  "api",
		"files": []string{"src/api/server.go", "src/shared/util.go"},
	})
	writeJSON(t, root, layout.FlowIndexFile, map[string]any{"flows": []any{}})

	for _, f := range []string{"src/payment/checkout.go", "src/api/server.go", "src/shared/util.go"} {
		writeSource(t, root, f)
	}
	git(t, root, "add", "src")
	git(t, root, "commit", "-m", "initial commit")

	store, err := sqlite.New(context.Background(),
		filepath.Join(root, layout.DatabaseFile), sqlite.Options{ProjectRoot: root})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := themes.NewIndex(root, 0)
	b := New(root, store, idx, config.Default(), branch.NewGit(root), &sync.Mutex{}, "session-test")
	return b, store, root
}

func baseline(t *testing.T, b *Bridge) {
	t.Helper()
	report, err := b.DetectChanges(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Clean)
	assert.NotEmpty(t, report.CurrentHash)
}

func TestParseNameStatus(t *testing.T) {
	out := "A\tsrc/new.go\n" +
		"M\tsrc/old.go\n" +
		"D\tsrc/gone.go\n" +
		"R100\tsrc/a.go\tsrc/b.go\n" +
		"A\tprojectManagement/Tasks/active/task.json\n" +
		"M\t.ai-pm-meta.json\n"

	files := parseNameStatus(out)
	require.Len(t, files, 4)
	assert.Equal(t, types.ChangeAdded, files[0].Kind)
	assert.Equal(t, types.ChangeModified, files[1].Kind)
	assert.Equal(t, types.ChangeDeleted, files[2].Kind)
	assert.Equal(t, types.ChangeRenamed, files[3].Kind)
	assert.Equal(t, "src/a.go", files[3].OldPath)
	assert.Equal(t, "src/b.go", files[3].Path)
}

func TestAnalyzeImpact(t *testing.T) {
	b := &Bridge{}
	defined := map[string]bool{"payment": true, "api": true}

	cases := []struct {
		name       string
		file       types.ChangedFile
		owners     []string
		candidates []string
		severity   types.Severity
		strategy   types.ReconcileStrategy
	}{
		{
			name:       "single defined candidate applies automatically",
			file:       types.ChangedFile{Path: "src/payment/stripe.go", Kind: types.ChangeAdded},
			candidates: []string{"payment"},
			severity:   types.SeverityMedium,
			strategy:   types.ReconcileAuto,
		},
		{
			name:       "undefined theme is suggested for creation",
			file:       types.ChangedFile{Path: "src/auth/oauth.js", Kind: types.ChangeAdded},
			candidates: []string{"authentication"},
			severity:   types.SeverityMedium,
			strategy:   types.ReconcileApproval,
		},
		{
			name:       "multiple owners need approval",
			file:       types.ChangedFile{Path: "src/shared/util.go", Kind: types.ChangeModified},
			owners:     []string{"api", "payment"},
			candidates: []string{"api", "payment"},
			severity:   types.SeverityMedium,
			strategy:   types.ReconcileApproval,
		},
		{
			name:       "multi-theme deletion is manual and critical",
			file:       types.ChangedFile{Path: "src/shared/util.go", Kind: types.ChangeDeleted},
			owners:     []string{"api", "payment"},
			candidates: []string{"api", "payment"},
			severity:   types.SeverityCritical,
			strategy:   types.ReconcileManual,
		},
		{
			name:       "owned deletion is high severity",
			file:       types.ChangedFile{Path: "src/payment/checkout.go", Kind: types.ChangeDeleted},
			owners:     []string{"payment"},
			candidates: []string{"payment"},
			severity:   types.SeverityHigh,
			strategy:   types.ReconcileApproval,
		},
		{
			name:     "no signal stays low",
			file:     types.ChangedFile{Path: "docs/notes.txt", Kind: types.ChangeAdded},
			severity: types.SeverityLow,
			strategy: types.ReconcileApproval,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			imp := b.analyzeImpact(tc.file, tc.owners, defined)
			assert.Equal(t, tc.candidates, imp.CandidateThemes)
			assert.Equal(t, tc.severity, imp.Severity)
			assert.Equal(t, tc.strategy, imp.Strategy)
		})
	}
}

func TestDetectChangesAutoAssigns(t *testing.T) {
	requireGit(t)
	b, store, root := newBridge(t)
	ctx := context.Background()
	baseline(t, b)

	writeSource(t, root, "src/payment/refund.go")
	git(t, root, "add", "src/payment/refund.go")
	git(t, root, "commit", "-m", "add refund handler")

	report, err := b.DetectChanges(ctx)
	require.NoError(t, err)
	assert.False(t, report.Clean)
	require.Len(t, report.Files, 1)
	assert.Equal(t, []string{"src/payment/refund.go"}, report.AutoApplied)
	assert.Zero(t, report.Pending)

	state, err := store.GetGitState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clean", state.ReconciliationStatus)
	assert.Equal(t, report.CurrentHash, state.CurrentHash)

	owners, err := b.index.ThemesForFile("src/payment/refund.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"payment"}, owners)

	events, err := store.RecentEvents(ctx, 10)
	require.NoError(t, err)
	var decisions []*types.NoteworthyEvent
	for _, e := range events {
		if e.Type == types.EventDecision {
			decisions = append(decisions, e)
		}
	}
	require.Len(t, decisions, 1, "auto-applied assignment should record a decision event")
	assert.Equal(t, types.SeverityMedium, decisions[0].Impact)
	assert.Equal(t, "auto-assigned to payment", decisions[0].Outcome)
}

func TestDetectChangesQueuesNewTheme(t *testing.T) {
	requireGit(t)
	b, store, root := newBridge(t)
	ctx := context.Background()
	baseline(t, b)

	writeSource(t, root, "src/auth/oauth.js")
	git(t, root, "add", "src/auth/oauth.js")
	git(t, root, "commit", "-m", "add oauth handler")

	report, err := b.DetectChanges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)
	require.Len(t, report.Impacts, 1)
	imp := report.Impacts[0]
	assert.Equal(t, []string{"authentication"}, imp.CandidateThemes)
	assert.Equal(t, types.SeverityMedium, imp.Severity)
	assert.Equal(t, types.ReconcileApproval, imp.Strategy)

	state, err := store.GetGitState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", state.ReconciliationStatus)

	require.NoError(t, b.ApplyDecision(ctx, "src/auth/oauth.js", "authentication", true))

	pending, err := b.PendingImpacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	theme, err := b.index.Theme("authentication")
	require.NoError(t, err)
	assert.True(t, theme.ContainsFile("src/auth/oauth.js"))

	state, err = store.GetGitState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clean", state.ReconciliationStatus)

	events, err := store.RecentEvents(ctx, 10)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		if e.Type == types.EventDecision {
			found = true
		}
	}
	assert.True(t, found, "expected a decision event after approval")
}

func TestApplyDecisionRejected(t *testing.T) {
	requireGit(t)
	b, store, root := newBridge(t)
	ctx := context.Background()
	baseline(t, b)

	writeSource(t, root, "src/auth/session.js")
	git(t, root, "add", "src/auth/session.js")
	git(t, root, "commit", "-m", "add session handler")

	_, err := b.DetectChanges(ctx)
	require.NoError(t, err)

	require.NoError(t, b.ApplyDecision(ctx, "src/auth/session.js", "", false))

	pending, err := b.PendingImpacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	names, err := b.index.ThemeNames()
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "payment"}, names)

	state, err := store.GetGitState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clean", state.ReconciliationStatus)
}

func TestSharedDeletionIsManual(t *testing.T) {
	requireGit(t)
	b, store, root := newBridge(t)
	ctx := context.Background()
	baseline(t, b)

	require.NoError(t, os.Remove(filepath.Join(root, "src/shared/util.go")))
	git(t, root, "add", "src/shared/util.go")
	git(t, root, "commit", "-m", "remove shared util")

	report, err := b.DetectChanges(ctx)
	require.NoError(t, err)
	require.Len(t, report.Impacts, 1)
	assert.Equal(t, types.ReconcileManual, report.Impacts[0].Strategy)
	assert.Equal(t, types.SeverityCritical, report.Impacts[0].Severity)
	assert.Equal(t, 1, report.Pending)

	require.NoError(t, b.CompleteManual(ctx, []string{"src/shared/util.go"}))

	pending, err := b.PendingImpacts(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	state, err := store.GetGitState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "clean", state.ReconciliationStatus)

	events, err := store.RecentEvents(ctx, 10)
	require.NoError(t, err)
	var decision *types.NoteworthyEvent
	for _, e := range events {
		if e.Type == types.EventDecision {
			decision = e
		}
	}
	require.NotNil(t, decision, "manual completion should record a decision event")
	assert.Equal(t, types.SeverityCritical, decision.Impact)
	assert.Equal(t, "manually reconciled", decision.Outcome)
}
