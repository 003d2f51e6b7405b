package loader

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage/sqlite"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

type themesIndexFile struct {
	Themes []string `json:"themes"`
}

func writeFixture(t *testing.T, root, rel string, v any) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func writeSource(t *testing.T, root, rel, content string) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newFixture(t *testing.T) (*Loader, string) {
	t.Helper()
	root := t.TempDir()

	writeFixture(t, root, layout.ThemesIndexFile, themesIndexFile{Themes: []string{"payment", "auth", "admin"}})
	writeFixture(t, root, layout.ThemeFile("payment"), types.Theme{
		Name:         "payment",
		Files:        []string{"src/payment/checkout.go"},
		LinkedThemes: []string{"auth"},
	})
	writeFixture(t, root, layout.ThemeFile("auth"), types.Theme{
		Name:  "auth",
		Files: []string{"src/auth/oauth.go"},
	})
	writeFixture(t, root, layout.ThemeFile("admin"), types.Theme{
		Name:  "admin",
		Files: []string{"src/admin/panel.go"},
	})
	writeFixture(t, root, layout.FlowIndexFile, types.FlowIndex{
		Flows: []types.FlowIndexEntry{
			{FlowID: "checkout-flow", FlowFile: "payment-flow.json", Relevance: 1},
			{FlowID: "refund-flow", FlowFile: "refund-flow.json", Relevance: 2},
			{FlowID: "dispute-flow", FlowFile: "dispute-flow.json", Relevance: 3},
			{FlowID: "chargeback-flow", FlowFile: "chargeback-flow.json", Relevance: 4},
		},
	})
	writeSource(t, root, "src/payment/checkout.go", "package payment\n")
	writeSource(t, root, "src/payment/README.md", "# payment\n")
	writeSource(t, root, "src/auth/oauth.go", "package auth\n")
	writeSource(t, root, "src/admin/panel.go", "package admin\n")
	writeSource(t, root, "README.md", "# project\n")

	cfg := config.Default()
	store, err := sqlite.New(context.Background(),
		filepath.Join(root, layout.DatabaseFile), sqlite.Options{ProjectRoot: root})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := themes.NewIndex(root, cfg.Themes.SharedFileThreshold)
	return New(root, idx, cfg, store), root
}

func TestFocusedModeLoadsPrimaryTheme(t *testing.T) {
	l, _ := newFixture(t)

	got, err := l.Load(context.Background(), Workload{
		TaskID:       "TASK-20260824T100000.000",
		PrimaryTheme: "payment",
	}, types.ModeFocused)
	require.NoError(t, err)

	assert.Equal(t, []string{"payment"}, got.Themes)
	assert.Contains(t, got.Files, "src/payment/checkout.go")
	assert.NotContains(t, got.Files, "src/auth/oauth.go")
	assert.Contains(t, got.Files, "README.md")
	assert.Contains(t, got.Readmes, filepath.Join("src", "payment", "README.md"))
}

func TestExpandedModeAddsLinkedThemes(t *testing.T) {
	l, _ := newFixture(t)

	got, err := l.Load(context.Background(), Workload{
		TaskID:       "TASK-20260824T100000.000",
		PrimaryTheme: "payment",
	}, types.ModeExpanded)
	require.NoError(t, err)

	assert.Equal(t, []string{"payment", "auth"}, got.Themes)
	assert.Contains(t, got.Files, "src/auth/oauth.go")
	assert.NotContains(t, got.Files, "src/admin/panel.go")
}

func TestWideModeLoadsEverything(t *testing.T) {
	l, _ := newFixture(t)

	got, err := l.Load(context.Background(), Workload{
		PrimaryTheme: "payment",
	}, types.ModeWide)
	require.NoError(t, err)

	assert.Len(t, got.Themes, 3)
	assert.Contains(t, got.Files, "src/admin/panel.go")
}

func TestUnknownPrimaryTheme(t *testing.T) {
	l, _ := newFixture(t)

	_, err := l.Load(context.Background(), Workload{PrimaryTheme: "ghost"}, types.ModeFocused)
	assert.True(t, fault.IsKind(err, fault.UnknownTheme))
}

func TestFlowResolutionBoundedAndOrdered(t *testing.T) {
	l, _ := newFixture(t)

	got, err := l.Load(context.Background(), Workload{
		PrimaryTheme: "payment",
		FlowRefs: []types.FlowReference{
			{FlowID: "chargeback-flow"},
			{FlowID: "checkout-flow"},
			{FlowID: "dispute-flow"},
			{FlowID: "refund-flow"},
		},
	}, types.ModeFocused)
	require.NoError(t, err)

	// maxFlowFiles default 3, ordered by relevance.
	assert.Equal(t, []string{"checkout-flow", "refund-flow", "dispute-flow"}, got.FlowIDs)
}

func TestFlowFilesCountTowardEstimate(t *testing.T) {
	l, root := newFixture(t)
	ctx := context.Background()

	writeSource(t, root, layout.FlowFile("payment-flow.json"), string(make([]byte, 4096)))

	base, err := l.Load(ctx, Workload{PrimaryTheme: "payment"}, types.ModeFocused)
	require.NoError(t, err)

	got, err := l.Load(ctx, Workload{
		PrimaryTheme: "payment",
		FlowRefs:     []types.FlowReference{{FlowID: "checkout-flow"}},
	}, types.ModeFocused)
	require.NoError(t, err)
	assert.Contains(t, got.FlowFiles, "payment-flow.json")
	assert.Equal(t, base.EstimatedBytes+4096, got.EstimatedBytes,
		"resolved flow files must count toward the estimate")
}

func TestUnresolvedFlowValidationModes(t *testing.T) {
	l, _ := newFixture(t)
	w := Workload{
		PrimaryTheme: "payment",
		FlowRefs:     []types.FlowReference{{FlowID: "no-such-flow"}},
	}

	got, err := l.Load(context.Background(), w, types.ModeFocused)
	require.NoError(t, err)
	require.Len(t, got.Warnings, 1)
	assert.Contains(t, got.Warnings[0], "no-such-flow")

	l.cfg.Validation.Mode = config.ValidationStrict
	_, err = l.Load(context.Background(), w, types.ModeFocused)
	assert.True(t, fault.IsKind(err, fault.UnknownFlowReference))

	l.cfg.Validation.Mode = config.ValidationDisabled
	got, err = l.Load(context.Background(), w, types.ModeFocused)
	require.NoError(t, err)
	assert.Empty(t, got.Warnings)
}

func TestEscalationBudget(t *testing.T) {
	l, _ := newFixture(t)
	ctx := context.Background()
	taskID := "TASK-20260824T100000.000"

	mode, err := l.Escalate(ctx, taskID, types.ModeFocused, "symbol not in context", false)
	require.NoError(t, err)
	assert.Equal(t, types.ModeExpanded, mode)

	// Second escalation on the same task is refused with resolutions.
	_, err = l.Escalate(ctx, taskID, types.ModeExpanded, "still missing", true)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.LimitExceeded))

	// A different task still has its budget.
	mode, err = l.Escalate(ctx, "TASK-20260824T110000.000", types.ModeExpanded, "needs whole picture", true)
	require.NoError(t, err)
	assert.Equal(t, types.ModeWide, mode)
}

func TestWideEscalationRequiresApproval(t *testing.T) {
	l, _ := newFixture(t)

	_, err := l.Escalate(context.Background(), "TASK-20260824T100000.000",
		types.ModeExpanded, "needs everything", false)
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.ValidationError))
}

func TestEscalationRecordsEvent(t *testing.T) {
	l, _ := newFixture(t)
	ctx := context.Background()

	_, err := l.Escalate(ctx, "TASK-20260824T100000.000", types.ModeFocused, "insufficient", false)
	require.NoError(t, err)

	events, err := l.store.RecentEvents(ctx, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventEscalation, events[0].Type)
}
