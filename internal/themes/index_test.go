package themes

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/types"
)

func writeJSON(t *testing.T, root, rel string, v any) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func fixtureProject(t *testing.T) string {
	t.Helper()
	root := t.TempDir()

	writeJSON(t, root, layout.ThemesIndexFile, themesIndex{
		Themes: []string{"payment", "auth", "api"},
	})
	writeJSON(t, root, layout.ThemeFile("payment"), types.Theme{
		Name:         "payment",
		Files:        []string{"src/payment/checkout.go", "src/shared/money.go"},
		LinkedThemes: []string{"auth"},
	})
	writeJSON(t, root, layout.ThemeFile("auth"), types.Theme{
		Name:  "auth",
		Files: []string{"src/auth/oauth.go", "src/shared/money.go"},
	})
	writeJSON(t, root, layout.ThemeFile("api"), types.Theme{
		Name:  "api",
		Files: []string{"src/api/router.go", "src/shared/money.go"},
	})
	writeJSON(t, root, layout.FlowIndexFile, types.FlowIndex{
		Flows: []types.FlowIndexEntry{
			{FlowID: "checkout-flow", FlowFile: "payment-flow.json", PrimaryThemes: []string{"payment"}, Relevance: 1},
			{FlowID: "login-flow", FlowFile: "auth-flow.json", PrimaryThemes: []string{"auth"}, Relevance: 2},
		},
	})
	writeJSON(t, root, layout.FlowFile("payment-flow.json"), types.Flow{
		ID: "checkout-flow",
		Steps: []types.FlowStep{
			{ID: "select-items", Status: types.StepComplete},
			{ID: "pay", Status: types.StepInProgress},
		},
	})
	return root
}

func TestThemeLookup(t *testing.T) {
	idx := NewIndex(fixtureProject(t), 0)

	theme, err := idx.Theme("payment")
	require.NoError(t, err)
	assert.True(t, theme.ContainsFile("src/payment/checkout.go"))

	_, err = idx.Theme("nonexistent")
	assert.True(t, fault.IsKind(err, fault.UnknownTheme))
}

func TestFlowResolution(t *testing.T) {
	idx := NewIndex(fixtureProject(t), 0)

	entry, err := idx.FlowEntry("checkout-flow")
	require.NoError(t, err)
	flow, err := idx.LoadFlow(entry)
	require.NoError(t, err)
	assert.True(t, flow.HasStep("pay"))

	_, err = idx.FlowEntry("no-such-flow")
	assert.True(t, fault.IsKind(err, fault.UnknownFlowReference))
}

func TestThemesForFile(t *testing.T) {
	idx := NewIndex(fixtureProject(t), 0)

	owners, err := idx.ThemesForFile("src/shared/money.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"api", "auth", "payment"}, owners)

	owners, err = idx.ThemesForFile("src/unknown.go")
	require.NoError(t, err)
	assert.Empty(t, owners)
}

func TestSharedFileWarnings(t *testing.T) {
	// Threshold 2: money.go is owned by 3 themes and should be flagged.
	idx := NewIndex(fixtureProject(t), 2)

	warnings, err := idx.SharedFileWarnings()
	require.NoError(t, err)
	require.Len(t, warnings, 1)
	assert.Equal(t, "src/shared/money.go", warnings[0].Path)
	assert.Len(t, warnings[0].Themes, 3)

	// Default threshold of 3 tolerates it.
	idx = NewIndex(fixtureProject(t), 0)
	warnings, err = idx.SharedFileWarnings()
	require.NoError(t, err)
	assert.Empty(t, warnings)
}

func TestLinkedClosure(t *testing.T) {
	idx := NewIndex(fixtureProject(t), 0)

	closure, err := idx.LinkedClosure("payment")
	require.NoError(t, err)
	assert.Equal(t, []string{"payment", "auth"}, closure)
}

func TestInvalidateReloads(t *testing.T) {
	root := fixtureProject(t)
	idx := NewIndex(root, 0)

	_, err := idx.Theme("payment")
	require.NoError(t, err)

	writeJSON(t, root, layout.ThemesIndexFile, themesIndex{Themes: []string{"payment"}})
	writeJSON(t, root, layout.ThemeFile("payment"), types.Theme{Name: "payment"})

	// Stale until invalidated.
	_, err = idx.Theme("auth")
	require.NoError(t, err)

	idx.Invalidate()
	_, err = idx.Theme("auth")
	assert.True(t, fault.IsKind(err, fault.UnknownTheme))
}

func TestWatcherInvalidates(t *testing.T) {
	root := fixtureProject(t)
	idx := NewIndex(root, 0)
	_, err := idx.Theme("payment")
	require.NoError(t, err)

	w, err := Watch(root, idx)
	require.NoError(t, err)
	defer w.Close()

	writeJSON(t, root, layout.ThemesIndexFile, themesIndex{Themes: []string{"payment"}})

	assert.Eventually(t, func() bool {
		idx.mu.RLock()
		defer idx.mu.RUnlock()
		return !idx.loaded
	}, 2*time.Second, 10*time.Millisecond, "watcher should invalidate the index")
}

func TestSelfLoopRejected(t *testing.T) {
	root := t.TempDir()
	writeJSON(t, root, layout.ThemesIndexFile, themesIndex{Themes: []string{"broken"}})
	writeJSON(t, root, layout.ThemeFile("broken"), types.Theme{
		Name:         "broken",
		LinkedThemes: []string{"broken"},
	})
	writeJSON(t, root, layout.FlowIndexFile, types.FlowIndex{})

	idx := NewIndex(root, 0)
	_, err := idx.Theme("broken")
	assert.True(t, fault.IsKind(err, fault.ValidationError))
}
