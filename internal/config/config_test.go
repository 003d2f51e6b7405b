package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 900, cfg.Project.MaxFileLineCount)
	assert.True(t, cfg.Project.AvoidPlaceholders)
	assert.True(t, cfg.Project.MinifyJSON)
	assert.Equal(t, 3, cfg.Tasks.MaxActiveSidequests)
	assert.False(t, cfg.Tasks.ResumeTasksOnStart)
	assert.Equal(t, "focused", cfg.ContextLoading.DefaultMode)
	assert.Equal(t, 3, cfg.ContextLoading.MaxFlowFiles)
	assert.Equal(t, 3, cfg.Themes.SharedFileThreshold)
	assert.Equal(t, 10, cfg.BranchManagement.MaxActiveBranches)
	assert.Equal(t, ValidationSmart, cfg.Validation.Mode)
	assert.Equal(t, 32, cfg.Store.MaxPendingCalls)
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Tasks.MaxActiveSidequests)
}

func TestLoadUserConfig(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "projectManagement", "UserSettings")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	body := `{"tasks":{"maxActiveSidequests":5},"contextLoading":{"defaultMode":"expanded","maxFlowFiles":3,"readmeFirst":true,"memoryBudgetMiB":100}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(body), 0o600))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Tasks.MaxActiveSidequests)
	assert.Equal(t, "expanded", cfg.ContextLoading.DefaultMode)
	// untouched defaults survive a partial file
	assert.Equal(t, 900, cfg.Project.MaxFileLineCount)
}

func TestYAMLOverridesWinOverJSON(t *testing.T) {
	root := t.TempDir()
	userDir := filepath.Join(root, "projectManagement", "UserSettings")
	require.NoError(t, os.MkdirAll(userDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(userDir, "config.json"),
		[]byte(`{"tasks":{"maxActiveSidequests":5}}`), 0o600))

	aipmDir := filepath.Join(root, ".aipm")
	require.NoError(t, os.MkdirAll(aipmDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(aipmDir, "config.yaml"),
		[]byte("tasks:\n  max-active-sidequests: 7\nvalidation:\n  mode: strict\n"), 0o600))

	cfg, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Tasks.MaxActiveSidequests)
	assert.Equal(t, ValidationStrict, cfg.Validation.Mode)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AI_PM_MAX_FILE_LINES", "500")
	t.Setenv("AI_PM_LOG_RETENTION", "14")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.Project.MaxFileLineCount)
	assert.Equal(t, 14, cfg.LogRetentionDays)
}

func TestInvalidValidationModeRejected(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "projectManagement", "UserSettings")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"),
		[]byte(`{"validation":{"mode":"fuzzy"}}`), 0o600))

	_, err := Load(root)
	assert.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	root := t.TempDir()
	cfg := Default()
	cfg.Tasks.MaxActiveSidequests = 4
	require.NoError(t, cfg.Save(root))

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Tasks.MaxActiveSidequests)
}
