package branch

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

	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/idgen"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage/sqlite"
	"github.com/aryanduntley/aipm/internal/types"
)

func requireGit(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not installed")
	}
}

func initRepo(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init", "-b", "main")
	run("config", "user.name", "Test Dev")
	run("config", "user.email", "dev@example.com")
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# proj\n"), 0o644))
	run("add", ".")
	run("commit", "-m", "initial commit")
	return root
}

func newManager(t *testing.T, root string) (*Manager, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(),
		filepath.Join(root, layout.DatabaseFile), sqlite.Options{ProjectRoot: root})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return NewManager(root, store, config.Default(), &sync.Mutex{}), store
}

func commitFile(t *testing.T, root, file, msg string) {
	t.Helper()
	for _, args := range [][]string{{"add", file}, {"commit", "-m", msg}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = root
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
}

func TestEnsureOrgMainIdempotent(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m, _ := newManager(t, root)
	ctx := context.Background()

	require.NoError(t, m.EnsureOrgMain(ctx))
	ok, err := m.git.BranchExists(ctx, idgen.OrgMainBranch)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second call is a no-op.
	require.NoError(t, m.EnsureOrgMain(ctx))
}

func TestCreateWorkBranchAllocation(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m, _ := newManager(t, root)
	ctx := context.Background()

	first, err := m.CreateWorkBranch(ctx, "auth")
	require.NoError(t, err)
	assert.Equal(t, "ai-pm-org-branch-001", first.Name)
	assert.Equal(t, 1, first.Number)
	assert.Equal(t, "Test Dev", first.CreatedBy.Name)
	assert.Equal(t, "git_config", first.CreatedBy.Source)
	assert.NotEmpty(t, first.GitBaseHash)

	data, err := os.ReadFile(filepath.Join(root, layout.BranchMetaFile))
	require.NoError(t, err)
	var meta types.BranchMeta
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Equal(t, 1, meta.BranchNumber)
	assert.Equal(t, "ai-pm-org-branch-001", meta.BranchName)

	second, err := m.CreateWorkBranch(ctx, "payment")
	require.NoError(t, err)
	assert.Equal(t, "ai-pm-org-branch-002", second.Name)
}

func TestCreateWorkBranchRejectsDirtyTree(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m, _ := newManager(t, root)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(root, "dirty.txt"), []byte("x"), 0o644))
	_, err := m.CreateWorkBranch(ctx, "auth")
	assert.True(t, fault.IsKind(err, fault.GitDirty))
}

func TestMergeWorkBranch(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m, store := newManager(t, root)
	ctx := context.Background()

	b, err := m.CreateWorkBranch(ctx, "auth")
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(root, "feature.txt"), []byte("done\n"), 0o644))
	commitFile(t, root, "feature.txt", "add feature")

	require.NoError(t, m.MergeWorkBranch(ctx, b.Name, false))

	got, err := store.GetBranch(ctx, b.Name)
	require.NoError(t, err)
	assert.Equal(t, types.BranchMerged, got.Status)

	// The merged file is on the canonical branch.
	current, err := m.git.CurrentBranch(ctx)
	require.NoError(t, err)
	assert.Equal(t, idgen.OrgMainBranch, current)
	_, err = os.Stat(filepath.Join(root, "feature.txt"))
	assert.NoError(t, err)
}

func TestMergeRejectsUnmanagedBranch(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m, _ := newManager(t, root)

	err := m.MergeWorkBranch(context.Background(), "main", false)
	assert.True(t, fault.IsKind(err, fault.ValidationError))
}

func TestDeleteBranch(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	m, store := newManager(t, root)
	ctx := context.Background()

	b, err := m.CreateWorkBranch(ctx, "experiment")
	require.NoError(t, err)

	require.NoError(t, m.DeleteBranch(ctx, b.Name))

	exists, err := m.git.BranchExists(ctx, b.Name)
	require.NoError(t, err)
	assert.False(t, exists)

	got, err := store.GetBranch(ctx, b.Name)
	require.NoError(t, err)
	assert.Equal(t, types.BranchDeleted, got.Status)
}

func TestDetectUserFallbacks(t *testing.T) {
	requireGit(t)
	root := initRepo(t)
	g := NewGit(root)
	ctx := context.Background()

	by := DetectUser(ctx, g)
	assert.Equal(t, "Test Dev", by.Name)
	assert.Equal(t, "git_config", by.Source)
}
