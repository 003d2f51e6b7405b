package scheduler

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
	"github.com/aryanduntley/aipm/internal/jsonl"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/storage/sqlite"
	"github.com/aryanduntley/aipm/internal/themes"
	"github.com/aryanduntley/aipm/internal/types"
)

type themesIndexFile struct {
	Themes []string `json:"themes"`
}

func writeJSON(t *testing.T, root, rel string, v any) {
	t.Helper()
	path := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	data, err := json.MarshalIndent(v, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

type env struct {
	sched *Scheduler
	store *sqlite.Store
	root  string
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()

	writeJSON(t, root, layout.ThemesIndexFile, themesIndexFile{Themes: []string{"payment", "checkout", "security"}})
	writeJSON(t, root, layout.ThemeFile("payment"), types.Theme{Name: "payment"})
	writeJSON(t, root, layout.ThemeFile("checkout"), types.Theme{Name: "checkout"})
	writeJSON(t, root, layout.ThemeFile("security"), types.Theme{Name: "security"})
	writeJSON(t, root, layout.FlowIndexFile, types.FlowIndex{
		Flows: []types.FlowIndexEntry{
			{FlowID: "payment-processing-flow", FlowFile: "payment-processing-flow.json", Relevance: 1},
		},
	})
	writeJSON(t, root, layout.CompletionPathFile, types.CompletionPath{
		Milestones: []types.Milestone{
			{ID: "M-01", Description: "Core checkout", Status: types.StatusInProgress},
			{ID: "M-02", Description: "Payments live", Status: types.StatusPending,
				RequiredFlows: map[string]string{"payment-processing-flow": "complete"}},
		},
	})

	cfg := config.Default()
	store, err := sqlite.New(context.Background(),
		filepath.Join(root, layout.DatabaseFile), sqlite.Options{ProjectRoot: root})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	idx := themes.NewIndex(root, cfg.Themes.SharedFileThreshold)
	return &env{
		sched: New(root, store, idx, cfg, "sess-test"),
		store: store,
		root:  root,
	}
}

func (e *env) mustCreateTask(t *testing.T) string {
	t.Helper()
	id, err := e.sched.CreateTask(context.Background(), TaskSpec{
		Title:        "Implement checkout",
		MilestoneID:  "M-01",
		PrimaryTheme: "payment",
		RelatedThemes: []string{
			"checkout",
		},
	})
	require.NoError(t, err)
	return id
}

func TestCreateTaskValidation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.sched.CreateTask(ctx, TaskSpec{
		Title: "x", MilestoneID: "M-99", PrimaryTheme: "payment",
	})
	assert.True(t, fault.IsKind(err, fault.MissingMilestone))

	_, err = e.sched.CreateTask(ctx, TaskSpec{
		Title: "x", MilestoneID: "M-01", PrimaryTheme: "ghost",
	})
	assert.True(t, fault.IsKind(err, fault.UnknownTheme))

	id := e.mustCreateTask(t)
	_, err = os.Stat(filepath.Join(e.root, layout.ActiveTaskFile(id)))
	assert.NoError(t, err, "task definition file should be written with the row")
}

func TestStartTaskEnforcesSingleInProgress(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	first := e.mustCreateTask(t)
	second := e.mustCreateTask(t)

	require.NoError(t, e.sched.StartTask(ctx, first))
	err := e.sched.StartTask(ctx, second)
	assert.True(t, fault.IsKind(err, fault.ConcurrentTask))
}

func TestProgressNotesRejectPlaceholders(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	id := e.mustCreateTask(t)
	require.NoError(t, e.sched.StartTask(ctx, id))

	err := e.sched.UpdateTaskProgress(ctx, id, 40, "TODO: wire the refund path")
	assert.True(t, fault.IsKind(err, fault.ValidationError))

	entries, err := jsonl.TailInto[map[string]any](filepath.Join(e.root, layout.TodosFile), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "TODO", entries[0]["marker"])
	assert.Equal(t, id, entries[0]["id"])

	require.NoError(t, e.sched.UpdateTaskProgress(ctx, id, 40, "refund path wired"))
	task, err := e.store.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 40, task.Progress)
}

func TestSidequestPauseResume(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	taskID := e.mustCreateTask(t)
	require.NoError(t, e.sched.StartTask(ctx, taskID))

	// Two subtasks; the second is in progress at 75%.
	_, err := e.sched.AddSubtask(ctx, taskID, types.ParentTask, "scaffold", nil, nil)
	require.NoError(t, err)
	st2, err := e.sched.AddSubtask(ctx, taskID, types.ParentTask, "wire payments", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "ST-02", st2)
	require.NoError(t, e.sched.UpdateSubtaskProgress(ctx, taskID, "ST-01", 100))
	require.NoError(t, e.sched.UpdateSubtaskProgress(ctx, taskID, st2, 75))

	sqID, err := e.sched.CreateSidequest(ctx, taskID, SidequestSpec{
		Title:        "Rate limiting",
		PrimaryTheme: "security",
	}, ActiveContext{
		LoadedThemes: []string{"payment", "checkout"},
		ContextMode:  types.ModeFocused,
	})
	require.NoError(t, err)
	assert.Regexp(t, `^SQ-\d{8}T\d{6}\.\d{3}-001$`, sqID)

	task, err := e.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusBlocked, task.Status)
	assert.Equal(t, "sidequest:"+sqID, task.StatusReason)

	snap, err := e.store.GetContextSnapshot(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, st2, snap.PausedSubtaskID)
	assert.Equal(t, 75, snap.PausedProgress)
	assert.Equal(t, []string{"payment", "checkout"}, snap.LoadedThemes)

	restored, err := e.sched.CompleteSidequest(ctx, sqID)
	require.NoError(t, err)
	require.NotNil(t, restored)
	assert.Equal(t, st2, restored.PausedSubtaskID)
	assert.Equal(t, 75, restored.PausedProgress)

	task, err = e.store.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusInProgress, task.Status)

	sub, err := e.store.GetSubtask(ctx, taskID, st2)
	require.NoError(t, err)
	assert.Equal(t, 75, sub.Progress)

	// Sidequest file archived, snapshot cleared.
	_, err = os.Stat(filepath.Join(e.root, layout.ArchivedSidequestFile(sqID)))
	assert.NoError(t, err)
	_, err = e.store.GetContextSnapshot(ctx, taskID)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestSidequestLimit(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	taskID := e.mustCreateTask(t)
	require.NoError(t, e.sched.StartTask(ctx, taskID))

	spawn := func() error {
		_, err := e.sched.CreateSidequest(ctx, taskID, SidequestSpec{
			Title:        "tangent",
			PrimaryTheme: "security",
		}, ActiveContext{})
		if err == nil {
			// Parent is blocked after each spawn; unblock to spawn again.
			return e.sched.Transition(ctx, taskID, types.StatusInProgress)
		}
		return err
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, spawn())
	}

	err := spawn()
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.LimitExceeded))
	var ferr *fault.Error
	require.ErrorAs(t, err, &ferr)
	assert.Equal(t, []string{"wait", "modify_existing", "replace", "raise_limit"}, ferr.Resolutions)

	// State untouched: still exactly 3 active.
	ls, err := e.store.SidequestLimitStatus(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, 3, ls.ActiveCount)

	// Raising the limit unblocks the fourth.
	require.NoError(t, e.sched.RaiseSidequestLimit(ctx, taskID, 4))
	require.NoError(t, spawn())
}

func TestTaskCompletionGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	id, err := e.sched.CreateTask(ctx, TaskSpec{
		Title:              "gated",
		MilestoneID:        "M-01",
		PrimaryTheme:       "payment",
		AcceptanceCriteria: []string{"all payments idempotent"},
	})
	require.NoError(t, err)
	require.NoError(t, e.sched.StartTask(ctx, id))

	err = e.sched.Transition(ctx, id, types.StatusCompleted)
	assert.True(t, fault.IsKind(err, fault.StateTransitionForbidden))

	// Satisfy the criterion directly.
	err = e.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		task, err := tx.GetTask(ctx, id)
		if err != nil {
			return err
		}
		task.AcceptanceCriteria[0].Satisfied = true
		return tx.UpdateTask(ctx, task)
	})
	require.NoError(t, err)

	require.NoError(t, e.sched.Transition(ctx, id, types.StatusCompleted))
	_, err = os.Stat(filepath.Join(e.root, layout.ArchivedTaskFile(id)))
	assert.NoError(t, err, "completed task file should be archived")
}

func TestCancelCascadesToSidequests(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	taskID := e.mustCreateTask(t)
	require.NoError(t, e.sched.StartTask(ctx, taskID))

	sqID, err := e.sched.CreateSidequest(ctx, taskID, SidequestSpec{
		Title:        "tangent",
		PrimaryTheme: "security",
	}, ActiveContext{})
	require.NoError(t, err)

	require.NoError(t, e.sched.Transition(ctx, taskID, types.StatusCancelled))

	q, err := e.store.GetSidequest(ctx, sqID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCancelled, q.Status)

	_, err = e.store.GetContextSnapshot(ctx, taskID)
	assert.True(t, fault.IsKind(err, fault.NotFound), "snapshot discarded on cancel")
}

func TestMilestoneGate(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	setFlow := func(status types.FlowStepStatus, pct int) {
		require.NoError(t, e.sched.SetFlowStatus(ctx, "payment-processing-flow", "", status, pct))
	}

	err := e.sched.SetFlowStatus(ctx, "ghost-flow", "", types.StepComplete, 100)
	assert.True(t, fault.IsKind(err, fault.UnknownFlowReference))

	setFlow(types.StepInProgress, 50)
	err = e.sched.CompleteMilestone(ctx, "M-02")
	assert.True(t, fault.IsKind(err, fault.StateTransitionForbidden))

	setFlow(types.StepComplete, 100)
	require.NoError(t, e.sched.CompleteMilestone(ctx, "M-02"))

	data, err := os.ReadFile(filepath.Join(e.root, layout.CompletionPathFile))
	require.NoError(t, err)
	var path types.CompletionPath
	require.NoError(t, json.Unmarshal(data, &path))
	assert.Equal(t, types.StatusCompleted, path.Milestone("M-02").Status)
}
