package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	root := t.TempDir()
	s, err := New(context.Background(), filepath.Join(root, layout.DatabaseFile), Options{
		ProjectRoot: root,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testTask(id string) *types.Task {
	return &types.Task{
		ID:           id,
		Title:        "Implement payment flow",
		Status:       types.StatusPending,
		Priority:     2,
		MilestoneID:  "M-01",
		PrimaryTheme: "payment",
	}
}

func insertTask(t *testing.T, s *Store, task *types.Task) {
	t.Helper()
	err := s.ApplyFunc(context.Background(), func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.InsertTask(ctx, task)
	})
	require.NoError(t, err)
}

func TestApplyPairsFileAndRow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100000.000")

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		data, err := storage.EncodeJSON(task, false)
		if err != nil {
			return err
		}
		cs.Write(layout.ActiveTaskFile(task.ID), data)
		return nil
	})
	require.NoError(t, err)

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)

	_, err = os.Stat(filepath.Join(s.ProjectRoot(), layout.ActiveTaskFile(task.ID)))
	assert.NoError(t, err, "paired file should exist after commit")
}

func TestApplyRollsBackFilesOnSQLFailure(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Write(layout.ActiveTaskFile("TASK-x"), []byte("{}"))
		cs.Exec("INSERT INTO no_such_table (x) VALUES (1)")
		return nil
	})
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(s.ProjectRoot(), layout.ActiveTaskFile("TASK-x")))
	assert.True(t, os.IsNotExist(statErr), "file must not exist after rollback")

	entries, err := os.ReadDir(filepath.Join(s.ProjectRoot(), layout.Root, "Tasks", "active"))
	if err == nil {
		for _, e := range entries {
			assert.NotContains(t, e.Name(), tempSuffix, "staged temps must be cleaned up")
		}
	}
}

func TestApplyBuildErrorAborts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	wantErr := fault.New(fault.ValidationError, "nope")
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return wantErr
	})
	assert.ErrorIs(t, err, fault.Sentinel(fault.ValidationError))
}

func TestTaskStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100001.000")
	insertTask(t, s, task)

	// pending cannot jump straight to completed
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.UpdateTaskStatus(ctx, task.ID, types.StatusCompleted, "")
	})
	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.StateTransitionForbidden))

	for _, step := range []types.WorkStatus{types.StatusInProgress, types.StatusCompleted} {
		err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
			return tx.UpdateTaskStatus(ctx, task.ID, step, "")
		})
		require.NoError(t, err, "transition to %s", step)
	}

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetTask(context.Background(), "TASK-missing")
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestSidequestTriggerMaintainsActiveCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100002.000")
	insertTask(t, s, task)

	var sqID string
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		n, err := tx.NextSidequestOrdinal(ctx, time.Now())
		if err != nil {
			return err
		}
		require.Equal(t, 1, n)
		sqID = "SQ-20260824T100002.000-001"
		return tx.InsertSidequest(ctx, &types.Sidequest{
			ID:           sqID,
			ParentTaskID: task.ID,
			Title:        "Fix auth bug blocking payment",
			Status:       types.StatusPending,
			PrimaryTheme: "auth",
		})
	})
	require.NoError(t, err)

	ls, err := s.SidequestLimitStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, ls.ActiveCount)

	// Completing the sidequest decrements via trigger.
	err = s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		q, err := tx.GetSidequest(ctx, sqID)
		if err != nil {
			return err
		}
		q.Status = types.StatusCompleted
		return tx.UpdateSidequest(ctx, q)
	})
	require.NoError(t, err)

	ls, err = s.SidequestLimitStatus(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, ls.ActiveCount)
}

func TestCountTasksInProgressIsProjectWide(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100007.000")
	insertTask(t, s, task)

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		n, err := tx.CountTasksInProgress(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 0, n)
		return tx.UpdateTaskStatus(ctx, task.ID, types.StatusInProgress, "")
	})
	require.NoError(t, err)

	err = s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		n, err := tx.CountTasksInProgress(ctx)
		if err != nil {
			return err
		}
		assert.Equal(t, 1, n, "in-progress count spans all sessions")
		return nil
	})
	require.NoError(t, err)
}

func TestSidequestOrdinalsRestartEachDay(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100008.000")
	insertTask(t, s, task)

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.InsertSidequest(ctx, &types.Sidequest{
			ID:           "SQ-20260824T100008.000-001",
			ParentTaskID: task.ID,
			Title:        "Patch session refresh",
			Status:       types.StatusPending,
			PrimaryTheme: "auth",
		})
	})
	require.NoError(t, err)

	err = s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		today, err := tx.NextSidequestOrdinal(ctx, time.Now())
		if err != nil {
			return err
		}
		assert.Equal(t, 2, today)

		tomorrow, err := tx.NextSidequestOrdinal(ctx, time.Now().AddDate(0, 0, 1))
		if err != nil {
			return err
		}
		assert.Equal(t, 1, tomorrow, "ordinals start over on a new day")
		return nil
	})
	require.NoError(t, err)
}

func TestRaiseSidequestLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100003.000")
	insertTask(t, s, task)

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.RaiseSidequestLimit(ctx, task.ID, 5)
	})
	require.NoError(t, err)

	err = s.RunInTransaction(ctx, func(tx storage.Tx) error {
		limit, ok, err := tx.SidequestLimit(ctx, task.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 5, limit)
		return nil
	})
	require.NoError(t, err)
}

func TestContextSnapshotRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100004.000")
	insertTask(t, s, task)

	snap := &types.ContextSnapshot{
		PausedSubtaskID: "ST-02",
		PausedProgress:  40,
		LoadedThemes:    []string{"payment", "auth"},
		ContextMode:     types.ModeFocused,
		PausedAt:        time.Now().UTC().Truncate(time.Second),
	}
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.SetContextSnapshot(ctx, task.ID, snap)
	})
	require.NoError(t, err)

	got, err := s.GetContextSnapshot(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, snap.PausedSubtaskID, got.PausedSubtaskID)
	assert.Equal(t, snap.PausedProgress, got.PausedProgress)
	assert.Equal(t, snap.LoadedThemes, got.LoadedThemes)

	err = s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.ClearContextSnapshot(ctx, task.ID)
	})
	require.NoError(t, err)

	_, err = s.GetContextSnapshot(ctx, task.ID)
	assert.True(t, fault.IsKind(err, fault.NotFound))
}

func TestBranchNumbersAreMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
			n, err := tx.NextBranchNumber(ctx)
			if err != nil {
				return err
			}
			require.Equal(t, i, n)
			return tx.InsertBranch(ctx, &types.Branch{
				Name:   "ai-pm-org-branch-00" + string(rune('0'+n)),
				Number: n,
				CreatedBy: types.CreatedBy{
					Name:   "dev",
					Source: "git_config",
				},
				Status: types.BranchActive,
			})
		})
		require.NoError(t, err)
	}

	branches, err := s.ListBranches(ctx)
	require.NoError(t, err)
	require.Len(t, branches, 3)
	assert.Equal(t, 1, branches[0].Number)
	assert.Equal(t, 3, branches[2].Number)
}

func TestThemeFlowEdges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		if err := tx.ReplaceThemeFlows(ctx, "payment", []string{"checkout-flow", "refund-flow"}); err != nil {
			return err
		}
		return tx.ReplaceThemeFlows(ctx, "auth", []string{"checkout-flow"})
	})
	require.NoError(t, err)

	flows, err := s.ListThemeFlows(ctx, "payment")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout-flow", "refund-flow"}, flows)

	summary, err := s.FlowThemeSummary(ctx)
	require.NoError(t, err)
	require.Len(t, summary, 2)
	for _, row := range summary {
		if row.FlowID == "checkout-flow" {
			assert.Equal(t, 2, row.ThemeCount)
		}
	}

	// Replace shrinks the edge set.
	err = s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		return tx.ReplaceThemeFlows(ctx, "payment", []string{"checkout-flow"})
	})
	require.NoError(t, err)
	flows, err = s.ListThemeFlows(ctx, "payment")
	require.NoError(t, err)
	assert.Equal(t, []string{"checkout-flow"}, flows)
}

func TestEventArchival(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		if err := tx.InsertEvent(ctx, &types.NoteworthyEvent{
			ID:        "event-20260822T100000.000",
			Type:      types.EventDecision,
			Title:     "Chose soft delete for archives",
			CreatedAt: old,
		}); err != nil {
			return err
		}
		return tx.InsertEvent(ctx, &types.NoteworthyEvent{
			ID:    "event-20260824T100000.000",
			Type:  types.EventMilestone,
			Title: "M-01 reached",
		})
	})
	require.NoError(t, err)

	count, err := s.CountCurrentEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	err = s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		archived, err := tx.ArchiveCurrentEvents(ctx, time.Now().UTC().Add(-24*time.Hour))
		if err != nil {
			return err
		}
		require.Len(t, archived, 1)
		assert.Equal(t, "event-20260822T100000.000", archived[0].ID)
		return nil
	})
	require.NoError(t, err)

	count, err = s.CountCurrentEvents(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestRecoverFilesRewritesMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100005.000")

	// Row committed with its paired file, then the file goes missing
	// (the post-rename, pre-durability crash window).
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		data, _ := storage.EncodeJSON(task, false)
		cs.Write(layout.ActiveTaskFile(task.ID), data)
		return nil
	})
	require.NoError(t, err)

	path := filepath.Join(s.ProjectRoot(), layout.ActiveTaskFile(task.ID))
	require.NoError(t, os.Remove(path))

	// Plant an orphan temp too.
	orphan := path + tempSuffix + "deadbeef"
	require.NoError(t, os.WriteFile(orphan, []byte("{"), 0o644))

	n, err := s.RecoverFiles(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = os.Stat(path)
	assert.NoError(t, err, "missing file should be rewritten from the database")
	_, err = os.Stat(orphan)
	assert.True(t, os.IsNotExist(err), "orphan temp should be swept")
}

func TestSubscribeDeliversCommittedChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	taskCh, cancelTasks := s.Subscribe("task")
	defer cancelTasks()
	allCh, cancelAll := s.Subscribe("")
	defer cancelAll()

	task := testTask("TASK-20260824T100000.000")
	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "scheduler"
		cs.SessionID = "sess-sub"
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		data, err := storage.EncodeJSON(task, false)
		if err != nil {
			return err
		}
		cs.Write(layout.ActiveTaskFile(task.ID), data)
		cs.Write(layout.ThemeFile("payment"), []byte(`{"name":"payment"}`))
		return nil
	})
	require.NoError(t, err)

	rec := <-taskCh
	assert.Equal(t, "task", rec.Kind)
	assert.Equal(t, layout.ActiveTaskFile(task.ID), rec.Path)
	assert.Equal(t, "write", rec.Op)
	assert.Equal(t, "scheduler", rec.Actor)
	assert.Equal(t, "sess-sub", rec.SessionID)
	select {
	case extra := <-taskCh:
		t.Fatalf("task subscriber received filtered-out record: %+v", extra)
	default:
	}

	assert.Equal(t, "task", (<-allCh).Kind)
	assert.Equal(t, "theme", (<-allCh).Kind)
}

func TestSubscribeSkipsRolledBackChanges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ch, cancel := s.Subscribe("")
	defer cancel()

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Write(layout.ThemeFile("payment"), []byte(`{}`))
		cs.Exec("INSERT INTO no_such_table (x) VALUES (1)")
		return nil
	})
	require.Error(t, err)

	select {
	case rec := <-ch:
		t.Fatalf("rolled-back change was published: %+v", rec)
	default:
	}
}

func TestSubscribeEndsOnCancelAndClose(t *testing.T) {
	s := newTestStore(t)

	ch, cancel := s.Subscribe("task")
	cancel()
	cancel()
	_, open := <-ch
	assert.False(t, open)

	ch2, _ := s.Subscribe("")
	require.NoError(t, s.Close())
	_, open = <-ch2
	assert.False(t, open)
}

func TestFileModificationAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cs := &storage.ChangeSet{Actor: "scheduler", SessionID: "sess-1"}
	cs.Write(filepath.Join(layout.Root, "Logs", "noteworthy.json"), []byte("[]"))
	require.NoError(t, s.Apply(ctx, cs))

	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM file_modifications WHERE session_id = 'sess-1' AND operation = 'write'`).
		Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubtaskOrdinalAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := testTask("TASK-20260824T100006.000")
	insertTask(t, s, task)

	err := s.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		for i := 1; i <= 2; i++ {
			n, err := tx.NextSubtaskOrdinal(ctx, task.ID)
			if err != nil {
				return err
			}
			require.Equal(t, i, n)
			if err := tx.InsertSubtask(ctx, &types.Subtask{
				ID:         "ST-0" + string(rune('0'+n)),
				ParentID:   task.ID,
				ParentKind: types.ParentTask,
				Title:      "step",
				Status:     types.StatusPending,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	subs, err := s.ListSubtasks(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subs, 2)
	assert.Equal(t, "ST-01", subs[0].ID)
	assert.Equal(t, "ST-02", subs[1].ID)
}
