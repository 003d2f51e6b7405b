// Package branch manages the canonical organizational branch and the
// numbered parallel work branches layered on the project's git repository.
package branch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/aryanduntley/aipm/internal/config"
	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/idgen"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

// Stale thresholds for the branch report.
const (
	staleCommitAge = 14 * 24 * time.Hour
	staleBranchAge = 30 * 24 * time.Hour
)

// Manager owns every git write the orchestrator performs on branches. All
// operations serialize on the process-wide git mutex shared with the
// change detector.
type Manager struct {
	projectRoot string
	store       storage.Store
	cfg         *config.Config
	git         *Git
	gitMu       *sync.Mutex
}

// NewManager creates a branch manager. gitMu is the process-wide git lock
// owned by the server.
func NewManager(projectRoot string, store storage.Store, cfg *config.Config, gitMu *sync.Mutex) *Manager {
	return &Manager{
		projectRoot: projectRoot,
		store:       store,
		cfg:         cfg,
		git:         NewGit(projectRoot),
		gitMu:       gitMu,
	}
}

// Git exposes the underlying runner for the change detector.
func (m *Manager) Git() *Git { return m.git }

// EnsureOrgMain guarantees the canonical ai-pm-org-main branch exists:
// no-op if local, checked out from origin for team clones, otherwise
// created from the user's main branch (restoring organizational state when
// projectManagement/ already exists).
func (m *Manager) EnsureOrgMain(ctx context.Context) error {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	return m.ensureOrgMainLocked(ctx)
}

func (m *Manager) ensureOrgMainLocked(ctx context.Context) error {
	if ok, err := m.git.BranchExists(ctx, idgen.OrgMainBranch); err != nil {
		return err
	} else if ok {
		return nil
	}

	if ok, _ := m.git.RemoteBranchExists(ctx, idgen.OrgMainBranch); ok {
		_, err := m.git.Run(ctx, "checkout", "-b", idgen.OrgMainBranch, "origin/"+idgen.OrgMainBranch)
		if err != nil {
			return err
		}
		debug.Logf("checked out %s from origin", idgen.OrgMainBranch)
		return nil
	}

	base, err := m.git.DefaultBranch(ctx)
	if err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, "checkout", base); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, "checkout", "-b", idgen.OrgMainBranch); err != nil {
		return err
	}

	if _, err := os.Stat(filepath.Join(m.projectRoot, layout.Root)); err == nil {
		// Restoration: organizational files already exist on disk; the
		// recovery pass reconciles them against the database.
		if _, err := m.store.RecoverFiles(ctx); err != nil {
			return err
		}
		debug.Logf("restored %s from local organizational state", idgen.OrgMainBranch)
	}
	return nil
}

// CreateWorkBranch allocates the next branch number inside the registering
// transaction and creates ai-pm-org-branch-NNN from the canonical branch,
// never from the user's main.
func (m *Manager) CreateWorkBranch(ctx context.Context, purpose string) (*types.Branch, error) {
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if err := m.ensureOrgMainLocked(ctx); err != nil {
		return nil, err
	}

	if max := m.cfg.BranchManagement.MaxActiveBranches; max > 0 {
		branches, err := m.store.ListBranches(ctx)
		if err != nil {
			return nil, err
		}
		active := 0
		for _, b := range branches {
			if b.Status == types.BranchActive {
				active++
			}
		}
		if active >= max {
			return nil, fault.New(fault.LimitExceeded,
				"%d active work branches (limit %d)", active, max).
				WithResolutions("merge or delete an existing work branch")
		}
	}

	if clean, err := m.git.IsClean(ctx); err != nil {
		return nil, err
	} else if !clean {
		return nil, fault.New(fault.GitDirty, "working tree has uncommitted changes")
	}

	createdBy := DetectUser(ctx, m.git)
	baseHash := ""
	var branch *types.Branch

	err := m.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "branch-manager"
		n, err := tx.NextBranchNumber(ctx)
		if err != nil {
			return err
		}
		name := idgen.BranchName(n)

		if _, err := m.git.Run(ctx, "checkout", idgen.OrgMainBranch); err != nil {
			return err
		}
		baseHash, err = m.git.Head(ctx)
		if err != nil {
			return err
		}
		if _, err := m.git.Run(ctx, "checkout", "-b", name); err != nil {
			return err
		}

		branch = &types.Branch{
			Name:        name,
			Number:      n,
			CreatedAt:   time.Now().UTC(),
			CreatedBy:   createdBy,
			GitBaseHash: baseHash,
			Purpose:     purpose,
			Status:      types.BranchActive,
		}
		if err := m.writeBranchMeta(branch); err != nil {
			return err
		}
		return tx.InsertBranch(ctx, branch)
	})
	if err != nil {
		return nil, err
	}
	debug.Logf("created work branch %s from %s", branch.Name, baseHash)
	return branch, nil
}

// writeBranchMeta writes .ai-pm-meta.json at the repo root. The file lives
// only on work branches; renameio makes the write atomic outside the
// Store's tree.
func (m *Manager) writeBranchMeta(b *types.Branch) error {
	meta := types.BranchMeta{
		BranchNumber: b.Number,
		BranchName:   b.Name,
		CreatedAt:    b.CreatedAt,
		CreatedBy:    b.CreatedBy,
		GitBaseHash:  b.GitBaseHash,
		Purpose:      b.Purpose,
	}
	data, err := storage.EncodeJSON(meta, false)
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "encode branch metadata")
	}
	path := filepath.Join(m.projectRoot, layout.BranchMetaFile)
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fault.Wrap(fault.IntegrityError, err, "write %s", layout.BranchMetaFile)
	}
	return nil
}

// MergeWorkBranch merges a work branch into the canonical branch with
// native git. Conflicts surface in standard git form; the canonical branch
// has final authority and no custom resolver exists.
func (m *Manager) MergeWorkBranch(ctx context.Context, name string, deleteAfter bool) error {
	if !idgen.IsWorkBranch(name) {
		return fault.New(fault.ValidationError, "%s is not a managed work branch", name)
	}
	m.gitMu.Lock()
	defer m.gitMu.Unlock()

	if clean, err := m.git.IsClean(ctx); err != nil {
		return err
	} else if !clean {
		return fault.New(fault.GitDirty, "working tree has uncommitted changes")
	}
	if ok, err := m.git.BranchExists(ctx, name); err != nil {
		return err
	} else if !ok {
		return fault.New(fault.NotFound, "branch %s does not exist", name)
	}

	if _, err := m.git.Run(ctx, "checkout", idgen.OrgMainBranch); err != nil {
		return err
	}
	if _, err := m.git.Run(ctx, "merge", "--no-ff", name); err != nil {
		// Leave the conflicted tree for the user's git tools.
		return fault.Wrap(fault.MergeConflict, err,
			"merging %s into %s", name, idgen.OrgMainBranch).
			WithResolutions("resolve conflicts with standard git tools, then commit",
				"git merge --abort to discard")
	}

	err := m.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "branch-manager"
		return tx.UpdateBranchStatus(ctx, name, types.BranchMerged)
	})
	if err != nil {
		return err
	}

	if deleteAfter {
		return m.deleteLocked(ctx, name)
	}
	return nil
}

// DeleteBranch removes a merged or abandoned work branch on explicit user
// request; nothing is ever deleted automatically.
func (m *Manager) DeleteBranch(ctx context.Context, name string) error {
	if !idgen.IsWorkBranch(name) {
		return fault.New(fault.ValidationError, "%s is not a managed work branch", name)
	}
	m.gitMu.Lock()
	defer m.gitMu.Unlock()
	return m.deleteLocked(ctx, name)
}

func (m *Manager) deleteLocked(ctx context.Context, name string) error {
	if current, err := m.git.CurrentBranch(ctx); err == nil && current == name {
		if _, err := m.git.Run(ctx, "checkout", idgen.OrgMainBranch); err != nil {
			return err
		}
	}
	if _, err := m.git.Run(ctx, "branch", "-D", name); err != nil {
		return err
	}
	return m.store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		cs.Actor = "branch-manager"
		return tx.UpdateBranchStatus(ctx, name, types.BranchDeleted)
	})
}

// ListBranches returns registered branches, annotating active ones that
// look stale (no commits in 14 days, or older than 30 days).
func (m *Manager) ListBranches(ctx context.Context) ([]*types.Branch, error) {
	branches, err := m.store.ListBranches(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, b := range branches {
		if b.Status != types.BranchActive {
			continue
		}
		if epoch, err := m.git.LastCommitTime(ctx, b.Name); err == nil && epoch > 0 {
			t := time.Unix(epoch, 0)
			b.LastCommit = &t
			if now.Sub(t) > staleCommitAge {
				b.Stale = true
			}
		}
		if now.Sub(b.CreatedAt) > staleBranchAge {
			b.Stale = true
		}
	}
	return branches, nil
}

// BranchStatus returns the registered state of one branch.
func (m *Manager) BranchStatus(ctx context.Context, name string) (*types.Branch, error) {
	return m.store.GetBranch(ctx, name)
}
