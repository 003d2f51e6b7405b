package sqlite

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

// RecoverFiles repairs the file half of the store after an unclean shutdown.
// The database is authoritative: orphan staged temps are deleted, and the
// definition files for every non-terminal task and sidequest are rewritten
// from their committed rows. Returns the number of files rewritten.
func (s *Store) RecoverFiles(ctx context.Context) (int, error) {
	if err := s.sweepTemps(); err != nil {
		return 0, err
	}

	rewritten := 0
	tasks, err := s.listRecoverableTasks(ctx)
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		n, err := s.rewriteIfMissing(layout.ActiveTaskFile(task.ID), task)
		if err != nil {
			return rewritten, err
		}
		rewritten += n
	}

	sidequests, err := s.listRecoverableSidequests(ctx)
	if err != nil {
		return rewritten, err
	}
	for _, q := range sidequests {
		n, err := s.rewriteIfMissing(layout.SidequestFile(q.ID), q)
		if err != nil {
			return rewritten, err
		}
		rewritten += n
	}
	if rewritten > 0 {
		debug.Logf("recovery rewrote %d files from database state", rewritten)
	}
	return rewritten, nil
}

// sweepTemps removes staged files left behind by a crash between staging
// and rename. Their transactions never committed, so the temps are garbage.
func (s *Store) sweepTemps() error {
	root := filepath.Join(s.projectRoot, layout.Root)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.Contains(d.Name(), tempSuffix) {
			debug.Logf("removing orphan staged file %s", path)
			return os.Remove(path)
		}
		return nil
	})
	if err != nil {
		return fault.Wrap(fault.IntegrityError, err, "sweep staged temps")
	}
	return nil
}

// rewriteIfMissing restores path from v when the file is absent. Committed
// rows whose paired rename never landed are the post-rename crash window.
func (s *Store) rewriteIfMissing(relPath string, v any) (int, error) {
	target := filepath.Join(s.projectRoot, relPath)
	if _, err := os.Stat(target); err == nil {
		return 0, nil
	} else if !os.IsNotExist(err) {
		return 0, fault.Wrap(fault.IntegrityError, err, "stat %s", relPath)
	}

	data, err := storage.EncodeJSON(v, s.minifyJSON)
	if err != nil {
		return 0, fault.Wrap(fault.IntegrityError, err, "encode %s", relPath)
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return 0, fault.Wrap(fault.IntegrityError, err, "create directory for %s", relPath)
	}
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return 0, fault.Wrap(fault.IntegrityError, err, "rewrite %s", relPath)
	}
	return 1, nil
}

func (s *Store) listRecoverableTasks(ctx context.Context) ([]*types.Task, error) {
	return s.ListTasksByStatus(ctx,
		types.StatusPending, types.StatusInProgress, types.StatusBlocked)
}

func (s *Store) listRecoverableSidequests(ctx context.Context) ([]*types.Sidequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sidequestColumns+` FROM active_sidequests_by_task ORDER BY ordinal`)
	if err != nil {
		return nil, wrapDBError("list recoverable sidequests", err)
	}
	defer rows.Close()

	var out []*types.Sidequest
	for rows.Next() {
		q, err := scanSidequest(rows)
		if err != nil {
			return nil, wrapDBError("scan sidequest", err)
		}
		out = append(out, q)
	}
	return out, wrapDBError("list recoverable sidequests", rows.Err())
}
