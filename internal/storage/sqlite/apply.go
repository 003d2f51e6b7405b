package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/storage"
)

// tempSuffix marks staged files awaiting the pre-commit rename. Recovery
// deletes any leftovers, so the suffix must never collide with real names.
const tempSuffix = ".tmp-"

// Apply executes a change set atomically: SQL inside one IMMEDIATE
// transaction, files staged beside their targets and renamed into place
// immediately before COMMIT. Write conflicts retry up to three times.
func (s *Store) Apply(ctx context.Context, cs *storage.ChangeSet) error {
	return s.ApplyFunc(ctx, func(ctx context.Context, _ storage.Tx, out *storage.ChangeSet) error {
		*out = *cs
		return nil
	})
}

// ApplyFunc runs build inside the write transaction, letting the change set
// depend on in-transaction reads (ordinal allocation, limit checks), then
// commits the SQL and file halves together.
func (s *Store) ApplyFunc(ctx context.Context, build func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error) error {
	if s.closed.Load() {
		return fault.New(fault.ValidationError, "store is closed")
	}

	// Backpressure: bound queued writers instead of letting them pile up
	// on the SQLite write lock.
	if !s.writers.TryAcquire(1) {
		return fault.New(fault.Busy, "too many pending writes").
			WithResolutions("retry after in-flight writes drain")
	}
	defer s.writers.Release(1)

	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(25*time.Millisecond),
			backoff.WithMaxInterval(500*time.Millisecond),
		), 3), ctx)

	return backoff.Retry(func() error {
		err := s.applyOnce(ctx, build)
		if err == nil {
			return nil
		}
		if fault.IsKind(err, fault.ConflictError) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}, policy)
}

func (s *Store) applyOnce(ctx context.Context, build func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return err
	}

	txid := uuid.NewString()
	var staged []stagedFile
	committed := false
	defer func() {
		if committed {
			return
		}
		_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		for _, f := range staged {
			_ = os.Remove(f.temp)
		}
	}()

	t := &tx{conn: conn, parent: s}
	var cs storage.ChangeSet
	if err := build(ctx, t, &cs); err != nil {
		return err
	}

	for _, stmt := range cs.Statements {
		if _, err := conn.ExecContext(ctx, stmt.SQL, stmt.Args...); err != nil {
			return wrapDBError("execute statement", err)
		}
	}

	// Audit rows for the file half, recorded in the same transaction.
	if err := s.auditFileOps(ctx, t, &cs); err != nil {
		return err
	}

	// Stage all file writes before renaming any. A failure here leaves
	// only temps behind, which recovery sweeps away.
	for _, fw := range cs.FileWrites {
		f, err := s.stageFile(fw, txid)
		if err != nil {
			return err
		}
		staged = append(staged, f)
	}

	// Point of no return for the file half. A crash between here and
	// COMMIT is repaired at boot by RecoverFiles, which rewrites files
	// from the committed rows.
	for _, f := range staged {
		if err := os.Rename(f.temp, f.target); err != nil {
			return fmt.Errorf("rename staged file %s: %w", f.target, err)
		}
	}
	staged = nil
	for _, r := range cs.FileRenames {
		from := filepath.Join(s.projectRoot, r.From)
		to := filepath.Join(s.projectRoot, r.To)
		if err := os.MkdirAll(filepath.Dir(to), 0o750); err != nil {
			return fmt.Errorf("create rename target dir: %w", err)
		}
		if err := os.Rename(from, to); err != nil {
			return fmt.Errorf("rename %s to %s: %w", r.From, r.To, err)
		}
	}
	for _, p := range cs.FileDeletes {
		if err := os.Remove(filepath.Join(s.projectRoot, p)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("delete %s: %w", p, err)
		}
	}

	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit change set", err)
	}
	committed = true
	s.publish(changeRecords(&cs, time.Now().UTC()))
	debug.Logf("applied change set: %d statements, %d writes, %d renames, %d deletes",
		len(cs.Statements), len(cs.FileWrites), len(cs.FileRenames), len(cs.FileDeletes))
	return nil
}

type stagedFile struct {
	temp   string
	target string
}

// stageFile writes data to <target>.tmp-<txid> in the target directory and
// fsyncs it, so the later rename is atomic on the same filesystem.
func (s *Store) stageFile(fw storage.FileWrite, txid string) (stagedFile, error) {
	target := filepath.Join(s.projectRoot, fw.Path)
	if err := os.MkdirAll(filepath.Dir(target), 0o750); err != nil {
		return stagedFile{}, fmt.Errorf("create directory for %s: %w", fw.Path, err)
	}
	mode := fw.Mode
	if mode == 0 {
		mode = 0o644
	}
	temp := target + tempSuffix + txid

	f, err := os.OpenFile(temp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return stagedFile{}, fmt.Errorf("stage %s: %w", fw.Path, err)
	}
	if _, err := f.Write(fw.Data); err != nil {
		_ = f.Close()
		_ = os.Remove(temp)
		return stagedFile{}, fmt.Errorf("write staged %s: %w", fw.Path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(temp)
		return stagedFile{}, fmt.Errorf("sync staged %s: %w", fw.Path, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(temp)
		return stagedFile{}, fmt.Errorf("close staged %s: %w", fw.Path, err)
	}
	return stagedFile{temp: temp, target: target}, nil
}

func (s *Store) auditFileOps(ctx context.Context, t *tx, cs *storage.ChangeSet) error {
	record := func(path, op string) error {
		_, err := t.conn.ExecContext(ctx, `
			INSERT INTO file_modifications (session_id, actor, file_path, operation)
			VALUES (?, ?, ?, ?)`, cs.SessionID, cs.Actor, path, op)
		return wrapDBError("record file modification", err)
	}
	for _, fw := range cs.FileWrites {
		if err := record(fw.Path, "write"); err != nil {
			return err
		}
	}
	for _, r := range cs.FileRenames {
		if err := record(r.To, "rename"); err != nil {
			return err
		}
	}
	for _, p := range cs.FileDeletes {
		if err := record(p, "delete"); err != nil {
			return err
		}
	}
	return nil
}
