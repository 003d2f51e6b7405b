package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

// Verify tx implements storage.Tx at compile time.
var _ storage.Tx = (*tx)(nil)

// tx wraps a dedicated connection holding an open transaction.
type tx struct {
	conn   *sql.Conn
	parent *Store
}

// beginImmediate starts an IMMEDIATE transaction, retrying SQLITE_BUSY with
// bounded exponential backoff. IMMEDIATE acquires the write lock up front so
// competing writers serialize instead of deadlocking at commit.
func beginImmediate(ctx context.Context, conn *sql.Conn) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(
		backoff.NewExponentialBackOff(
			backoff.WithInitialInterval(10*time.Millisecond),
			backoff.WithMaxInterval(200*time.Millisecond),
		), 5), ctx)

	return backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err == nil {
			return nil
		}
		wrapped := wrapDBError("begin transaction", err)
		if fault.IsKind(wrapped, fault.ConflictError) {
			return wrapped // retryable
		}
		return backoff.Permanent(wrapped)
	}, policy)
}

// RunInTransaction executes fn within a transaction. Used for consistent
// multi-read snapshots; mutations should go through Apply/ApplyFunc so the
// file half stays paired.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx storage.Tx) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return wrapDBError("acquire connection", err)
	}
	defer func() { _ = conn.Close() }()

	if err := beginImmediate(ctx, conn); err != nil {
		return err
	}

	committed := false
	defer func() {
		if !committed {
			// Background context so rollback completes even if ctx is gone.
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(&tx{conn: conn, parent: s}); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return wrapDBError("commit transaction", err)
	}
	committed = true
	return nil
}

// marshalList encodes a string slice as the JSON column form; nil encodes
// as the empty array so columns never hold NULL.
func marshalList(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

func marshalJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Sessions

func (t *tx) InsertSession(ctx context.Context, s *types.Session) error {
	if !s.Status.IsValid() {
		return fault.New(fault.ValidationError, "invalid session status: %s", s.Status)
	}
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO sessions (id, start_time, last_activity, context_mode, active_themes, active_tasks, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.StartTime, s.LastActivity, string(s.ContextMode),
		marshalList(s.ActiveThemes), marshalList(s.ActiveTasks), string(s.Status))
	return wrapDBError("insert session", err)
}

// UpdateSessionState stamps what a session actually loaded onto its row.
// The row itself is inserted at boot start, before this state is known.
func (t *tx) UpdateSessionState(ctx context.Context, id string, mode types.ContextMode, themes, tasks []string) error {
	res, err := t.conn.ExecContext(ctx, `
		UPDATE sessions SET context_mode = ?, active_themes = ?, active_tasks = ?,
		    last_activity = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'active'`,
		string(mode), marshalList(themes), marshalList(tasks), id)
	if err != nil {
		return wrapDBError("update session state", err)
	}
	return requireRow(res, "session", id)
}

func (t *tx) UpdateSessionActivity(ctx context.Context, id string, at time.Time) error {
	res, err := t.conn.ExecContext(ctx,
		`UPDATE sessions SET last_activity = ? WHERE id = ? AND status = 'active'`, at, id)
	if err != nil {
		return wrapDBError("update session activity", err)
	}
	return requireRow(res, "session", id)
}

func (t *tx) CloseSession(ctx context.Context, id string, status types.SessionStatus) error {
	if !status.IsTerminal() {
		return fault.New(fault.ValidationError, "session close requires a terminal status, got %s", status)
	}
	res, err := t.conn.ExecContext(ctx,
		`UPDATE sessions SET status = ?, last_activity = CURRENT_TIMESTAMP
		 WHERE id = ? AND status IN ('active', 'paused')`, string(status), id)
	if err != nil {
		return wrapDBError("close session", err)
	}
	return requireRow(res, "session", id)
}

func (t *tx) InsertSessionContext(ctx context.Context, sc *types.SessionContext) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO session_context
		    (session_id, git_hash, context_mode, loaded_themes, loaded_flows,
		     active_task_id, last_activity, boot_duration_ms, comprehensive)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.SessionID, sc.GitHash, string(sc.ContextMode),
		marshalList(sc.LoadedThemes), marshalList(sc.LoadedFlows),
		sc.ActiveTaskID, sc.LastActivity, sc.BootDuration, boolInt(sc.Comprehensive))
	return wrapDBError("insert session context", err)
}

// requireRow converts a zero-row update into NotFound.
func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return wrapDBError("rows affected", err)
	}
	if n == 0 {
		return fault.New(fault.NotFound, "%s %s not found", kind, id).WithDetail("id", id)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Preferences and metrics

func (t *tx) SetPreference(ctx context.Context, key, value string) error {
	_, err := t.conn.ExecContext(ctx, `
		INSERT INTO user_preferences (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return wrapDBError("set preference", err)
}

func (t *tx) GetPreference(ctx context.Context, key string) (string, error) {
	var value string
	err := t.conn.QueryRowContext(ctx,
		`SELECT value FROM user_preferences WHERE key = ?`, key).Scan(&value)
	if err != nil {
		return "", wrapDBErrorf(err, "get preference %s", key)
	}
	return value, nil
}

func (t *tx) RecordTaskMetric(ctx context.Context, taskID, metric string, value float64) error {
	_, err := t.conn.ExecContext(ctx,
		`INSERT INTO task_metrics (task_id, metric, value) VALUES (?, ?, ?)`,
		taskID, metric, value)
	return wrapDBError("record task metric", err)
}
