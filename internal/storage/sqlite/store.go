// Package sqlite implements the hybrid file+database store on SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"

	sqlite3 "github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/tetratelabs/wazero"
	"golang.org/x/sync/semaphore"

	"github.com/aryanduntley/aipm/internal/storage"
)

// Verify Store implements the interface at compile time.
var _ storage.Store = (*Store)(nil)

// Store implements storage.Store over a per-project SQLite database in WAL
// mode plus the projectManagement/ file tree.
type Store struct {
	db          *sql.DB
	dbPath      string
	projectRoot string
	minifyJSON  bool
	writers     *semaphore.Weighted // bounds queued write transactions
	closed      atomic.Bool

	subMu     sync.Mutex
	subs      map[int]*subscriber
	nextSubID int
}

// setupWASMCache configures WASM compilation caching so SQLite startup does
// not pay the JIT cost on every process start. Falls back to an in-memory
// cache if the filesystem cache cannot be created.
func setupWASMCache() {
	var cache wazero.CompilationCache
	if userCache, err := os.UserCacheDir(); err == nil {
		dir := filepath.Join(userCache, "aipm", "wasm")
		if c, err := wazero.NewCompilationCacheWithDir(dir); err == nil {
			cache = c
		}
	}
	if cache == nil {
		cache = wazero.NewCompilationCache()
	}
	sqlite3.RuntimeConfig = wazero.NewRuntimeConfig().WithCompilationCache(cache)
}

func init() {
	setupWASMCache()
}

// Options configures a Store.
type Options struct {
	// ProjectRoot anchors all relative file paths in change sets.
	ProjectRoot string
	// MinifyJSON selects the writer for machine-owned JSON artifacts.
	MinifyJSON bool
	// MaxPendingWrites bounds queued write transactions; further callers
	// receive Busy. Zero means the default of 32.
	MaxPendingWrites int
}

// New opens (creating if necessary) the project database at
// projectRoot/projectManagement/database/project.db and applies the schema.
func New(ctx context.Context, dbPath string, opts Options) (*Store, error) {
	if opts.ProjectRoot == "" {
		return nil, fmt.Errorf("project root is required")
	}
	if opts.MaxPendingWrites <= 0 {
		opts.MaxPendingWrites = 32
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// WAL for single-writer multi-reader; busy_timeout keeps short lock
	// contention out of the error path.
	connStr := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(30000)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_time_format=sqlite"

	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// 1 writer + N readers; bounding the pool prevents goroutine pile-up
	// on write lock contention.
	maxConns := runtime.NumCPU() + 1
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)

	s := &Store{
		db:          db,
		dbPath:      dbPath,
		projectRoot: opts.ProjectRoot,
		minifyJSON:  opts.MinifyJSON,
		writers:     semaphore.NewWeighted(int64(opts.MaxPendingWrites)),
		subs:        map[int]*subscriber{},
	}

	if err := s.applySchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) applySchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

// ProjectRoot returns the project root anchoring file operations.
func (s *Store) ProjectRoot() string { return s.projectRoot }

// Close releases the database and ends every subscription. Safe to call
// more than once.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.closeSubscribers()
	return s.db.Close()
}

// IsClosed reports whether Close has been called.
func (s *Store) IsClosed() bool { return s.closed.Load() }
