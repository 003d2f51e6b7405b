// Package themes maintains the in-memory view of the project's themes and
// user-experience flows, backed by the files under projectManagement/ and
// invalidated by a filesystem watcher.
package themes

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
	"github.com/aryanduntley/aipm/internal/types"
)

// themesIndex is the parsed form of Themes/themes.json.
type themesIndex struct {
	Themes []string `json:"themes"`
}

// Index resolves theme and flow lookups for context selection. All lookups
// hit an in-memory cache rebuilt lazily after invalidation.
type Index struct {
	projectRoot string
	threshold   int // sharedFileThreshold

	mu        sync.RWMutex
	loaded    bool
	themes    map[string]*types.Theme
	flowIndex *types.FlowIndex
	fileOwner map[string][]string // file path -> theme names
}

// NewIndex creates an index rooted at the project directory.
// sharedFileThreshold bounds how many themes may share a file before
// SharedFileWarnings flags it (default 3 when zero).
func NewIndex(projectRoot string, sharedFileThreshold int) *Index {
	if sharedFileThreshold <= 0 {
		sharedFileThreshold = 3
	}
	return &Index{
		projectRoot: projectRoot,
		threshold:   sharedFileThreshold,
	}
}

// Invalidate drops the cache; the next lookup reloads from disk.
func (x *Index) Invalidate() {
	x.mu.Lock()
	x.loaded = false
	x.mu.Unlock()
}

func (x *Index) ensureLoaded() error {
	x.mu.RLock()
	if x.loaded {
		x.mu.RUnlock()
		return nil
	}
	x.mu.RUnlock()

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.loaded {
		return nil
	}
	return x.reloadLocked()
}

func (x *Index) reloadLocked() error {
	idx, err := readJSONFile[themesIndex](filepath.Join(x.projectRoot, layout.ThemesIndexFile))
	if err != nil {
		return err
	}

	themes := make(map[string]*types.Theme, len(idx.Themes))
	fileOwner := make(map[string][]string)
	for _, name := range idx.Themes {
		theme, err := readJSONFile[types.Theme](filepath.Join(x.projectRoot, layout.ThemeFile(name)))
		if err != nil {
			return err
		}
		if theme.Name == "" {
			theme.Name = name
		}
		if err := theme.Validate(); err != nil {
			return fault.Wrap(fault.ValidationError, err, "theme %s", name)
		}
		themes[name] = theme
		for _, f := range theme.Files {
			fileOwner[f] = append(fileOwner[f], name)
		}
	}

	flowIndex, err := readJSONFile[types.FlowIndex](filepath.Join(x.projectRoot, layout.FlowIndexFile))
	if err != nil {
		return err
	}

	x.themes = themes
	x.flowIndex = flowIndex
	x.fileOwner = fileOwner
	x.loaded = true
	return nil
}

// Theme returns the named theme or UnknownTheme.
func (x *Index) Theme(name string) (*types.Theme, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	t, ok := x.themes[name]
	if !ok {
		return nil, fault.New(fault.UnknownTheme, "theme %q is not defined", name).
			WithDetail("theme", name)
	}
	return t, nil
}

// ThemeNames returns all defined theme names, sorted.
func (x *Index) ThemeNames() ([]string, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	names := make([]string, 0, len(x.themes))
	for name := range x.themes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// FlowEntry resolves a flow id to its index entry or UnknownFlowReference.
func (x *Index) FlowEntry(flowID string) (*types.FlowIndexEntry, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	entry := x.flowIndex.Lookup(flowID)
	if entry == nil {
		return nil, fault.New(fault.UnknownFlowReference, "flow %q is not in the flow index", flowID).
			WithDetail("flow_id", flowID)
	}
	return entry, nil
}

// LoadFlow reads the flow file behind an index entry.
func (x *Index) LoadFlow(entry *types.FlowIndexEntry) (*types.Flow, error) {
	flow, err := readJSONFile[types.Flow](filepath.Join(x.projectRoot, layout.FlowFile(entry.FlowFile)))
	if err != nil {
		return nil, err
	}
	if flow.ID == "" {
		flow.ID = entry.FlowID
	}
	if flow.File == "" {
		flow.File = entry.FlowFile
	}
	return flow, nil
}

// ThemesForFile returns the themes whose file lists contain path directly.
func (x *Index) ThemesForFile(path string) ([]string, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	owners := x.fileOwner[path]
	out := make([]string, len(owners))
	copy(out, owners)
	sort.Strings(out)
	return out, nil
}

// SharedFileWarning flags a file shared by more themes than the threshold.
type SharedFileWarning struct {
	Path   string
	Themes []string
}

// SharedFileWarnings lists files shared by more themes than the configured
// threshold. These are surfaced for reorganization, never auto-fixed.
func (x *Index) SharedFileWarnings() ([]SharedFileWarning, error) {
	if err := x.ensureLoaded(); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	var out []SharedFileWarning
	for path, owners := range x.fileOwner {
		if len(owners) > x.threshold {
			sorted := make([]string, len(owners))
			copy(sorted, owners)
			sort.Strings(sorted)
			out = append(out, SharedFileWarning{Path: path, Themes: sorted})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// LinkedClosure returns the theme plus its directly linked themes. Used by
// the expanded context mode; wide mode uses ThemeNames instead.
func (x *Index) LinkedClosure(name string) ([]string, error) {
	theme, err := x.Theme(name)
	if err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := []string{name}
	for _, linked := range theme.LinkedThemes {
		if _, ok := x.themes[linked]; ok {
			out = append(out, linked)
		}
	}
	return out, nil
}

// SyncEdges rewrites the theme_flows edge rows from the flow index so the
// database's bipartite view matches the files. Called after reconciliation
// and at comprehensive boot.
func (x *Index) SyncEdges(ctx context.Context, store storage.Store) error {
	if err := x.ensureLoaded(); err != nil {
		return err
	}
	x.mu.RLock()
	byTheme := make(map[string][]string)
	for _, entry := range x.flowIndex.Flows {
		for _, theme := range entry.PrimaryThemes {
			byTheme[theme] = append(byTheme[theme], entry.FlowID)
		}
	}
	names := make([]string, 0, len(x.themes))
	for name := range x.themes {
		names = append(names, name)
	}
	x.mu.RUnlock()
	sort.Strings(names)

	return store.ApplyFunc(ctx, func(ctx context.Context, tx storage.Tx, cs *storage.ChangeSet) error {
		for _, theme := range names {
			flows := byTheme[theme]
			sort.Strings(flows)
			if err := tx.ReplaceThemeFlows(ctx, theme, flows); err != nil {
				return err
			}
		}
		return nil
	})
}

func readJSONFile[T any](path string) (*T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fault.Wrap(fault.NotFound, err, "read %s", filepath.Base(path))
		}
		return nil, fault.Wrap(fault.IntegrityError, err, "read %s", filepath.Base(path))
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fault.Wrap(fault.IntegrityError, err, "parse %s", filepath.Base(path))
	}
	return &v, nil
}
