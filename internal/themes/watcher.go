package themes

import (
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/aryanduntley/aipm/internal/debug"
	"github.com/aryanduntley/aipm/internal/fault"
	"github.com/aryanduntley/aipm/internal/layout"
)

// Watcher invalidates the index when theme or flow files change on disk,
// which happens when the user edits them or a work branch merge lands.
type Watcher struct {
	watcher *fsnotify.Watcher
	index   *Index
	done    chan struct{}
}

// Watch starts watching the Themes/ and ProjectFlow/ directories. The
// returned Watcher must be closed when the session ends.
func Watch(projectRoot string, index *Index) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fault.Wrap(fault.IntegrityError, err, "create filesystem watcher")
	}

	dirs := []string{
		filepath.Join(projectRoot, layout.Root, "Themes"),
		filepath.Join(projectRoot, layout.Root, "ProjectFlow"),
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			_ = fw.Close()
			return nil, fault.Wrap(fault.IntegrityError, err, "watch %s", dir)
		}
	}

	w := &Watcher{watcher: fw, index: index, done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !relevant(ev) {
				continue
			}
			debug.Logf("theme index invalidated by %s (%s)", ev.Name, ev.Op)
			w.index.Invalidate()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			debug.Logf("theme watcher error: %v", err)
		}
	}
}

// relevant filters out temp files staged by the Store and non-JSON noise.
func relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
		!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(ev.Name)
	if strings.Contains(name, ".tmp-") {
		return false
	}
	return strings.HasSuffix(name, ".json")
}

// Close stops the watcher goroutine.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}
