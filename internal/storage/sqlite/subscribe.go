package sqlite

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/aryanduntley/aipm/internal/layout"
	"github.com/aryanduntley/aipm/internal/storage"
)

// subscriberBuffer bounds undelivered records per subscriber. Overflow is
// dropped so a stalled consumer cannot block the write path.
const subscriberBuffer = 64

type subscriber struct {
	kind string
	ch   chan storage.ChangeRecord
}

// Subscribe registers a listener for committed change records of one kind,
// or every kind when kind is empty. The returned cancel is idempotent.
func (s *Store) Subscribe(kind string) (<-chan storage.ChangeRecord, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	if s.closed.Load() {
		ch := make(chan storage.ChangeRecord)
		close(ch)
		return ch, func() {}
	}

	id := s.nextSubID
	s.nextSubID++
	sub := &subscriber{kind: kind, ch: make(chan storage.ChangeRecord, subscriberBuffer)}
	s.subs[id] = sub

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if cur, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(cur.ch)
		}
	}
	return sub.ch, cancel
}

// publish fans committed records out to matching subscribers. Full buffers
// drop records.
func (s *Store) publish(records []storage.ChangeRecord) {
	if len(records) == 0 {
		return
	}
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		for _, rec := range records {
			if sub.kind != "" && sub.kind != rec.Kind {
				continue
			}
			select {
			case sub.ch <- rec:
			default:
			}
		}
	}
}

// closeSubscribers ends every subscription; their channels close, so each
// consumer sees a finite sequence.
func (s *Store) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}

// changeRecords derives subscriber notifications from the file half of a
// committed change set.
func changeRecords(cs *storage.ChangeSet, at time.Time) []storage.ChangeRecord {
	var out []storage.ChangeRecord
	add := func(path, op string) {
		out = append(out, storage.ChangeRecord{
			Kind:      kindForPath(path),
			Path:      path,
			Op:        op,
			Actor:     cs.Actor,
			SessionID: cs.SessionID,
			At:        at,
		})
	}
	for _, fw := range cs.FileWrites {
		add(fw.Path, "write")
	}
	for _, r := range cs.FileRenames {
		add(r.To, "rename")
	}
	for _, p := range cs.FileDeletes {
		add(p, "delete")
	}
	return out
}

// kindForPath classifies an organizational artifact by its location.
func kindForPath(p string) string {
	p = filepath.ToSlash(p)
	switch {
	case p == layout.BranchMetaFile:
		return "branch"
	case p == filepath.ToSlash(layout.CompletionPathFile):
		return "milestone"
	case strings.HasPrefix(p, layout.Root+"/Themes/"):
		return "theme"
	case strings.HasPrefix(p, layout.Root+"/ProjectFlow/"):
		return "flow"
	case strings.HasPrefix(p, layout.Root+"/Tasks/sidequests/"):
		return "sidequest"
	case strings.HasPrefix(p, layout.Root+"/Tasks/"):
		return "task"
	case strings.HasPrefix(p, layout.Root+"/Logs/"):
		return "event"
	default:
		return "file"
	}
}
