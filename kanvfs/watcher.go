package kanvfs

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/kan-engine/kanrt/kanvfs/ropack"
)

// WatchEventKind classifies a single synthesized filesystem change, per
// spec.md §4.2's watcher contract.
type WatchEventKind int

const (
	WatchAdded WatchEventKind = iota
	WatchModified
	WatchRemoved
)

// WatchEvent is one change observed under a watcher's pinned subtree.
type WatchEvent struct {
	Kind WatchEventKind
	Path string
}

// snapshotEntry records enough state about one real-filesystem path to
// detect add/modify/remove between polls, without holding file handles
// open between ticks.
type snapshotEntry struct {
	isDir   bool
	size    int64
	modTime int64
}

// Watcher observes a pinned subtree of a Volume for filesystem changes.
// Grounded on rclone's vfs directory cache invalidation, adapted from a
// background-notification model to a polling one (DESIGN.md: no
// filesystem-watching library appears in the example pack's go.mod
// files, so Poll is driven explicitly by the caller instead of an OS
// notification goroutine), matching the spec's single-mutator-thread
// concurrency model.
type Watcher struct {
	id         string
	volume     *Volume
	pinnedPath string

	mu       sync.Mutex
	snapshot map[string]snapshotEntry
	queue    []WatchEvent
}

// NewWatcher creates a watcher pinned to rawPath and attaches it to the
// volume's active watcher list. The first Poll establishes a baseline
// with no events.
func NewWatcher(v *Volume, rawPath string) *Watcher {
	w := &Watcher{
		id:         uuid.NewString(),
		volume:     v,
		pinnedPath: rawPath,
		snapshot:   make(map[string]snapshotEntry),
	}
	v.mu.Lock()
	v.watchers = append(v.watchers, w)
	v.mu.Unlock()
	return w
}

// ID returns the watcher's diagnostic instance identifier.
func (w *Watcher) ID() string { return w.id }

// Close detaches the watcher from its volume; it stops receiving
// synthesized unmount events. Its snapshot and queued events are left
// as they are.
func (w *Watcher) Close() {
	v := w.volume
	v.mu.Lock()
	defer v.mu.Unlock()
	for i, other := range v.watchers {
		if other == w {
			v.watchers = append(v.watchers[:i], v.watchers[i+1:]...)
			return
		}
	}
}

// Poll resolves the pinned path to a real mount and diffs the current
// on-disk tree against the previous poll's snapshot, queuing one
// WatchEvent per added, modified, or removed path. Pinned paths that are
// not (or no longer) real mounts poll as empty without error.
func (w *Watcher) Poll() error {
	res, err := w.volume.resolve(w.pinnedPath)
	if err != nil {
		w.handleGone()
		return nil
	}
	if res.kind != resolvedReal {
		w.handleGone()
		return nil
	}

	next := make(map[string]snapshotEntry)
	_ = filepath.Walk(res.realFullPath, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		rel, err := filepath.Rel(res.realFullPath, p)
		if err != nil || rel == "." {
			return nil
		}
		next[filepath.ToSlash(rel)] = snapshotEntry{
			isDir:   info.IsDir(),
			size:    info.Size(),
			modTime: info.ModTime().UnixNano(),
		}
		return nil
	})

	w.mu.Lock()
	defer w.mu.Unlock()
	for rel, entry := range next {
		old, existed := w.snapshot[rel]
		switch {
		case !existed:
			w.queue = append(w.queue, WatchEvent{Kind: WatchAdded, Path: joinVirtual(w.pinnedPath, rel)})
		case !entry.isDir && (old.size != entry.size || old.modTime != entry.modTime):
			w.queue = append(w.queue, WatchEvent{Kind: WatchModified, Path: joinVirtual(w.pinnedPath, rel)})
		}
	}
	for rel := range w.snapshot {
		if _, stillThere := next[rel]; !stillThere {
			w.queue = append(w.queue, WatchEvent{Kind: WatchRemoved, Path: joinVirtual(w.pinnedPath, rel)})
		}
	}
	w.snapshot = next
	return nil
}

// handleGone synthesizes removal events for every path last seen under
// the pinned subtree, then clears the baseline, used when the pinned
// mount has vanished since the last poll.
func (w *Watcher) handleGone() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.snapshot) == 0 {
		return
	}
	for rel := range w.snapshot {
		w.queue = append(w.queue, WatchEvent{Kind: WatchRemoved, Path: joinVirtual(w.pinnedPath, rel)})
	}
	w.snapshot = make(map[string]snapshotEntry)
}

// Drain returns and clears all events queued since the last Drain.
func (w *Watcher) Drain() []WatchEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return nil
	}
	out := w.queue
	w.queue = nil
	return out
}

// synthesizeRemoval is called by Volume.UnmountReal for every attached
// watcher. It walks the unmounted real tree and queues a removed event
// for every file and directory below the mount, each descendant before
// its parent, then one for the mount root itself; a subsequent Poll
// will have nothing left to walk there.
func (w *Watcher) synthesizeRemoval(_ *Volume, virtualPrefix, realPath string) {
	var rels []string
	_ = filepath.Walk(realPath, func(p string, _ os.FileInfo, walkErr error) error {
		if rel, err := filepath.Rel(realPath, p); walkErr == nil && err == nil && rel != "." {
			rels = append(rels, filepath.ToSlash(rel))
		}
		return nil
	})
	w.mu.Lock()
	defer w.mu.Unlock()
	// Walk visits a directory before its contents, so the reverse order
	// lists every descendant ahead of its parent.
	for i := len(rels) - 1; i >= 0; i-- {
		w.queue = append(w.queue, WatchEvent{Kind: WatchRemoved, Path: joinVirtual(virtualPrefix, rels[i])})
	}
	w.queue = append(w.queue, WatchEvent{Kind: WatchRemoved, Path: virtualPrefix})
	w.snapshot = make(map[string]snapshotEntry)
}

// synthesizeRopackRemoval is called by Volume.UnmountRopack, recursively
// queuing a removed event for every file that was inside the archive.
func (w *Watcher) synthesizeRopackRemoval(virtualPrefix string, root *ropack.Directory) {
	w.mu.Lock()
	defer w.mu.Unlock()
	var walk func(prefix string, dir *ropack.Directory)
	walk = func(prefix string, dir *ropack.Directory) {
		for _, f := range dir.Files() {
			name := f.Name
			if f.Extension != "" {
				name = name + "." + f.Extension
			}
			w.queue = append(w.queue, WatchEvent{Kind: WatchRemoved, Path: joinVirtual(prefix, name)})
		}
		for childName, child := range dir.Children {
			walk(joinVirtual(prefix, childName), child)
		}
	}
	walk(virtualPrefix, root)
	w.queue = append(w.queue, WatchEvent{Kind: WatchRemoved, Path: virtualPrefix})
}

// WatcherIterator exposes a refcounted, pull-based view over a watcher's
// queued events, mirroring kanrecord's EventCursor consumption model
// (C1/C7 share the push/pull duality).
type WatcherIterator struct {
	watcher *Watcher
	mu      sync.Mutex
	refs    int
}

// NewIterator returns a fresh iterator over w with one active reference.
func (w *Watcher) NewIterator() *WatcherIterator {
	return &WatcherIterator{watcher: w, refs: 1}
}

// Retain increments the iterator's reference count for an additional
// independent consumer.
func (it *WatcherIterator) Retain() {
	it.mu.Lock()
	it.refs++
	it.mu.Unlock()
}

// Advance pops the next queued event, if any.
func (it *WatcherIterator) Advance() (WatchEvent, bool) {
	events := it.watcher.Drain()
	if len(events) == 0 {
		return WatchEvent{}, false
	}
	if len(events) > 1 {
		it.watcher.mu.Lock()
		it.watcher.queue = append(events[1:], it.watcher.queue...)
		it.watcher.mu.Unlock()
	}
	return events[0], true
}

// Destroy releases this reference; the watcher itself is only detached
// from its volume via Watcher.Close.
func (it *WatcherIterator) Destroy() {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.refs > 0 {
		it.refs--
	}
}
