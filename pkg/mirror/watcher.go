package mirror

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// Watcher subscribes to OS change notifications for one source tree and
// translates them into change events for every worker of the session.
//
// It holds a back-reference to the registry rather than to a session and
// snapshots the worker list on every callback, so workers added or removed
// while the watcher is armed are picked up immediately and no reference
// cycle forms.
//
// fsnotify watches single directories, so the whole tree is added up front
// and newly appearing directories are added as they are seen. A rename
// arrives as Rename on the old name plus Create on the new name; the Create
// of a directory triggers a subtree scan, because children that moved in
// with it produce no individual notifications.
type Watcher struct {
	source string
	reg    *Registry
	fsw    *fsnotify.Watcher

	// ctx cancels blocked queue pushes when the watcher is being closed.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// sourceGone latches the source-disappeared detection; only the
	// dispatch goroutine touches it.
	sourceGone bool
}

// newWatcher subscribes to source and all its subdirectories and starts the
// dispatch goroutine.
func newWatcher(reg *Registry, source string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Watcher{
		source: source,
		reg:    reg,
		fsw:    fsw,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	if err := w.addWatchesRecursive(source, true); err != nil {
		cancel()
		fsw.Close()
		return nil, err
	}

	go w.dispatch()
	return w, nil
}

// Close stops watching and waits for the dispatch goroutine to exit.
// Safe to call more than once.
func (w *Watcher) Close() {
	w.cancel()
	w.fsw.Close()
	<-w.done
}

// addWatchesRecursive registers dir and every directory below it. During the
// initial arm a failure is fatal; later on, paths may legitimately vanish
// between the notification and the walk, so failures are only logged.
func (w *Watcher) addWatchesRecursive(dir string, strict bool) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if strict && path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := w.fsw.Add(path); err != nil {
			if strict {
				return err
			}
			plog.Debug("Failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

// dispatch is the single goroutine draining the OS notification queue.
// Pushing into a full worker queue blocks here; that backpressure is
// intentional and throttles the watcher to the slowest target's drain rate.
func (w *Watcher) dispatch() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			plog.Warn("Filesystem watcher error", "source", w.source, "error", err)
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if w.sourceGone {
		return
	}
	// A vanished source root implies the whole session is over.
	if _, err := os.Lstat(w.source); err != nil {
		plog.Warn("Source disappeared, stopping session", "source", w.source)
		w.sourceGone = true
		// StopSession disposes this watcher and waits for this goroutine,
		// so it must not run on it.
		go w.reg.StopSession(w.source)
		return
	}

	rel, ok := util.RelWithin(w.source, ev.Name)
	if !ok || rel == "." {
		return // Outside the root, or the root itself.
	}

	switch {
	case ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		// The entry is gone and its former kind is unknown; unified
		// removal makes the pair safe whichever it was.
		w.broadcast(ChangeEvent{Kind: DeleteFile, RelPath: rel})
		w.broadcast(ChangeEvent{Kind: DeleteDir, RelPath: rel})

	case ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0:
		info, err := os.Lstat(ev.Name)
		if err != nil {
			return // Vanished between the notification and the stat.
		}
		switch {
		case info.Mode()&os.ModeSymlink != 0:
			w.broadcastSymlink(ev.Name, rel)
		case info.IsDir():
			w.broadcast(ChangeEvent{Kind: EnsureDir, RelPath: rel})
			if ev.Op&fsnotify.Create != 0 {
				w.handleNewDirectory(ev.Name)
			}
		case info.Mode().IsRegular():
			w.broadcast(ChangeEvent{Kind: CopyFile, RelPath: rel, SourcePath: ev.Name})
		}
	}
}

// handleNewDirectory covers a directory that appeared wholesale: watch its
// subtree and replay it into every worker, since any children it brought
// along fired no notifications of their own.
func (w *Watcher) handleNewDirectory(dir string) {
	if err := w.addWatchesRecursive(dir, false); err != nil {
		plog.Warn("Failed to extend watch", "path", dir, "error", err)
	}
	for _, wk := range w.reg.snapshotWorkers(w.source) {
		if err := ScanSubtree(w.ctx, w.source, dir, wk); err != nil {
			plog.Debug("Subtree scan aborted", "path", dir, "target", wk.TargetRoot(), "error", err)
		}
	}
}

// broadcast snapshots the session's workers under the registry lock and
// pushes the event to each of them outside it.
func (w *Watcher) broadcast(ev ChangeEvent) {
	for _, wk := range w.reg.snapshotWorkers(w.source) {
		if err := wk.Push(w.ctx, ev); err != nil {
			plog.Debug("Dropped event for stopped worker",
				"op", ev.Kind.String(), "path", ev.RelPath, "target", wk.TargetRoot(), "error", err)
		}
	}
}

// broadcastSymlink rebuilds the event per worker because the rewritten link
// target depends on each worker's target root.
func (w *Watcher) broadcastSymlink(path, rel string) {
	for _, wk := range w.reg.snapshotWorkers(w.source) {
		ev, err := symlinkEvent(w.source, wk.TargetRoot(), path, rel)
		if err != nil {
			plog.Warn("Failed to read symlink", "path", path, "error", err)
			return
		}
		if err := wk.Push(w.ctx, ev); err != nil {
			plog.Debug("Dropped event for stopped worker",
				"op", ev.Kind.String(), "path", rel, "target", wk.TargetRoot(), "error", err)
		}
	}
}
