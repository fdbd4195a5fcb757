package mirror

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/pool"
	"pixelgardenlabs.io/pgl-mirror/pkg/preflight"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// RegistryOptions tunes every worker the registry creates. The zero value
// selects the defaults.
type RegistryOptions struct {
	QueueCapacity int
	CopySlots     int64
	BufferSize    int64
	// RequireMountedTargets enables the preflight mount-point check on add.
	RequireMountedTargets bool
}

// session binds one source to its workers and watcher. All fields are
// mutated only under the registry mutex.
type session struct {
	source       string
	workers      map[string]*Worker
	watcher      *Watcher
	pendingScans int
	// arming marks that a watcher build is in flight, so concurrent scan
	// completions do not build a second one.
	arming bool
}

// Registry owns every live mirroring session. Operator commands, watcher
// callbacks and scan-completion callbacks all funnel through it; one mutex
// guards the session table, held only to mutate it or snapshot references,
// never across I/O, queue operations or worker disposal.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session

	opts    RegistryOptions
	bufPool *pool.FixedBufferPool
}

// NewRegistry creates an empty registry. All workers share one buffer pool.
func NewRegistry(opts RegistryOptions) *Registry {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	return &Registry{
		sessions: make(map[string]*session),
		opts:     opts,
		bufPool:  pool.NewFixedBuffer(opts.BufferSize),
	}
}

// TargetInfo describes one target of a listed session.
type TargetInfo struct {
	Path   string
	Counts Counts
}

// SessionInfo describes one listed session.
type SessionInfo struct {
	Source  string
	Watched bool
	Targets []TargetInfo
}

// Add registers targets as mirrors of source. The source must be an existing
// directory and no target may equal it or lie underneath it. Each target not
// already bound is preflighted (created if missing, must be empty); failing
// targets are logged and skipped while the rest proceed. Every accepted
// target gets a worker and a background initial scan; the watcher arms once
// the last pending scan of the session finishes.
func (r *Registry) Add(source string, targets []string) error {
	src, err := util.NormalizeAbsPath(source)
	if err != nil {
		return err
	}
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("source %s is not accessible: %w", src, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}

	var normalized []string
	for _, t := range targets {
		nt, err := util.NormalizeAbsPath(t)
		if err != nil {
			return err
		}
		normalized = append(normalized, nt)
	}
	normalized = util.MergeAndDeduplicate(normalized)

	// Containment rejects the whole call; mirroring a tree into itself
	// would feed the watcher its own writes forever.
	for _, t := range normalized {
		if util.IsSubpath(t, src) {
			return fmt.Errorf("target %s equals or is contained in source %s", t, src)
		}
	}

	bound := make(map[string]struct{})
	r.mu.Lock()
	if sess, ok := r.sessions[src]; ok {
		for t := range sess.workers {
			bound[t] = struct{}{}
		}
	}
	r.mu.Unlock()

	var accepted []string
	for _, t := range normalized {
		if _, ok := bound[t]; ok {
			plog.Warn("Target already mirrors this source, skipping", "source", src, "target", t)
			continue
		}
		if r.opts.RequireMountedTargets {
			if err := preflight.ValidateMountPoint(t); err != nil {
				plog.Warn("Skipping target", "target", t, "error", err)
				continue
			}
		}
		if err := preflight.EnsureEmptyTargetDir(t); err != nil {
			plog.Warn("Skipping target", "target", t, "error", err)
			continue
		}
		accepted = append(accepted, t)
	}
	if len(accepted) == 0 {
		return fmt.Errorf("no usable targets for source %s", src)
	}

	type startedScan struct {
		sess   *session
		worker *Worker
	}
	var started []startedScan

	r.mu.Lock()
	sess, ok := r.sessions[src]
	if !ok {
		sess = &session{source: src, workers: make(map[string]*Worker)}
		r.sessions[src] = sess
	}
	for _, t := range accepted {
		if _, ok := sess.workers[t]; ok {
			continue // Bound by a concurrent Add since the snapshot.
		}
		w := NewWorker(src, t, WorkerOptions{
			QueueCapacity: r.opts.QueueCapacity,
			CopySlots:     r.opts.CopySlots,
			BufferPool:    r.bufPool,
		})
		sess.workers[t] = w
		sess.pendingScans++
		started = append(started, startedScan{sess: sess, worker: w})
	}
	r.mu.Unlock()

	for _, s := range started {
		plog.Info("Mirroring", "source", src, "target", s.worker.TargetRoot())
		go r.runInitialScan(s.sess, s.worker)
	}
	return nil
}

// runInitialScan seeds one worker's target with the source tree, then does
// the completion bookkeeping: a failed scan loses its worker, an emptied
// session collapses, and the last completed scan arms the watcher.
func (r *Registry) runInitialScan(sess *session, w *Worker) {
	err := Scan(context.Background(), sess.source, w)
	if err != nil {
		if errors.Is(err, ErrQueueClosed) {
			// The worker was disposed underneath the scan (End/Restore/
			// StopAll); nothing to clean up.
			plog.Debug("Initial scan canceled", "source", sess.source, "target", w.TargetRoot())
			err = nil
		} else {
			plog.Error("Initial scan failed, dropping target",
				"source", sess.source, "target", w.TargetRoot(), "error", err)
			w.Dispose()
		}
	} else {
		plog.Info("Initial scan complete", "source", sess.source, "target", w.TargetRoot())
	}

	var staleWatcher *Watcher
	armNeeded := false

	r.mu.Lock()
	live := r.sessions[sess.source] == sess
	sess.pendingScans--
	if err != nil && sess.workers[w.TargetRoot()] == w {
		delete(sess.workers, w.TargetRoot())
	}
	if live && len(sess.workers) == 0 && sess.pendingScans == 0 {
		delete(r.sessions, sess.source)
		staleWatcher = sess.watcher
		sess.watcher = nil
		live = false
	}
	if live && sess.pendingScans == 0 && len(sess.workers) > 0 && sess.watcher == nil && !sess.arming {
		sess.arming = true
		armNeeded = true
	}
	r.mu.Unlock()

	if staleWatcher != nil {
		staleWatcher.Close()
	}
	if armNeeded {
		r.armWatcher(sess)
	}
}

// armWatcher builds the fsnotify watcher outside the lock and installs it if
// the session still qualifies. Arming failure keeps the session alive: the
// initial sync stands, only live updates are unavailable.
func (r *Registry) armWatcher(sess *session) {
	watcher, err := newWatcher(r, sess.source)

	r.mu.Lock()
	sess.arming = false
	if err != nil {
		r.mu.Unlock()
		plog.Error("Failed to arm filesystem watcher; targets will not receive live updates",
			"source", sess.source, "error", err)
		return
	}
	if r.sessions[sess.source] == sess && sess.watcher == nil &&
		sess.pendingScans == 0 && len(sess.workers) > 0 {
		sess.watcher = watcher
		r.mu.Unlock()
		plog.Info("Watching source for changes", "source", sess.source)
		return
	}
	// The session was stopped, re-armed, or grew new pending scans while
	// the watcher was being built; a later completion will re-arm.
	r.mu.Unlock()
	watcher.Close()
}

// End removes the named targets from a session. Unknown targets are logged;
// removing the last worker removes the session and its watcher. Disposal
// happens outside the lock and is awaited before End returns.
func (r *Registry) End(source string, targets []string) error {
	src, err := util.NormalizeAbsPath(source)
	if err != nil {
		return err
	}
	var normalized []string
	for _, t := range targets {
		nt, err := util.NormalizeAbsPath(t)
		if err != nil {
			return err
		}
		normalized = append(normalized, nt)
	}
	normalized = util.MergeAndDeduplicate(normalized)

	var removed []*Worker
	var watcher *Watcher

	r.mu.Lock()
	sess, ok := r.sessions[src]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("no session for source %s", src)
	}
	for _, t := range normalized {
		w, ok := sess.workers[t]
		if !ok {
			plog.Warn("No such target for source", "source", src, "target", t)
			continue
		}
		delete(sess.workers, t)
		removed = append(removed, w)
	}
	if len(sess.workers) == 0 && sess.pendingScans == 0 {
		delete(r.sessions, src)
		watcher = sess.watcher
		sess.watcher = nil
	}
	r.mu.Unlock()

	if watcher != nil {
		watcher.Close()
	}
	for _, w := range removed {
		w.Dispose()
		plog.Info("Stopped mirroring", "source", src, "target", w.TargetRoot())
	}
	return nil
}

// StopSession tears down the session for source: the watcher first, then
// every worker, each awaited. A missing session is a no-op.
func (r *Registry) StopSession(source string) {
	src, err := util.NormalizeAbsPath(source)
	if err != nil {
		return
	}

	r.mu.Lock()
	sess, ok := r.sessions[src]
	var watcher *Watcher
	var workers []*Worker
	if ok {
		delete(r.sessions, src)
		watcher = sess.watcher
		sess.watcher = nil
		for _, w := range sess.workers {
			workers = append(workers, w)
		}
		sess.workers = make(map[string]*Worker)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	if watcher != nil {
		watcher.Close()
	}
	for _, w := range workers {
		w.Dispose()
	}
	plog.Info("Session stopped", "source", src)
}

// Restore stops the session for source, then makes source identical to
// target (see RestoreTree). The registry forgets the session; the operator
// re-adds it to resume mirroring.
func (r *Registry) Restore(source, target string) error {
	src, err := util.NormalizeAbsPath(source)
	if err != nil {
		return err
	}
	trg, err := util.NormalizeAbsPath(target)
	if err != nil {
		return err
	}

	r.StopSession(src)
	return RestoreTree(context.Background(), src, trg, r.bufPool)
}

// List snapshots the registry: sources and their target sets in
// lexicographic order, with each worker's counters.
func (r *Registry) List() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.sessions))
	for _, sess := range r.sessions {
		info := SessionInfo{Source: sess.source, Watched: sess.watcher != nil}
		for t, w := range sess.workers {
			info.Targets = append(info.Targets, TargetInfo{Path: t, Counts: w.Metrics().Snapshot()})
		}
		infos = append(infos, info)
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].Source < infos[j].Source })
	for i := range infos {
		targets := infos[i].Targets
		sort.Slice(targets, func(a, b int) bool { return targets[a].Path < targets[b].Path })
	}
	return infos
}

// StopAll tears down every session: all watchers first, then every worker,
// each awaited. After it returns no apply task or watcher remains runnable.
// Initial scans still in progress are not awaited; each one ends at its next
// push, which fails once its worker is disposed.
func (r *Registry) StopAll() {
	r.mu.Lock()
	captured := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for _, sess := range captured {
		if sess.watcher != nil {
			sess.watcher.Close()
			sess.watcher = nil
		}
	}
	for _, sess := range captured {
		for _, w := range sess.workers {
			w.Dispose()
		}
	}
	if len(captured) > 0 {
		plog.Info("All sessions stopped", "count", len(captured))
	}
}

// snapshotWorkers returns the current workers of a session, for the watcher
// to broadcast to outside the lock.
func (r *Registry) snapshotWorkers(source string) []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[source]
	if !ok {
		return nil
	}
	workers := make([]*Worker, 0, len(sess.workers))
	for _, w := range sess.workers {
		workers = append(workers, w)
	}
	return workers
}
