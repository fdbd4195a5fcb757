package mirror

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/semaphore"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/pool"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// ErrQueueClosed is returned by Push after Complete/Stop/Dispose has closed
// the worker's queue.
var ErrQueueClosed = errors.New("worker queue is closed")

// Default tuning, used when WorkerOptions leaves a field zero.
const (
	DefaultQueueCapacity = 10000
	DefaultCopySlots     = 4
	DefaultBufferSize    = 128 * 1024
)

// WorkerOptions tunes a worker. The zero value selects the defaults.
type WorkerOptions struct {
	// QueueCapacity bounds the change-event queue. Push blocks while full.
	QueueCapacity int
	// CopySlots bounds concurrent in-flight file copies within this worker.
	CopySlots int64
	// BufferPool supplies copy buffers. A private 128 KiB pool is created
	// when nil; the registry passes one shared pool to all workers.
	BufferPool *pool.FixedBufferPool
	// Metrics receives the worker's counters. Defaults to a fresh SyncMetrics.
	Metrics Metrics
}

// Worker owns one target tree. It consumes change events from a bounded
// multi-producer/single-consumer queue and applies them to the target in
// strict enqueue order; only the byte transfer of file copies overlaps,
// bounded by the copy limiter.
type Worker struct {
	sourceRoot string
	targetRoot string

	queue chan ChangeEvent

	// mu guards closed. Pushers register in the pushers group under a read
	// lock so that the queue channel is only closed once every in-flight
	// Push has left; sending on a closed channel is thereby impossible.
	mu      sync.RWMutex
	closed  bool
	pushers sync.WaitGroup

	copySem *semaphore.Weighted
	copies  sync.WaitGroup

	// inflight tracks the relative paths of copies currently running on
	// goroutines, so the loop can hold back a later event that touches the
	// same path (or, for events that remove whatever is at their path, a
	// path above it). At most CopySlots
	// entries ever exist.
	inflightMu sync.Mutex
	inflight   map[string]chan struct{}

	bufPool *pool.FixedBufferPool
	metrics Metrics

	applyDone chan struct{}
}

// NewWorker creates a worker for one source/target pair. The queue opens for
// writes and the apply loop starts immediately.
func NewWorker(sourceRoot, targetRoot string, opts WorkerOptions) *Worker {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = DefaultQueueCapacity
	}
	if opts.CopySlots <= 0 {
		opts.CopySlots = DefaultCopySlots
	}
	if opts.BufferPool == nil {
		opts.BufferPool = pool.NewFixedBuffer(DefaultBufferSize)
	}
	if opts.Metrics == nil {
		opts.Metrics = &SyncMetrics{}
	}

	w := &Worker{
		sourceRoot: sourceRoot,
		targetRoot: targetRoot,
		queue:      make(chan ChangeEvent, opts.QueueCapacity),
		copySem:    semaphore.NewWeighted(opts.CopySlots),
		inflight:   make(map[string]chan struct{}),
		bufPool:    opts.BufferPool,
		metrics:    opts.Metrics,
		applyDone:  make(chan struct{}),
	}
	go w.applyLoop()
	return w
}

// SourceRoot returns the absolute source directory this worker mirrors from.
func (w *Worker) SourceRoot() string { return w.sourceRoot }

// TargetRoot returns the absolute target directory this worker mirrors into.
func (w *Worker) TargetRoot() string { return w.targetRoot }

// Metrics returns the worker's counters.
func (w *Worker) Metrics() Metrics { return w.metrics }

// Push enqueues one event. It blocks while the queue is full and fails only
// when the queue has been closed or ctx is canceled.
func (w *Worker) Push(ctx context.Context, ev ChangeEvent) error {
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return ErrQueueClosed
	}
	w.pushers.Add(1)
	w.mu.RUnlock()
	defer w.pushers.Done()

	select {
	case w.queue <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Complete closes the queue for writes; further Push calls fail. Events
// already enqueued are still applied.
func (w *Worker) Complete() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		// The channel itself is closed only after every Push that entered
		// before the flag flipped has finished its send.
		go func() {
			w.pushers.Wait()
			close(w.queue)
		}()
	}
	w.mu.Unlock()
}

// Stop closes the queue and waits until the apply loop has drained every
// remaining event and all in-flight copies have finished.
func (w *Worker) Stop() {
	w.Complete()
	<-w.applyDone
}

// Dispose stops the worker and releases its resources.
func (w *Worker) Dispose() {
	w.Stop()
}

// applyLoop is the single consumer. Queue closure is the only termination
// signal; I/O errors are logged and the loop continues with the next event.
func (w *Worker) applyLoop() {
	for ev := range w.queue {
		if err := ev.Validate(); err != nil {
			plog.Error("Invalid change event, skipping", "target", w.targetRoot, "error", err)
			continue
		}
		if err := w.apply(ev); err != nil {
			plog.Warn("Failed to apply change event",
				"op", ev.Kind.String(),
				"path", ev.RelPath,
				"target", w.targetRoot,
				"error", err)
		}
	}
	w.copies.Wait()
	close(w.applyDone)
}

func (w *Worker) apply(ev ChangeEvent) error {
	w.awaitConflictingCopies(ev)
	switch ev.Kind {
	case EnsureDir:
		return w.applyEnsureDir(ev.RelPath)
	case CopyFile:
		return w.applyCopyFile(ev.RelPath, ev.SourcePath)
	case DeleteFile, DeleteDir:
		return w.applyRemove(ev.RelPath)
	case CreateSymlink:
		return w.applyCreateSymlink(ev.RelPath, ev.LinkTarget)
	}
	return fmt.Errorf("unknown event kind %d", int(ev.Kind))
}

// awaitConflictingCopies blocks until no background copy is running for the
// event's path, or for any path underneath it when the event removes a whole
// subtree. Without this, a delete applied in order could race the tail of an
// earlier copy and the removed file would reappear.
func (w *Worker) awaitConflictingCopies(ev ChangeEvent) {
	subtree := ev.Kind == DeleteFile || ev.Kind == DeleteDir || ev.Kind == CreateSymlink || ev.Kind == CopyFile
	for {
		var wait chan struct{}
		w.inflightMu.Lock()
		for rel, done := range w.inflight {
			if rel == ev.RelPath || (subtree && util.IsSubpath(rel, ev.RelPath)) {
				wait = done
				break
			}
		}
		w.inflightMu.Unlock()
		if wait == nil {
			return
		}
		<-wait
	}
}

// applyEnsureDir makes target/rel a directory. An existing directory is left
// alone; anything else at that path is removed first.
func (w *Worker) applyEnsureDir(rel string) error {
	abs := filepath.Join(w.targetRoot, rel)

	info, err := os.Lstat(abs)
	if err == nil {
		if info.IsDir() {
			return nil // Already a directory.
		}
		plog.Warn("Destination exists but is not a directory, removing", "path", rel, "type", info.Mode().String())
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("failed to remove conflicting entry %s: %w", abs, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to lstat destination directory %s: %w", abs, err)
	}

	if err := os.MkdirAll(abs, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create destination directory %s: %w", abs, err)
	}
	w.metrics.AddDirsCreated(1)
	plog.Notice("DIR", "path", rel, "target", w.targetRoot)
	return nil
}

// applyCopyFile replaces target/rel with the content of src. The parent is
// created and the old entry removed in the apply loop, keeping all metadata
// operations in enqueue order; only the byte transfer runs on a goroutine,
// gated by the copy limiter.
func (w *Worker) applyCopyFile(rel, src string) error {
	abs := filepath.Join(w.targetRoot, rel)

	if err := os.MkdirAll(filepath.Dir(abs), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", abs, err)
	}
	// Whatever is there (file, directory, symlink, special file) goes first.
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to remove existing entry %s: %w", abs, err)
	}

	// Acquiring in the loop keeps copy admission ordered and applies
	// backpressure once all slots are busy. The context never expires:
	// an admitted copy is allowed to finish.
	if err := w.copySem.Acquire(context.Background(), 1); err != nil {
		return fmt.Errorf("failed to acquire copy slot: %w", err)
	}
	done := make(chan struct{})
	w.inflightMu.Lock()
	w.inflight[rel] = done
	w.inflightMu.Unlock()

	w.copies.Add(1)
	go func() {
		defer func() {
			w.inflightMu.Lock()
			delete(w.inflight, rel)
			w.inflightMu.Unlock()
			close(done)
			w.copySem.Release(1)
			w.copies.Done()
		}()
		if err := w.copyFileContents(src, abs); err != nil {
			plog.Warn("Failed to copy file", "path", rel, "target", w.targetRoot, "error", err)
			return
		}
		w.metrics.AddFilesCopied(1)
		plog.Notice("COPY", "path", rel, "target", w.targetRoot)
	}()
	return nil
}

// copyFileContents copies src to dst byte-for-byte through a pooled buffer
// and stamps dst with the source's modification time.
func (w *Worker) copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open source file %s: %w", src, err)
	}
	defer in.Close()

	srcInfo, err := in.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat source file %s: %w", src, err)
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to open destination file %s: %w", dst, err)
	}
	defer out.Close() // Ensure closed on error.

	bufPtr := w.bufPool.Get()
	defer w.bufPool.Put(bufPtr)
	buf := *bufPtr
	// Always reset len to cap, strictly for io.CopyBuffer purposes.
	buf = buf[:cap(buf)]

	bytesWritten, err := io.CopyBuffer(out, in, buf)
	if err != nil {
		return fmt.Errorf("failed to copy content from %s to %s: %w", src, dst, err)
	}
	w.metrics.AddBytesWritten(bytesWritten)

	// Close must happen before Chtimes; flushing may update the mtime.
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close destination file %s: %w", dst, err)
	}

	modTime := srcInfo.ModTime()
	if err := os.Chtimes(dst, modTime, modTime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", dst, err)
	}
	return nil
}

// applyRemove removes whatever is at target/rel: files and symlinks are
// unlinked, directories removed recursively. A missing entry is not an
// error, which keeps deletes idempotent under repeated or out-of-order
// notifications.
func (w *Worker) applyRemove(rel string) error {
	abs := filepath.Join(w.targetRoot, rel)

	info, err := os.Lstat(abs)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to lstat %s: %w", abs, err)
	}

	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to remove %s: %w", abs, err)
	}
	if info.IsDir() {
		w.metrics.AddDirsDeleted(1)
	} else {
		w.metrics.AddFilesDeleted(1)
	}
	plog.Notice("DELETE", "path", rel, "target", w.targetRoot)
	return nil
}

// applyCreateSymlink replaces target/rel with a symlink pointing at
// linkTarget verbatim. Creation goes through a temporary name and a rename
// so the link appears atomically.
func (w *Worker) applyCreateSymlink(rel, linkTarget string) error {
	abs := filepath.Join(w.targetRoot, rel)

	if err := os.MkdirAll(filepath.Dir(abs), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", abs, err)
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("failed to remove existing entry %s: %w", abs, err)
	}
	if err := createSymlink(linkTarget, abs); err != nil {
		return err
	}
	w.metrics.AddSymlinksCreated(1)
	plog.Notice("SYMLINK", "path", rel, "target", w.targetRoot, "linkTarget", linkTarget)
	return nil
}

// createSymlink creates a symlink at absPath pointing at target, atomically
// replacing any entry there via a temporary name and a rename.
func createSymlink(target, absPath string) error {
	absDir := filepath.Dir(absPath)

	// os.CreateTemp creates a regular file. We only need the unique name,
	// so remove the file and let os.Symlink take its place.
	f, err := os.CreateTemp(absDir, "pgl-mirror-symlink-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to generate temp name for symlink: %w", err)
	}
	tempName := f.Name()
	f.Close()
	os.Remove(tempName)

	defer func() {
		if tempName != "" {
			os.Remove(tempName)
		}
	}()

	if err := os.Symlink(target, tempName); err != nil {
		return fmt.Errorf("failed to create symlink %s -> %s: %w", tempName, target, err)
	}
	if err := os.Rename(tempName, absPath); err != nil {
		return fmt.Errorf("failed to rename temp symlink to %s: %w", absPath, err)
	}
	tempName = "" // Prevent deferred removal.
	return nil
}
