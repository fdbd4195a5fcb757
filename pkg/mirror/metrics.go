package mirror

import (
	"sync/atomic"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// Metrics defines the interface for collecting per-worker mirroring statistics.
type Metrics interface {
	AddFilesCopied(n int64)
	AddFilesDeleted(n int64)
	AddDirsCreated(n int64)
	AddDirsDeleted(n int64)
	AddSymlinksCreated(n int64)
	AddBytesWritten(n int64)
	Snapshot() Counts
	LogSummary(msg string, args ...any)
}

// Counts is a point-in-time copy of a worker's counters.
type Counts struct {
	FilesCopied     int64
	FilesDeleted    int64
	DirsCreated     int64
	DirsDeleted     int64
	SymlinksCreated int64
	BytesWritten    int64
}

// SyncMetrics holds the atomic counters for tracking a worker's progress.
// It is the concrete implementation of the Metrics interface.
type SyncMetrics struct {
	FilesCopied     atomic.Int64
	FilesDeleted    atomic.Int64
	DirsCreated     atomic.Int64
	DirsDeleted     atomic.Int64
	SymlinksCreated atomic.Int64
	BytesWritten    atomic.Int64
}

func (m *SyncMetrics) AddFilesCopied(n int64)     { m.FilesCopied.Add(n) }
func (m *SyncMetrics) AddFilesDeleted(n int64)    { m.FilesDeleted.Add(n) }
func (m *SyncMetrics) AddDirsCreated(n int64)     { m.DirsCreated.Add(n) }
func (m *SyncMetrics) AddDirsDeleted(n int64)     { m.DirsDeleted.Add(n) }
func (m *SyncMetrics) AddSymlinksCreated(n int64) { m.SymlinksCreated.Add(n) }
func (m *SyncMetrics) AddBytesWritten(n int64)    { m.BytesWritten.Add(n) }

func (m *SyncMetrics) Snapshot() Counts {
	return Counts{
		FilesCopied:     m.FilesCopied.Load(),
		FilesDeleted:    m.FilesDeleted.Load(),
		DirsCreated:     m.DirsCreated.Load(),
		DirsDeleted:     m.DirsDeleted.Load(),
		SymlinksCreated: m.SymlinksCreated.Load(),
		BytesWritten:    m.BytesWritten.Load(),
	}
}

// LogSummary prints a summary of the worker's activity so far.
func (m *SyncMetrics) LogSummary(msg string, args ...any) {
	c := m.Snapshot()
	all := append(args,
		"files_copied", c.FilesCopied,
		"files_deleted", c.FilesDeleted,
		"dirs_created", c.DirsCreated,
		"dirs_deleted", c.DirsDeleted,
		"symlinks_created", c.SymlinksCreated,
		"bytes_written", util.ByteCountIEC(c.BytesWritten),
	)
	plog.Info(msg, all...)
}

// NoopMetrics is an implementation of the Metrics interface that performs no
// operations. It can be used to disable metrics collection without changing
// the calling code.
type NoopMetrics struct{}

func (m *NoopMetrics) AddFilesCopied(n int64)             {}
func (m *NoopMetrics) AddFilesDeleted(n int64)            {}
func (m *NoopMetrics) AddDirsCreated(n int64)             {}
func (m *NoopMetrics) AddDirsDeleted(n int64)             {}
func (m *NoopMetrics) AddSymlinksCreated(n int64)         {}
func (m *NoopMetrics) AddBytesWritten(n int64)            {}
func (m *NoopMetrics) Snapshot() Counts                   { return Counts{} }
func (m *NoopMetrics) LogSummary(msg string, args ...any) {}

// Statically assert that our types implement the interface.
var _ Metrics = (*SyncMetrics)(nil)
var _ Metrics = (*NoopMetrics)(nil)
