package mirror

import (
	"fmt"
)

// Kind identifies the mirror operation a ChangeEvent describes.
type Kind int

const (
	// EnsureDir ensures the directory at target/rel exists, replacing any
	// non-directory entry at that path.
	EnsureDir Kind = iota
	// CopyFile copies SourcePath to target/rel, replacing whatever is there.
	CopyFile
	// DeleteFile removes the entry at target/rel if it exists.
	DeleteFile
	// DeleteDir removes the entry at target/rel if it exists. Removal is
	// unified, so DeleteFile and DeleteDir apply identically; both kinds are
	// kept because watchers cannot know the former kind of a vanished entry
	// and emit one of each.
	DeleteDir
	// CreateSymlink creates a symlink at target/rel pointing at LinkTarget,
	// atomically replacing any entry there.
	CreateSymlink
)

// String returns the operation name for logs.
func (k Kind) String() string {
	switch k {
	case EnsureDir:
		return "EnsureDir"
	case CopyFile:
		return "CopyFile"
	case DeleteFile:
		return "DeleteFile"
	case DeleteDir:
		return "DeleteDir"
	case CreateSymlink:
		return "CreateSymlink"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ChangeEvent is one mirror operation, produced by the initial scan or the
// filesystem watcher and consumed by a target worker. It is a pure value;
// equality is by all fields.
type ChangeEvent struct {
	Kind Kind

	// RelPath is the path of the affected entry relative to both roots.
	RelPath string

	// SourcePath is the absolute path to read from. Populated iff Kind is CopyFile.
	SourcePath string

	// LinkTarget is the literal link target to create, already rewritten for
	// the receiving worker's target tree. Populated iff Kind is CreateSymlink.
	LinkTarget string

	// IsDirLink records whether the link points at a directory. Only
	// meaningful for CreateSymlink. The worker does not read it: links are
	// created with os.Symlink, which chooses the link type on its own.
	IsDirLink bool
}

// Validate checks the population invariant. A violating event is a
// programming error in the producer; workers report it and skip the event.
func (e ChangeEvent) Validate() error {
	if e.RelPath == "" {
		return fmt.Errorf("%s event without a relative path", e.Kind)
	}
	if (e.Kind == CopyFile) != (e.SourcePath != "") {
		return fmt.Errorf("%s event with source path %q", e.Kind, e.SourcePath)
	}
	if (e.Kind == CreateSymlink) != (e.LinkTarget != "") {
		return fmt.Errorf("%s event with link target %q", e.Kind, e.LinkTarget)
	}
	return nil
}
