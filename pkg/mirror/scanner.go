package mirror

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// Scan walks root depth-first and pushes the events that make the worker's
// target equal to the source: EnsureDir for directories (parents before
// children), CopyFile for regular files, CreateSymlink for symlinks with
// their targets rewritten into the worker's target tree. Symlinks are never
// descended into. Cancellation is honored between entries and on every push.
func Scan(ctx context.Context, root string, w *Worker) error {
	return scanFrom(ctx, root, root, w)
}

// ScanSubtree runs the same algorithm rooted at an arbitrary subtree of
// root. The watcher uses it when a directory appears wholesale (e.g. renamed
// in), since its children produce no individual notifications.
func ScanSubtree(ctx context.Context, root, subtree string, w *Worker) error {
	return scanFrom(ctx, root, subtree, w)
}

func scanFrom(ctx context.Context, root, start string, w *Worker) error {
	err := filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// An unreadable scan root aborts; an unreadable child is
			// skipped so the rest of the tree still mirrors.
			if path == start {
				return fmt.Errorf("scan root is unreadable: %w", err)
			}
			plog.Warn("SKIP", "reason", "error accessing path", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, ok := util.RelWithin(root, path)
		if !ok {
			return nil
		}
		if rel == "." {
			return nil // The root itself is never an event.
		}

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			ev, evErr := symlinkEvent(root, w.TargetRoot(), path, rel)
			if evErr != nil {
				plog.Warn("SKIP", "reason", "failed to read symlink", "path", path, "error", evErr)
				return nil
			}
			return w.Push(ctx, ev)
		case d.IsDir():
			return w.Push(ctx, ChangeEvent{Kind: EnsureDir, RelPath: rel})
		case d.Type().IsRegular():
			return w.Push(ctx, ChangeEvent{Kind: CopyFile, RelPath: rel, SourcePath: path})
		default:
			// Named pipes, sockets, devices are not mirrored.
			plog.Notice("SKIP", "type", d.Type().String(), "path", rel)
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("scan of %s failed: %w", start, err)
	}
	return nil
}

// symlinkEvent builds the CreateSymlink event for a source symlink, with its
// literal target rewritten into the destination tree when it points inside
// the mirrored source.
func symlinkEvent(sourceRoot, targetRoot, path, rel string) (ChangeEvent, error) {
	linkTarget, err := os.Readlink(path)
	if err != nil {
		return ChangeEvent{}, err
	}

	// Whether the link refers to a directory only matters on platforms with
	// typed symlinks; a dangling link counts as a file link.
	isDirLink := false
	if info, err := os.Stat(path); err == nil {
		isDirLink = info.IsDir()
	}

	return ChangeEvent{
		Kind:       CreateSymlink,
		RelPath:    rel,
		LinkTarget: util.RewriteLinkTarget(linkTarget, sourceRoot, targetRoot),
		IsDirLink:  isDirLink,
	}, nil
}
