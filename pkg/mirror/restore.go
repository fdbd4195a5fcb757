package mirror

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"pixelgardenlabs.io/pgl-mirror/pkg/plog"
	"pixelgardenlabs.io/pgl-mirror/pkg/pool"
	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// RestoreTree makes source identical to target: a one-shot reverse mirror.
// The target tree is walked and materialized under source (symlink targets
// rewritten with the roots swapped, file copies skipped when size and mtime
// already match), then a second walk deletes every source entry the target
// does not have. The session for source must have been stopped first.
func RestoreTree(ctx context.Context, source, target string, bufPool *pool.FixedBufferPool) error {
	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("restore target %s is not accessible: %w", target, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("restore target %s is not a directory", target)
	}
	if err := os.MkdirAll(source, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create source directory %s: %w", source, err)
	}
	if bufPool == nil {
		bufPool = pool.NewFixedBuffer(DefaultBufferSize)
	}

	plog.Info("Restoring", "source", source, "target", target)

	// present collects every relative path seen under the target; the
	// deletion pass keeps exactly these.
	present := make(map[string]struct{})

	err = filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == target {
				return fmt.Errorf("restore target is unreadable: %w", err)
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

		rel, ok := util.RelWithin(target, path)
		if !ok || rel == "." {
			return nil
		}
		present[rel] = struct{}{}
		dst := filepath.Join(source, rel)

		switch {
		case d.Type()&fs.ModeSymlink != 0:
			if err := restoreSymlink(path, dst, target, source); err != nil {
				plog.Warn("Failed to restore symlink", "path", rel, "error", err)
			}
			return nil
		case d.IsDir():
			if err := restoreDir(dst); err != nil {
				plog.Warn("Failed to restore directory, skipping subtree", "path", rel, "error", err)
				return filepath.SkipDir
			}
			return nil
		case d.Type().IsRegular():
			if err := restoreFile(path, dst, d, bufPool); err != nil {
				plog.Warn("Failed to restore file", "path", rel, "error", err)
			}
			return nil
		default:
			plog.Notice("SKIP", "type", d.Type().String(), "path", rel)
			return nil
		}
	})
	if err != nil {
		return fmt.Errorf("restore walk of %s failed: %w", target, err)
	}

	// Deletion pass: anything under source the target does not have goes.
	// Symlinked directories are never descended into.
	err = filepath.WalkDir(source, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == source {
				return fmt.Errorf("source is unreadable: %w", err)
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		rel, ok := util.RelWithin(source, path)
		if !ok || rel == "." {
			return nil
		}
		if _, keep := present[rel]; keep {
			return nil
		}

		plog.Notice("DELETE", "path", rel, "target", source)
		if remErr := os.RemoveAll(path); remErr != nil {
			plog.Warn("Failed to delete extraneous entry", "path", rel, "error", remErr)
		}
		if d.IsDir() {
			return filepath.SkipDir // The subtree is gone with it.
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("restore deletion pass failed: %w", err)
	}

	plog.Info("Restore complete", "source", source, "target", target)
	return nil
}

// restoreSymlink recreates a target-tree symlink under the source with its
// literal target rewritten back from the target tree to the source tree.
func restoreSymlink(src, dst, fromRoot, toRoot string) error {
	linkTarget, err := os.Readlink(src)
	if err != nil {
		return fmt.Errorf("failed to read symlink %s: %w", src, err)
	}
	rewritten := util.RewriteLinkTarget(linkTarget, fromRoot, toRoot)

	if err := os.RemoveAll(dst); err != nil {
		return fmt.Errorf("failed to remove existing entry %s: %w", dst, err)
	}
	if err := createSymlink(rewritten, dst); err != nil {
		return err
	}
	plog.Notice("SYMLINK", "path", dst, "linkTarget", rewritten)
	return nil
}

// restoreDir makes dst a directory, replacing any non-directory entry.
func restoreDir(dst string) error {
	info, err := os.Lstat(dst)
	if err == nil {
		if info.IsDir() {
			return nil
		}
		if err := os.RemoveAll(dst); err != nil {
			return fmt.Errorf("failed to remove conflicting entry %s: %w", dst, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to lstat %s: %w", dst, err)
	}
	if err := os.MkdirAll(dst, util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dst, err)
	}
	plog.Notice("DIR", "path", dst)
	return nil
}

// restoreFile copies src over dst unless dst already matches by size and
// modification time. A directory at dst is removed first.
func restoreFile(src, dst string, d fs.DirEntry, bufPool *pool.FixedBufferPool) error {
	srcInfo, err := d.Info()
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", src, err)
	}

	dstInfo, err := os.Lstat(dst)
	if err == nil {
		if dstInfo.Mode().IsRegular() {
			// Up to date when size and mtime are identical.
			if dstInfo.Size() == srcInfo.Size() && dstInfo.ModTime().Equal(srcInfo.ModTime()) {
				return nil
			}
		} else {
			if err := os.RemoveAll(dst); err != nil {
				return fmt.Errorf("failed to remove conflicting entry %s: %w", dst, err)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("failed to lstat %s: %w", dst, err)
	}

	if err := os.MkdirAll(filepath.Dir(dst), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", dst, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", dst, err)
	}
	defer out.Close()

	bufPtr := bufPool.Get()
	defer bufPool.Put(bufPtr)
	buf := *bufPtr
	buf = buf[:cap(buf)]

	if _, err := io.CopyBuffer(out, in, buf); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", dst, err)
	}

	modTime := srcInfo.ModTime()
	if err := os.Chtimes(dst, modTime, modTime); err != nil {
		return fmt.Errorf("failed to set timestamps on %s: %w", dst, err)
	}
	plog.Notice("COPY", "path", dst)
	return nil
}
