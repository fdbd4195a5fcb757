// Package preflight provides validation that runs before a mirror target is
// accepted. The checks produce friendlier errors than letting os.MkdirAll or
// the first file copy fail, and they guard against writing into the empty
// mount point of a drive that is not actually mounted.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"

	"pixelgardenlabs.io/pgl-mirror/pkg/util"
)

// EnsureEmptyTargetDir prepares a directory to receive a mirror. A missing
// directory is created (with parents); an existing one must be a directory
// and must be empty, so a mirror can never silently clobber foreign data.
func EnsureEmptyTargetDir(path string) error {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(path, util.UserWritableDirPerms); err != nil {
			return fmt.Errorf("failed to create target directory %s: %w", path, err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat target %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("target %s exists and is not a directory", path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read target directory %s: %w", path, err)
	}
	if len(entries) > 0 {
		return fmt.Errorf("target directory %s is not empty", path)
	}
	return nil
}

// ValidateMountPoint verifies that the deepest existing ancestor of path sits
// on a real volume. On Unix this rejects paths that resolve onto the root
// filesystem outside the user's home (a "ghost" directory left behind by an
// unmounted drive); on Windows it verifies the drive or share root exists.
func ValidateMountPoint(path string) error {
	ancestor := path
	for {
		if _, err := os.Stat(ancestor); err == nil {
			break
		}
		parent := filepath.Dir(ancestor)
		if parent == ancestor {
			break // Hit root.
		}
		ancestor = parent
	}
	return platformValidateMountPoint(ancestor)
}
