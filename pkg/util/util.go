package util

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Permission constants for file and directory modes.
const (
	// UserWritableDirPerms represents the standard permissions for newly created directories (rwxr-xr-x).
	UserWritableDirPerms os.FileMode = 0755
	// UserWritableFilePerms represents the standard permissions for newly created files (rw-r--r--).
	UserWritableFilePerms os.FileMode = 0644
)

// ExpandPath expands the tilde (~) prefix in a path to the user's home directory.
func ExpandPath(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil // No tilde, return as-is.
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not get user home directory: %w", err)
	}

	// Replace the tilde with the home directory.
	return filepath.Join(home, path[1:]), nil
}

// NormalizeAbsPath returns the absolute, cleaned form of a path: no trailing
// separator, no "." or ".." components. Tilde prefixes are expanded first.
func NormalizeAbsPath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	expanded, err := ExpandPath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not resolve %q to an absolute path: %w", path, err)
	}
	return abs, nil
}

// IsSubpath reports whether candidate equals base or lies underneath it.
// Both arguments must already be normalized absolute paths; the comparison
// is lexical and byte-wise case-sensitive.
func IsSubpath(candidate, base string) bool {
	sep := string(filepath.Separator)
	return strings.HasPrefix(candidate+sep, base+sep)
}

// RewriteLinkTarget maps a symlink's literal target from one tree to another.
// Relative targets are returned unchanged. An absolute target that is
// fromRoot itself or lies under it is re-rooted onto toRoot; any other
// absolute target is preserved verbatim, so links pointing outside the
// mirrored tree keep working.
func RewriteLinkTarget(link, fromRoot, toRoot string) string {
	if !filepath.IsAbs(link) {
		return link
	}
	cleaned := filepath.Clean(link)
	if cleaned == fromRoot {
		return toRoot
	}
	sep := string(filepath.Separator)
	if strings.HasPrefix(cleaned, fromRoot+sep) {
		return filepath.Join(toRoot, cleaned[len(fromRoot)+1:])
	}
	return link
}

// RelWithin returns path relative to root, or ok=false when path escapes
// the root (the relative form starts with "..").
func RelWithin(root, path string) (rel string, ok bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", false
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return rel, true
}

// ByteCountIEC renders a byte count in a human readable IEC form (KiB, MiB, ...).
func ByteCountIEC(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}

// MergeAndDeduplicate combines multiple string slices into a single slice,
// removing any duplicate entries while preserving first-seen order.
func MergeAndDeduplicate(slices ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, s := range slices {
		for _, item := range s {
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			result = append(result, item)
		}
	}
	return result
}
