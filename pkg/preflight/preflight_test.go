package preflight

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEnsureEmptyTargetDir(t *testing.T) {
	t.Run("Creates a missing directory with parents", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "a", "b", "mirror")
		if err := EnsureEmptyTargetDir(target); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		info, err := os.Stat(target)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected %s to be a directory, err=%v", target, err)
		}
	})

	t.Run("Accepts an existing empty directory", func(t *testing.T) {
		target := t.TempDir()
		if err := EnsureEmptyTargetDir(target); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("Rejects a non-empty directory", func(t *testing.T) {
		target := t.TempDir()
		if err := os.WriteFile(filepath.Join(target, "junk"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := EnsureEmptyTargetDir(target); err == nil {
			t.Error("expected an error for a non-empty target")
		}
	})

	t.Run("Rejects a regular file", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "file")
		if err := os.WriteFile(target, []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := EnsureEmptyTargetDir(target); err == nil {
			t.Error("expected an error when the target is a file")
		}
	})
}

func TestValidateMountPoint(t *testing.T) {
	// t.TempDir usually lives under the user's home or a tmpfs; either way
	// the check must not fail just because the path does not exist yet.
	missing := filepath.Join(t.TempDir(), "does", "not", "exist")
	// Walk-up behavior: the deepest existing ancestor is validated, so this
	// must behave identically to validating the temp dir itself.
	errMissing := ValidateMountPoint(missing)
	errExisting := ValidateMountPoint(filepath.Dir(filepath.Dir(filepath.Dir(missing))))
	if (errMissing == nil) != (errExisting == nil) {
		t.Errorf("missing-path validation (%v) disagrees with existing ancestor (%v)", errMissing, errExisting)
	}
}
