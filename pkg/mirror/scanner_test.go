package mirror

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestScan(t *testing.T) {
	t.Run("Mirrors a nested tree", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		mustWriteFile(t, filepath.Join(src, "top.txt"), "top")
		mustWriteFile(t, filepath.Join(src, "a", "b", "deep.txt"), "deep")
		if err := os.MkdirAll(filepath.Join(src, "empty"), 0755); err != nil {
			t.Fatal(err)
		}

		w := NewWorker(src, trg, WorkerOptions{})
		if err := Scan(context.Background(), src, w); err != nil {
			t.Fatalf("scan: %v", err)
		}
		w.Stop()

		if got := mustReadFile(t, filepath.Join(trg, "top.txt")); got != "top" {
			t.Errorf("top.txt = %q", got)
		}
		if got := mustReadFile(t, filepath.Join(trg, "a", "b", "deep.txt")); got != "deep" {
			t.Errorf("a/b/deep.txt = %q", got)
		}
		if info, err := os.Stat(filepath.Join(trg, "empty")); err != nil || !info.IsDir() {
			t.Errorf("empty directory was not mirrored: %v", err)
		}
	})

	t.Run("Rewrites absolute in-tree symlinks and keeps others", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		mustWriteFile(t, filepath.Join(src, "data.txt"), "d")
		if err := os.Symlink(filepath.Join(src, "data.txt"), filepath.Join(src, "abs-in")); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink("data.txt", filepath.Join(src, "relative")); err != nil {
			t.Fatal(err)
		}
		if err := os.Symlink(filepath.FromSlash("/outside/tree"), filepath.Join(src, "abs-out")); err != nil {
			t.Fatal(err)
		}

		w := NewWorker(src, trg, WorkerOptions{})
		if err := Scan(context.Background(), src, w); err != nil {
			t.Fatalf("scan: %v", err)
		}
		w.Stop()

		if got, _ := os.Readlink(filepath.Join(trg, "abs-in")); got != filepath.Join(trg, "data.txt") {
			t.Errorf("abs-in -> %q, want %q", got, filepath.Join(trg, "data.txt"))
		}
		if got, _ := os.Readlink(filepath.Join(trg, "relative")); got != "data.txt" {
			t.Errorf("relative -> %q, want unchanged", got)
		}
		if got, _ := os.Readlink(filepath.Join(trg, "abs-out")); got != filepath.FromSlash("/outside/tree") {
			t.Errorf("abs-out -> %q, want unchanged", got)
		}
	})

	t.Run("Does not descend into symlinked directories", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		mustWriteFile(t, filepath.Join(src, "real", "f.txt"), "f")
		if err := os.Symlink(filepath.Join(src, "real"), filepath.Join(src, "alias")); err != nil {
			t.Fatal(err)
		}

		w := NewWorker(src, trg, WorkerOptions{})
		if err := Scan(context.Background(), src, w); err != nil {
			t.Fatalf("scan: %v", err)
		}
		w.Stop()

		// alias must be a symlink in the target, not a copied tree.
		info, err := os.Lstat(filepath.Join(trg, "alias"))
		if err != nil {
			t.Fatal(err)
		}
		if info.Mode()&os.ModeSymlink == 0 {
			t.Errorf("alias was copied as %v, want a symlink", info.Mode())
		}
	})

	t.Run("Cancellation stops the walk", func(t *testing.T) {
		src := t.TempDir()
		mustWriteFile(t, filepath.Join(src, "f"), "x")

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		w := NewWorker(src, t.TempDir(), WorkerOptions{})
		if err := Scan(ctx, src, w); err == nil {
			t.Error("expected a cancellation error")
		}
		w.Stop()
	})

	t.Run("ScanSubtree emits the subtree rooted at the full-tree relative paths", func(t *testing.T) {
		src, trg := t.TempDir(), t.TempDir()
		mustWriteFile(t, filepath.Join(src, "sub", "inner", "f.txt"), "f")
		mustWriteFile(t, filepath.Join(src, "other.txt"), "o")

		w := NewWorker(src, trg, WorkerOptions{})
		if err := ScanSubtree(context.Background(), src, filepath.Join(src, "sub"), w); err != nil {
			t.Fatalf("scan subtree: %v", err)
		}
		w.Stop()

		if got := mustReadFile(t, filepath.Join(trg, "sub", "inner", "f.txt")); got != "f" {
			t.Errorf("sub/inner/f.txt = %q", got)
		}
		if !notExists(filepath.Join(trg, "other.txt")) {
			t.Error("subtree scan leaked entries outside the subtree")
		}
	})
}
