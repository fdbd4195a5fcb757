package mirror

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// waitFor polls cond until it returns true or the deadline expires.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// mustWriteFile writes content, creating parents as needed.
func mustWriteFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

// mustReadFile returns the file's content as a string.
func mustReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

// fileHasContent reports whether path is a regular file with exactly content.
func fileHasContent(path, content string) bool {
	data, err := os.ReadFile(path)
	return err == nil && string(data) == content
}

// notExists reports whether nothing is at path.
func notExists(path string) bool {
	_, err := os.Lstat(path)
	return os.IsNotExist(err)
}
