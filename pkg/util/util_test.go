package util

import (
	"path/filepath"
	"testing"
)

func TestIsSubpath(t *testing.T) {
	cases := []struct {
		candidate string
		base      string
		want      bool
	}{
		{"/data/src", "/data/src", true},
		{"/data/src/sub", "/data/src", true},
		{"/data/src/sub/deep", "/data/src", true},
		{"/data/srcother", "/data/src", false},
		{"/data", "/data/src", false},
		{"/other", "/data/src", false},
	}
	for _, c := range cases {
		candidate := filepath.FromSlash(c.candidate)
		base := filepath.FromSlash(c.base)
		if got := IsSubpath(candidate, base); got != c.want {
			t.Errorf("IsSubpath(%q, %q) = %v, want %v", candidate, base, got, c.want)
		}
	}
}

func TestRewriteLinkTarget(t *testing.T) {
	from := filepath.FromSlash("/abs/source")
	to := filepath.FromSlash("/abs/target")

	t.Run("Relative targets are unchanged", func(t *testing.T) {
		for _, link := range []string{"data.txt", "../sibling", "./x/y"} {
			if got := RewriteLinkTarget(link, from, to); got != link {
				t.Errorf("RewriteLinkTarget(%q) = %q, want unchanged", link, got)
			}
		}
	})

	t.Run("Absolute target inside the source tree is re-rooted", func(t *testing.T) {
		link := filepath.FromSlash("/abs/source/data/file.txt")
		want := filepath.FromSlash("/abs/target/data/file.txt")
		if got := RewriteLinkTarget(link, from, to); got != want {
			t.Errorf("RewriteLinkTarget(%q) = %q, want %q", link, got, want)
		}
	})

	t.Run("Absolute target equal to the source root maps to the target root", func(t *testing.T) {
		if got := RewriteLinkTarget(from, from, to); got != to {
			t.Errorf("RewriteLinkTarget(root) = %q, want %q", got, to)
		}
	})

	t.Run("Absolute target outside the source tree is preserved", func(t *testing.T) {
		link := filepath.FromSlash("/etc/hosts")
		if got := RewriteLinkTarget(link, from, to); got != link {
			t.Errorf("RewriteLinkTarget(%q) = %q, want unchanged", link, got)
		}
	})

	t.Run("Sibling prefix is not mistaken for containment", func(t *testing.T) {
		link := filepath.FromSlash("/abs/sourceother/file")
		if got := RewriteLinkTarget(link, from, to); got != link {
			t.Errorf("RewriteLinkTarget(%q) = %q, want unchanged", link, got)
		}
	})
}

func TestRelWithin(t *testing.T) {
	root := filepath.FromSlash("/data/src")

	rel, ok := RelWithin(root, filepath.FromSlash("/data/src/a/b"))
	if !ok || rel != filepath.FromSlash("a/b") {
		t.Errorf("RelWithin inside = (%q, %v), want (a/b, true)", rel, ok)
	}

	if _, ok := RelWithin(root, filepath.FromSlash("/data/other")); ok {
		t.Error("RelWithin should reject paths escaping the root")
	}

	rel, ok = RelWithin(root, root)
	if !ok || rel != "." {
		t.Errorf("RelWithin(root, root) = (%q, %v), want (., true)", rel, ok)
	}
}

func TestNormalizeAbsPath(t *testing.T) {
	got, err := NormalizeAbsPath(filepath.FromSlash("/data/src/../src/./a/"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := filepath.FromSlash("/data/src/a")
	if got != want {
		t.Errorf("NormalizeAbsPath = %q, want %q", got, want)
	}

	if _, err := NormalizeAbsPath(""); err == nil {
		t.Error("expected an error for an empty path")
	}
}

func TestMergeAndDeduplicate(t *testing.T) {
	got := MergeAndDeduplicate([]string{"a", "b"}, []string{"b", "c", "a"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}
