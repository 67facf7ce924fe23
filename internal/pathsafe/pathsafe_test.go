package pathsafe

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newResolver(t *testing.T) (*Resolver, string) {
	t.Helper()
	root := t.TempDir()
	scratch := filepath.Join(root, "scratch")
	if err := os.MkdirAll(scratch, 0o750); err != nil {
		t.Fatal(err)
	}
	r, err := New([]string{root}, scratch)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r, root
}

func TestResolveDefaultPath(t *testing.T) {
	r, _ := newResolver(t)
	got, err := r.Resolve("")
	if err != nil {
		t.Fatalf("Resolve(\"\"): %v", err)
	}
	if !strings.HasSuffix(got, ".mp3") {
		t.Fatalf("expected .mp3 default, got %s", got)
	}
	real, err := filepath.EvalSymlinks(r.Scratch())
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(got, real+string(filepath.Separator)) {
		t.Fatalf("default path %s not under scratch %s", got, real)
	}
}

func TestResolveRejectsTraversal(t *testing.T) {
	r, _ := newResolver(t)
	for _, p := range []string{
		"~/../../etc/passwd",
		"/etc/passwd",
		"../outside.mp3",
	} {
		if _, err := r.Resolve(p); err == nil {
			t.Fatalf("Resolve(%q) succeeded, want containment error", p)
		}
	}
}

func TestResolveCreatesIntermediates(t *testing.T) {
	r, root := newResolver(t)
	want := filepath.Join(root, "a", "b", "out.mp3")
	got, err := r.Resolve(want)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if filepath.Base(got) != "out.mp3" {
		t.Fatalf("unexpected path %s", got)
	}
	fi, err := os.Stat(filepath.Dir(want))
	if err != nil || !fi.IsDir() {
		t.Fatalf("intermediate dirs not created: %v", err)
	}
}

func TestResolveRejectsSymlinkSegment(t *testing.T) {
	r, root := newResolver(t)
	outside := t.TempDir()
	link := filepath.Join(root, "link")
	if err := os.Symlink(outside, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	// The path string looks contained but the directory component is a symlink
	// pointing outside the allowed root.
	if _, err := r.Resolve(filepath.Join(link, "out.mp3")); err == nil {
		t.Fatal("expected error for symlinked directory segment")
	}
}

func TestResolveRejectsSymlinkTarget(t *testing.T) {
	r, root := newResolver(t)
	real := filepath.Join(root, "real.mp3")
	if err := os.WriteFile(real, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alias.mp3")
	if err := os.Symlink(real, link); err != nil {
		t.Skipf("symlink not supported: %v", err)
	}
	if _, err := r.Resolve(link); err == nil {
		t.Fatal("expected error for symlink target")
	}
}

func TestResolveRejectsNonDirSegment(t *testing.T) {
	r, root := newResolver(t)
	file := filepath.Join(root, "file")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(filepath.Join(file, "out.mp3")); err == nil {
		t.Fatal("expected error for file used as directory")
	}
}

func TestResolveAcceptsExistingRegularFile(t *testing.T) {
	r, root := newResolver(t)
	p := filepath.Join(root, "existing.mp3")
	if err := os.WriteFile(p, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Resolve(p); err != nil {
		t.Fatalf("Resolve existing regular file: %v", err)
	}
}
