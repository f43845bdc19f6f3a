package revision

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Creates a repository with a single commit and returns its directory and
// the commit hash.
func initRepo(t *testing.T) (string, string) {
	t.Helper()

	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init repo: %v", err)
	}

	path := filepath.Join(dir, "README.md")
	if err := os.WriteFile(path, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}

	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	if _, err := wt.Add("README.md"); err != nil {
		t.Fatalf("stage: %v", err)
	}

	sig := &object.Signature{
		Name:  "tester",
		Email: "tester@example.invalid",
		When:  time.Now(),
	}
	hash, err := wt.Commit("initial", &gogit.CommitOptions{Author: sig, Committer: sig})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}

	return dir, hash.String()
}

func TestResolveHead(t *testing.T) {
	dir, want := initRepo(t)

	got, err := Resolve(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
	if len(got) != 40 {
		t.Fatalf("Resolve returned %d characters, want 40", len(got))
	}
}

func TestResolveFromSubdirectory(t *testing.T) {
	dir, want := initRepo(t)

	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	got, err := Resolve(sub)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Fatalf("Resolve = %q, want %q", got, want)
	}
}

func TestResolveOutsideRepository(t *testing.T) {
	_, err := Resolve(t.TempDir())
	if !errors.Is(err, ErrNoRepository) {
		t.Fatalf("err = %v, want ErrNoRepository", err)
	}
}

func TestResolveUnbornHead(t *testing.T) {
	dir := t.TempDir()
	if _, err := gogit.PlainInit(dir, false); err != nil {
		t.Fatalf("init repo: %v", err)
	}

	_, err := Resolve(dir)
	if !errors.Is(err, ErrNoCommits) {
		t.Fatalf("err = %v, want ErrNoCommits", err)
	}
}

func TestResolveRef(t *testing.T) {
	dir, want := initRepo(t)

	tests := []struct {
		name string
		ref  string
	}{
		{name: "empty falls back to head", ref: ""},
		{name: "HEAD", ref: "HEAD"},
		{name: "full hash", ref: want},
		{name: "abbreviated hash", ref: want[:8]},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveRef(dir, tt.ref)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != want {
				t.Fatalf("ResolveRef(%q) = %q, want %q", tt.ref, got, want)
			}
		})
	}
}

func TestResolveRefUnknown(t *testing.T) {
	dir, _ := initRepo(t)

	_, err := ResolveRef(dir, "does-not-exist")
	if !errors.Is(err, ErrBadRevision) {
		t.Fatalf("err = %v, want ErrBadRevision", err)
	}
}

func TestResolveRefDetachedFullHash(t *testing.T) {
	const full = "AB12cd34ef567890ab12cd34ef567890ab12cd34"

	got, err := ResolveRef(t.TempDir(), full)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ab12cd34ef567890ab12cd34ef567890ab12cd34" {
		t.Fatalf("ResolveRef = %q, want lowercased input", got)
	}

	if _, err := ResolveRef(t.TempDir(), "main"); !errors.Is(err, ErrNoRepository) {
		t.Fatalf("err = %v, want ErrNoRepository for symbolic ref outside a repo", err)
	}
}

func TestShort(t *testing.T) {
	if got := Short("ab12cd34ef567890ab12cd34ef567890ab12cd34"); got != "ab12cd34ef56" {
		t.Fatalf("Short = %q", got)
	}
	if got := Short("abc"); got != "abc" {
		t.Fatalf("Short(abc) = %q", got)
	}
}
