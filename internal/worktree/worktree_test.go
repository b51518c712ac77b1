package worktree

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(), "GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t.com", "GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t.com")
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q")
	run("config", "user.name", "t")
	run("config", "user.email", "t@t.com")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-q", "-m", "init")
	return dir
}

func TestCreateAndCloseRemovesWorktree(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)

	h, err := Create(repo, "HEAD")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !h.Exists() {
		t.Fatalf("expected worktree to exist after create")
	}
	if _, err := os.Stat(filepath.Join(h.Path, "a.txt")); err != nil {
		t.Fatalf("expected checked out file: %v", err)
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if h.Exists() {
		t.Fatalf("expected worktree to be gone after close")
	}
	if _, err := os.Stat(h.Path); !os.IsNotExist(err) {
		t.Fatalf("expected directory removed, stat err=%v", err)
	}

	// idempotent
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestResetCleansUntracked(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	repo := initRepo(t)
	h, err := Create(repo, "HEAD")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer h.Close()

	stray := filepath.Join(h.Path, "stray.txt")
	if err := os.WriteFile(stray, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.Path, "a.txt"), []byte("modified"), 0o644); err != nil {
		t.Fatal(err)
	}

	head := h.HeadSHA()
	if err := h.Reset(head); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if _, err := os.Stat(stray); !os.IsNotExist(err) {
		t.Fatalf("expected stray file removed by clean -fd")
	}
	b, err := os.ReadFile(filepath.Join(h.Path, "a.txt"))
	if err != nil || string(b) != "hello\n" {
		t.Fatalf("expected a.txt restored, got %q err=%v", b, err)
	}
}

func TestNewRunIDStable(t *testing.T) {
	a := NewRunID("/repo", 100, 5)
	b := NewRunID("/repo", 100, 5)
	c := NewRunID("/repo", 101, 5)
	if a != b {
		t.Fatalf("expected stable run id for same inputs")
	}
	if a == c {
		t.Fatalf("expected different run id for different millis")
	}
	if len(a) != 12 {
		t.Fatalf("expected 12 hex chars, got %d", len(a))
	}
}
