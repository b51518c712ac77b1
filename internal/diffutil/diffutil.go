// Package diffutil produces unified diffs via git, between two in-memory
// contents (through collision-safe temp files) or for a worktree's unstaged
// changes.
package diffutil

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/kodevadam/crucible/internal/gitrun"
)

// DiffContents writes a and b to collision-safe temp files and returns git's
// unified diff between them. Exit 0 means identical (returns ""); exit 1
// means the diff is the (expected, non-error) output; exit >=2 is an error.
// Both temp files are removed on every exit path.
func DiffContents(a, b, label string) (string, error) {
	dir, err := os.MkdirTemp("", "crucible-diff-")
	if err != nil {
		return "", fmt.Errorf("diffutil: mkdtemp: %w", err)
	}
	defer os.RemoveAll(dir)

	nameA := tempName(label + ".a")
	nameB := tempName(label + ".b")
	pathA := filepath.Join(dir, nameA)
	pathB := filepath.Join(dir, nameB)

	if err := os.WriteFile(pathA, []byte(a), 0o644); err != nil {
		return "", fmt.Errorf("diffutil: write a: %w", err)
	}
	if err := os.WriteFile(pathB, []byte(b), 0o644); err != nil {
		return "", fmt.Errorf("diffutil: write b: %w", err)
	}

	stdout, _, err := gitrun.Capture(dir, "diff", "--no-index", "--", nameA, nameB)
	if err == nil {
		return "", nil
	}
	if gitrun.ExitCode(err) == 1 {
		return stdout, nil
	}
	return "", fmt.Errorf("diffutil: git diff --no-index failed: %w", err)
}

func tempName(label string) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s.%d.%d.%s", label, os.Getpid(), time.Now().UnixNano(), hex.EncodeToString(buf[:]))
}

// GetUnifiedDiff returns the worktree's own unified diff of unstaged
// changes, optionally scoped to a single path.
func GetUnifiedDiff(worktreeDir string, path string) (string, error) {
	args := []string{"diff"}
	if path != "" {
		args = append(args, "--", path)
	}
	stdout, _, err := gitrun.Capture(worktreeDir, args...)
	if err != nil {
		return "", fmt.Errorf("diffutil: git diff: %w", err)
	}
	return stdout, nil
}

// gitAvailable is used only by tests to skip gracefully when git isn't on PATH.
func gitAvailable() bool {
	_, err := exec.LookPath("git")
	return err == nil
}
