// Package worktree manages the isolated git worktrees the Repair Conductor
// iterates inside: detached-HEAD checkouts under
// <repo>/.crucible/worktrees/<runId>, removed via git and always pruned.
package worktree

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/kodevadam/crucible/internal/gitrun"
)

// Handle is a scoped acquisition: created once per conductor invocation,
// released exactly once via Close (idempotent), on every exit path.
type Handle struct {
	RepoPath string
	RunID    string
	Path     string

	closed bool
}

// NewRunID derives a run id from sha256(repoPath || millis || pid),
// truncated to 12 hex chars.
func NewRunID(repoPath string, millis int64, pid int) string {
	sum := sha256.Sum256([]byte(repoPath + strconv.FormatInt(millis, 10) + strconv.Itoa(pid)))
	return hex.EncodeToString(sum[:])[:12]
}

// Create checks out a new detached-HEAD worktree at
// <repoPath>/.crucible/worktrees/<runId> pointed at headSHA. The worktree
// facility is used rather than a named branch, since the main tree may
// already hold the branch we want to repair.
func Create(repoPath, headSHA string) (*Handle, error) {
	runID := NewRunID(repoPath, time.Now().UnixMilli(), os.Getpid())
	dir := filepath.Join(repoPath, ".crucible", "worktrees", runID)

	if err := os.MkdirAll(filepath.Dir(dir), 0o755); err != nil {
		return nil, fmt.Errorf("worktree: prepare parent dir: %w", err)
	}
	if _, _, err := gitrun.Capture(repoPath, "worktree", "add", "--detach", dir, headSHA); err != nil {
		return nil, fmt.Errorf("worktree: add: %w", err)
	}
	return &Handle{RepoPath: repoPath, RunID: runID, Path: dir}, nil
}

// Reset hard-resets the worktree to sha and removes untracked files,
// matching the "iteration always begins with a clean worktree at HEAD"
// policy invariant.
func (h *Handle) Reset(sha string) error {
	if _, _, err := gitrun.Capture(h.Path, "reset", "--hard", sha); err != nil {
		return fmt.Errorf("worktree: reset --hard: %w", err)
	}
	if _, _, err := gitrun.Capture(h.Path, "clean", "-fd"); err != nil {
		return fmt.Errorf("worktree: clean -fd: %w", err)
	}
	return nil
}

// HeadSHA returns the commit the worktree is currently attached to.
func (h *Handle) HeadSHA() string {
	return gitrun.Quiet(h.Path, "rev-parse", "HEAD")
}

// Close removes the worktree unconditionally. It uses `git worktree remove
// --force` so git's own bookkeeping (.git/worktrees/<id>) stays consistent;
// only if git refuses does it fall back to a recursive filesystem delete.
// A prune pass always runs afterward. Failures are logged, not fatal: the
// fallback delete failing, or the prune failing.
func (h *Handle) Close() error {
	if h == nil || h.closed {
		return nil
	}
	h.closed = true

	_, _, removeErr := gitrun.Capture(h.RepoPath, "worktree", "remove", "--force", h.Path)
	if removeErr != nil {
		// Fall back to a filesystem removal so a half-broken worktree entry
		// doesn't leave directory litter behind even when git refuses.
		if rmErr := os.RemoveAll(h.Path); rmErr != nil {
			log.Printf("worktree: failed to remove %s: %v (rmdir fallback: %v)", h.Path, removeErr, rmErr)
		}
	}
	if _, _, err := gitrun.Capture(h.RepoPath, "worktree", "prune"); err != nil {
		log.Printf("worktree: prune failed for %s: %v", h.RepoPath, err)
	}
	return nil
}

// Exists reports whether the worktree directory is still present and still
// known to git, for test assertions.
func (h *Handle) Exists() bool {
	if _, err := os.Stat(h.Path); err != nil {
		return false
	}
	out := gitrun.Quiet(h.RepoPath, "worktree", "list", "--porcelain")
	return strings.Contains(out, "worktree "+h.Path)
}
