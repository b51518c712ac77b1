// Package tooldispatch executes the tools exposed to the Ops Generator
// (read_file, search_content, run_command) inside a worktree. Failures are
// returned as textual tool results the model can react to, never as errors.
package tooldispatch

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/kodevadam/crucible/internal/gitrun"
	"github.com/kodevadam/crucible/internal/pathguard"
	"github.com/kodevadam/crucible/internal/testrun"
)

const (
	readFileMaxBytesNoRange = 50_000
	searchMaxMatches        = 20
	searchMaxChars          = 3_000
	runCommandTimeout       = 30 * time.Second
	searchTimeout           = 10 * time.Second
	runCommandMaxChars      = 5_000
)

// CommandSet is the set of shell commands run_command can invoke, configured
// by the caller (conductor) per repo.
type CommandSet struct {
	Test      string
	Build     string
	Lint      string
	Typecheck string
}

// Dispatcher executes tools scoped to one worktree.
type Dispatcher struct {
	WorktreeDir string
	Commands    CommandSet
}

// New constructs a Dispatcher rooted at worktreeDir.
func New(worktreeDir string, commands CommandSet) *Dispatcher {
	return &Dispatcher{WorktreeDir: worktreeDir, Commands: commands}
}

// ReadFile implements the read_file tool.
func (d *Dispatcher) ReadFile(path string, startLine, endLine int) string {
	abs, err := pathguard.Validate(d.WorktreeDir, path)
	if err != nil {
		return fmt.Sprintf("error: invalid path %q: %v", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Sprintf("error: cannot stat %q: %v", path, err)
	}
	if info.IsDir() {
		return fmt.Sprintf("error: %q is a directory", path)
	}

	if startLine <= 0 && endLine <= 0 {
		if info.Size() > readFileMaxBytesNoRange {
			return fmt.Sprintf(
				"error: %q is %d bytes (over %d); re-run read_file with start_line/end_line to read a slice",
				path, info.Size(), readFileMaxBytesNoRange,
			)
		}
		b, err := os.ReadFile(abs)
		if err != nil {
			return fmt.Sprintf("error: reading %q: %v", path, err)
		}
		return string(b)
	}

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Sprintf("error: opening %q: %v", path, err)
	}
	defer f.Close()

	if startLine <= 0 {
		startLine = 1
	}
	var b strings.Builder
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if n < startLine {
			continue
		}
		if endLine > 0 && n > endLine {
			break
		}
		fmt.Fprintf(&b, "%d: %s\n", n, scanner.Text())
	}
	return b.String()
}

// SearchContent implements the search_content tool: up to 20 file:line:text
// matches, capped at 3000 characters, optionally scoped by a doublestar glob.
func (d *Dispatcher) SearchContent(ctx context.Context, pattern, glob string) string {
	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	re, err := regexp.Compile(pattern)
	if err != nil {
		return fmt.Sprintf("error: invalid pattern %q: %v", pattern, err)
	}

	var matches []string
	walkErr := filepath.WalkDir(d.WorktreeDir, func(path string, de os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if de.IsDir() {
			if de.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, rerr := filepath.Rel(d.WorktreeDir, path)
		if rerr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if glob != "" {
			ok, merr := doublestar.Match(glob, rel)
			if merr != nil || !ok {
				return nil
			}
		}
		if len(matches) >= searchMaxMatches {
			return nil
		}
		grepFile(path, rel, re, &matches)
		return nil
	})
	if walkErr != nil && walkErr != context.DeadlineExceeded {
		return fmt.Sprintf("error: search timed out or failed: %v", walkErr)
	}

	sort.Strings(matches)
	if len(matches) > searchMaxMatches {
		matches = matches[:searchMaxMatches]
	}
	out := strings.Join(matches, "\n")
	if len(out) > searchMaxChars {
		out = out[:searchMaxChars]
	}
	if out == "" {
		return "no matches"
	}
	return out
}

func grepFile(absPath, relPath string, re *regexp.Regexp, matches *[]string) {
	if len(*matches) >= searchMaxMatches {
		return
	}
	f, err := os.Open(absPath)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	n := 0
	for scanner.Scan() {
		n++
		if re.MatchString(scanner.Text()) {
			*matches = append(*matches, fmt.Sprintf("%s:%d:%s", relPath, n, scanner.Text()))
			if len(*matches) >= searchMaxMatches {
				return
			}
		}
	}
}

// RunCommand implements the run_command tool: runs the configured command
// for kind under a 30-second timeout, returning "exit <code>\n<output>"
// truncated to 5000 characters.
func (d *Dispatcher) RunCommand(ctx context.Context, kind, target string) string {
	ctx, cancel := context.WithTimeout(ctx, runCommandTimeout)
	defer cancel()

	// git_diff takes a model-controlled target, so it never goes through a
	// shell: explicit argv only.
	if kind == "git_diff" {
		return d.runGitDiff(ctx, target)
	}

	cmdStr, err := d.resolveCommand(kind)
	if err != nil {
		return fmt.Sprintf("error: %v", err)
	}

	res, err := testrun.Run(ctx, d.WorktreeDir, cmdStr)
	if err != nil {
		return fmt.Sprintf("error: run_command failed: %v", err)
	}

	body := res.Excerpt
	if len(body) > runCommandMaxChars {
		body = body[len(body)-runCommandMaxChars:]
	}
	return fmt.Sprintf("exit %d\n%s", res.ExitCode, body)
}

func (d *Dispatcher) runGitDiff(ctx context.Context, target string) string {
	args := []string{"diff"}
	if target != "" {
		if _, err := pathguard.Validate(d.WorktreeDir, target); err != nil {
			return fmt.Sprintf("error: invalid git_diff target %q: %v", target, err)
		}
		args = append(args, "--", target)
	}
	stdout, stderr, err := gitrun.CaptureContext(ctx, d.WorktreeDir, args...)
	body := stdout + stderr
	if len(body) > runCommandMaxChars {
		body = body[len(body)-runCommandMaxChars:]
	}
	return fmt.Sprintf("exit %d\n%s", gitrun.ExitCode(err), body)
}

func (d *Dispatcher) resolveCommand(kind string) (string, error) {
	var base string
	switch kind {
	case "test":
		base = d.Commands.Test
	case "build":
		base = d.Commands.Build
	case "lint":
		base = d.Commands.Lint
	case "typecheck":
		base = d.Commands.Typecheck
	default:
		return "", fmt.Errorf("unknown run_command kind %q", kind)
	}
	if strings.TrimSpace(base) == "" {
		return "", fmt.Errorf("no %s command configured for this repo", kind)
	}
	return base, nil
}
