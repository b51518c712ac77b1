// Package testrun runs the test command inside a worktree and parses its
// combined output into a structured Result: exit code, best-effort failure
// count and framework tag, duration, and a bounded excerpt.
package testrun

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kodevadam/crucible/internal/envguard"
)

// Result is one test-command run's structured outcome.
type Result struct {
	ExitCode           int
	FailureCount       int // -1 means unparseable
	FailureCountApprox bool
	Framework          string
	DurationMs         int64
	Excerpt            string
}

const excerptMaxChars = 8_000

// envConfig is resolved once per process, not re-read on every Run.
var envConfig = envguard.ConfigFromEnv()

// Run executes command (a shell string, run via `bash -c`) inside dir. The
// runtime is unbounded; callers choose self-terminating test commands.
func Run(ctx context.Context, dir, command string) (Result, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, "bash", "-c", command)
	cmd.Dir = dir
	cmd.Env = envguard.Build(envConfig)

	var out strings.Builder
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return Result{}, fmt.Errorf("testrun: run: %w", runErr)
		}
	}

	full := out.String()
	framework := detectFramework(full)
	count, approx := detectFailureCount(full, framework, exitCode)

	return Result{
		ExitCode:           exitCode,
		FailureCount:       count,
		FailureCountApprox: approx,
		Framework:          framework,
		DurationMs:         duration,
		Excerpt:            boundExcerpt(full, excerptMaxChars),
	}, nil
}

func boundExcerpt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	head := max / 2
	tail := max - head
	return s[:head] + "\n...[truncated]...\n" + s[len(s)-tail:]
}

// detectFramework best-guesses the test framework from stdout/stderr text.
func detectFramework(output string) string {
	switch {
	case strings.Contains(output, "PASS") && strings.Contains(output, "ok  \t"):
		return "go test"
	case strings.Contains(output, "jest") || strings.Contains(output, "Tests:") && strings.Contains(output, "Suites:"):
		return "jest"
	case strings.Contains(output, "pytest"):
		return "pytest"
	case strings.Contains(output, "RSpec"):
		return "rspec"
	case strings.Contains(output, "mocha") || strings.Contains(output, "passing") && strings.Contains(output, "failing"):
		return "mocha"
	case strings.Contains(output, "cargo test") || strings.Contains(output, "test result:"):
		return "cargo test"
	default:
		return "unknown"
	}
}

var (
	jestSummaryRe  = regexp.MustCompile(`Tests:\s+(?:(\d+) failed, )?(?:(\d+) skipped, )?(\d+) passed`)
	mochaFailingRe = regexp.MustCompile(`(\d+)\s+failing`)
	pytestFailedRe = regexp.MustCompile(`(\d+)\s+failed`)
	rustFailedRe   = regexp.MustCompile(`test result:\s+\w+\.\s+\d+\s+passed;\s+(\d+)\s+failed`)
	goFailRe       = regexp.MustCompile(`(?m)^--- FAIL:`)
)

// detectFailureCount parses output heuristically; -1 means unknown, approx
// means a loose/best-effort parse.
func detectFailureCount(output, framework string, exitCode int) (int, bool) {
	switch framework {
	case "jest":
		if m := jestSummaryRe.FindStringSubmatch(output); m != nil {
			if m[1] != "" {
				n, _ := strconv.Atoi(m[1])
				return n, false
			}
			return 0, false
		}
	case "mocha":
		if m := mochaFailingRe.FindStringSubmatch(output); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n, false
		}
		if exitCode == 0 {
			return 0, false
		}
	case "pytest":
		if m := pytestFailedRe.FindStringSubmatch(output); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n, false
		}
		if exitCode == 0 {
			return 0, false
		}
	case "cargo test":
		if m := rustFailedRe.FindStringSubmatch(output); m != nil {
			n, _ := strconv.Atoi(m[1])
			return n, false
		}
	case "go test":
		matches := goFailRe.FindAllString(output, -1)
		if len(matches) > 0 {
			return len(matches), false
		}
		if exitCode == 0 {
			return 0, false
		}
		// Non-zero exit but no per-test FAIL markers found (e.g. build
		// failure, panic) — report a single failure, approximately.
		return 1, true
	}

	if exitCode == 0 {
		return 0, false
	}
	// Fallback: count generic failure markers.
	count := strings.Count(output, "FAIL") + strings.Count(output, "✗") + strings.Count(output, "panic:")
	if count > 0 {
		return count, true
	}
	return -1, false
}

// FileRef is one path:line reference found in a failure excerpt, enriched
// with a surrounding code snippet.
type FileRef struct {
	Path    string
	Line    int
	Snippet string
}

var pathLineRe = regexp.MustCompile(`([\w./\-]+\.\w+):(\d+)`)

const snippetContextLines = 3

// Enrich scans excerpt for path:line references and, for each that resolves
// inside worktreeDir, reads a small code snippet around the cited line.
func Enrich(worktreeDir, excerpt string) (string, []FileRef) {
	var refs []FileRef
	seen := map[string]bool{}
	for _, m := range pathLineRe.FindAllStringSubmatch(excerpt, -1) {
		key := m[0]
		if seen[key] {
			continue
		}
		seen[key] = true

		line, err := strconv.Atoi(m[2])
		if err != nil || line <= 0 {
			continue
		}
		root := filepath.Clean(worktreeDir)
		abs := filepath.Clean(filepath.Join(root, m[1]))
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			continue
		}
		snippet, ok := readSnippet(abs, line, snippetContextLines)
		if !ok {
			continue
		}
		refs = append(refs, FileRef{Path: m[1], Line: line, Snippet: snippet})
	}
	return excerpt, refs
}

func readSnippet(path string, line, context int) (string, bool) {
	f, err := os.Open(path)
	if err != nil {
		return "", false
	}
	defer f.Close()

	lo := line - context
	if lo < 1 {
		lo = 1
	}
	hi := line + context

	var b strings.Builder
	scanner := bufio.NewScanner(f)
	n := 0
	found := false
	for scanner.Scan() {
		n++
		if n < lo {
			continue
		}
		if n > hi {
			break
		}
		found = true
		marker := "  "
		if n == line {
			marker = "> "
		}
		fmt.Fprintf(&b, "%s%d: %s\n", marker, n, scanner.Text())
	}
	return b.String(), found
}
