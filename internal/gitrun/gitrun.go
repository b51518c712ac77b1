// Package gitrun invokes git and gh with explicit argument vectors, never
// through a shell. Background maintenance is disabled on every invocation
// so concurrent runs cannot race git's own housekeeping.
package gitrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/kodevadam/crucible/internal/envguard"
)

// CommandError wraps a non-zero exit from git or gh with captured output.
type CommandError struct {
	Program string
	Args    []string
	Stdout  string
	Stderr  string
	Err     error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s %s: %v", e.Program, strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// EnvConfig is threaded through so every spawned git/gh process sources
// its environment from envguard.
var EnvConfig = envguard.ConfigFromEnv()

func childEnv() []string {
	return envguard.Build(EnvConfig)
}

// Quiet runs git in dir, capturing stdout. Never returns an error on
// non-zero exit; callers get an empty trimmed string instead.
func Quiet(dir string, args ...string) string {
	cmd := buildGitCmd(context.Background(), dir, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(stdout.String())
}

// Exec runs git in dir, inheriting the parent's stdio, and returns an
// error on non-zero exit.
func Exec(dir string, args ...string) error {
	cmd := buildGitCmd(context.Background(), dir, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		return &CommandError{Program: "git", Args: args, Err: err}
	}
	return nil
}

// Capture runs git in dir and returns stdout/stderr/error without the
// Quiet variant's error-swallowing, used internally by components that need
// to distinguish failure from empty output (e.g. diff status codes).
func Capture(dir string, args ...string) (stdout, stderr string, err error) {
	cmd := buildGitCmd(context.Background(), dir, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr != nil {
		return stdout, stderr, &CommandError{Program: "git", Args: args, Stdout: stdout, Stderr: stderr, Err: runErr}
	}
	return stdout, stderr, nil
}

// CaptureContext is Capture with a caller-supplied context bounding the
// child process.
func CaptureContext(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	cmd := buildGitCmd(ctx, dir, args...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	stdout, stderr = outBuf.String(), errBuf.String()
	if runErr != nil {
		return stdout, stderr, &CommandError{Program: "git", Args: args, Stdout: stdout, Stderr: stderr, Err: runErr}
	}
	return stdout, stderr, nil
}

// ExitCode reports the process exit code from a Capture/Exec error, or 0 if
// err is nil. Returns -1 if the code cannot be determined.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *CommandError
	if errors.As(err, &ce) {
		var ee *exec.ExitError
		if errors.As(ce.Err, &ee) {
			return ee.ExitCode()
		}
	}
	return -1
}

func buildGitCmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	base := []string{"-C", dir, "-c", "maintenance.auto=0", "-c", "gc.auto=0"}
	cmd := exec.CommandContext(ctx, "git", append(base, args...)...)
	cmd.Env = childEnv()
	return cmd
}

// GHQuiet runs gh with the same discipline as Quiet: explicit argv, no
// shell, sanitised environment, never throws.
func GHQuiet(dir string, args ...string) string {
	cmd := exec.Command("gh", args...)
	cmd.Dir = dir
	cmd.Env = childEnv()
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	if err := cmd.Run(); err != nil {
		return ""
	}
	return strings.TrimSpace(stdout.String())
}

// GHExec runs gh inheriting stdio and returns an error on non-zero exit.
func GHExec(dir string, args ...string) error {
	cmd := exec.Command("gh", args...)
	cmd.Dir = dir
	cmd.Env = childEnv()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	if err := cmd.Run(); err != nil {
		return &CommandError{Program: "gh", Args: args, Err: err}
	}
	return nil
}
