// Package envguard builds the environment handed to child processes spawned
// by the Git Runner, Test Runner and Tool Dispatcher: provider credentials
// are stripped in the default blacklist mode, and paranoid mode flips to a
// default-deny allowlist with an audit-only warn variant.
package envguard

import (
	"fmt"
	"os"
	"strings"
)

// Mode selects how the child environment is constructed.
type Mode string

const (
	// ModeBlacklist clones the environment and drops known provider-credential
	// names. This is the default.
	ModeBlacklist Mode = "blacklist"
	// ModeAllowlistWarn forwards the full environment untouched but logs
	// which names an enforcing pass would have dropped, for auditing before
	// flipping to enforce.
	ModeAllowlistWarn Mode = "warn"
	// ModeAllowlistEnforce is default-deny: only names on the allowlist (exact
	// or prefix match) are forwarded.
	ModeAllowlistEnforce Mode = "enforce"
)

// Config is the explicit, process-wide configuration for environment
// sanitisation; the mode is resolved once, not re-read per call.
type Config struct {
	Mode Mode
	// ExtraNames opts additional exact-match variable names into the
	// allowlist (CRUCIBLE_EXTRA_ENV).
	ExtraNames []string
	// Warn receives the names (never values) of variables a call dropped or
	// would have dropped. May be nil.
	Warn func(names []string)
}

// ConfigFromEnv reads CRUCIBLE_PARANOID_ENV and CRUCIBLE_EXTRA_ENV once into
// a Config. Dropped (or would-drop) names are reported on stderr.
func ConfigFromEnv() Config {
	cfg := Config{Mode: ModeBlacklist, Warn: WarnToStderr}
	switch strings.TrimSpace(os.Getenv("CRUCIBLE_PARANOID_ENV")) {
	case "1":
		cfg.Mode = ModeAllowlistEnforce
	case "warn":
		cfg.Mode = ModeAllowlistWarn
	}
	if extra := strings.TrimSpace(os.Getenv("CRUCIBLE_EXTRA_ENV")); extra != "" {
		for _, name := range strings.Split(extra, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				cfg.ExtraNames = append(cfg.ExtraNames, name)
			}
		}
	}
	return cfg
}

// blacklistNames are provider-credential variables stripped in ModeBlacklist.
var blacklistNames = []string{
	"OPENAI_API_KEY",
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_AUTH_TOKEN",
	"GOOGLE_API_KEY",
	"GEMINI_API_KEY",
	"COHERE_API_KEY",
	"MISTRAL_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"CRUCIBLE_SILENCE_KEY_WARN",
	"CLAUDECODE",
}

// allowlistExact are names forwarded verbatim in ModeAllowlistEnforce.
var allowlistExact = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM",
	"LANG", "LC_ALL", "LANGUAGE",
	"HTTP_PROXY", "HTTPS_PROXY", "NO_PROXY", "http_proxy", "https_proxy", "no_proxy",
	"SSH_AUTH_SOCK", "GPG_AGENT_INFO",
	"GITHUB_TOKEN", "GH_TOKEN",
	"TMPDIR", "TZ",
}

// allowlistPrefixes are name prefixes forwarded in ModeAllowlistEnforce.
var allowlistPrefixes = []string{"LC_", "GIT_", "SSH_", "GPG_", "CRUCIBLE_"}

// Build constructs a child-process environment ([]string of "K=V" entries)
// from the current process environment according to cfg.
func Build(cfg Config) []string {
	base := os.Environ()
	switch cfg.Mode {
	case ModeAllowlistEnforce:
		allowed, dropped := filterAllowlist(base, cfg.ExtraNames)
		if cfg.Warn != nil && len(dropped) > 0 {
			cfg.Warn(dropped)
		}
		return allowed
	case ModeAllowlistWarn:
		// Audit only: log what enforce mode would drop, forward everything.
		_, dropped := filterAllowlist(base, cfg.ExtraNames)
		if cfg.Warn != nil && len(dropped) > 0 {
			cfg.Warn(dropped)
		}
		return base
	default:
		return stripBlacklist(base)
	}
}

func stripBlacklist(env []string) []string {
	drop := make(map[string]bool, len(blacklistNames))
	for _, n := range blacklistNames {
		drop[n] = true
	}
	out := make([]string, 0, len(env))
	for _, entry := range env {
		name, _, _ := strings.Cut(entry, "=")
		if drop[name] {
			continue
		}
		out = append(out, entry)
	}
	return out
}

func filterAllowlist(env []string, extra []string) (allowed []string, droppedNames []string) {
	exact := make(map[string]bool, len(allowlistExact)+len(extra))
	for _, n := range allowlistExact {
		exact[n] = true
	}
	for _, n := range extra {
		exact[n] = true
	}
	for _, entry := range env {
		name, _, _ := strings.Cut(entry, "=")
		if exact[name] || hasAnyPrefix(name, allowlistPrefixes) {
			allowed = append(allowed, entry)
			continue
		}
		droppedNames = append(droppedNames, name)
	}
	return allowed, droppedNames
}

func hasAnyPrefix(name string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// WarnToStderr is a Config.Warn implementation reporting dropped variable
// names (never values) on stderr.
func WarnToStderr(names []string) {
	fmt.Fprintf(os.Stderr, "envguard: dropped variables: %s\n", strings.Join(names, ", "))
}
