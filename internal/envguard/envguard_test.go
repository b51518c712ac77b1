package envguard

import (
	"strings"
	"testing"
)

func hasName(env []string, name string) bool {
	for _, e := range env {
		n, _, _ := strings.Cut(e, "=")
		if n == name {
			return true
		}
	}
	return false
}

func TestBlacklistDropsProviderKeys(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "secret")
	t.Setenv("PATH", "/usr/bin")
	env := Build(Config{Mode: ModeBlacklist})
	if hasName(env, "OPENAI_API_KEY") {
		t.Fatalf("expected OPENAI_API_KEY to be stripped")
	}
	if !hasName(env, "PATH") {
		t.Fatalf("expected PATH to survive blacklist mode")
	}
}

func TestAllowlistEnforceDefaultDeny(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "secret")
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("SOME_RANDOM_VAR", "x")
	var dropped []string
	env := Build(Config{Mode: ModeAllowlistEnforce, Warn: func(names []string) { dropped = names }})
	if hasName(env, "OPENAI_API_KEY") || hasName(env, "SOME_RANDOM_VAR") {
		t.Fatalf("expected non-allowlisted vars dropped")
	}
	if !hasName(env, "PATH") {
		t.Fatalf("expected PATH allowed")
	}
	if !containsName(dropped, "SOME_RANDOM_VAR") {
		t.Fatalf("expected dropped names reported, got %v", dropped)
	}
}

func TestAllowlistExtraNames(t *testing.T) {
	t.Setenv("MY_CUSTOM_TOOL_FLAG", "1")
	env := Build(Config{Mode: ModeAllowlistEnforce, ExtraNames: []string{"MY_CUSTOM_TOOL_FLAG"}})
	if !hasName(env, "MY_CUSTOM_TOOL_FLAG") {
		t.Fatalf("expected extra name to be forwarded")
	}
}

func TestWarnModeForwardsFullEnvironment(t *testing.T) {
	t.Setenv("SOME_RANDOM_VAR", "x")
	var dropped []string
	env := Build(Config{Mode: ModeAllowlistWarn, Warn: func(names []string) { dropped = names }})
	if !hasName(env, "SOME_RANDOM_VAR") {
		t.Fatalf("warn mode must not actually drop anything")
	}
	if !containsName(dropped, "SOME_RANDOM_VAR") {
		t.Fatalf("expected would-drop name logged, got %v", dropped)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CRUCIBLE_PARANOID_ENV", "1")
	t.Setenv("CRUCIBLE_EXTRA_ENV", "FOO,BAR")
	cfg := ConfigFromEnv()
	if cfg.Mode != ModeAllowlistEnforce {
		t.Fatalf("expected enforce mode, got %v", cfg.Mode)
	}
	if len(cfg.ExtraNames) != 2 || cfg.ExtraNames[0] != "FOO" || cfg.ExtraNames[1] != "BAR" {
		t.Fatalf("unexpected extra names: %v", cfg.ExtraNames)
	}
	if cfg.Warn == nil {
		t.Fatalf("expected a default Warn reporter")
	}
}

func containsName(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}
