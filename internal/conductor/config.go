// Package conductor implements the repair loop state machine:
// WORKTREE_CREATE, then per-iteration ITERATION_RESET -> GENERATE_OPS ->
// APPLY_OPS (through the anchor-recovery ladder) -> RUN_TESTS -> EVALUATE,
// bailing or passing, then CLEANUP on every exit path.
package conductor

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kodevadam/crucible/internal/tooldispatch"
)

// Config is the YAML-loaded run configuration for one repair loop,
// unmarshalled straight off disk. The only environment inputs are the
// CRUCIBLE_PARANOID_ENV/CRUCIBLE_EXTRA_ENV pair envguard.ConfigFromEnv owns.
type Config struct {
	RepoPath      string                  `yaml:"repo_path"`
	Model         string                  `yaml:"model"`
	Provider      string                  `yaml:"provider"`
	MaxIterations int                     `yaml:"max_iterations"`
	Commands      tooldispatch.CommandSet `yaml:"commands"`
}

const defaultMaxIterations = 3

// LoadConfig reads and validates a crucible.yaml file.
func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("conductor: read config %q: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("conductor: parse config %q: %w", path, err)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = defaultMaxIterations
	}
	if cfg.RepoPath == "" {
		return Config{}, fmt.Errorf("conductor: config %q missing repo_path", path)
	}
	return cfg, nil
}
