package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr       string               `toml:"addr"`
	DBPath     string               `toml:"db_path"`
	ExportRoot string               `toml:"export_root"`
	Engine     EngineRuntimeConfig  `toml:"engine"`
	Agents     map[string]AgentSeed `toml:"agents"`
	Raw        map[string]any       `toml:"-"`
	Path       string               `toml:"-"`
}

type EngineRuntimeConfig struct {
	AttemptTimeoutMS  int     `toml:"attempt_timeout_ms"`
	RetryBackoffMS    int     `toml:"retry_backoff_ms"`
	MaxRetries        int     `toml:"max_retries"`
	MaxConcurrent     int     `toml:"max_concurrent"`
	PoolCapacity      int     `toml:"pool_capacity"`
	DebateRounds      int     `toml:"debate_rounds"`
	DebateThreshold   float64 `toml:"debate_threshold"`
	SwarmMaxRounds    int     `toml:"swarm_max_rounds"`
	SwarmDecayRate    float64 `toml:"swarm_decay_rate"`
	SwarmEpsilon      float64 `toml:"swarm_epsilon"`
	RetentionHours    int     `toml:"retention_hours"`
	JanitorIntervalMS int     `toml:"janitor_interval_ms"`
}

// AgentSeed declares one agent registered at startup. Kind is "simulated"
// (default) or "remote"; the remaining fields apply to whichever kind the
// seed names.
type AgentSeed struct {
	Kind       string   `toml:"kind"`
	Expertise  []string `toml:"expertise"`
	Behavior   string   `toml:"behavior"`
	Choices    []string `toml:"choices"`
	Confidence float64  `toml:"confidence"`
	LatencyMS  int      `toml:"latency_ms"`
	FailEvery  int      `toml:"fail_every"`
	Endpoint   string   `toml:"endpoint"`
	AuthToken  string   `toml:"auth_token"`
	TimeoutMS  int      `toml:"timeout_ms"`
	Retries    int      `toml:"retries"`
}

func Load(path string) (Config, error) {
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	var cfg Config
	if _, err := toml.Decode(string(bytes), &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config file: %w", err)
	}
	var raw map[string]any
	if _, err := toml.Decode(string(bytes), &raw); err != nil {
		return Config{}, fmt.Errorf("decode raw config: %w", err)
	}
	cfg.Raw = raw
	cfg.Path = resolved
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent_ensemble/config.toml"
	}
	return filepath.Join(home, ".agent_ensemble", "config.toml")
}
