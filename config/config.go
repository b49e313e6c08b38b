// Package config loads the daemon configuration: a YAML file with
// environment-variable overrides. Zero-value fields fall back to
// working defaults so a missing file yields a runnable configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the daemon configuration document.
	Config struct {
		// Profile names the active permission profile: a built-in
		// (readonly, standard, unrestricted) or one defined in
		// ProfilesFile.
		Profile string `yaml:"profile"`
		// ProfilesFile points at a YAML document of custom profiles.
		ProfilesFile string `yaml:"profiles_file"`
		// WorkingDir is handed to module providers.
		WorkingDir string `yaml:"working_dir"`
		// StrictTemplates fails actions on unresolvable references.
		StrictTemplates bool `yaml:"strict_templates"`

		State    StateConfig    `yaml:"state"`
		Triggers TriggersConfig `yaml:"triggers"`
		Grants   GrantsConfig   `yaml:"grants"`
		Events   EventsConfig   `yaml:"events"`
		Limits   LimitsConfig   `yaml:"limits"`
		Verifier VerifierConfig `yaml:"verifier"`
	}

	// StateConfig selects the execution state store.
	StateConfig struct {
		// Backend is memory, file, or mongo.
		Backend string `yaml:"backend"`
		// Dir is the state directory for the file backend.
		Dir string `yaml:"dir"`
		// URI and Database configure the mongo backend.
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// TriggersConfig selects the trigger store.
	TriggersConfig struct {
		// Backend is memory or redis.
		Backend string `yaml:"backend"`
		// Addr is the redis address for the redis backend.
		Addr string `yaml:"addr"`
		// QueueTimeout bounds lock waits for queued fires.
		QueueTimeout time.Duration `yaml:"queue_timeout"`
	}

	// GrantsConfig selects the permanent grant store.
	GrantsConfig struct {
		// Backend is memory or redis.
		Backend string `yaml:"backend"`
		Addr    string `yaml:"addr"`
	}

	// EventsConfig configures event sinks.
	EventsConfig struct {
		// File appends every event as one JSON line to this path.
		File string `yaml:"file"`
	}

	// LimitsConfig configures the rate limiter and the per-module
	// concurrency caps.
	LimitsConfig struct {
		CallsPerMinute int            `yaml:"calls_per_minute"`
		PerAction      map[string]int `yaml:"per_action"`
		// ModuleConcurrency caps in-flight actions per module; the
		// default key applies to modules without an entry.
		ModuleConcurrency map[string]int `yaml:"module_concurrency"`
	}

	// VerifierConfig configures the optional intent verifier.
	VerifierConfig struct {
		// Provider is anthropic, openai, or empty to disable.
		Provider string `yaml:"provider"`
		Model    string `yaml:"model"`
		// APIKey is normally supplied via LLMOS_VERIFIER_API_KEY.
		APIKey string `yaml:"api_key"`
		Strict bool   `yaml:"strict"`
		// RequestsPerMinute throttles verifier calls.
		RequestsPerMinute int `yaml:"requests_per_minute"`
		MaxAttempts       int `yaml:"max_attempts"`
	}
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Profile: "standard",
		State:   StateConfig{Backend: "file", Dir: defaultStateDir()},
		Triggers: TriggersConfig{
			Backend:      "memory",
			QueueTimeout: 30 * time.Second,
		},
		Grants: GrantsConfig{Backend: "memory"},
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".llmos/state"
	}
	return home + "/.llmos/state"
}

// Load reads the YAML file at path, applies env overrides, and
// validates. An empty path or missing file yields the defaults with
// overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Environment overrides, checked after the file so deployments can
// patch a shared config.
func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("LLMOS_PROFILE", &cfg.Profile)
	setString("LLMOS_WORKING_DIR", &cfg.WorkingDir)
	setString("LLMOS_STATE_BACKEND", &cfg.State.Backend)
	setString("LLMOS_STATE_DIR", &cfg.State.Dir)
	setString("LLMOS_MONGO_URI", &cfg.State.URI)
	setString("LLMOS_MONGO_DATABASE", &cfg.State.Database)
	setString("LLMOS_TRIGGERS_BACKEND", &cfg.Triggers.Backend)
	setString("LLMOS_REDIS_ADDR", &cfg.Triggers.Addr)
	setString("LLMOS_GRANTS_BACKEND", &cfg.Grants.Backend)
	setString("LLMOS_GRANTS_REDIS_ADDR", &cfg.Grants.Addr)
	setString("LLMOS_EVENTS_FILE", &cfg.Events.File)
	setString("LLMOS_VERIFIER_PROVIDER", &cfg.Verifier.Provider)
	setString("LLMOS_VERIFIER_MODEL", &cfg.Verifier.Model)
	setString("LLMOS_VERIFIER_API_KEY", &cfg.Verifier.APIKey)
	if v := os.Getenv("LLMOS_CALLS_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.CallsPerMinute = n
		}
	}
	if v := os.Getenv("LLMOS_STRICT_TEMPLATES"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.StrictTemplates = b
		}
	}
}

func (cfg Config) validate() error {
	switch cfg.State.Backend {
	case "", "memory", "file":
	case "mongo":
		if cfg.State.URI == "" || cfg.State.Database == "" {
			return fmt.Errorf("state backend mongo needs uri and database")
		}
	default:
		return fmt.Errorf("unknown state backend %q", cfg.State.Backend)
	}
	switch cfg.Triggers.Backend {
	case "", "memory":
	case "redis":
		if cfg.Triggers.Addr == "" {
			return fmt.Errorf("triggers backend redis needs addr")
		}
	default:
		return fmt.Errorf("unknown triggers backend %q", cfg.Triggers.Backend)
	}
	switch cfg.Grants.Backend {
	case "", "memory":
	case "redis":
		if cfg.Grants.Addr == "" {
			return fmt.Errorf("grants backend redis needs addr")
		}
	default:
		return fmt.Errorf("unknown grants backend %q", cfg.Grants.Backend)
	}
	switch cfg.Verifier.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown verifier provider %q", cfg.Verifier.Provider)
	}
	if cfg.Verifier.Provider != "" && cfg.Verifier.Model == "" {
		return fmt.Errorf("verifier provider %q needs a model", cfg.Verifier.Provider)
	}
	return nil
}
