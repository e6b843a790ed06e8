// Package config provides the top-level forge.Config: a YAML-loadable
// struct with one section per core component, grounded on the pack's
// config.LoadFromFile/SaveToFile pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete forge engine configuration.
type Config struct {
	Router    RouterConfig    `yaml:"router"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Artifact  ArtifactConfig  `yaml:"artifact"`
	Bus       BusConfig       `yaml:"bus"`
	Store     StoreConfig     `yaml:"store"`
}

// RouterConfig configures the credential router's retry/backoff/
// conversation-retention policy and the credentials it routes across.
type RouterConfig struct {
	MaxRetries            int                `yaml:"max_retries"`
	BaseBackoff           time.Duration      `yaml:"base_backoff"`
	DefaultCooldown       time.Duration      `yaml:"default_cooldown"`
	ConversationRetention int                `yaml:"conversation_retention"`
	Credentials           []CredentialConfig `yaml:"credentials"`
}

// CredentialConfig describes one routable API key. The secret value itself
// is never stored here: it is resolved at startup through a secret.Source
// keyed by KeyID, keeping config files safe to check in.
type CredentialConfig struct {
	KeyID       string `yaml:"key_id"`
	ProviderTag string `yaml:"provider_tag"`
	ModelTag    string `yaml:"model_tag"`
	WorkloadTag string `yaml:"workload_tag"`
	RPMLimit    int    `yaml:"rpm_limit"`
	TPMLimit    int    `yaml:"tpm_limit"`
	DailyLimit  int    `yaml:"daily_limit"`
	Active      bool   `yaml:"active"`
}

// SchedulerConfig configures workflow dispatch.
type SchedulerConfig struct {
	WorkerPoolSize int           `yaml:"worker_pool_size"`
	MaxBranchDepth int           `yaml:"max_branch_depth"`
	ResultTimeout  time.Duration `yaml:"result_timeout"`
	BaseBackoff    time.Duration `yaml:"base_backoff"`
}

// SandboxConfig configures the isolated-execution runner. Image/Command
// select a container.ContainerRunner; a zero Image means the caller wires
// its own sandbox.Runner (e.g. a fake, in tests).
type SandboxConfig struct {
	Image       string        `yaml:"image"`
	Command     []string      `yaml:"command"`
	MemoryBytes int64         `yaml:"memory_bytes"`
	NanoCPUs    int64         `yaml:"nano_cpus"`
	User        string        `yaml:"user"`
	Timeout     time.Duration `yaml:"timeout"`
}

// ArtifactConfig configures the versioned output store.
type ArtifactConfig struct {
	Push bool `yaml:"push"`
}

// StoreConfig selects and configures the scheduler's workflow state store.
type StoreConfig struct {
	// Transport is "memory" (default) or "mongo".
	Transport        string        `yaml:"transport"`
	MongoURI         string        `yaml:"mongo_uri"`
	MongoDatabase    string        `yaml:"mongo_database"`
	MongoCollection  string        `yaml:"mongo_collection"`
	MongoConnTimeout time.Duration `yaml:"mongo_conn_timeout"`
}

// BusConfig selects and configures the event bus transport.
type BusConfig struct {
	// Transport is "memory" (default) or "redis".
	Transport      string `yaml:"transport"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`
}

// DefaultConfig returns a Config with the same defaults each component's
// own New/Options zero-value handling already applies, made explicit here
// so a generated/saved config file is self-documenting.
func DefaultConfig() *Config {
	return &Config{
		Router: RouterConfig{
			MaxRetries:            3,
			BaseBackoff:           200 * time.Millisecond,
			DefaultCooldown:       30 * time.Second,
			ConversationRetention: 50,
		},
		Scheduler: SchedulerConfig{
			WorkerPoolSize: 4,
			MaxBranchDepth: 2,
			ResultTimeout:  5 * time.Minute,
			BaseBackoff:    500 * time.Millisecond,
		},
		Sandbox: SandboxConfig{
			MemoryBytes: 1 << 30,
			NanoCPUs:    500_000_000,
			User:        "1000:1000",
			Timeout:     30 * time.Second,
		},
		Bus: BusConfig{
			Transport:      "memory",
			RedisKeyPrefix: "forge:bus:",
		},
		Store: StoreConfig{
			Transport:        "memory",
			MongoDatabase:    "forge",
			MongoCollection:  "workflows",
			MongoConnTimeout: 5 * time.Second,
		},
	}
}

// Validate checks the configuration for values the wiring layer cannot
// recover from.
func (c *Config) Validate() error {
	if c.Scheduler.WorkerPoolSize <= 0 {
		return fmt.Errorf("scheduler.worker_pool_size must be positive")
	}
	if c.Scheduler.MaxBranchDepth < 0 {
		return fmt.Errorf("scheduler.max_branch_depth must not be negative")
	}
	switch c.Bus.Transport {
	case "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("bus.redis_addr is required when bus.transport=redis")
		}
	default:
		return fmt.Errorf("bus.transport must be %q or %q, got %q", "memory", "redis", c.Bus.Transport)
	}
	switch c.Store.Transport {
	case "memory":
	case "mongo":
		if c.Store.MongoURI == "" {
			return fmt.Errorf("store.mongo_uri is required when store.transport=mongo")
		}
	default:
		return fmt.Errorf("store.transport must be %q or %q, got %q", "memory", "mongo", c.Store.Transport)
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file, starting from
// DefaultConfig so an omitted section keeps its default.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes the configuration to path as YAML, creating parent
// directories as needed.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("config: create directory: %w", err)
		}
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write file: %w", err)
	}
	return nil
}
