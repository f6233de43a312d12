// ABOUTME: Configuration loading and parsing for coven-concierge
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete coven-concierge configuration
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Database   DatabaseConfig    `yaml:"database"`
	Redis      RedisConfig       `yaml:"redis"`
	NATS       NATSConfig        `yaml:"nats"`
	Logging    LoggingConfig     `yaml:"logging"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Tracing    TracingConfig     `yaml:"tracing"`
	Engine     EngineConfig      `yaml:"engine"`
	Queue      QueueConfig       `yaml:"queue"`
	Workspaces []WorkspaceConfig `yaml:"workspaces"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig enables the cross-process customer lock.
type RedisConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Addr      string        `yaml:"addr"`
	Password  string        `yaml:"password"`
	DB        int           `yaml:"db"`
	KeyPrefix string        `yaml:"key_prefix"`
	LockTTL   time.Duration `yaml:"-"`

	LockTTLRaw string `yaml:"lock_ttl"`
}

// NATSConfig enables publishing notifier events to NATS.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	ClientName    string `yaml:"client_name"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
}

// TracingConfig holds OpenTelemetry exporter configuration
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// EngineConfig tunes commit retries and inbound de-duplication
type EngineConfig struct {
	CommitMaxAttempts int           `yaml:"commit_max_attempts"`
	CommitBackoff     time.Duration `yaml:"-"`
	CommitMaxBackoff  time.Duration `yaml:"-"`
	DedupeTTL         time.Duration `yaml:"-"`
	DedupeMaxSize     int           `yaml:"dedupe_max_size"`

	CommitBackoffRaw    string `yaml:"commit_backoff"`
	CommitMaxBackoffRaw string `yaml:"commit_max_backoff"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl"`
}

// QueueConfig holds settings shared by every workspace queue
type QueueConfig struct {
	SweepInterval time.Duration `yaml:"-"`

	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// WorkspaceConfig describes one tenant: its flow table and queue policy
type WorkspaceConfig struct {
	ID                  string           `yaml:"id"`
	Flow                string           `yaml:"flow"` // relative paths resolve against the config file
	LeaseDuration       time.Duration    `yaml:"-"`
	MaxLocksPerOperator int              `yaml:"max_locks_per_operator"`
	Escalation          EscalationConfig `yaml:"escalation"`
	RateLimit           RateLimitConfig  `yaml:"rate_limit"`

	LeaseDurationRaw string `yaml:"lease_duration"`
}

// EscalationConfig holds a workspace's escalation thresholds
type EscalationConfig struct {
	Completeness      string        `yaml:"completeness"` // CEL expression over ctx and event.confidence
	Threshold         float64       `yaml:"threshold"`
	MinTurns          int           `yaml:"min_turns"`
	InactivityTimeout time.Duration `yaml:"-"`

	InactivityTimeoutRaw string `yaml:"inactivity_timeout"`
}

// RateLimitConfig limits inbound events per workspace
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultPath returns the config path from CONCIERGE_CONFIG, or the XDG
// default ~/.config/coven/concierge.yaml.
func DefaultPath() string {
	if p := os.Getenv("CONCIERGE_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "concierge.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "coven", "concierge.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()
	cfg.resolveFlowPaths(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "concierge:lock:"
	}
	if c.Redis.LockTTL == 0 {
		c.Redis.LockTTL = 30 * time.Second
	}
	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = "concierge.events"
	}
	if c.NATS.ClientName == "" {
		c.NATS.ClientName = "coven-concierge"
	}
	if c.Engine.DedupeTTL == 0 {
		c.Engine.DedupeTTL = 10 * time.Minute
	}
	if c.Queue.SweepInterval == 0 {
		c.Queue.SweepInterval = 30 * time.Second
	}
	for i := range c.Workspaces {
		w := &c.Workspaces[i]
		if w.LeaseDuration == 0 {
			w.LeaseDuration = 5 * time.Minute
		}
		if w.MaxLocksPerOperator == 0 {
			w.MaxLocksPerOperator = 1
		}
	}
}

func (c *Config) resolveFlowPaths(dir string) {
	for i := range c.Workspaces {
		w := &c.Workspaces[i]
		if w.Flow != "" && !filepath.IsAbs(w.Flow) {
			w.Flow = filepath.Join(dir, w.Flow)
		}
	}
}

// Workspace returns the configuration for one workspace.
func (c *Config) Workspace(id string) (WorkspaceConfig, bool) {
	for _, w := range c.Workspaces {
		if w.ID == id {
			return w, true
		}
	}
	return WorkspaceConfig{}, false
}

// FlowPaths lists every workspace's flow file.
func (c *Config) FlowPaths() []string {
	paths := make([]string, 0, len(c.Workspaces))
	for _, w := range c.Workspaces {
		paths = append(paths, w.Flow)
	}
	return paths
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if len(c.Workspaces) == 0 {
		return fmt.Errorf("at least one workspace is required")
	}
	seen := make(map[string]bool, len(c.Workspaces))
	for i, w := range c.Workspaces {
		if w.ID == "" {
			return fmt.Errorf("workspaces[%d].id is required", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("workspace %q is defined more than once", w.ID)
		}
		seen[w.ID] = true
		if w.Flow == "" {
			return fmt.Errorf("workspace %q: flow is required", w.ID)
		}
		if w.MaxLocksPerOperator < 0 {
			return fmt.Errorf("workspace %q: max_locks_per_operator must not be negative", w.ID)
		}
		if w.Escalation.Completeness != "" && (w.Escalation.Threshold <= 0 || w.Escalation.Threshold > 1) {
			return fmt.Errorf("workspace %q: escalation.threshold must be in (0, 1] when completeness is set", w.ID)
		}
		if w.RateLimit.RequestsPerSecond < 0 || w.RateLimit.Burst < 0 {
			return fmt.Errorf("workspace %q: rate_limit values must not be negative", w.ID)
		}
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"redis.lock_ttl", cfg.Redis.LockTTLRaw, &cfg.Redis.LockTTL},
		{"engine.commit_backoff", cfg.Engine.CommitBackoffRaw, &cfg.Engine.CommitBackoff},
		{"engine.commit_max_backoff", cfg.Engine.CommitMaxBackoffRaw, &cfg.Engine.CommitMaxBackoff},
		{"engine.dedupe_ttl", cfg.Engine.DedupeTTLRaw, &cfg.Engine.DedupeTTL},
		{"queue.sweep_interval", cfg.Queue.SweepIntervalRaw, &cfg.Queue.SweepInterval},
	}
	for i := range cfg.Workspaces {
		w := &cfg.Workspaces[i]
		fields = append(fields,
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{fmt.Sprintf("workspaces[%d].lease_duration", i), w.LeaseDurationRaw, &w.LeaseDuration},
			struct {
				name string
				raw  string
				dst  *time.Duration
			}{fmt.Sprintf("workspaces[%d].escalation.inactivity_timeout", i), w.Escalation.InactivityTimeoutRaw, &w.Escalation.InactivityTimeout},
		)
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}
	return nil
}
