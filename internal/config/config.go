package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the cleanup daemon configuration. Values come from an optional
// YAML file, overridden by environment variables, overridden by flags.
type Config struct {
	DatabaseURL    string `yaml:"database_url"`
	RedisURL       string `yaml:"redis_url"`
	RedisKeyPrefix string `yaml:"redis_key_prefix"`

	RetentionDays      int     `yaml:"retention_days"`
	ExtendedMultiplier float64 `yaml:"extended_multiplier"`

	BatchSize    int     `yaml:"batch_size"`
	SleepSeconds float64 `yaml:"sleep_seconds"`

	MaxRetries        int    `yaml:"max_retries"`
	RetryDelaySeconds int    `yaml:"retry_delay_seconds"`
	Backoff           string `yaml:"backoff"`

	DryRun             bool   `yaml:"dry_run"`
	RunIntervalMinutes int    `yaml:"run_interval_minutes"`
	Schedule           string `yaml:"schedule"`
	HealthcheckPort    int    `yaml:"healthcheck_port"`
	Scope              string `yaml:"scope"`
	Strategy           string `yaml:"strategy"`

	ReadTimeoutSeconds   int `yaml:"read_timeout_seconds"`
	DeleteTimeoutSeconds int `yaml:"delete_timeout_seconds"`
	MaxRunMinutes        int `yaml:"max_run_minutes"`

	LastSuccessFile string `yaml:"last_success_file"`
}

// Load reads the optional YAML file at path, applies environment overrides
// and defaults, and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(c *Config) {
	envString("DATABASE_URL", &c.DatabaseURL)
	envString("REDIS_URL", &c.RedisURL)
	envString("REDIS_KEY_PREFIX", &c.RedisKeyPrefix)
	envInt("RETENTION_DAYS", &c.RetentionDays)
	envFloat("EXTENDED_RETENTION_MULTIPLIER", &c.ExtendedMultiplier)
	envInt("BATCH_SIZE", &c.BatchSize)
	envFloat("SLEEP_SECONDS", &c.SleepSeconds)
	envInt("MAX_RETRIES", &c.MaxRetries)
	envInt("RETRY_DELAY", &c.RetryDelaySeconds)
	envString("BACKOFF", &c.Backoff)
	envBool("DRY_RUN", &c.DryRun)
	envInt("RUN_INTERVAL", &c.RunIntervalMinutes)
	envString("SCHEDULE", &c.Schedule)
	envInt("HEALTHCHECK_PORT", &c.HealthcheckPort)
	envString("CLEANUP_SCOPE", &c.Scope)
	envString("PHASE_STRATEGY", &c.Strategy)
	envInt("READ_TIMEOUT", &c.ReadTimeoutSeconds)
	envInt("DELETE_TIMEOUT", &c.DeleteTimeoutSeconds)
	envInt("MAX_RUN_DURATION", &c.MaxRunMinutes)
	envString("LAST_SUCCESS_FILE", &c.LastSuccessFile)
}

func applyDefaults(c *Config) {
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "inngest"
	}
	if c.RetentionDays == 0 {
		c.RetentionDays = 30
	}
	if c.ExtendedMultiplier == 0 {
		c.ExtendedMultiplier = 2.0
	}
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.SleepSeconds == 0 {
		c.SleepSeconds = 1.0
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelaySeconds == 0 {
		c.RetryDelaySeconds = 5
	}
	if c.Backoff == "" {
		c.Backoff = "exponential"
	}
	if c.Scope == "" {
		c.Scope = "all"
	}
	if c.Strategy == "" {
		c.Strategy = "sequential"
	}
	if c.ReadTimeoutSeconds == 0 {
		c.ReadTimeoutSeconds = 30
	}
	if c.DeleteTimeoutSeconds == 0 {
		c.DeleteTimeoutSeconds = 120
	}
}

// Validate checks cross-field constraints. Called by Load; exported for
// callers that assemble a Config by hand.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (DATABASE_URL)")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be at least 1")
	}
	if c.ExtendedMultiplier < 1 {
		return fmt.Errorf("extended_multiplier must be at least 1")
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1")
	}
	switch c.Strategy {
	case "sequential", "interleaved":
	default:
		return fmt.Errorf("strategy must be sequential or interleaved, got %q", c.Strategy)
	}
	switch c.Backoff {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("backoff must be exponential or fixed, got %q", c.Backoff)
	}
	return nil
}

// Retention returns the standard retention period.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// ExtendedRetention returns the longer retention applied to incomplete runs.
func (c *Config) ExtendedRetention() time.Duration {
	return time.Duration(float64(c.Retention()) * c.ExtendedMultiplier)
}

// SleepInterval returns the pause between batch cycles.
func (c *Config) SleepInterval() time.Duration {
	return time.Duration(c.SleepSeconds * float64(time.Second))
}

// RetryDelay returns the base delay between retry attempts.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// ReadTimeout bounds select/check statements.
func (c *Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

// DeleteTimeout bounds delete statements.
func (c *Config) DeleteTimeout() time.Duration {
	return time.Duration(c.DeleteTimeoutSeconds) * time.Second
}

// RunBudget returns the wall-clock budget per run; zero means unlimited.
func (c *Config) RunBudget() time.Duration {
	return time.Duration(c.MaxRunMinutes) * time.Minute
}

func envString(name string, dst *string) {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid value for %s, ignoring: %v\n", name, err)
		return
	}
	*dst = n
}

func envFloat(name string, dst *float64) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: invalid value for %s, ignoring: %v\n", name, err)
		return
	}
	*dst = f
}

func envBool(name string, dst *bool) {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return
	}
	switch strings.ToLower(v) {
	case "true", "t", "yes", "y", "1":
		*dst = true
	case "false", "f", "no", "n", "0":
		*dst = false
	}
}
