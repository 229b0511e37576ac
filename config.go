package uploadgate

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// IdentityMode selects how requests are mapped to ledger identities.
type IdentityMode string

const (
	// IdentityGlobal shares one quota between all callers.
	IdentityGlobal IdentityMode = "global"
	// IdentityIP keys the quota by client address.
	IdentityIP IdentityMode = "ip"
	// IdentityAPIKey keys the quota by a hash of the caller's API key.
	IdentityAPIKey IdentityMode = "api_key"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config defaults.
const (
	DefaultListenAddr     = ":5000"
	DefaultMaxUploadBytes = 100 << 20
	DefaultMetricsPath    = "/metrics"

	// MaxCooldownSeconds is the largest cooldown a time.Duration can hold.
	MaxCooldownSeconds = int64(1<<63-1) / int64(time.Second)
)

// Config is the top-level service configuration.
type Config struct {
	ListenAddr        string         `yaml:"listen_addr"`
	Timezone          string         `yaml:"timezone"`
	MaxDailyTokens    *int64         `yaml:"max_daily_tokens"`
	CooldownSeconds   *int64         `yaml:"cooldown_seconds"`
	Identity          IdentityMode   `yaml:"identity"`
	TrustProxyHeaders bool           `yaml:"trust_proxy_headers"`
	MaxUploadBytes    int64          `yaml:"max_upload_bytes"`
	AdminToken        string         `yaml:"admin_token"`
	SettingsPath      string         `yaml:"settings_path"`
	Storage           StorageConfig  `yaml:"storage"`
	Executor          ExecutorConfig `yaml:"executor"`
	Relay             RelayConfig    `yaml:"relay"`
	Metrics           MetricsConfig  `yaml:"metrics"`
}

// StorageConfig selects and configures the ledger/tracker backend.
type StorageConfig struct {
	Backend  string         `yaml:"backend"`
	Redis    RedisConfig    `yaml:"redis"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// PostgresConfig configures the postgres backend.
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`
}

// ExecutorConfig configures the upload executor.
type ExecutorConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RelayConfig configures the WebSocket relay.
type RelayConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("uploadgate: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig expands environment variables in data, parses it, applies
// defaults and validates the result.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("uploadgate: parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	var cfg Config
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.MaxDailyTokens == nil {
		n := DefaultMaxDailyTokens
		c.MaxDailyTokens = &n
	}
	if c.CooldownSeconds == nil {
		n := int64(DefaultCooldown / time.Second)
		c.CooldownSeconds = &n
	}
	if c.Identity == "" {
		c.Identity = IdentityIP
	}
	if c.MaxUploadBytes == 0 {
		c.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendMemory
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if c.MaxDailyTokens != nil && *c.MaxDailyTokens < 0 {
		return fmt.Errorf("uploadgate: config: max_daily_tokens must be >= 0, got %d", *c.MaxDailyTokens)
	}
	if c.CooldownSeconds != nil && (*c.CooldownSeconds < 0 || *c.CooldownSeconds > MaxCooldownSeconds) {
		return fmt.Errorf("uploadgate: config: cooldown_seconds must be in [0, %d], got %d", MaxCooldownSeconds, *c.CooldownSeconds)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("uploadgate: config: invalid timezone %q: %w", c.Timezone, err)
	}
	if !slices.Contains([]IdentityMode{IdentityGlobal, IdentityIP, IdentityAPIKey}, c.Identity) {
		return fmt.Errorf("uploadgate: config: invalid identity %q", c.Identity)
	}
	if c.MaxUploadBytes < 0 {
		return fmt.Errorf("uploadgate: config: max_upload_bytes must be >= 0, got %d", c.MaxUploadBytes)
	}
	if c.Executor.TimeoutSeconds < 0 {
		return fmt.Errorf("uploadgate: config: executor.timeout_seconds must be >= 0, got %d", c.Executor.TimeoutSeconds)
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("uploadgate: config: storage.redis.addr is required")
		}
	case BackendPostgres:
		if c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("uploadgate: config: storage.postgres.dsn is required")
		}
	default:
		return fmt.Errorf("uploadgate: config: invalid storage.backend %q", c.Storage.Backend)
	}

	return nil
}

// Policy builds the admission policy described by the config.
func (c Config) Policy() (Policy, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return Policy{}, fmt.Errorf("uploadgate: config: invalid timezone %q: %w", c.Timezone, err)
	}
	p := DefaultPolicy()
	p.Location = loc
	if c.MaxDailyTokens != nil {
		p.MaxDailyTokens = *c.MaxDailyTokens
	}
	if c.CooldownSeconds != nil {
		p.Cooldown = time.Duration(*c.CooldownSeconds) * time.Second
	}
	return p, p.Validate()
}
