// Package config loads the YAML configuration file and its environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/autotraficgen/proxypool/internal/scoring"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvConfigPath  = "PROXYPOOL_CONFIG"
	EnvDatabaseDSN = "PROXYPOOL_DATABASE_DSN"
	EnvProviderKey = "PROXY_API_KEY"
	EnvJWTSecret   = "PROXYPOOL_JWT_SECRET"
	EnvRedisAddr   = "PROXYPOOL_REDIS_ADDR"
	EnvLogLevel    = "PROXYPOOL_LOG_LEVEL"
	EnvServerAddr  = "PROXYPOOL_SERVER_ADDR"

	DefaultConfigPath = "config.yaml"
)

// AppConfig holds the command-line inputs every command shares.
type AppConfig struct {
	ConfigPath string
}

// Config is the whole application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Log       LogConfig       `yaml:"log"`
	Provider  ProviderConfig  `yaml:"provider"`
	Probe     ProbeConfig     `yaml:"probe"`
	Scoring   ScoringConfig   `yaml:"scoring"`
	Selector  SelectorConfig  `yaml:"selector"`
	Retention RetentionConfig `yaml:"retention"`
	Server    ServerConfig    `yaml:"server"`
	Events    EventsConfig    `yaml:"events"`

	// Path is the file the config was read from; empty when only defaults and env were used.
	Path string `yaml:"-"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type ProviderConfig struct {
	URL         string        `yaml:"url"`
	APIKey      string        `yaml:"api_key"`
	APIKeyParam string        `yaml:"api_key_param"`
	Timeout     time.Duration `yaml:"timeout"`
}

type ProbeConfig struct {
	TargetURL     string        `yaml:"target_url"`
	Timeout       time.Duration `yaml:"timeout"`
	Concurrency   int           `yaml:"concurrency"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	IdleInterval  time.Duration `yaml:"idle_interval"`
	ExitIPPath    string        `yaml:"exit_ip_path"`
}

type ScoringConfig struct {
	Alpha             float64       `yaml:"alpha"`
	Beta              float64       `yaml:"beta"`
	SpeedWeight       float64       `yaml:"speed_weight"`
	ReliabilityWeight float64       `yaml:"reliability_weight"`
	UsageWeight       float64       `yaml:"usage_weight"`
	MaxResponseTime   time.Duration `yaml:"max_response_time"`
	UsageCeiling      float64       `yaml:"usage_ceiling"`
	SampleFloor       float64       `yaml:"sample_floor"`
	SampleAll         bool          `yaml:"sample_all"`
}

type SelectorConfig struct {
	MinScore float64       `yaml:"min_score"`
	LeaseTTL time.Duration `yaml:"lease_ttl"`
	MaxCount int           `yaml:"max_count"`
}

type RetentionConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval"`
	MaxScore    float64       `yaml:"max_score"`
	MinBadCount int64         `yaml:"min_bad_count"`
	MinIdle     time.Duration `yaml:"min_idle"`
	BatchSize   int           `yaml:"batch_size"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

type EventsConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Stream        string `yaml:"stream"`
	MaxLen        int64  `yaml:"max_len"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	policy := scoring.DefaultPolicy()
	return Config{
		Database: DatabaseConfig{DSN: "data/proxypool.db"},
		Log:      LogConfig{Level: "info", Format: "text", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 14},
		Provider: ProviderConfig{
			URL:         "https://api.best-proxies.ru/proxylist.json?limit=0",
			APIKeyParam: "key",
			Timeout:     30 * time.Second,
		},
		Probe: ProbeConfig{
			TargetURL:    "https://httpbin.org/ip",
			Timeout:      5 * time.Second,
			Concurrency:  100,
			IdleInterval: 10 * time.Second,
			ExitIPPath:   "origin",
		},
		Scoring: ScoringConfig{
			Alpha:             policy.Alpha,
			Beta:              policy.Beta,
			SpeedWeight:       policy.SpeedWeight,
			ReliabilityWeight: policy.ReliabilityWeight,
			UsageWeight:       policy.UsageWeight,
			MaxResponseTime:   policy.MaxResponseTime,
			UsageCeiling:      policy.UsageCeiling,
		},
		Selector: SelectorConfig{MinScore: 0.5, LeaseTTL: 10 * time.Minute, MaxCount: 100},
		Retention: RetentionConfig{
			Interval:    6 * time.Hour,
			MaxScore:    0.05,
			MinBadCount: 20,
			MinIdle:     72 * time.Hour,
			BatchSize:   500,
		},
		Server: ServerConfig{Addr: ":8080"},
		Events: EventsConfig{Stream: "proxypool:events", MaxLen: 100000},
	}
}

// ResolveConfigPath picks the flag value, then PROXYPOOL_CONFIG, then config.yaml.
func ResolveConfigPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load reads path over the defaults, applies environment overrides and validates.
// A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, errRead := os.ReadFile(path)
	switch {
	case errRead == nil:
		if errUnmarshal := yaml.Unmarshal(data, &cfg); errUnmarshal != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
		cfg.Path = path
	case errors.Is(errRead, fs.ErrNotExist):
	default:
		return Config{}, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	cfg.applyEnv()
	if errValidate := cfg.Validate(); errValidate != nil {
		return Config{}, errValidate
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&c.Database.DSN, EnvDatabaseDSN)
	override(&c.Provider.APIKey, EnvProviderKey)
	override(&c.Server.JWTSecret, EnvJWTSecret)
	override(&c.Events.RedisAddr, EnvRedisAddr)
	override(&c.Log.Level, EnvLogLevel)
	override(&c.Server.Addr, EnvServerAddr)
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Database.DSN) == "" {
		return errors.New("config: database.dsn is required")
	}
	if c.Database.MaxOpenConns < 0 {
		return errors.New("config: database.max_open_conns must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("config: log.format %q must be text or json", c.Log.Format)
	}
	if raw := strings.TrimSpace(c.Provider.URL); raw != "" {
		if u, err := url.Parse(raw); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("config: provider.url %q must be an http(s) url", raw)
		}
	}
	if u, err := url.Parse(c.Probe.TargetURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: probe.target_url %q must be an http(s) url", c.Probe.TargetURL)
	}
	if c.Probe.Timeout <= 0 {
		return errors.New("config: probe.timeout must be positive")
	}
	if c.Probe.Concurrency <= 0 {
		return errors.New("config: probe.concurrency must be positive")
	}
	if c.Probe.RatePerSecond < 0 {
		return errors.New("config: probe.rate_per_second must not be negative")
	}
	if c.Probe.IdleInterval <= 0 {
		return errors.New("config: probe.idle_interval must be positive")
	}
	if errPolicy := c.Scoring.Policy().Validate(); errPolicy != nil {
		return fmt.Errorf("config: scoring: %w", errPolicy)
	}
	// Zero is the selector's "unset" value, so a configured threshold must be positive.
	if c.Selector.MinScore <= 0 || c.Selector.MinScore >= 1 {
		return errors.New("config: selector.min_score must be in (0,1)")
	}
	if c.Selector.LeaseTTL <= 0 {
		return errors.New("config: selector.lease_ttl must be positive")
	}
	if c.Selector.MaxCount <= 0 {
		return errors.New("config: selector.max_count must be positive")
	}
	if c.Retention.Enabled {
		if c.Retention.Interval <= 0 || c.Retention.MinIdle <= 0 || c.Retention.BatchSize <= 0 {
			return errors.New("config: retention interval, min_idle and batch_size must be positive")
		}
	}
	return nil
}

// Policy converts the scoring section.
func (s ScoringConfig) Policy() scoring.Policy {
	return scoring.Policy{
		Alpha:             s.Alpha,
		Beta:              s.Beta,
		SpeedWeight:       s.SpeedWeight,
		ReliabilityWeight: s.ReliabilityWeight,
		UsageWeight:       s.UsageWeight,
		MaxResponseTime:   s.MaxResponseTime,
		UsageCeiling:      s.UsageCeiling,
		SampleFloor:       s.SampleFloor,
		SampleAll:         s.SampleAll,
	}
}
