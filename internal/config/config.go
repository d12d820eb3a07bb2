// Package config loads engine configuration from a YAML file with
// environment-variable overrides for deployment values. A .env file is
// honored when present so local runs match container runs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the full battle-engine configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Storage     StorageConfig     `yaml:"storage"`
	Matchmaking MatchmakingConfig `yaml:"matchmaking"`
	Battle      BattleConfig      `yaml:"battle"`
	Executor    ExecutorConfig    `yaml:"executor"`
	Log         LogConfig         `yaml:"log"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port            string  `yaml:"port"`
	RequestTimeout  int     `yaml:"request_timeout_seconds"`
	AgentRatePerSec float64 `yaml:"agent_rate_per_sec"` // per-agent request limit
	AgentRateBurst  int     `yaml:"agent_rate_burst"`
}

// StorageConfig selects the persistence backends. An empty DatabaseURL
// falls back to the in-memory store; an empty RedisURL disables caching.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	CacheTTL    int    `yaml:"cache_ttl_seconds"`
}

// MatchmakingConfig holds the scheduler's policy values. The admission
// threshold, rematch decay, and avoid window are tunables, not protocol
// constants; the defaults mirror production behavior.
type MatchmakingConfig struct {
	TickInterval       int     `yaml:"tick_interval_seconds"`
	MaxConcurrent      int     `yaml:"max_concurrent_battles"`
	AdmissionThreshold float64 `yaml:"admission_threshold"`
	AvoidWindowHours   int     `yaml:"avoid_window_hours"`
}

// BattleConfig controls battle timing and settlement economics.
type BattleConfig struct {
	StartDelay      int    `yaml:"start_delay_seconds"` // pending period before activation
	Duration        int    `yaml:"duration_seconds"`
	Denom           string `yaml:"denom"`
	PlatformFeePct  string `yaml:"platform_fee_pct"`  // decimal string, fraction of combined pool
	LoserRefundPct  string `yaml:"loser_refund_pct"`  // decimal string, fraction of loser pool
	LifecyclePoll   int    `yaml:"lifecycle_poll_seconds"`
}

// ExecutorConfig controls trade submission retry behavior.
type ExecutorConfig struct {
	MaxRetries   int `yaml:"max_retries"`
	RetryBaseMS  int `yaml:"retry_base_ms"`
	WalletBuffer int `yaml:"wallet_buffer"` // pending intents per wallet before rejection
}

// LogConfig controls log level and format.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// Load reads the YAML file at path, then applies .env and environment
// overrides, then fills defaults. A missing file is not an error when
// path is empty: defaults plus environment are enough to boot dev mode.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// TickInterval returns the scheduler interval as a duration.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Matchmaking.TickInterval) * time.Second
}

// AvoidWindow returns the rematch-decay window as a duration.
func (c *Config) AvoidWindow() time.Duration {
	return time.Duration(c.Matchmaking.AvoidWindowHours) * time.Hour
}

// BattleDuration returns the scheduled battle length as a duration.
func (c *Config) BattleDuration() time.Duration {
	return time.Duration(c.Battle.Duration) * time.Second
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MAX_CONCURRENT_BATTLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Matchmaking.MaxConcurrent = n
		}
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 30
	}
	if cfg.Server.AgentRatePerSec == 0 {
		cfg.Server.AgentRatePerSec = 5
	}
	if cfg.Server.AgentRateBurst == 0 {
		cfg.Server.AgentRateBurst = 10
	}
	if cfg.Storage.CacheTTL == 0 {
		cfg.Storage.CacheTTL = 30
	}
	if cfg.Matchmaking.TickInterval == 0 {
		cfg.Matchmaking.TickInterval = 3
	}
	if cfg.Matchmaking.MaxConcurrent == 0 {
		cfg.Matchmaking.MaxConcurrent = 10
	}
	if cfg.Matchmaking.AdmissionThreshold == 0 {
		cfg.Matchmaking.AdmissionThreshold = 0.3
	}
	if cfg.Matchmaking.AvoidWindowHours == 0 {
		cfg.Matchmaking.AvoidWindowHours = 24
	}
	if cfg.Battle.StartDelay == 0 {
		cfg.Battle.StartDelay = 30
	}
	if cfg.Battle.Duration == 0 {
		cfg.Battle.Duration = 300
	}
	if cfg.Battle.Denom == "" {
		cfg.Battle.Denom = "USDC"
	}
	if cfg.Battle.PlatformFeePct == "" {
		cfg.Battle.PlatformFeePct = "0.05"
	}
	if cfg.Battle.LoserRefundPct == "" {
		cfg.Battle.LoserRefundPct = "0.10"
	}
	if cfg.Battle.LifecyclePoll == 0 {
		cfg.Battle.LifecyclePoll = 1
	}
	if cfg.Executor.MaxRetries == 0 {
		cfg.Executor.MaxRetries = 3
	}
	if cfg.Executor.RetryBaseMS == 0 {
		cfg.Executor.RetryBaseMS = 100
	}
	if cfg.Executor.WalletBuffer == 0 {
		cfg.Executor.WalletBuffer = 16
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

func (c *Config) validate() error {
	if c.Matchmaking.AdmissionThreshold < 0 || c.Matchmaking.AdmissionThreshold > 1 {
		return fmt.Errorf("config: admission_threshold %.2f outside [0,1]", c.Matchmaking.AdmissionThreshold)
	}
	if c.Matchmaking.MaxConcurrent < 1 {
		return fmt.Errorf("config: max_concurrent_battles must be positive")
	}
	// Negative values bypass the zero-value defaults and would reach
	// time.NewTicker, which panics on non-positive durations.
	if c.Matchmaking.TickInterval < 1 {
		return fmt.Errorf("config: tick_interval_seconds must be positive")
	}
	if c.Battle.LifecyclePoll < 1 {
		return fmt.Errorf("config: lifecycle_poll_seconds must be positive")
	}
	if c.Battle.Duration < 1 {
		return fmt.Errorf("config: battle duration must be positive")
	}
	return nil
}
