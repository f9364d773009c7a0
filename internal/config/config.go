package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ChainConfig describes one supported chain.
type ChainConfig struct {
	ChainID         uint64 `mapstructure:"chain-id"`
	RPC             string `mapstructure:"rpc"`
	PositionManager string `mapstructure:"position-manager"`
	Factory         string `mapstructure:"factory"`
	DeploymentBlock uint64 `mapstructure:"deployment-block"`
	// Finality defaults to true; set it to false for chains without a finalized block tag.
	Finality *bool `mapstructure:"finality"`
}

// HasFinality reports whether the chain exposes a finalized block.
func (c ChainConfig) HasFinality() bool {
	return c.Finality == nil || *c.Finality
}

// Config holds configuration values loaded from flags, env, or config file.
type Config struct {
	PostgresDSN  string
	RedisAddr    string
	RedisChannel string
	LogLevel     string
	MetricsAddr  string

	Workers          int
	CacheTTL         time.Duration
	NewPositionGrace time.Duration

	MaxRetries         int
	RetryBackoff       time.Duration
	BatchSize          uint64
	ArchiveCheckpoints bool

	Chains []ChainConfig
}

// Load merges config file, environment variables, and flags into Config.
func Load(cfgFile string, flags *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("redis-channel", "ledger:apr.refresh")
	v.SetDefault("log-level", "info")
	v.SetDefault("workers", 4)
	v.SetDefault("cache-ttl", 15*time.Second)
	v.SetDefault("new-position-grace", 5*time.Second)
	v.SetDefault("max-retries", 5)
	v.SetDefault("retry-backoff", 500*time.Millisecond)
	v.SetDefault("batch-size", uint64(2000))
	v.SetDefault("archive-checkpoints", false)

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return Config{}, fmt.Errorf("bind flags: %w", err)
		}
	}

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var chains []ChainConfig
	if err := v.UnmarshalKey("chains", &chains); err != nil {
		return Config{}, fmt.Errorf("decode chains: %w", err)
	}

	cfg := Config{
		PostgresDSN:        v.GetString("pg-dsn"),
		RedisAddr:          v.GetString("redis-addr"),
		RedisChannel:       v.GetString("redis-channel"),
		LogLevel:           v.GetString("log-level"),
		MetricsAddr:        v.GetString("metrics-addr"),
		Workers:            v.GetInt("workers"),
		CacheTTL:           v.GetDuration("cache-ttl"),
		NewPositionGrace:   v.GetDuration("new-position-grace"),
		MaxRetries:         v.GetInt("max-retries"),
		RetryBackoff:       v.GetDuration("retry-backoff"),
		BatchSize:          v.GetUint64("batch-size"),
		ArchiveCheckpoints: v.GetBool("archive-checkpoints"),
		Chains:             chains,
	}

	return cfg, nil
}

// Validate checks the settings every chain-facing command needs.
func (c Config) Validate() error {
	if c.PostgresDSN == "" {
		return errors.New("pg-dsn is required")
	}
	if len(c.Chains) == 0 {
		return errors.New("at least one chain is required")
	}
	seen := make(map[uint64]struct{}, len(c.Chains))
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			return fmt.Errorf("chains[%d]: chain-id is required", i)
		}
		if _, dup := seen[ch.ChainID]; dup {
			return fmt.Errorf("chains[%d]: duplicate chain-id %d", i, ch.ChainID)
		}
		seen[ch.ChainID] = struct{}{}
		if ch.RPC == "" {
			return fmt.Errorf("chain %d: rpc is required", ch.ChainID)
		}
		if ch.PositionManager == "" {
			return fmt.Errorf("chain %d: position-manager is required", ch.ChainID)
		}
		if ch.Factory == "" {
			return fmt.Errorf("chain %d: factory is required", ch.ChainID)
		}
	}
	if c.BatchSize == 0 {
		return errors.New("batch-size must be positive")
	}
	return nil
}
