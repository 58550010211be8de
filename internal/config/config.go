// Package config loads the engine configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"errors"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Engine EngineConfig `yaml:"engine"`
}

type ServerConfig struct {
	Port         string        `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

type StoreConfig struct {
	DatabaseURL string        `yaml:"database_url"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// EngineConfig carries the vault's economic parameters. Rates are
// PERCENT_100-scaled (10^12 = 100%); amounts are raw USDT units.
type EngineConfig struct {
	LiquidatorRewardRate     decimal.Decimal `yaml:"liquidator_reward_rate"`
	StopOrderExecutionReward decimal.Decimal `yaml:"stop_order_execution_reward"`
	MaxPnlRate               decimal.Decimal `yaml:"max_pnl_rate"`
	InsuranceFundLimit       decimal.Decimal `yaml:"insurance_fund_limit"`
}

// Load reads the config file at path. An empty path returns defaults
// with environment overrides only.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	return &cfg, validate(&cfg)
}

// applyEnv lets deployment secrets override the file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Store.RedisURL = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 10 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 10 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Store.CacheTTL == 0 {
		cfg.Store.CacheTTL = 30 * time.Second
	}
}

func validate(cfg *Config) error {
	if cfg.Engine.LiquidatorRewardRate.IsNegative() {
		return errors.New("engine.liquidator_reward_rate must not be negative")
	}
	if cfg.Engine.MaxPnlRate.IsNegative() {
		return errors.New("engine.max_pnl_rate must not be negative")
	}
	if cfg.Engine.StopOrderExecutionReward.IsNegative() {
		return errors.New("engine.stop_order_execution_reward must not be negative")
	}
	if cfg.Engine.InsuranceFundLimit.IsNegative() {
		return errors.New("engine.insurance_fund_limit must not be negative")
	}
	return nil
}
