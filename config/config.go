// Package config loads the operator configuration from a YAML file and WALLETCORE_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log              LogConfig            `mapstructure:"log"`
	Chains           []ChainConfig        `mapstructure:"chains"`
	Store            StoreConfig          `mapstructure:"store"`
	Idempotency      IdempotencyConfig    `mapstructure:"idempotency"`
	OrderAPI         OrderAPIConfig       `mapstructure:"order_api"`
	Gas              GasConfig            `mapstructure:"gas"`
	CircuitBreaker   CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	SyncPollInterval time.Duration        `mapstructure:"sync_poll_interval"`
}

type LogConfig struct {
	Env   string `mapstructure:"env"` // "production" or "development"
	Level string `mapstructure:"level"`
}

type ChainConfig struct {
	ChainID        uint64 `mapstructure:"chain_id"`
	RPCURL         string `mapstructure:"rpc_url"`
	PrivateRPCURL  string `mapstructure:"private_rpc_url"`
	PrivateRPCName string `mapstructure:"private_rpc_name"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // memory, sqlite or postgres
	DSN    string `mapstructure:"dsn"`
}

type IdempotencyConfig struct {
	Backend   string        `mapstructure:"backend"` // memory or redis
	RedisAddr string        `mapstructure:"redis_addr"`
	RedisDB   int           `mapstructure:"redis_db"`
	Password  string        `mapstructure:"password"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type OrderAPIConfig struct {
	BaseURL    string        `mapstructure:"base_url"`
	APIKey     string        `mapstructure:"api_key"`
	MaxRetries uint          `mapstructure:"max_retries"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type GasConfig struct {
	CacheTTL           time.Duration `mapstructure:"cache_ttl"`
	LimitBufferPercent float64       `mapstructure:"limit_buffer_percent"`
	ExtraGasLimit      uint64        `mapstructure:"extra_gas_limit"`
	BaseFeeMultiplier  float64       `mapstructure:"base_fee_multiplier"`
}

type CircuitBreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	CoolDown         time.Duration `mapstructure:"cool_down"`
}

// Load reads path (when not empty) and the environment. A missing file is an error only
// when path was given explicitly.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("walletcore")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("WALLETCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.env", "development")
	v.SetDefault("log.level", "info")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("idempotency.backend", "memory")
	v.SetDefault("idempotency.redis_addr", "localhost:6379")
	v.SetDefault("idempotency.redis_db", 0)
	v.SetDefault("idempotency.password", "")
	v.SetDefault("idempotency.ttl", 24*time.Hour)

	v.SetDefault("order_api.base_url", "https://trading-api.gateway.uniswap.org")
	v.SetDefault("order_api.api_key", "")
	v.SetDefault("order_api.max_retries", 3)
	v.SetDefault("order_api.timeout", 10*time.Second)

	v.SetDefault("gas.cache_ttl", 7*time.Second)
	v.SetDefault("gas.limit_buffer_percent", 20)
	v.SetDefault("gas.extra_gas_limit", 0)
	v.SetDefault("gas.base_fee_multiplier", 2)

	v.SetDefault("circuit_breaker.failure_threshold", 5)
	v.SetDefault("circuit_breaker.success_threshold", 2)
	v.SetDefault("circuit_breaker.cool_down", 30*time.Second)

	v.SetDefault("sync_poll_interval", 2*time.Second)
}

// Validate checks the values Load can't default.
func (c *Config) Validate() error {
	var errs []error
	seen := make(map[uint64]bool)
	for i, ch := range c.Chains {
		if ch.ChainID == 0 {
			errs = append(errs, fmt.Errorf("chains[%d]: chain_id is required", i))
		}
		if seen[ch.ChainID] {
			errs = append(errs, fmt.Errorf("chains[%d]: duplicate chain_id %d", i, ch.ChainID))
		}
		seen[ch.ChainID] = true
	}

	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Idempotency.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("unknown idempotency.backend %q", c.Idempotency.Backend))
	}
	if c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Gas.LimitBufferPercent < 0 {
		errs = append(errs, errors.New("gas.limit_buffer_percent must not be negative"))
	}
	return errors.Join(errs...)
}

// Chain returns the configuration of chainID.
func (c *Config) Chain(chainID uint64) (ChainConfig, bool) {
	for _, ch := range c.Chains {
		if ch.ChainID == chainID {
			return ch, true
		}
	}
	return ChainConfig{}, false
}
