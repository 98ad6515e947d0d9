// Package config loads client settings from ~/.jrpc/jrpc.toml, JRPC_*
// environment variables and command-line flags, in increasing priority.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const DefaultHome = "~/.jrpc"
const DefaultConfigFile = "jrpc.toml"
const EnvPrefix = "JRPC"

const (
	FlagHome     = "home"
	FlagEndpoint = "endpoint"
	FlagLogLevel = "log_level"
	FlagTimeout  = "timeout"
)

type Config struct {
	Home             string            `mapstructure:"home"`
	Endpoint         string            `mapstructure:"endpoint"`
	LogLevel         string            `mapstructure:"log_level"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	Nonces           string            `mapstructure:"nonces"`
	Headers          map[string]string `mapstructure:"headers"`
	EnablePrometheus bool              `mapstructure:"enable_prometheus"`
	MetricsAddr      string            `mapstructure:"metrics_addr"`
	Retry            RetryConfig       `mapstructure:"retry"`
	RateLimit        RateLimitConfig   `mapstructure:"rate_limit"`
	Discovery        *DiscoveryConfig  `mapstructure:"discovery"`
	Cache            *CacheConfig      `mapstructure:"cache"`
}

type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// RateLimitConfig is disabled when Rate is zero.
type RateLimitConfig struct {
	Rate  float64 `mapstructure:"rate"`
	Burst int     `mapstructure:"burst"`
}

// DiscoveryConfig replaces Endpoint with endpoints looked up per call.
type DiscoveryConfig struct {
	Service       string        `mapstructure:"service"`
	Registry      string        `mapstructure:"registry"`
	EtcdEndpoints []string      `mapstructure:"etcd_endpoints"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	Static        []string      `mapstructure:"static"`
	Balancer      string        `mapstructure:"balancer"`
}

type CacheConfig struct {
	Redis   RedisConfig   `mapstructure:"redis"`
	TTL     time.Duration `mapstructure:"ttl"`
	Methods []string      `mapstructure:"methods"`
}

type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

func setDefaults() {
	viper.SetDefault(FlagHome, DefaultHome)
	viper.SetDefault(FlagEndpoint, "")
	viper.SetDefault(FlagLogLevel, "info")
	viper.SetDefault(FlagTimeout, 30*time.Second)
	viper.SetDefault("nonces", "counter")
	viper.SetDefault("enable_prometheus", false)
	viper.SetDefault("metrics_addr", ":2112")
	viper.SetDefault("retry.max_retries", 0)
	viper.SetDefault("retry.base_delay", 100*time.Millisecond)
	viper.SetDefault("rate_limit.rate", 0.0)
	viper.SetDefault("rate_limit.burst", 1)

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
}

// ReadConfig reads the config file under the home directory. Without a file
// it fails unless allowDefaults is set, in which case defaults, environment
// and flags still apply.
func ReadConfig(allowDefaults bool) (Config, error) {
	setDefaults()

	var cfg Config
	home, err := homedir.Expand(viper.GetString(FlagHome))
	if err != nil {
		return cfg, errors.Wrap(err, "failed to find home directory")
	}

	cfgFile := path.Join(home, DefaultConfigFile)
	if _, err := os.Stat(cfgFile); os.IsNotExist(err) {
		if !allowDefaults {
			return cfg, errors.Errorf("config file %s not found", cfgFile)
		}
	} else {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			return cfg, errors.Wrapf(err, "failed to read %s", cfgFile)
		}
	}

	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "failed to decode config")
	}
	cfg.Home = home
	return cfg, nil
}

var validBalancers = map[string]bool{
	"":                true,
	"round_robin":     true,
	"weighted_random": true,
	"consistent_hash": true,
}

var validSchemes = map[string]bool{
	"http":       true,
	"https":      true,
	"ws":         true,
	"wss":        true,
	"tcp":        true,
	"tcp+snappy": true,
}

func ValidateConfig(cfg *Config) error {
	if cfg.Endpoint == "" && cfg.Discovery == nil {
		return validationError("must define an endpoint or a discovery section")
	}
	if cfg.Endpoint != "" && cfg.Discovery != nil {
		return validationError("endpoint and discovery are mutually exclusive")
	}
	if cfg.Endpoint != "" {
		if err := validateURL(cfg.Endpoint); err != nil {
			return err
		}
	}

	if d := cfg.Discovery; d != nil {
		if d.Service == "" {
			return validationError("discovery service name must be defined")
		}
		if !validBalancers[d.Balancer] {
			return validationError(fmt.Sprintf("unknown balancer: %s", d.Balancer))
		}
		switch d.Registry {
		case "etcd":
			if len(d.EtcdEndpoints) == 0 {
				return validationError("etcd registry needs etcd_endpoints")
			}
		case "", "static":
			if len(d.Static) == 0 {
				return validationError("static registry needs at least one endpoint")
			}
			for _, addr := range d.Static {
				if err := validateURL(addr); err != nil {
					return err
				}
			}
		default:
			return validationError(fmt.Sprintf("unknown registry: %s", d.Registry))
		}
	}

	switch cfg.Nonces {
	case "", "counter", "uuid":
	default:
		return validationError(fmt.Sprintf("unknown nonce source: %s", cfg.Nonces))
	}
	if cfg.Timeout < 0 {
		return validationError("timeout must not be negative")
	}
	if cfg.Retry.MaxRetries < 0 {
		return validationError("retry.max_retries must not be negative")
	}
	if cfg.RateLimit.Rate < 0 || (cfg.RateLimit.Rate > 0 && cfg.RateLimit.Burst < 1) {
		return validationError("rate_limit needs a positive rate and burst")
	}
	if cfg.Cache != nil {
		if cfg.Cache.Redis.URL == "" {
			return validationError("cache.redis.url must be defined")
		}
		if len(cfg.Cache.Methods) == 0 {
			return validationError("cache.methods must list at least one method")
		}
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return validationError(fmt.Sprintf("invalid url: %s", raw))
	}
	if !validSchemes[u.Scheme] {
		return validationError(fmt.Sprintf("unsupported scheme: %s", raw))
	}
	return nil
}

func validationError(msg string) error {
	return errors.New(fmt.Sprintf("invalid config: %s", msg))
}
