// Package config loads and validates feedpipe configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/feedpipe/internal/credential"
	"github.com/JakeFAU/feedpipe/internal/detector"
	"github.com/JakeFAU/feedpipe/internal/extract"
	"github.com/JakeFAU/feedpipe/internal/fetcher/direct"
	"github.com/JakeFAU/feedpipe/internal/fetcher/headless"
	"github.com/JakeFAU/feedpipe/internal/fetcher/render"
	"github.com/JakeFAU/feedpipe/internal/logging"
	"github.com/JakeFAU/feedpipe/internal/pipeline"
	"github.com/JakeFAU/feedpipe/internal/policy/hosts"
	"github.com/JakeFAU/feedpipe/internal/policy/ratelimit"
	"github.com/JakeFAU/feedpipe/internal/telemetry"
)

// EnvPrefix prefixes every environment override, e.g. FEEDPIPE_SERVER_PORT.
const EnvPrefix = "FEEDPIPE"

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config captures all service configuration knobs loaded via Viper. It is
// built once at startup and treated as read-only afterwards.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Logging     logging.Config    `mapstructure:"logging"`
	Tracing     telemetry.Config  `mapstructure:"tracing"`
	Credentials credential.Config `mapstructure:"credentials"`
	Direct      DirectConfig      `mapstructure:"direct"`
	Browser     headless.Config   `mapstructure:"browser"`
	Render      render.Config     `mapstructure:"render"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Detector    detector.Config   `mapstructure:"detector"`
	Extract     extract.Config    `mapstructure:"extract"`
	Hosts       hosts.Config      `mapstructure:"hosts"`
	Batch       BatchConfig       `mapstructure:"batch"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DirectConfig configures the plain HTTP tier and its per-domain limiter.
type DirectConfig struct {
	direct.Config `mapstructure:",squash"`
	RateLimit     ratelimit.Config `mapstructure:"rate_limit"`
}

// CacheConfig selects and tunes the dedup cache backend.
type CacheConfig struct {
	Backend       string        `mapstructure:"backend"`
	TTL           time.Duration `mapstructure:"ttl"`
	NegativeTTL   time.Duration `mapstructure:"negative_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RedisURL      string        `mapstructure:"redis_url"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
}

// BatchConfig holds route-level batch policy.
type BatchConfig struct {
	ItemLimit             int  `mapstructure:"item_limit"`
	MetadataOnlyIsFailure bool `mapstructure:"metadata_only_is_failure"`
	// Browser and Render are the tier permissions used when a request does not set them.
	Browser bool `mapstructure:"browser"`
	Render  bool `mapstructure:"render"`
	// ContentSelector is the default marker for the browser wait and the render proxy.
	ContentSelector string `mapstructure:"content_selector"`
	// TierTimeout bounds each tier attempt; zero uses the pipeline default.
	TierTimeout time.Duration `mapstructure:"tier_timeout"`
}

// Load builds a Config from defaults, an optional file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout", "90s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "feedpipe")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("credentials.environment", "")
	v.SetDefault("credentials.layered", false)
	v.SetDefault("credentials.preview_len", 6)
	v.SetDefault("direct.user_agent", direct.DefaultUserAgent)
	v.SetDefault("direct.timeout", "15s")
	v.SetDefault("direct.cloudflare_bypass", false)
	v.SetDefault("direct.respect_robots", false)
	v.SetDefault("direct.rate_limit.rps", 2.0)
	v.SetDefault("direct.rate_limit.burst", 2)
	v.SetDefault("browser.enabled", false)
	v.SetDefault("browser.max_parallel", 1)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.wait_timeout", "10s")
	v.SetDefault("browser.marker_selector", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("render.endpoint", "")
	v.SetDefault("render.timeout", "60s")
	v.SetDefault("render.selector", "body")
	v.SetDefault("render.token", "")
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("cache.negative_ttl", "30s")
	v.SetDefault("cache.sweep_interval", "1m")
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.redis_prefix", "feedpipe:dedup:")
	v.SetDefault("detector.signatures", detector.DefaultSignatures)
	v.SetDefault("detector.phrases", detector.DefaultPhrases)
	v.SetDefault("detector.blocked_statuses", detector.DefaultBlockedStatuses)
	v.SetDefault("detector.shell_threshold", detector.DefaultShellThreshold)
	v.SetDefault("batch.item_limit", 20)
	v.SetDefault("batch.metadata_only_is_failure", false)
	v.SetDefault("batch.browser", false)
	v.SetDefault("batch.render", false)
	v.SetDefault("batch.content_selector", "")
	v.SetDefault("batch.tier_timeout", "20s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Direct.Timeout <= 0 {
		return fmt.Errorf("direct.timeout must be > 0")
	}
	if c.Direct.RateLimit.DefaultRPS < 0 {
		return fmt.Errorf("direct.rate_limit.rps must be >= 0")
	}
	if c.Browser.Enabled && c.Browser.MaxParallel <= 0 {
		return fmt.Errorf("browser.max_parallel must be > 0 when the browser is enabled")
	}
	if c.Cache.TTL < 0 || c.Cache.NegativeTTL < 0 {
		return fmt.Errorf("cache ttls must be >= 0")
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("cache.redis_url must be set when cache.backend is %q", BackendRedis)
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}
	if c.Batch.TierTimeout < 0 {
		return fmt.Errorf("batch.tier_timeout must be >= 0")
	}
	if c.Batch.ItemLimit < 0 {
		return fmt.Errorf("batch.item_limit must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0, 1]")
	}
	return nil
}

// Pipeline converts the batch and cache sections into pipeline settings.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		ItemLimit:             c.Batch.ItemLimit,
		MetadataOnlyIsFailure: c.Batch.MetadataOnlyIsFailure,
		CacheTTL:              c.Cache.TTL,
		Hosts:                 c.Hosts,
	}
}
