// Package config loads poolfeed's layered configuration: defaults, an
// optional config file, POOLFEED_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/FranksOps/poolfeed/internal/ingest"
	"github.com/FranksOps/poolfeed/internal/listing"
	"github.com/FranksOps/poolfeed/internal/logging"
	"github.com/FranksOps/poolfeed/internal/source/storefront"
)

// EnvPrefix prefixes every environment override, e.g. POOLFEED_STORAGE_DSN.
const EnvPrefix = "POOLFEED"

// Storage backends.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendJSON     = "json"
	BackendMemory   = "memory"
)

// Source kinds.
const (
	SourceJSONAPI    = "jsonapi"
	SourceStorefront = "storefront"
)

// Config is the full process configuration.
type Config struct {
	Log     logging.Config `mapstructure:"log"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Gate    GateConfig     `mapstructure:"gate"`
	Fetch   FetchConfig    `mapstructure:"fetch"`
	Storage StorageConfig  `mapstructure:"storage"`
	Redis   RedisConfig    `mapstructure:"redis"`
	Images  ImagesConfig   `mapstructure:"images"`
	Quality QualityConfig  `mapstructure:"quality"`
	Ingest  IngestConfig   `mapstructure:"ingest"`
	Sources []SourceConfig `mapstructure:"sources"`
	Metrics MetricsConfig  `mapstructure:"metrics"`
}

type HTTPConfig struct {
	Addr           string        `mapstructure:"addr"`
	ResolveLimit   int           `mapstructure:"resolve_limit"`
	ResolveWindow  time.Duration `mapstructure:"resolve_window"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type BudgetConfig struct {
	Limit  int           `mapstructure:"limit"`
	Window time.Duration `mapstructure:"window"`
}

type GateConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	MaxWait       time.Duration `mapstructure:"max_wait"`
	// Window is memory or redis.
	Window  string                  `mapstructure:"window"`
	Budgets map[string]BudgetConfig `mapstructure:"budgets"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
	MaxRedirects int           `mapstructure:"max_redirects"`
	CookieJar    bool          `mapstructure:"cookie_jar"`
	// Fingerprint is a TLS profile: chrome, firefox, safari, random or go.
	Fingerprint      string        `mapstructure:"fingerprint"`
	UserAgents       []string      `mapstructure:"user_agents"`
	Proxies          []string      `mapstructure:"proxies"`
	ProxyFile        string        `mapstructure:"proxy_file"`
	ProxyMaxFailures int           `mapstructure:"proxy_max_failures"`
	ProxyCooldown    time.Duration `mapstructure:"proxy_cooldown"`
}

type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	// DSN is the postgres connection string or the sqlite database path.
	DSN string `mapstructure:"dsn"`
	// Path is the journal file of the json backend.
	Path string `mapstructure:"path"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type ImagesConfig struct {
	Root        string `mapstructure:"root"`
	URLPrefix   string `mapstructure:"url_prefix"`
	Placeholder string `mapstructure:"placeholder"`
	// KnownBad is memory or redis.
	KnownBad           string   `mapstructure:"known_bad"`
	KnownBadSet        string   `mapstructure:"known_bad_set"`
	KnownBadKeys       []string `mapstructure:"known_bad_keys"`
	PlaceholderDigests []string `mapstructure:"placeholder_digests"`
	// AllowPrivateHosts lets image downloads reach loopback and private
	// networks.
	AllowPrivateHosts bool `mapstructure:"allow_private_hosts"`
}

type QualityConfig struct {
	Patterns []string `mapstructure:"patterns"`
}

type IngestConfig struct {
	Workers   int               `mapstructure:"workers"`
	Detail    bool              `mapstructure:"detail"`
	Schedules []ingest.Schedule `mapstructure:"schedules"`
}

// SourceConfig configures the adapter for one marketplace.
type SourceConfig struct {
	Marketplace listing.Marketplace `mapstructure:"marketplace"`
	// Kind is jsonapi or storefront.
	Kind    string  `mapstructure:"kind"`
	BaseURL string  `mapstructure:"base_url"`
	RPS     float64 `mapstructure:"rps"`
	Jitter  float64 `mapstructure:"jitter"`

	SearchPath     string               `mapstructure:"search_path"`
	ProductPattern string               `mapstructure:"product_pattern"`
	Selectors      storefront.Selectors `mapstructure:"selectors"`
	RespectRobots  bool                 `mapstructure:"respect_robots"`
	RobotsAgent    string               `mapstructure:"robots_agent"`
	// Browser renders storefront pages in headless Chrome.
	Browser         bool   `mapstructure:"browser"`
	BrowserExecPath string `mapstructure:"browser_exec_path"`
}

type MetricsConfig struct {
	// Port serves a standalone /metrics endpoint for the ingest command.
	// Zero disables it.
	Port int `mapstructure:"port"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.resolve_limit", 120)
	v.SetDefault("http.resolve_window", time.Minute)
	v.SetDefault("http.request_timeout", 30*time.Second)

	v.SetDefault("gate.max_concurrent", 6)
	v.SetDefault("gate.max_wait", 30*time.Second)
	v.SetDefault("gate.window", "memory")

	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.cookie_jar", true)
	v.SetDefault("fetch.fingerprint", "chrome")

	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.dsn", "poolfeed.db")
	v.SetDefault("storage.path", "poolfeed.ndjson")

	v.SetDefault("redis.addr", "")

	v.SetDefault("images.root", "media")
	v.SetDefault("images.url_prefix", "/media/")
	v.SetDefault("images.placeholder", "/static/placeholder.svg")
	v.SetDefault("images.known_bad", "memory")

	v.SetDefault("ingest.workers", 4)
	v.SetDefault("ingest.detail", false)

	v.SetDefault("metrics.port", 0)
}

// Load reads the configuration. path names a config file; when empty,
// poolfeed.{yaml,toml,json} is looked up in the working directory and
// /etc/poolfeed and skipped if absent. flags maps config keys to bound
// command-line flags.
func Load(path string, flags map[string]*pflag.Flag) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, f := range flags {
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("config: bind flag %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else {
		v.SetConfigName("poolfeed")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/poolfeed")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("config: read: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSQLite, BackendMemory:
	case BackendPostgres:
		if c.Storage.DSN == "" {
			return errors.New("config: storage.dsn is required for postgres")
		}
	case BackendJSON:
		if c.Storage.Path == "" {
			return errors.New("config: storage.path is required for the json backend")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}

	if c.Gate.Window == "redis" && c.Redis.Addr == "" {
		return errors.New("config: gate.window=redis requires redis.addr")
	}
	if c.Images.KnownBad == "redis" && c.Redis.Addr == "" {
		return errors.New("config: images.known_bad=redis requires redis.addr")
	}
	if c.Images.Root == "" {
		return errors.New("config: images.root is required")
	}

	seen := make(map[listing.Marketplace]bool, len(c.Sources))
	for i, s := range c.Sources {
		m, err := listing.ParseMarketplace(string(s.Marketplace))
		if err != nil {
			return fmt.Errorf("config: sources[%d]: %w", i, err)
		}
		if seen[m] {
			return fmt.Errorf("config: sources[%d]: duplicate marketplace %s", i, m)
		}
		seen[m] = true
		c.Sources[i].Marketplace = m

		switch s.Kind {
		case SourceJSONAPI, SourceStorefront:
		case "":
			c.Sources[i].Kind = SourceJSONAPI
		default:
			return fmt.Errorf("config: sources[%d]: unknown kind %q", i, s.Kind)
		}
		if s.BaseURL == "" {
			return fmt.Errorf("config: sources[%d]: base_url is required", i)
		}
	}

	for i, s := range c.Ingest.Schedules {
		m, err := listing.ParseMarketplace(string(s.Marketplace))
		if err != nil {
			return fmt.Errorf("config: ingest.schedules[%d]: %w", i, err)
		}
		c.Ingest.Schedules[i].Marketplace = m
	}
	return nil
}
