// Package config loads swcache.yaml.
//
// Values are read from the YAML file over built-in defaults, then .env files
// are loaded and any field carrying an `env` tag is overridden by its
// environment variable. Files are loaded in this order:
//
//  1. ENV_FILE (if set, only this file)
//  2. .env.local
//  3. .env
package config

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"swcache/internal/logger"
	"swcache/internal/strategy"
	"swcache/internal/worker"
)

// DefaultPath is used when neither -config nor SWCACHE_CONFIG is given.
const DefaultPath = "swcache.yaml"

type Config struct {
	Server     ServerConfig   `yaml:"server"`
	Logging    logger.Config  `yaml:"logging"`
	Storage    StorageConfig  `yaml:"storage"`
	Cache      CacheConfig    `yaml:"cache"`
	Strategies strategy.Table `yaml:"strategies"`
	Network    NetworkConfig  `yaml:"network"`
	Update     UpdateConfig   `yaml:"update"`
	Discover   DiscoverConfig `yaml:"discover"`
	Metrics    MetricsConfig  `yaml:"metrics"`
}

type ServerConfig struct {
	Port              int           `yaml:"port"              env:"SWCACHE_PORT"`
	Origin            string        `yaml:"origin"            env:"SWCACHE_ORIGIN"`
	ReadHeaderTimeout time.Duration `yaml:"readHeaderTimeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdownTimeout"`
	// StatsEvery is the storage stats log interval. Zero disables it.
	StatsEvery time.Duration `yaml:"statsEvery"`
}

type StorageConfig struct {
	// Backend is one of memory, leveldb, sqlite, redis.
	Backend string      `yaml:"backend" env:"SWCACHE_STORAGE_BACKEND"`
	Path    string      `yaml:"path"    env:"SWCACHE_STORAGE_PATH"`
	Max     string      `yaml:"max"     env:"SWCACHE_STORAGE_MAX"`
	Queue   int         `yaml:"queue"`
	Redis   RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"     env:"SWCACHE_REDIS_ADDR"`
	Password string `yaml:"password" env:"SWCACHE_REDIS_PASSWORD"`
	DB       int    `yaml:"db"       env:"SWCACHE_REDIS_DB"`
	Prefix   string `yaml:"prefix"`
}

type CacheConfig struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"     env:"SWCACHE_CACHE_VERSION"`
	Build       string   `yaml:"build"       env:"SWCACHE_BUILD"`
	OfflinePage string   `yaml:"offlinePage"`
	Precache    []string `yaml:"precache"`
}

type NetworkConfig struct {
	// Timeout bounds one origin fetch. Zero leaves failures to the transport.
	Timeout time.Duration `yaml:"timeout"`
}

type UpdateConfig struct {
	CheckEvery     time.Duration `yaml:"checkEvery"`
	AutoApplyAfter time.Duration `yaml:"autoApplyAfter" env:"SWCACHE_AUTO_APPLY_AFTER"`
}

type DiscoverConfig struct {
	Sitemaps        []string      `yaml:"sitemaps"`
	InitialDelay    time.Duration `yaml:"initialDelay"`
	RediscoverEvery time.Duration `yaml:"rediscoverEvery"`
	// Assets parses precached pages for linked same-origin assets.
	Assets bool `yaml:"assets"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"SWCACHE_METRICS_ENABLED"`
	Path    string `yaml:"path"`
}

// Default returns the configuration used for keys the file leaves out.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8080,
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			StatsEvery:        time.Minute,
		},
		Logging: logger.Config{Level: "info"},
		Storage: StorageConfig{
			Backend: "memory",
			Path:    "./data/cache",
			Queue:   1024,
			Redis:   RedisConfig{Addr: "localhost:6379", Prefix: "swcache:"},
		},
		Cache: CacheConfig{
			Name:        "site",
			Version:     "v1",
			OfflinePage: "/offline",
			Precache:    []string{"/", "/offline", "/manifest.json", "/favicon.ico"},
		},
		Strategies: strategy.DefaultTable(),
		Update:     UpdateConfig{CheckEvery: time.Hour},
		Discover:   DiscoverConfig{InitialDelay: 10 * time.Second},
		Metrics:    MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads path over the defaults, applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	if err := loadEnvFiles(); err != nil {
		return Config{}, fmt.Errorf("load environment files: %w", err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	applyEnvOverrides(&cfg)

	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Storage.Backend = strings.ToLower(strings.TrimSpace(cfg.Storage.Backend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return &ValidationError{Field: "server.port", Message: "must be between 1 and 65535"}
	}
	if c.Server.Origin == "" {
		return &ValidationError{Field: "server.origin", Message: "is required"}
	}
	if u, err := url.Parse(c.Server.Origin); err != nil || u.Scheme == "" || u.Host == "" {
		return &ValidationError{Field: "server.origin", Message: "must be an absolute URL"}
	}

	switch c.Storage.Backend {
	case "memory":
	case "leveldb", "sqlite":
		if c.Storage.Path == "" {
			return &ValidationError{Field: "storage.path", Message: "is required for " + c.Storage.Backend}
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return &ValidationError{Field: "storage.redis.addr", Message: "is required for redis"}
		}
	default:
		return &ValidationError{Field: "storage.backend", Message: "must be one of: memory, leveldb, sqlite, redis"}
	}
	if _, err := c.Storage.MaxBytes(); err != nil {
		return &ValidationError{Field: "storage.max", Message: err.Error()}
	}

	if c.Cache.Name == "" || strings.ContainsAny(c.Cache.Name, " \t") {
		return &ValidationError{Field: "cache.name", Message: "must be a non-empty word"}
	}
	if c.Cache.Version == "" || strings.ContainsAny(c.Cache.Version, " \t") {
		return &ValidationError{Field: "cache.version", Message: "must be a non-empty word"}
	}
	if len(c.Cache.Precache) == 0 {
		return &ValidationError{Field: "cache.precache", Message: "is required"}
	}
	offlineListed := false
	for i, p := range c.Cache.Precache {
		if !strings.HasPrefix(p, "/") {
			return &ValidationError{Field: fmt.Sprintf("cache.precache[%d]", i), Message: "must be root-relative"}
		}
		if p == c.Cache.OfflinePage {
			offlineListed = true
		}
	}
	if c.Cache.OfflinePage != "" && !offlineListed {
		return &ValidationError{Field: "cache.offlinePage", Message: "must be listed in cache.precache"}
	}

	if _, err := strategy.Compile(c.Strategies); err != nil {
		return &ValidationError{Field: "strategies", Message: err.Error()}
	}

	if c.Update.CheckEvery <= 0 {
		return &ValidationError{Field: "update.checkEvery", Message: "must be positive"}
	}
	for i, s := range c.Discover.Sitemaps {
		if !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
			return &ValidationError{Field: fmt.Sprintf("discover.sitemaps[%d]", i), Message: "must be root-relative or absolute"}
		}
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return &ValidationError{Field: "metrics.path", Message: "must start with /"}
	}
	return nil
}

// MaxBytes parses the storage cap. An empty value means uncapped.
func (s StorageConfig) MaxBytes() (int64, error) {
	if strings.TrimSpace(s.Max) == "" {
		return 0, nil
	}
	return ParseBytes(s.Max)
}

type sizeUnit struct {
	suffix string
	mult   int64
}

// Longer suffixes first so "mb" is not read as "b".
var sizeUnits = []sizeUnit{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
	{"b", 1},
}

// ParseBytes parses sizes such as "512", "64kb", "1.5m" or "2gb".
func ParseBytes(s string) (int64, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	mult := int64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(v, u.suffix) {
			v, mult = strings.TrimSpace(strings.TrimSuffix(v, u.suffix)), u.mult
			break
		}
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(n * float64(mult)), nil
}

// FormatBytes renders b in the largest whole unit, e.g. "1.5mb".
func FormatBytes(b int64) string {
	for _, u := range sizeUnits {
		if len(u.suffix) == 2 && b >= u.mult {
			f := strconv.FormatFloat(float64(b)/float64(u.mult), 'f', 1, 64)
			return strings.TrimSuffix(f, ".0") + u.suffix
		}
	}
	return strconv.FormatInt(b, 10) + "b"
}

// Interceptor returns the deployable interceptor settings.
func (c Config) Interceptor() worker.Settings {
	return worker.Settings{
		Name:        c.Cache.Name,
		Version:     c.Cache.Version,
		Build:       c.Cache.Build,
		OfflinePage: c.Cache.OfflinePage,
		Precache:    append([]string(nil), c.Cache.Precache...),
		Strategies:  c.Strategies,
	}
}

// ValidationError reports an invalid configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}
