package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"

	"AskChat/internal/backend"
	"AskChat/internal/kvstore"
	"AskChat/internal/quota"
)

// EnvPrefix is prepended to every environment variable name
const EnvPrefix = "ASKCHAT_"

// Config holds application configuration.
//
// Values are applied in layers, later ones winning:
//
//  1. Defaults
//  2. ~/.askchat/config.yaml (a missing file is not an error)
//  3. ASKCHAT_* environment variables
//  4. command line flags, see BindFlags
//
// Example config.yaml:
//
//	backend: ollama
//	model: llama3:latest
//	storage:
//	  driver: sqlite
//	  path: /home/me/.askchat/askchat.db
//	guest_limit: 20
type Config struct {
	Backend        string        `yaml:"backend" env:"BACKEND"`
	BaseURL        string        `yaml:"base_url" env:"BASE_URL"`
	Model          string        `yaml:"model" env:"MODEL"` // format "model:version" for ollama
	APIKey         string        `yaml:"api_key" env:"API_KEY"`
	SystemPrompt   string        `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	RequestTimeout time.Duration `yaml:"request_timeout" env:"REQUEST_TIMEOUT"` // 0 waits indefinitely

	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	Cache   CacheConfig   `yaml:"cache" envPrefix:"CACHE_"`

	GuestLimit int `yaml:"guest_limit" env:"GUEST_LIMIT"`

	// Identity of the terminal session; an empty user chats as a guest
	User  string `yaml:"user" env:"USER_EMAIL"`
	Guest string `yaml:"guest" env:"GUEST"`

	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	LogDir   string `yaml:"log_dir" env:"LOG_DIR"`
	Debug    bool   `yaml:"debug" env:"DEBUG"`
}

// StorageConfig selects the key/value driver behind history and quota
type StorageConfig struct {
	Driver   string `yaml:"driver" env:"DRIVER"`
	Path     string `yaml:"path" env:"PATH"`
	RedisURL string `yaml:"redis_url" env:"REDIS_URL"`
	Prefix   string `yaml:"prefix" env:"PREFIX"`
}

// CacheConfig sizes the reply cache. Size 0 disables it.
type CacheConfig struct {
	Size int           `yaml:"size" env:"SIZE"`
	TTL  time.Duration `yaml:"ttl" env:"TTL"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend:      backend.BackendAsk,
		SystemPrompt: backend.DefaultSystemPrompt,
		Storage: StorageConfig{
			Driver: kvstore.DriverSQLite,
			Path:   "askchat.db",
			Prefix: "askchat:",
		},
		Cache:      CacheConfig{Size: 100, TTL: time.Hour},
		GuestLimit: quota.DefaultLimit,
		HTTPAddr:   "127.0.0.1:8088",
		LogDir:     "logs",
	}
}

// DefaultPath returns ~/.askchat/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get user home dir: %w", err)
	}
	return filepath.Join(home, ".askchat", "config.yaml"), nil
}

// Load applies defaults, the YAML file at path and the environment.
// An empty path selects DefaultPath.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env config: %w", err)
	}

	return cfg, cfg.Validate()
}

func loadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return fmt.Errorf("parse yaml config %s: %w", path, err)
	}
	return nil
}

// BindFlags registers command line overrides on flags. The current values
// become the flag defaults, so call it after Load.
func (c *Config) BindFlags(flags *flag.FlagSet) {
	flags.StringVar(&c.Backend, "backend", c.Backend, "LLM backend ("+strings.Join(backend.Names(), "|")+")")
	flags.StringVar(&c.BaseURL, "base-url", c.BaseURL, "Assistant service base URL (empty uses the backend default)")
	flags.StringVar(&c.Model, "model", c.Model, "Model specification (format: model:version for ollama)")
	flags.StringVar(&c.SystemPrompt, "system-prompt", c.SystemPrompt, "System prompt sent with every message")
	flags.DurationVar(&c.RequestTimeout, "timeout", c.RequestTimeout, "Request timeout (0 waits indefinitely)")
	flags.StringVar(&c.Storage.Driver, "storage", c.Storage.Driver, "Storage driver (memory|sqlite|bolt|redis)")
	flags.StringVar(&c.Storage.Path, "storage-path", c.Storage.Path, "Database file for sqlite and bolt")
	flags.StringVar(&c.Storage.RedisURL, "redis-url", c.Storage.RedisURL, "Redis URL for the redis driver")
	flags.IntVar(&c.GuestLimit, "guest-limit", c.GuestLimit, "Messages a guest may send")
	flags.IntVar(&c.Cache.Size, "cache-size", c.Cache.Size, "Reply cache entries (0 disables the cache)")
	flags.StringVar(&c.User, "user", c.User, "Signed-in user email (empty chats as a guest)")
	flags.StringVar(&c.Guest, "guest", c.Guest, "Guest identifier")
	flags.StringVar(&c.HTTPAddr, "addr", c.HTTPAddr, "HTTP listen address for serve mode")
	flags.StringVar(&c.LogDir, "log-dir", c.LogDir, "Directory for logs, traces and metrics")
	flags.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logging")
}

// Validate rejects settings no component could run with
func (c *Config) Validate() error {
	if !slices.Contains(backend.Names(), c.Backend) {
		return fmt.Errorf("invalid backend %q", c.Backend)
	}
	switch c.Storage.Driver {
	case kvstore.DriverMemory:
	case kvstore.DriverSQLite, kvstore.DriverBolt:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver)
		}
	case kvstore.DriverRedis:
		if strings.TrimSpace(c.Storage.RedisURL) == "" {
			return fmt.Errorf("storage.redis_url is required for the redis driver")
		}
	default:
		return fmt.Errorf("invalid storage driver %q", c.Storage.Driver)
	}
	if c.GuestLimit < 1 {
		return fmt.Errorf("guest_limit must be positive, got %d", c.GuestLimit)
	}
	if c.Cache.Size < 0 {
		return fmt.Errorf("cache.size must not be negative, got %d", c.Cache.Size)
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout must not be negative, got %s", c.RequestTimeout)
	}
	return nil
}

// StoreOptions maps the storage section onto kvstore options
func (c *Config) StoreOptions() kvstore.Options {
	return kvstore.Options{
		Driver:   c.Storage.Driver,
		Path:     c.Storage.Path,
		RedisURL: c.Storage.RedisURL,
		Prefix:   c.Storage.Prefix,
	}
}

// providerKeyEnv names the variables the hosted backends read their key from
var providerKeyEnv = map[string]string{
	backend.BackendAnthropic: "ANTHROPIC_API_KEY",
	backend.BackendGrok:      "GROK_API_KEY",
	backend.BackendOpenAI:    "OPENAI_API_KEY",
}

// APIKeyFor returns the configured API key, falling back to the provider's
// own environment variable
func (c *Config) APIKeyFor(name string) string {
	if c.APIKey != "" {
		return c.APIKey
	}
	if v, ok := providerKeyEnv[name]; ok {
		return os.Getenv(v)
	}
	return ""
}
