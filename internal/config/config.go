// Package config handles atende configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/atende/internal/chunk"
	"github.com/nugget/atende/internal/paths"
	"github.com/nugget/atende/internal/session"
	"github.com/nugget/atende/internal/usage"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/atende/config.yaml, /etc/atende/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "atende", "config.yaml"))
	}

	paths = append(paths, "/etc/atende/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Completion providers.
const (
	ProviderOllama    = "ollama"
	ProviderAnthropic = "anthropic"
)

// Config holds all atende configuration.
type Config struct {
	Listen       ListenConfig     `yaml:"listen"`
	LogLevel     string           `yaml:"log_level"`
	LogFormat    string           `yaml:"log_format"` // text or json
	DataDir      string           `yaml:"data_dir"`
	TenantsDir   string           `yaml:"tenants_dir"`
	WatchTenants bool             `yaml:"watch_tenants"`
	Completion   CompletionConfig `yaml:"completion"`
	Anthropic    AnthropicConfig  `yaml:"anthropic"`
	Session      SessionConfig    `yaml:"session"`
	Chunking     ChunkingConfig   `yaml:"chunking"`
	Usage        UsageConfig      `yaml:"usage"`

	// resolver anchors relative paths at the config file's directory.
	resolver *paths.Resolver
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// CompletionConfig selects the model that writes replies.
type CompletionConfig struct {
	Provider  string          `yaml:"provider"` // ollama or anthropic
	Model     string          `yaml:"model"`
	OllamaURL string          `yaml:"ollama_url"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RateLimitConfig caps outbound completion calls per process. A zero
// PerSecond disables the limit.
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// SessionConfig selects the session store.
type SessionConfig struct {
	Driver       string      `yaml:"driver"`        // memory, sqlite or redis
	SQLiteDriver string      `yaml:"sqlite_driver"` // sqlite3 (cgo) or sqlite (pure Go)
	Path         string      `yaml:"path"`
	Redis        RedisConfig `yaml:"redis"`
}

// RedisConfig defines the redis session store connection.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// ChunkingConfig is the deployment default for reply chunking. Tenants
// may override it.
type ChunkingConfig struct {
	MinChars   int    `yaml:"min_chars"`
	MaxChars   int    `yaml:"max_chars"`
	Format     string `yaml:"format"`
	StripEmoji bool   `yaml:"strip_emoji"`
}

// UsageConfig configures the per-tenant token usage ledger. It shares
// session.sqlite_driver.
type UsageConfig struct {
	Path    string        `yaml:"path"` // empty disables the ledger
	Pricing usage.Pricing `yaml:"pricing"`
}

// Options returns the chunker options. Format must have been validated.
func (c ChunkingConfig) Options() chunk.Options {
	mode, _ := chunk.ParseMode(c.Format)
	return chunk.Options{MinChars: c.MinChars, MaxChars: c.MaxChars, Mode: mode, StripEmoji: c.StripEmoji}
}

// Load reads configuration from a YAML file. Defaults fill anything
// the file leaves out, and relative paths resolve against the file's
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	cfg.resolve(base)
	return cfg, nil
}

// Default returns a default configuration: in-memory sessions, a local
// Ollama model and WhatsApp-sized chunks.
func Default() *Config {
	cfg := &Config{
		Listen:     ListenConfig{Port: 8080},
		LogLevel:   "info",
		LogFormat:  "text",
		DataDir:    "data",
		TenantsDir: "tenants",
		Completion: CompletionConfig{
			Provider:  ProviderOllama,
			Model:     "qwen3:8b",
			OllamaURL: "http://localhost:11434",
			Timeout:   60 * time.Second,
		},
		Session: SessionConfig{
			Driver:       string(session.TypeMemory),
			SQLiteDriver: "sqlite3",
			Path:         "data:sessions.db",
			Redis:        RedisConfig{Addr: "localhost:6379", Prefix: "atende"},
		},
		Chunking: ChunkingConfig{
			MinChars: chunk.DefaultMinChars,
			MaxChars: chunk.DefaultMaxChars,
			Format:   string(chunk.ModeWhatsApp),
		},
	}
	return cfg
}

// resolve rewrites path fields to filesystem paths anchored at base.
// "data:" names the data directory.
func (c *Config) resolve(base string) {
	root := paths.New(base, nil)
	c.DataDir = root.Resolve(c.DataDir)
	c.resolver = paths.New(base, map[string]string{"data": c.DataDir})
	c.TenantsDir = c.resolver.Resolve(c.TenantsDir)
	c.Session.Path = c.resolver.Resolve(c.Session.Path)
	c.Usage.Path = c.resolver.Resolve(c.Usage.Path)
}

// Resolve maps a configured path (relative, ~ or data: prefixed) to a
// filesystem path.
func (c *Config) Resolve(p string) string {
	return c.resolver.Resolve(p)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.TenantsDir == "" {
		errs = append(errs, errors.New("tenants_dir is required"))
	}

	switch c.Completion.Provider {
	case ProviderOllama:
		if c.Completion.OllamaURL == "" {
			errs = append(errs, errors.New("completion.ollama_url is required for the ollama provider"))
		}
	case ProviderAnthropic:
		if c.Anthropic.APIKey == "" {
			errs = append(errs, errors.New("anthropic.api_key is required for the anthropic provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("completion.provider %q (valid: ollama, anthropic)", c.Completion.Provider))
	}
	if c.Completion.Model == "" {
		errs = append(errs, errors.New("completion.model is required"))
	}
	if c.Completion.Timeout < 0 {
		errs = append(errs, errors.New("completion.timeout must not be negative"))
	}
	if rl := c.Completion.RateLimit; rl.PerSecond < 0 || (rl.PerSecond > 0 && rl.Burst < 1) {
		errs = append(errs, errors.New("completion.rate_limit needs per_second >= 0 and burst >= 1"))
	}

	switch session.Type(c.Session.Driver) {
	case session.TypeMemory:
	case session.TypeSQLite:
		if c.Session.Path == "" {
			errs = append(errs, errors.New("session.path is required for the sqlite driver"))
		}
		if d := c.Session.SQLiteDriver; d != "sqlite3" && d != "sqlite" {
			errs = append(errs, fmt.Errorf("session.sqlite_driver %q (valid: sqlite3, sqlite)", d))
		}
	case session.TypeRedis:
		if c.Session.Redis.Addr == "" {
			errs = append(errs, errors.New("session.redis.addr is required for the redis driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("session.driver %q (valid: memory, sqlite, redis)", c.Session.Driver))
	}

	if c.Usage.Path != "" && session.Type(c.Session.Driver) != session.TypeSQLite {
		if d := c.Session.SQLiteDriver; d != "sqlite3" && d != "sqlite" {
			errs = append(errs, fmt.Errorf("session.sqlite_driver %q (valid: sqlite3, sqlite) is required by usage.path", d))
		}
	}
	for model, p := range c.Usage.Pricing {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			errs = append(errs, fmt.Errorf("usage.pricing.%s: prices must not be negative", model))
		}
	}

	ch := c.Chunking
	if _, err := chunk.ParseMode(ch.Format); err != nil {
		errs = append(errs, fmt.Errorf("chunking.format: %w", err))
	}
	if ch.MinChars < 0 || ch.MaxChars <= 0 || ch.MinChars > ch.MaxChars {
		errs = append(errs, fmt.Errorf("chunking bounds min=%d max=%d (need 0 <= min <= max, max > 0)", ch.MinChars, ch.MaxChars))
	}

	return errors.Join(errs...)
}
