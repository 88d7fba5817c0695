// Package config holds all modcache configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

// Config holds all modcache configuration.
type Config struct {
	// Data directory; every relative path below resolves against it.
	DataDir string `yaml:"data_dir"`

	// Database file name for the pattern store.
	Database string `yaml:"database"`

	// Logging
	LogDir   string `yaml:"log_dir"`
	LogLevel string `yaml:"log_level"`

	// Matching policy
	Matching MatchingConfig `yaml:"matching"`

	// Store persistence behaviour
	Store StoreConfig `yaml:"store"`

	// Hot response cache
	HotCache HotCacheConfig `yaml:"hot_cache"`

	// Batch exchange directories
	Exchange ExchangeConfig `yaml:"exchange"`

	// Generative service used on cache misses
	Generation GenerationConfig `yaml:"generation"`
}

// MatchingConfig configures the matcher.
type MatchingConfig struct {
	// Minimum composite score for a hit, on a 0-1 scale.
	AcceptanceThreshold float64 `yaml:"acceptance_threshold"`

	// Minimum success rate (percent) a pattern needs to stay servable.
	EvictionThreshold float64 `yaml:"eviction_threshold"`
}

// StoreConfig configures the pattern store's persistence.
type StoreConfig struct {
	// How long the flusher waits before writing a batch of mutations.
	FlushInterval string `yaml:"flush_interval"`

	// Pending mutations that force a flush before the interval elapses.
	FlushBatchSize int `yaml:"flush_batch_size"`

	// Prune target for the administrative prune command. 0 = unlimited.
	MaxPatterns int `yaml:"max_patterns"`
}

// HotCacheConfig configures the in-memory response cache in front of the
// matcher. Capacity 0 disables it.
type HotCacheConfig struct {
	Capacity           int    `yaml:"capacity"`
	TTL                string `yaml:"ttl"`
	Shards             int    `yaml:"shards"`
	EvictionPercentage int    `yaml:"eviction_percentage"`
}

// ExchangeConfig configures the drop-directory batch exchange.
type ExchangeConfig struct {
	InboxDir  string `yaml:"inbox_dir"`
	OutboxDir string `yaml:"outbox_dir"`

	// Name stamped on exported batches so receivers can tell stores apart.
	SourceName string `yaml:"source_name"`
}

// GenerationConfig configures the external generative service client.
type GenerationConfig struct {
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".modcache")

	return &Config{
		DataDir:  dataDir,
		Database: "patterns.db",
		LogDir:   "logs",
		LogLevel: "info",

		Matching: MatchingConfig{
			AcceptanceThreshold: 0.6,
			EvictionThreshold:   40.0,
		},

		Store: StoreConfig{
			FlushInterval:  "500ms",
			FlushBatchSize: 64,
			MaxPatterns:    0,
		},

		HotCache: HotCacheConfig{
			Capacity:           1000,
			TTL:                "2m",
			Shards:             64,
			EvictionPercentage: 10,
		},

		Exchange: ExchangeConfig{
			InboxDir:   "inbox",
			OutboxDir:  "outbox",
			SourceName: defaultSourceName(),
		},

		Generation: GenerationConfig{
			Model:     "gemini-2.0-flash",
			APIKeyEnv: "GEMINI_API_KEY",
		},
	}
}

func defaultSourceName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "modcache"
	}
	return host
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults, not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("MODCACHE_DATA_DIR"); dir != "" {
		c.DataDir = dir
	}
	if model := os.Getenv("MODCACHE_MODEL"); model != "" {
		c.Generation.Model = model
	}
}

// resolve joins a possibly relative path with the data directory.
func (c *Config) resolve(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// DatabasePath returns the absolute path of the pattern database.
func (c *Config) DatabasePath() string {
	return c.resolve(c.Database)
}

// LogPath returns the absolute path of the log directory.
func (c *Config) LogPath() string {
	return c.resolve(c.LogDir)
}

// InboxPath returns the absolute path of the exchange inbox directory.
func (c *Config) InboxPath() string {
	return c.resolve(c.Exchange.InboxDir)
}

// OutboxPath returns the absolute path of the exchange outbox directory.
func (c *Config) OutboxPath() string {
	return c.resolve(c.Exchange.OutboxDir)
}

// APIKey reads the generative service key from the configured variable.
func (c *Config) APIKey() string {
	if c.Generation.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Generation.APIKeyEnv)
}

// FlushInterval returns the store flush interval as a duration.
func (c *Config) FlushInterval() time.Duration {
	d, err := time.ParseDuration(c.Store.FlushInterval)
	if err != nil || d <= 0 {
		return 500 * time.Millisecond
	}
	return d
}

// HotCacheTTL returns the hot cache TTL as a duration.
func (c *Config) HotCacheTTL() time.Duration {
	d, err := time.ParseDuration(c.HotCache.TTL)
	if err != nil || d <= 0 {
		return 2 * time.Minute
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.DataDir, validation.Required),
		validation.Field(&c.Database, validation.Required),
		validation.Field(&c.Matching, validation.By(func(any) error {
			return c.Matching.validate()
		})),
		validation.Field(&c.Store, validation.By(func(any) error {
			return c.Store.validate()
		})),
		validation.Field(&c.HotCache, validation.By(func(any) error {
			return c.HotCache.validate()
		})),
	)
}

func (m MatchingConfig) validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.AcceptanceThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&m.EvictionThreshold, validation.Min(0.0), validation.Max(100.0)),
	)
}

func (s StoreConfig) validate() error {
	if _, err := time.ParseDuration(s.FlushInterval); err != nil {
		return fmt.Errorf("invalid flush_interval: %w", err)
	}
	return validation.ValidateStruct(&s,
		validation.Field(&s.FlushBatchSize, validation.Required, validation.Min(1)),
		validation.Field(&s.MaxPatterns, validation.Min(0)),
	)
}

func (h HotCacheConfig) validate() error {
	if h.Capacity == 0 {
		return nil // disabled; remaining fields are ignored
	}
	if _, err := time.ParseDuration(h.TTL); err != nil {
		return fmt.Errorf("invalid ttl: %w", err)
	}
	return validation.ValidateStruct(&h,
		validation.Field(&h.Capacity, validation.Min(1)),
		validation.Field(&h.Shards, validation.Min(1)),
		validation.Field(&h.EvictionPercentage, validation.Min(1), validation.Max(100)),
	)
}
