// Package config provides configuration management for the name system
// daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the daemon configuration.
type Config struct {
	Network   NetworkConfig   `yaml:"network"`
	API       APIConfig       `yaml:"api"`
	Store     StoreConfig     `yaml:"store"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Publisher PublisherConfig `yaml:"publisher"`
}

// NetworkConfig contains libp2p host settings.
type NetworkConfig struct {
	Listen     []string `yaml:"listen"`
	Bootstrap  []string `yaml:"bootstrap"`
	MaxConns   int      `yaml:"max_connections"`
	EnableMDNS bool     `yaml:"enable_mdns"`
}

// APIConfig contains the HTTP API settings.
type APIConfig struct {
	Listen        string `yaml:"listen"`
	EnableMetrics bool   `yaml:"enable_metrics"`
}

// StoreConfig selects and tunes the record store backend.
type StoreConfig struct {
	Backend   string `yaml:"backend"` // "sqlite" or "memory"
	Path      string `yaml:"path"`    // sqlite backend data directory
	CacheSize int    `yaml:"cache_size"` // memory backend entry bound, 0 = unbounded
	CacheTTL  string `yaml:"cache_ttl"`  // memory backend eviction TTL, "0" = none
}

// KeystoreConfig contains identity storage settings.
type KeystoreConfig struct {
	Dir           string `yaml:"dir"`
	PassphraseEnv string `yaml:"passphrase_env"`
}

// ResolverConfig tunes resolution behavior.
type ResolverConfig struct {
	// Timeout bounds a resolve's network wait.
	Timeout string `yaml:"timeout"`
	// CacheTrust is the window a live-confirmed cache entry satisfies
	// resolves without fresh traffic. "0" always waits for a live record;
	// a negative value trusts any unexpired entry.
	CacheTrust string `yaml:"cache_trust"`
}

// PublisherConfig tunes publish behavior.
type PublisherConfig struct {
	RecordLifetime      string `yaml:"record_lifetime"`
	RebroadcastInterval string `yaml:"rebroadcast_interval"`
	ResolveFirst        bool   `yaml:"resolve_first"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	base := filepath.Join(homeDir, ".sdn-namesys")

	return &Config{
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4101",
				"/ip4/0.0.0.0/tcp/8181/ws",
			},
			Bootstrap:  []string{},
			MaxConns:   1000,
			EnableMDNS: true,
		},
		API: APIConfig{
			Listen:        "127.0.0.1:5401",
			EnableMetrics: true,
		},
		Store: StoreConfig{
			Backend:   "sqlite",
			Path:      filepath.Join(base, "store"),
			CacheSize: 0,
			CacheTTL:  "0",
		},
		Keystore: KeystoreConfig{
			Dir:           filepath.Join(base, "keys"),
			PassphraseEnv: "SDN_NAMESYS_PASSPHRASE",
		},
		Resolver: ResolverConfig{
			Timeout:    "1m",
			CacheTrust: "24h",
		},
		Publisher: PublisherConfig{
			RecordLifetime:      "48h",
			RebroadcastInterval: "4h",
			ResolveFirst:        false,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".sdn-namesys", "config.yaml")
}

// Load loads the configuration from a file.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return Default(), nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate rejects unusable settings before the daemon starts on them.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for field, value := range map[string]string{
		"store.cache_ttl":                c.Store.CacheTTL,
		"resolver.timeout":               c.Resolver.Timeout,
		"resolver.cache_trust":           c.Resolver.CacheTrust,
		"publisher.record_lifetime":      c.Publisher.RecordLifetime,
		"publisher.rebroadcast_interval": c.Publisher.RebroadcastInterval,
	} {
		if value == "" || value == "0" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", field, value)
		}
	}
	return nil
}

// ResolveTimeout returns the parsed resolver timeout.
func (c *Config) ResolveTimeout() time.Duration {
	return parseDuration(c.Resolver.Timeout, time.Minute)
}

// CacheTrust returns the parsed cache trust window.
func (c *Config) CacheTrust() time.Duration {
	return parseDuration(c.Resolver.CacheTrust, 24*time.Hour)
}

// RecordLifetime returns the parsed record validity window.
func (c *Config) RecordLifetime() time.Duration {
	return parseDuration(c.Publisher.RecordLifetime, 48*time.Hour)
}

// RebroadcastInterval returns the parsed rebroadcast interval.
func (c *Config) RebroadcastInterval() time.Duration {
	return parseDuration(c.Publisher.RebroadcastInterval, 4*time.Hour)
}

// CacheTTL returns the parsed memory store TTL.
func (c *Config) CacheTTL() time.Duration {
	return parseDuration(c.Store.CacheTTL, 0)
}

// Passphrase reads the keystore passphrase from the configured environment
// variable. Empty means keys are stored unsealed.
func (c *Config) Passphrase() string {
	if c.Keystore.PassphraseEnv == "" {
		return ""
	}
	return os.Getenv(c.Keystore.PassphraseEnv)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
