// Package config loads svcctl settings from a TOML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/eliteGoblin/focusd/svcctl/internal/daemon"
	"github.com/eliteGoblin/focusd/svcctl/internal/domain"
	"github.com/eliteGoblin/focusd/svcctl/internal/launchd"
	"github.com/eliteGoblin/focusd/svcctl/internal/usecase"
)

// Config is the svcctl configuration. Zero values in the file keep the
// defaults.
type Config struct {
	// Target is the domain commands default to ("system", "gui/501", ...).
	// Empty means detect from the effective uid.
	Target string `toml:"target"`

	// DataDir holds the journal database and its key. Empty means the
	// execution-mode default.
	DataDir string `toml:"data_dir"`

	// LogPath is where the CLI writes its log.
	LogPath string `toml:"log_path"`

	Cache CacheConfig `toml:"cache"`
	Poll  PollConfig  `toml:"poll"`
	Shmem ShmemConfig `toml:"shmem"`
}

// CacheConfig configures the status cache.
type CacheConfig struct {
	TTL time.Duration `toml:"ttl"`
}

// PollConfig configures the watch pollers.
type PollConfig struct {
	ListInterval    time.Duration `toml:"list_interval"`
	RunningInterval time.Duration `toml:"running_interval"`
}

// ShmemConfig sizes the shared memory regions handed to launchd.
type ShmemConfig struct {
	Size     uint64 `toml:"size"`
	DumpSize uint64 `toml:"dump_size"`
}

// Default returns the built-in configuration.
func Default() *Config {
	cache := usecase.DefaultStatusCacheConfig()
	poll := daemon.DefaultPollerConfig()
	client := launchd.DefaultConfig()

	return &Config{
		LogPath: "/var/tmp/svcctl.log",
		Cache:   CacheConfig{TTL: cache.TTL},
		Poll: PollConfig{
			ListInterval:    poll.ListInterval,
			RunningInterval: poll.RunningInterval,
		},
		Shmem: ShmemConfig{
			Size:     client.ShmemSize,
			DumpSize: client.DumpShmemSize,
		},
	}
}

// Path returns ~/.config/svcctl/config.toml.
func Path() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "svcctl", "config.toml"), nil
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("unknown config keys in %s: %s", path, strings.Join(keys, ", "))
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}
	if c.Poll.ListInterval <= 0 || c.Poll.RunningInterval <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	if c.Shmem.Size == 0 || c.Shmem.DumpSize == 0 {
		return fmt.Errorf("shmem sizes must be positive")
	}
	if c.Target != "" {
		if _, err := domain.ParseDomainTarget(c.Target); err != nil {
			return fmt.Errorf("target: %w", err)
		}
	}
	return nil
}

// DefaultTarget returns the configured target, or fallback when unset.
func (c *Config) DefaultTarget(fallback domain.DomainTarget) domain.DomainTarget {
	if c.Target == "" {
		return fallback
	}
	t, err := domain.ParseDomainTarget(c.Target)
	if err != nil {
		return fallback
	}
	return t
}

// ClientConfig returns the launchd client settings.
func (c *Config) ClientConfig() launchd.Config {
	return launchd.Config{
		DumpShmemSize: c.Shmem.DumpSize,
		ShmemSize:     c.Shmem.Size,
	}
}

// StatusCacheConfig returns the status cache settings.
func (c *Config) StatusCacheConfig() usecase.StatusCacheConfig {
	return usecase.StatusCacheConfig{TTL: c.Cache.TTL}
}

// PollerConfig returns the poller settings for targets.
func (c *Config) PollerConfig(targets ...domain.DomainTarget) daemon.PollerConfig {
	cfg := daemon.DefaultPollerConfig(targets...)
	cfg.ListInterval = c.Poll.ListInterval
	cfg.RunningInterval = c.Poll.RunningInterval
	return cfg
}
