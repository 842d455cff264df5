package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Loader reads configuration from file and environment.
type Loader struct {
	configPath string
	envPrefix  string
}

// NewLoader creates a config loader. An empty configPath falls back to
// the default search locations.
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
		envPrefix:  "DRIFTSYNC",
	}
}

// Load merges defaults, the config file and environment overrides into
// a validated Config.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()

	cfg := DefaultConfig()
	setDefaults(v, cfg)

	v.SetEnvPrefix(l.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if l.configPath != "" {
		v.SetConfigFile(l.configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("driftsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/driftsync")
		v.AddConfigPath("$HOME/.driftsync")
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine, defaults and env apply.
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// setDefaults registers defaults so viper merges file values over them.
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("remote.max_retries", cfg.Remote.MaxRetries)
	v.SetDefault("remote.rate_limit", cfg.Remote.RateLimit)
	v.SetDefault("storage.home_dir", cfg.Storage.HomeDir)
	v.SetDefault("storage.nofscheck", cfg.Storage.NoFSCheck)
	v.SetDefault("sync.poll_interval_sec", cfg.Sync.PollInterval)
	v.SetDefault("sync.max_poll_backoff", cfg.Sync.MaxPollBackoff)
	v.SetDefault("sync.scan_interval", cfg.Sync.ScanInterval)
	v.SetDefault("sync.workers", cfg.Sync.Workers)
	v.SetDefault("sync.max_transfers", cfg.Sync.MaxTransfers)
	v.SetDefault("sync.max_errors", cfg.Sync.MaxErrors)
	v.SetDefault("sync.max_sync_step", cfg.Sync.MaxSyncStep)
	v.SetDefault("sync.retry_base_delay", cfg.Sync.RetryBaseDelay)
	v.SetDefault("sync.chunk_size", cfg.Sync.ChunkSize)
	v.SetDefault("sync.deletion_behavior", string(cfg.Sync.DeletionBehavior))
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.max_size", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
	v.SetDefault("log.max_age", cfg.Log.MaxAgeDays)
}
