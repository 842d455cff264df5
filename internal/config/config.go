package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"time"
)

// DeletionBehavior selects what happens to local files when the remote
// side is deleted.
type DeletionBehavior string

const (
	DeletionTrash     DeletionBehavior = "trash"
	DeletionPermanent DeletionBehavior = "permanent"
	DeletionAsk       DeletionBehavior = "ask"
)

// Config holds all engine configuration. The struct is an immutable
// snapshot; values that may change at runtime live in Reloadable.
type Config struct {
	// Remote endpoint
	Remote RemoteConfig `json:"remote" mapstructure:"remote"`

	// Local sync root and engine home
	Storage StorageConfig `json:"storage" mapstructure:"storage"`

	// Sync behavior
	Sync SyncConfig `json:"sync" mapstructure:"sync"`

	// Logging
	Log LogConfig `json:"log" mapstructure:"log"`
}

// RemoteConfig for server communication.
type RemoteConfig struct {
	ServerURL  string        `json:"server_url" mapstructure:"server_url"`
	User       string        `json:"remote_user" mapstructure:"remote_user"`
	Token      string        `json:"token,omitempty" mapstructure:"token"`
	RootRef    string        `json:"root_ref" mapstructure:"root_ref"`
	Timeout    time.Duration `json:"timeout" mapstructure:"timeout"`
	MaxRetries int           `json:"max_retries" mapstructure:"max_retries"`
	RateLimit  float64       `json:"rate_limit" mapstructure:"rate_limit"`
}

// StorageConfig for local paths.
type StorageConfig struct {
	// RootDir is the watched sync root.
	RootDir string `json:"root_dir" mapstructure:"root_dir"`
	// HomeDir holds the state database, backups, tmp and trash areas.
	HomeDir string `json:"home_dir" mapstructure:"home_dir"`
	// NoFSCheck skips the case-sensitivity probe on startup.
	NoFSCheck bool `json:"nofscheck" mapstructure:"nofscheck"`
}

// SyncConfig for synchronization behavior.
type SyncConfig struct {
	PollInterval     time.Duration    `json:"poll_interval_sec" mapstructure:"poll_interval_sec"`
	MaxPollBackoff   time.Duration    `json:"max_poll_backoff" mapstructure:"max_poll_backoff"`
	ScanInterval     time.Duration    `json:"scan_interval" mapstructure:"scan_interval"`
	Workers          int              `json:"workers" mapstructure:"workers"`
	MaxTransfers     int              `json:"max_transfers" mapstructure:"max_transfers"`
	MaxErrors        int              `json:"max_errors" mapstructure:"max_errors"`
	MaxSyncStep      int              `json:"max_sync_step" mapstructure:"max_sync_step"`
	RetryBaseDelay   time.Duration    `json:"retry_base_delay" mapstructure:"retry_base_delay"`
	ChunkSize        int64            `json:"chunk_size" mapstructure:"chunk_size"`
	DeletionBehavior DeletionBehavior `json:"deletion_behavior" mapstructure:"deletion_behavior"`
}

// LogConfig for logging behavior.
type LogConfig struct {
	Level      string `json:"level" mapstructure:"level"`
	Format     string `json:"format" mapstructure:"format"`
	File       string `json:"file" mapstructure:"file"`
	MaxSizeMB  int    `json:"max_size" mapstructure:"max_size"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age" mapstructure:"max_age"`
}

// Reloadable is the subset of configuration that may legitimately
// change while the engine runs.
type Reloadable struct {
	PollInterval    time.Duration
	IgnoredPrefixes []string
	IgnoredSuffixes []string
	IgnoredFiles    []string
}

// ReloadableHolder publishes Reloadable snapshots to running
// components without locking.
type ReloadableHolder struct {
	v atomic.Pointer[Reloadable]
}

// NewReloadableHolder seeds the holder with an initial snapshot.
func NewReloadableHolder(r *Reloadable) *ReloadableHolder {
	h := &ReloadableHolder{}
	h.v.Store(r)
	return h
}

// Load returns the current snapshot.
func (h *ReloadableHolder) Load() *Reloadable { return h.v.Load() }

// Store replaces the snapshot.
func (h *ReloadableHolder) Store(r *Reloadable) { h.v.Store(r) }

// DefaultConfig returns config with sensible defaults.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}

	return &Config{
		Remote: RemoteConfig{
			Timeout:    30 * time.Second,
			MaxRetries: 3,
			RateLimit:  20,
		},
		Storage: StorageConfig{
			HomeDir: filepath.Join(home, ".driftsync"),
		},
		Sync: SyncConfig{
			PollInterval:     30 * time.Second,
			MaxPollBackoff:   10 * time.Minute,
			ScanInterval:     time.Hour,
			Workers:          defaultWorkers(),
			MaxTransfers:     5,
			MaxErrors:        3,
			MaxSyncStep:      10,
			RetryBaseDelay:   time.Minute,
			ChunkSize:        1024 * 1024,
			DeletionBehavior: DeletionTrash,
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

func defaultWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		return 2
	}
	return n
}

// DefaultReloadable returns the reloadable subset with the stock
// ignore rules for editor droppings and partial downloads.
func DefaultReloadable(cfg *Config) *Reloadable {
	return &Reloadable{
		PollInterval: cfg.Sync.PollInterval,
		IgnoredPrefixes: []string{
			".", "~$", "Icon\r", "desktop.ini", "Thumbs.db",
		},
		IgnoredSuffixes: []string{
			"~", ".swp", ".lock", ".LOCK", ".part", ".crdownload",
			".partial", ".tmp", ".bak", ".dwl", ".dwl2", ".lnk", ".nxpart",
		},
		IgnoredFiles: []string{
			`^atmp\d+$`,
		},
	}
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Storage.RootDir == "" {
		return errors.New("storage.root_dir is required")
	}
	if c.Storage.HomeDir == "" {
		return errors.New("storage.home_dir is required")
	}
	if c.Sync.PollInterval <= 0 {
		return errors.New("sync.poll_interval_sec must be positive")
	}
	if c.Sync.Workers <= 0 {
		return errors.New("sync.workers must be positive")
	}
	if c.Sync.MaxTransfers <= 0 {
		return errors.New("sync.max_transfers must be positive")
	}
	if c.Sync.ChunkSize <= 0 {
		return errors.New("sync.chunk_size must be positive")
	}

	switch c.Sync.DeletionBehavior {
	case DeletionTrash, DeletionPermanent, DeletionAsk:
	default:
		return fmt.Errorf("invalid deletion_behavior: %s", c.Sync.DeletionBehavior)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// DatabasePath returns the engine database location under the home.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Storage.HomeDir, "engine.db")
}

// BackupDir returns where database backups are kept.
func (c *Config) BackupDir() string {
	return filepath.Join(c.Storage.HomeDir, "backups")
}

// TmpDir returns the engine-owned temporary area for partial downloads.
func (c *Config) TmpDir() string {
	return filepath.Join(c.Storage.HomeDir, "tmp")
}

// TrashDir returns the engine-owned trash area.
func (c *Config) TrashDir() string {
	return filepath.Join(c.Storage.HomeDir, "trash")
}

// EnsureDirectories creates required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.HomeDir,
		c.BackupDir(),
		c.TmpDir(),
		c.TrashDir(),
	}

	if c.Log.File != "" {
		dirs = append(dirs, filepath.Dir(c.Log.File))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
