package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
)

// Config represents the main application configuration.
type Config struct {
	General    GeneralConfig    `toml:"general"`
	Account    AccountConfig    `toml:"account"`
	Connection ConnectionConfig `toml:"connection"`
	Presence   PresenceConfig   `toml:"presence"`
	Sync       SyncConfig       `toml:"sync"`
	Logging    LoggingConfig    `toml:"logging"`
	Storage    StorageConfig    `toml:"storage"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	DataDir     string `toml:"data_dir" env:"ANCHOR_DATA_DIR"`
	AutoConnect bool   `toml:"auto_connect" env:"ANCHOR_AUTO_CONNECT"`
}

// AccountConfig contains the XMPP account settings.
type AccountConfig struct {
	JID      string `toml:"jid" env:"ANCHOR_JID"`
	Password string `toml:"password" env:"ANCHOR_PASSWORD"`
	Server   string `toml:"server" env:"ANCHOR_SERVER"`
	Port     int    `toml:"port" env:"ANCHOR_PORT"`
	Resource string `toml:"resource" env:"ANCHOR_RESOURCE"`
}

// ConnectionConfig tunes reconnection behavior.
type ConnectionConfig struct {
	// InitialRetryDelayMS is the backoff delay after the first failed
	// reconnect attempt, in milliseconds.
	InitialRetryDelayMS int `toml:"initial_retry_delay_ms" env:"ANCHOR_INITIAL_RETRY_DELAY_MS"`

	// MaxRetryDelayS caps the backoff delay, in seconds.
	MaxRetryDelayS int `toml:"max_retry_delay_s" env:"ANCHOR_MAX_RETRY_DELAY_S"`

	// MaxRetryAttempts bounds automatic reconnect attempts before
	// giving up.
	MaxRetryAttempts int `toml:"max_retry_attempts" env:"ANCHOR_MAX_RETRY_ATTEMPTS"`

	// SessionTimeoutS is how long a suspended connection may be
	// presumed alive before a wake forces a reconnect, in seconds.
	SessionTimeoutS int `toml:"session_timeout_s" env:"ANCHOR_SESSION_TIMEOUT_S"`
}

// PresenceConfig tunes the auto-away behavior.
type PresenceConfig struct {
	AutoAwayEnabled bool `toml:"auto_away_enabled" env:"ANCHOR_AUTO_AWAY_ENABLED"`

	// AutoAwayThresholdS is the idle time before going away, in
	// seconds.
	AutoAwayThresholdS int `toml:"auto_away_threshold_s" env:"ANCHOR_AUTO_AWAY_THRESHOLD_S"`
}

// SyncConfig tunes the history synchronization engine.
type SyncConfig struct {
	// SweepConcurrency bounds parallel archive queries during bulk
	// catch-up.
	SweepConcurrency int `toml:"sweep_concurrency" env:"ANCHOR_SWEEP_CONCURRENCY"`

	// RoomSweepDelayS delays the joined-room sweep after connect, in
	// seconds.
	RoomSweepDelayS int `toml:"room_sweep_delay_s" env:"ANCHOR_ROOM_SWEEP_DELAY_S"`

	// RosterDiscoveryCooldownM rate-limits roster-wide conversation
	// discovery, in minutes.
	RosterDiscoveryCooldownM int `toml:"roster_discovery_cooldown_m" env:"ANCHOR_ROSTER_DISCOVERY_COOLDOWN_M"`

	// ArchivedPreviewCooldownH rate-limits archived conversation
	// preview refreshes, in hours.
	ArchivedPreviewCooldownH int `toml:"archived_preview_cooldown_h" env:"ANCHOR_ARCHIVED_PREVIEW_COOLDOWN_H"`

	// PageSize is the archive query page size.
	PageSize int `toml:"page_size" env:"ANCHOR_PAGE_SIZE"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level   string `toml:"level" env:"ANCHOR_LOG_LEVEL"`
	File    string `toml:"file" env:"ANCHOR_LOG_FILE"`
	Console bool   `toml:"console" env:"ANCHOR_LOG_CONSOLE"`
}

// StorageConfig contains storage settings.
type StorageConfig struct {
	// SaveMessages enables/disables the durable message cache.
	SaveMessages bool `toml:"save_messages" env:"ANCHOR_SAVE_MESSAGES"`

	// MessageRetentionDays is the number of days to keep messages (0 = forever).
	MessageRetentionDays int `toml:"message_retention_days" env:"ANCHOR_MESSAGE_RETENTION_DAYS"`

	// VacuumOnStartup runs database vacuum on startup.
	VacuumOnStartup bool `toml:"vacuum_on_startup" env:"ANCHOR_VACUUM_ON_STARTUP"`
}

// Paths holds the XDG-compliant paths for the application.
type Paths struct {
	ConfigDir string
	DataDir   string
	CacheDir  string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:     "",
			AutoConnect: true,
		},
		Account: AccountConfig{
			Port:     5222,
			Resource: "anchor",
		},
		Connection: ConnectionConfig{
			InitialRetryDelayMS: 1000,
			MaxRetryDelayS:      120,
			MaxRetryAttempts:    10,
			SessionTimeoutS:     600,
		},
		Presence: PresenceConfig{
			AutoAwayEnabled:    true,
			AutoAwayThresholdS: 300,
		},
		Sync: SyncConfig{
			SweepConcurrency:         2,
			RoomSweepDelayS:          10,
			RosterDiscoveryCooldownM: 60,
			ArchivedPreviewCooldownH: 24,
			PageSize:                 50,
		},
		Logging: LoggingConfig{
			Level:   "info",
			File:    "",
			Console: false,
		},
		Storage: StorageConfig{
			SaveMessages:         true,
			MessageRetentionDays: 0, // Forever
			VacuumOnStartup:      false,
		},
	}
}

// InitialRetryDelay returns the configured initial backoff delay.
func (c ConnectionConfig) InitialRetryDelay() time.Duration {
	return time.Duration(c.InitialRetryDelayMS) * time.Millisecond
}

// MaxRetryDelay returns the configured backoff cap.
func (c ConnectionConfig) MaxRetryDelay() time.Duration {
	return time.Duration(c.MaxRetryDelayS) * time.Second
}

// SessionTimeout returns the configured suspend tolerance.
func (c ConnectionConfig) SessionTimeout() time.Duration {
	return time.Duration(c.SessionTimeoutS) * time.Second
}

// AutoAwayThreshold returns the configured idle threshold.
func (c PresenceConfig) AutoAwayThreshold() time.Duration {
	return time.Duration(c.AutoAwayThresholdS) * time.Second
}

// RoomSweepDelay returns the configured room sweep delay.
func (c SyncConfig) RoomSweepDelay() time.Duration {
	return time.Duration(c.RoomSweepDelayS) * time.Second
}

// RosterDiscoveryCooldown returns the configured discovery cooldown.
func (c SyncConfig) RosterDiscoveryCooldown() time.Duration {
	return time.Duration(c.RosterDiscoveryCooldownM) * time.Minute
}

// ArchivedPreviewCooldown returns the configured preview cooldown.
func (c SyncConfig) ArchivedPreviewCooldown() time.Duration {
	return time.Duration(c.ArchivedPreviewCooldownH) * time.Hour
}

// GetPaths returns XDG-compliant paths for the application.
func GetPaths() (*Paths, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, ".config")
	}
	configDir = filepath.Join(configDir, "anchor")

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	dataDir = filepath.Join(dataDir, "anchor")

	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cacheDir = filepath.Join(home, ".cache")
	}
	cacheDir = filepath.Join(cacheDir, "anchor")

	return &Paths{
		ConfigDir: configDir,
		DataDir:   dataDir,
		CacheDir:  cacheDir,
	}, nil
}

// EnsureDirectories creates the necessary directories.
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.DataDir, p.CacheDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// Load loads the configuration: defaults, then the config file, then
// environment overrides.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, err
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	configPath := filepath.Join(paths.ConfigDir, "config.toml")

	if _, err := os.Stat(configPath); err == nil {
		if _, err := toml.DecodeFile(configPath, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.General.DataDir == "" {
		cfg.General.DataDir = paths.DataDir
	} else {
		cfg.General.DataDir = expandPath(cfg.General.DataDir)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.General.DataDir, "anchor.log")
	} else {
		cfg.Logging.File = expandPath(cfg.Logging.File)
	}

	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Account.JID == "" {
		return fmt.Errorf("account.jid is required")
	}
	if c.Connection.MaxRetryAttempts <= 0 {
		return fmt.Errorf("connection.max_retry_attempts must be positive")
	}
	if c.Sync.SweepConcurrency <= 0 {
		return fmt.Errorf("sync.sweep_concurrency must be positive")
	}
	return nil
}

// Save saves the configuration to the config file.
func Save(cfg *Config) error {
	paths, err := GetPaths()
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.ConfigDir, "config.toml")
	f, err := os.Create(configPath)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	return nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
