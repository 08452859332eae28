package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete swmrcoord configuration
type Config struct {
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Wait      WaitConfig      `mapstructure:"wait"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Paths     PathsConfig     `mapstructure:"paths"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HeartbeatConfig controls liveness tracking and crash reaping
type HeartbeatConfig struct {
	// PingIntervalMs is how often each client refreshes its own liveness
	// timestamp and scans for stale peers (default: 1000)
	PingIntervalMs int `mapstructure:"ping_interval_ms"`
	// StaleThresholdMs is the age after which a peer is treated as crashed
	// and reaped. Must be larger than PingIntervalMs (default: 3000)
	StaleThresholdMs int `mapstructure:"stale_threshold_ms"`
}

// WaitConfig controls the protocol waits
type WaitConfig struct {
	// BlockingMessageMs logs a warning each time a wait has been blocked this
	// long. Observability only; it never aborts a wait (default: 500)
	BlockingMessageMs int `mapstructure:"blocking_message_ms"`
	// PollIntervalMs bounds how long a waiter sleeps between predicate checks
	// when no change notification arrives (default: 50)
	PollIntervalMs int `mapstructure:"poll_interval_ms"`
}

// RegistryConfig controls the shared process registry
type RegistryConfig struct {
	// MaxProcesses is the capacity of the process registry of a newly created
	// segment. Clients attaching to an existing segment use its capacity (default: 100)
	MaxProcesses int `mapstructure:"max_processes"`
}

// RetryConfig controls the backoff applied to transient backend lock errors
type RetryConfig struct {
	// DelaysMs is the delay before each attempt; its length is the attempt budget
	// (default: [0, 10, 100, 500, 1000, 5000])
	DelaysMs []int `mapstructure:"delays_ms"`
}

// PathsConfig controls where shared state lives
type PathsConfig struct {
	// ShmDir is the directory holding segment files and the global lock.
	// Empty means /dev/shm when present, otherwise the OS temp dir.
	ShmDir string `mapstructure:"shm_dir"`
}

// StorageConfig controls the record-file backend
type StorageConfig struct {
	// Compression is the payload compression for newly created files:
	// "none", "zstd" or "brotli" (default: "none")
	Compression string `mapstructure:"compression"`
	// ChunkRecords flushes automatically after this many appended records;
	// 0 leaves flushing to the writer's own loop (default: 100)
	ChunkRecords int `mapstructure:"chunk_records"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn" or "error" (default: "info")
	Level string `mapstructure:"level"`
	// File is the log file path; empty logs to stderr
	File string `mapstructure:"file"`
	// MaxSizeMB rotates the log file past this size, 0 disables rotation (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated log files (default: false)
	Compress bool `mapstructure:"compress"`
}

// Default returns a Config with default values
func Default() *Config {
	return &Config{
		Heartbeat: HeartbeatConfig{
			PingIntervalMs:   1000,
			StaleThresholdMs: 3000,
		},
		Wait: WaitConfig{
			BlockingMessageMs: 500,
			PollIntervalMs:    50,
		},
		Registry: RegistryConfig{
			MaxProcesses: 100,
		},
		Retry: RetryConfig{
			DelaysMs: []int{0, 10, 100, 500, 1000, 5000},
		},
		Paths: PathsConfig{
			ShmDir: "", // Empty means /dev/shm or os.TempDir()
		},
		Storage: StorageConfig{
			Compression:  "none",
			ChunkRecords: 100,
		},
		Logging: LoggingConfig{
			Level:      "info",
			File:       "",
			MaxSizeMB:  10,
			MaxBackups: 3,
			Compress:   false,
		},
	}
}

// PingInterval returns the heartbeat period as a time.Duration
func (c *HeartbeatConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMs) * time.Millisecond
}

// StaleThreshold returns the staleness threshold as a time.Duration
func (c *HeartbeatConfig) StaleThreshold() time.Duration {
	return time.Duration(c.StaleThresholdMs) * time.Millisecond
}

// BlockingMessage returns the blocking warning threshold as a time.Duration
func (c *WaitConfig) BlockingMessage() time.Duration {
	return time.Duration(c.BlockingMessageMs) * time.Millisecond
}

// PollInterval returns the wait poll interval as a time.Duration
func (c *WaitConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// Delays returns the retry schedule as durations
func (c *RetryConfig) Delays() []time.Duration {
	out := make([]time.Duration, len(c.DelaysMs))
	for i, ms := range c.DelaysMs {
		out[i] = time.Duration(ms) * time.Millisecond
	}
	return out
}

// ResolveShmDir returns ShmDir, or the platform default when it is empty
func (p *PathsConfig) ResolveShmDir() string {
	if p.ShmDir != "" {
		return p.ShmDir
	}
	return DefaultShmDir()
}

// DefaultShmDir returns /dev/shm when it exists and is a directory,
// otherwise os.TempDir()
func DefaultShmDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

// SetDefaults registers default values with viper
func SetDefaults() {
	defaults := Default()

	viper.SetDefault("heartbeat.ping_interval_ms", defaults.Heartbeat.PingIntervalMs)
	viper.SetDefault("heartbeat.stale_threshold_ms", defaults.Heartbeat.StaleThresholdMs)

	viper.SetDefault("wait.blocking_message_ms", defaults.Wait.BlockingMessageMs)
	viper.SetDefault("wait.poll_interval_ms", defaults.Wait.PollIntervalMs)

	viper.SetDefault("registry.max_processes", defaults.Registry.MaxProcesses)

	viper.SetDefault("retry.delays_ms", defaults.Retry.DelaysMs)

	viper.SetDefault("paths.shm_dir", defaults.Paths.ShmDir)

	viper.SetDefault("storage.compression", defaults.Storage.Compression)
	viper.SetDefault("storage.chunk_records", defaults.Storage.ChunkRecords)

	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.file", defaults.Logging.File)
	viper.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	viper.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	viper.SetDefault("logging.compress", defaults.Logging.Compress)
}

// Load reads the configuration from viper into a Config struct and validates it
func Load() (*Config, error) {
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// Get returns the current configuration (convenience function)
func Get() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "swmrcoord")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swmrcoord"
	}
	return filepath.Join(home, ".config", "swmrcoord")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidCompressions returns the list of valid storage compression values
func ValidCompressions() []string {
	return []string{"none", "zstd", "brotli"}
}

// IsValidCompression checks if the given compression name is valid
func IsValidCompression(name string) bool {
	for _, valid := range ValidCompressions() {
		if strings.EqualFold(name, valid) {
			return true
		}
	}
	return false
}
