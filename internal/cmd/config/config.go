// Package config provides CLI commands for managing swmrcoord configuration.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/kjk/common/atomicfile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	appconfig "github.com/Iron-Ham/swmrcoord/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or modify swmrcoord configuration",
	Long: `View or modify swmrcoord configuration.

Settings are read once when a client opens a file. Environment variables
with the SWMR_ prefix override the config file, e.g.
SWMR_HEARTBEAT_STALE_THRESHOLD_MS=5000.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE:  runConfigShow,
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long: `Set a configuration value in the user's config file.

Keys use dot notation, e.g.:
  swmrctl config set heartbeat.ping_interval_ms 500
  swmrctl config set storage.compression zstd

The resulting configuration is validated before it is saved.`,
	Args: cobra.ExactArgs(2),
	RunE: runConfigSet,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at $XDG_CONFIG_HOME/swmrcoord/config.yaml with all available options.`,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the effective configuration",
	RunE:  runConfigValidate,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)
}

// Register adds all config-related commands to the given parent command.
// This is the main entry point for integrating the config subpackage with
// the root command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	// Show where config is being read from
	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "# Config file: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}

	enc := yaml.NewEncoder(out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(settings())
}

// settings returns the effective configuration keyed like the config file.
func settings() map[string]any {
	all := viper.AllSettings()
	delete(all, "config")
	return all
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	key, raw := args[0], args[1]
	if !viper.IsSet(key) {
		return fmt.Errorf("unknown configuration key: %s\nRun 'swmrctl config show' to see valid keys", key)
	}

	prev := viper.Get(key)
	value := parseValue(prev, raw)
	viper.Set(key, value)

	if _, err := appconfig.Load(); err != nil {
		viper.Set(key, prev)
		return fmt.Errorf("invalid value for %s: %w", key, err)
	}

	if err := writeConfig(appconfig.ConfigFile(), settings()); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\nConfig saved to %s\n", key, value, appconfig.ConfigFile())
	return nil
}

// parseValue converts raw to the type of the key's current value.
func parseValue(current any, raw string) any {
	switch current.(type) {
	case int, int64:
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	case bool:
		if b, err := strconv.ParseBool(raw); err == nil {
			return b
		}
	}
	return raw
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil {
		return fmt.Errorf("config file already exists at %s\nUse 'swmrctl config set' to modify values", configFile)
	}

	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := writeFileAtomic(configFile, []byte(defaultConfigContent)); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, appconfig.ConfigFile())
	if used := viper.ConfigFileUsed(); used != "" && used != appconfig.ConfigFile() {
		fmt.Fprintf(out, "(in use: %s)\n", used)
	}
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if _, err := appconfig.Load(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
	return nil
}

func writeConfig(path string, values map[string]any) error {
	if err := os.MkdirAll(appconfig.ConfigDir(), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(values)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return writeFileAtomic(path, data)
}

// writeFileAtomic replaces path so that readers never see a partial file.
func writeFileAtomic(path string, data []byte) error {
	f, err := atomicfile.New(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	// calling Close() twice is a no-op
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

const defaultConfigContent = `# swmrcoord configuration

# Liveness tracking. Every client refreshes its entry each ping interval;
# an entry older than the stale threshold is treated as crashed and reaped.
heartbeat:
  ping_interval_ms: 1000
  stale_threshold_ms: 3000

# Protocol waits
wait:
  # Log a warning each time an open has been blocked this long
  blocking_message_ms: 500
  # Upper bound on the sleep between checks when no change event arrives
  poll_interval_ms: 50

registry:
  # Processes that may attach to one file at a time
  max_processes: 100

# Delays before each attempt to create, open or rename a data file that is
# locked by another process
retry:
  delays_ms: [0, 10, 100, 500, 1000, 5000]

paths:
  # Directory for coordination segments. Empty means /dev/shm or the temp dir
  shm_dir: ""

storage:
  # Payload compression for new record files: none, zstd or brotli
  compression: none
  # Flush automatically after this many records, 0 = only on request
  chunk_records: 100

logging:
  # debug, info, warn or error
  level: info
  # Empty logs to stderr
  file: ""
  max_size_mb: 10
  max_backups: 3
  compress: false
`
