package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	configcmd "github.com/Iron-Ham/swmrcoord/internal/cmd/config"
	"github.com/Iron-Ham/swmrcoord/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "swmrctl",
	Short: "Inspect and exercise single-writer/multi-reader file coordination",
	Long: `swmrctl inspects the shared coordination state that lets one writer
and many readers share a data file across processes, and includes a demo
writer and reader that take part in the protocol.

Coordination segments live in the shm directory (/dev/shm by default).`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $XDG_CONFIG_HOME/swmrcoord/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn or error")
	rootCmd.PersistentFlags().String("shm-dir", "", "directory holding coordination segments")
	bindFlags()

	configcmd.Register(rootCmd)
}

func bindFlags() {
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("paths.shm_dir", rootCmd.PersistentFlags().Lookup("shm-dir"))
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("SWMR")
	// Replace dots with underscores for nested keys in env vars
	// e.g., SWMR_HEARTBEAT_PING_INTERVAL_MS for heartbeat.ping_interval_ms
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}
