// Package commands implements the floe CLI: the gateway server and a
// client-side uploader.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/floelabs/floe/internal/logger"
	"github.com/floelabs/floe/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	// Global flags.
	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "floe",
	Short: "Floe - ingestion and read gateway for Walrus-backed assets",
	Long: `Floe is an ingestion and read gateway in front of a Walrus blob store
and a Sui on-chain file registry. It accepts chunked uploads, publishes
assembled files to a Walrus publisher, mints file objects on Sui, and
serves range reads by stitching segments from the aggregator fleet.

Use "floe [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called once from main.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $XDG_CONFIG_HOME/floe/config.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(uploadCmd)
}

// GetConfigFile returns the config file path from the global flag.
func GetConfigFile() string {
	return cfgFile
}

// InitLogger initializes the structured logger from configuration.
func InitLogger(cfg *config.Config) error {
	err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	return nil
}
