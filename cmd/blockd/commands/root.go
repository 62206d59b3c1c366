// Package commands implements the blockd CLI.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/qabelwerk/blockd/internal/logger"
	"github.com/qabelwerk/blockd/pkg/config"
)

var (
	// Version information injected at build time.
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"

	cfgFile string
)

var rootCmd = &cobra.Command{
	Use:   "blockd",
	Short: "blockd - block storage gateway",
	Long: `blockd is a multi-tenant block storage gateway. It fronts an
S3-compatible object store (or a local directory) with a streaming HTTP API,
enforces per-user storage and traffic quotas against a relational ledger, and
broadcasts mutations to websocket subscribers.

Use "blockd [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./blockd.yaml or /etc/blockd/blockd.yaml)")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(migrateCmd)
}

// loadConfigAndLogger loads the configuration and initializes the process
// logger from it.
func loadConfigAndLogger() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}
