// Package cli implements the gridcoin command line.
package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tutu-network/gridcoin/internal/api"
	"github.com/tutu-network/gridcoin/internal/daemon"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "gridcoin",
	Short: "Coin ledger and reward engine for volunteer grid computing",
	Long: `gridcoin credits volunteers with coins for validated grid-computing
results and lets them spend the coins on partner rewards. Run "gridcoin serve"
to start the HTTP API; the other commands administer the store directly.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $GRIDCOIN_HOME/config.toml)")
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// ─── version ────────────────────────────────────────────────────────────────

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "gridcoin %s\n", api.Version)
	},
}

// ─── Helpers ────────────────────────────────────────────────────────────────

func loadConfig() (daemon.Config, zerolog.Logger, error) {
	path := configPath
	if path == "" {
		path = filepath.Join(daemon.Home(), "config.toml")
	}
	cfg, err := daemon.LoadConfig(path)
	if err != nil {
		return cfg, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.Log.Format, cfg.Log.Level)
	return cfg, log, err
}

// openDaemon wires the services without serving; admin commands use it.
func openDaemon(ctx context.Context) (*daemon.Daemon, error) {
	cfg, log, err := loadConfig()
	if err != nil {
		return nil, err
	}
	cfg.Notify.Async = false
	return daemon.New(ctx, cfg, log)
}
