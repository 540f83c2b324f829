// Package cli provides the command-line interface for commrelay.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/commrelay/commrelay/internal/config"
)

// Version and Commit are set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "commrelay",
	Short: "Relay new VK community posts to a Telegram channel",
	Long: "commrelay polls VK community walls on a cron schedule and forwards every new post " +
		"to a Telegram channel exactly once, in publication order.\n\n" +
		"Without a subcommand it follows general.run_mode (or RUN_MODE): scheduled or once.",
	SilenceUsage: true,
	RunE:         rootAction,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "commrelay %s (%s)\n", Version, Commit)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.yaml (default $CONFIG_PATH or "+config.DefaultConfigPath+")")
	rootCmd.AddCommand(versionCmd, runCmd, onceCmd, resolveCmd, stateCmd)
}

// Execute runs the root command. Cancelling ctx stops a running scheduler gracefully.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func rootAction(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.General.RunMode == config.RunModeOnce {
		return onceWithConfig(cmd, cfg)
	}
	return runWithConfig(cmd, cfg)
}
