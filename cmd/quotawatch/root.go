package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/goodtune/quotawatch/internal/config"
)

var (
	version    = "dev"
	configPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "quotawatch",
	Short: "quotawatch - usage quota watcher for Claude Code accounts",
	Long: `quotawatch polls the usage report of every configured Claude Code account
on a cadence, keeps the latest readings queryable through a local admin API,
and raises alerts when a usage window crosses a configured threshold.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "Path to configuration file")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
