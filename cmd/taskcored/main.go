package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "0.0.0"

var rootCmd = &cobra.Command{
	Use:   "taskcored",
	Short: "taskcored schedules tasks from a store and retries the ones that fail",
	Long: `taskcored runs the task scheduling core as a daemon.

Pending tasks are ranked by priority, gated by their dependencies and
schedules, and handed to the configured command or systemd unit runners.
Failed runs are retried according to the retry policy.
`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "./config.yaml", "path to the config file (YAML or JSON)")
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(submitCmd())
	rootCmd.AddCommand(versionCmd())
}
