// Package cli implements the threadsched command-line interface using Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tutu-network/threadsched/internal/api"
)

var rootCmd = &cobra.Command{
	Use:   "threadsched",
	Short: "threadsched: a single-CPU thread scheduler you can watch",
	Long: `threadsched runs a classic teaching-kernel thread scheduler in user space:
strict priority scheduling with priority donation, or the multi-level
feedback queue scheduler (MLFQS) with nice values and a load average.

Replay a workload scenario with 'threadsched run', serve a live scheduler
and its trace store over HTTP with 'threadsched serve'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	configPath string
	logLevel   string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default $THREADSCHED_HOME/config.toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
}

// Execute runs the root command. Called from main.go.
func Execute(version string) {
	rootCmd.Version = version
	api.Version = version

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
