package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/tutu-network/threadsched/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveScenario, "scenario", "", "Scenario to loop on the live scheduler (overrides config)")
	serveCmd.Flags().BoolVar(&serveMLFQS, "mlfqs", false, "Run the live scheduler in MLFQS mode")
	serveCmd.Flags().BoolVar(&serveNoTrace, "no-trace", false, "Do not record traces")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost     string
	servePort     int
	serveScenario string
	serveMLFQS    bool
	serveNoTrace  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the live scheduler and the HTTP API",
	Long: `Start a realtime-clock scheduler, optionally looping a scenario on it, and
serve its threads, statistics, replays and recorded traces at localhost:7077.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Override config from flags
	if serveHost != "" {
		cfg.API.Host = serveHost
	}
	if servePort > 0 {
		cfg.API.Port = servePort
	}
	if serveScenario != "" {
		cfg.Kernel.Scenario = serveScenario
	}
	if cmd.Flags().Changed("mlfqs") {
		cfg.Kernel.MLFQS = serveMLFQS
	}
	if serveNoTrace {
		cfg.Trace.Enabled = false
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
