package cli

import (
	"log/slog"
	"os"

	"github.com/tutu-network/threadsched/internal/daemon"
	"github.com/tutu-network/threadsched/internal/fixedpoint"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/logging"
)

// loadConfig reads the config file named by --config, or the default one,
// and applies the persistent flag overrides.
func loadConfig() (daemon.Config, error) {
	path := configPath
	if path == "" {
		path = daemon.ConfigPath()
	}
	cfg, err := daemon.LoadConfigFile(path)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, cfg.Validate()
}

// newLogger builds the stderr logger for a command.
func newLogger(cfg daemon.Config) *slog.Logger {
	return logging.NewLoggerWithWriter(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format, os.Stderr).
		With(slog.String("component", "cli"))
}

// openStore opens the trace store named by the config.
func openStore(cfg daemon.Config) (*sqlite.DB, error) {
	return sqlite.Open(cfg.Trace.Dir)
}

// fixedString renders a raw 17.14 value.
func fixedString(raw int64) string {
	return fixedpoint.Value(raw).String()
}
