// Package daemon manages the threadsched daemon lifecycle and configuration.
package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/tutu-network/threadsched/internal/infra/scheduler"
	"github.com/tutu-network/threadsched/internal/logging"
)

// Config holds all daemon configuration.
type Config struct {
	Kernel    KernelConfig    `toml:"kernel"`
	API       APIConfig       `toml:"api"`
	Trace     TraceConfig     `toml:"trace"`
	Logging   LoggingConfig   `toml:"logging"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// KernelConfig configures the scheduler. Clock applies to replays; the
// daemon's live scheduler always runs on the realtime clock.
type KernelConfig struct {
	MLFQS     bool   `toml:"mlfqs"`
	Clock     string `toml:"clock"`
	TimerFreq int    `toml:"timer_freq"`
	TimeSlice int    `toml:"time_slice"`
	// Scenario is replayed in a loop on the daemon's live scheduler.
	// Empty leaves the live scheduler idle.
	Scenario string `toml:"scenario"`
}

// APIConfig controls the HTTP API server.
type APIConfig struct {
	Host        string   `toml:"host"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TraceConfig controls run recording.
type TraceConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// TelemetryConfig controls metrics exposure.
type TelemetryConfig struct {
	Prometheus bool `toml:"prometheus"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	sc := scheduler.DefaultConfig()
	return Config{
		Kernel: KernelConfig{
			Clock:     string(scheduler.ClockVirtual),
			TimerFreq: sc.TimerFreq,
			TimeSlice: sc.TimeSlice,
		},
		API: APIConfig{
			Host:        "127.0.0.1",
			Port:        7077,
			CORSOrigins: []string{"*"},
		},
		Trace: TraceConfig{
			Enabled: true,
			Dir:     Home(),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Prometheus: true,
		},
	}
}

// SchedulerConfig converts the [kernel] section into a scheduler.Config.
func (c Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		MLFQS:     c.Kernel.MLFQS,
		Clock:     scheduler.ClockMode(c.Kernel.Clock),
		TimerFreq: c.Kernel.TimerFreq,
		TimeSlice: c.Kernel.TimeSlice,
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	var errs []error
	if err := c.SchedulerConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kernel: %w", err))
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Errorf("api: port %d out of range", c.API.Port))
	}
	if _, err := logging.LookupLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	if !logging.ValidFormat(c.Logging.Format) {
		errs = append(errs, fmt.Errorf("logging: unknown format %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// LoadConfig reads config from $THREADSCHED_HOME/config.toml, falling back
// to defaults.
func LoadConfig() (Config, error) {
	return LoadConfigFile(ConfigPath())
}

// LoadConfigFile reads config from path. A missing file yields defaults.
func LoadConfigFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Trace.Dir == "" {
		cfg.Trace.Dir = Home()
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// SaveConfig writes the config to $THREADSCHED_HOME/config.toml.
func SaveConfig(cfg Config) error {
	return SaveConfigFile(ConfigPath(), cfg)
}

// SaveConfigFile writes the config to path.
func SaveConfigFile(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// ConfigPath returns the config file location.
func ConfigPath() string {
	return filepath.Join(Home(), "config.toml")
}

// Home returns the threadsched data directory.
func Home() string {
	if env := os.Getenv("THREADSCHED_HOME"); env != "" {
		return env
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".threadsched")
}
