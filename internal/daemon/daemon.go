package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tutu-network/threadsched/internal/api"
	"github.com/tutu-network/threadsched/internal/app/replay"
	"github.com/tutu-network/threadsched/internal/health"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/logging"
	"github.com/tutu-network/threadsched/internal/workload"
)

// traceBacklogLimit is the unflushed event count the health check tolerates.
const traceBacklogLimit = 100_000

// Daemon is the threadsched runtime. It wires together all services.
type Daemon struct {
	Config Config
	Logger *slog.Logger
	DB     *sqlite.DB // nil when tracing is disabled
	Kernel *Kernel
	Replay *replay.Service
	Health *health.Checker
	Server *api.Server
	cancel context.CancelFunc
}

// New creates and initializes a Daemon from the config file.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration and boots its
// live scheduler.
func NewWithConfig(cfg Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logging.NewLogger(logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	d := &Daemon{
		Config: cfg,
		Logger: logger.With(slog.String("component", "daemon")),
	}

	if cfg.Trace.Enabled {
		db, err := sqlite.Open(cfg.Trace.Dir)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		d.DB = db
	}

	var sc *workload.Scenario
	if cfg.Kernel.Scenario != "" {
		var err error
		if sc, err = workload.Resolve(cfg.Kernel.Scenario); err != nil {
			d.Close()
			return nil, fmt.Errorf("kernel scenario: %w", err)
		}
	}
	k, err := StartKernel(cfg.SchedulerConfig(), sc, d.DB, logger)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("start kernel: %w", err)
	}
	d.Kernel = k

	d.Replay = replay.NewService(d.DB, cfg.SchedulerConfig(), logger)

	d.Health = health.NewChecker().WithTimer(k.Scheduler())
	if d.DB != nil {
		d.Health.WithStore(d.DB)
		d.Health.WithBacklog(k, traceBacklogLimit).WithCircuit(k.Breaker())
	}

	srv := api.NewServer(k.Scheduler())
	srv.SetReplayer(d.Replay)
	srv.SetHealth(d.Health)
	srv.SetCORSOrigins(cfg.API.CORSOrigins)
	if d.DB != nil {
		srv.SetRunStore(d.DB)
	}
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	go d.Kernel.Run(ctx)
	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 3 * time.Minute,
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Logger.Info("serving",
		slog.String("addr", "http://"+addr),
		slog.Bool("mlfqs", d.Config.Kernel.MLFQS),
		slog.String("scenario", d.Config.Kernel.Scenario),
		slog.Bool("trace", d.DB != nil),
		slog.Bool("metrics", d.Config.Telemetry.Prometheus))

	err := httpServer.ListenAndServe()
	d.Close()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.Kernel != nil {
		if err := d.Kernel.Stop(); err != nil {
			d.Logger.Warn("kernel stop", slog.String("error", err.Error()))
		}
	}
	if d.DB != nil {
		_ = d.DB.Close()
		d.DB = nil
	}
}
