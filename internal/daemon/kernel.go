package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tutu-network/threadsched/internal/infra/healing"
	"github.com/tutu-network/threadsched/internal/infra/metrics"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/workload"
)

// flushInterval is how often the live trace and gauges are refreshed.
const flushInterval = time.Second

// Kernel is the daemon's live scheduler. It runs on the realtime clock on a
// goroutine of its own, which becomes the scheduler's initial thread, and
// optionally replays one scenario in a loop so there is something to watch.
type Kernel struct {
	sched  *scheduler.Scheduler
	db     *sqlite.DB
	trace  *sqlite.TraceRecorder
	flush  *healing.Breaker
	logger *slog.Logger

	stopping atomic.Bool
	loops    atomic.Int64
}

// StartKernel boots the live scheduler. sc may be nil; db may be nil to
// disable tracing.
func StartKernel(cfg scheduler.Config, sc *workload.Scenario, db *sqlite.DB, logger *slog.Logger) (*Kernel, error) {
	if sc != nil {
		cfg = sc.Config(cfg)
	}
	cfg.Clock = scheduler.ClockRealtime
	cfg.Logger = logger

	k := &Kernel{
		db:     db,
		flush:  healing.New("trace_flush", healing.DefaultConfig()),
		logger: logger.With(slog.String("component", "kernel")),
	}
	recs := scheduler.Recorders{metrics.Recorder{Live: true}}
	if db != nil {
		name := "live"
		if sc != nil {
			name = "live:" + sc.Name
		}
		id, err := db.BeginRun(name, cfg.MLFQS)
		if err != nil {
			return nil, fmt.Errorf("begin live run: %w", err)
		}
		k.trace = db.Recorder(id)
		recs = append(recs, k.trace)
	}
	cfg.Recorder = recs

	booted := make(chan error, 1)
	go k.main(cfg, sc, booted)
	if err := <-booted; err != nil {
		return nil, err
	}
	return k, nil
}

// main is the body of the live scheduler's initial thread.
func (k *Kernel) main(cfg scheduler.Config, sc *workload.Scenario, booted chan<- error) {
	s, err := scheduler.New(cfg)
	if err == nil {
		err = s.Start()
	}
	if err != nil {
		booted <- err
		return
	}
	k.sched = s
	booted <- nil
	k.logger.Info("live scheduler started",
		slog.Bool("mlfqs", cfg.MLFQS),
		slog.Int("timer_freq", cfg.TimerFreq))

	defer func() {
		if r := recover(); r != nil {
			if _, ok := r.(*scheduler.HaltError); !ok {
				panic(r)
			}
			k.logger.Error("live scheduler halted", slog.String("error", s.Err().Error()))
		}
	}()
	for !k.stopping.Load() {
		if sc == nil {
			s.Work(cfg.TimerFreq)
			continue
		}
		res, err := workload.Run(s, sc, k.logger)
		if err != nil {
			k.logger.Error("scenario replay failed", slog.String("error", err.Error()))
			return
		}
		k.loops.Add(1)
		metrics.ObserveScenario(sc.Name, res.Elapsed)
	}
}

// Scheduler returns the live scheduler.
func (k *Kernel) Scheduler() *scheduler.Scheduler { return k.sched }

// Loops returns how many scenario replays have completed.
func (k *Kernel) Loops() int64 { return k.loops.Load() }

// RunID returns the live trace's run ID, or "" when tracing is off.
func (k *Kernel) RunID() string {
	if k.trace == nil {
		return ""
	}
	return k.trace.RunID()
}

// Run refreshes the gauges and flushes the live trace until ctx ends.
// Call in a goroutine.
func (k *Kernel) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			k.refresh()
		}
	}
}

// Breaker returns the breaker guarding live trace flushes.
func (k *Kernel) Breaker() *healing.Breaker { return k.flush }

// Pending returns the number of live trace events awaiting a flush.
func (k *Kernel) Pending() int {
	if k.trace == nil {
		return 0
	}
	return k.trace.Pending()
}

// Flush writes the buffered live trace through the flush breaker. While the
// breaker is open it returns healing.ErrOpen and the events stay buffered.
func (k *Kernel) Flush() error {
	if k.trace == nil {
		return nil
	}
	return k.flush.Do(k.trace.Flush)
}

func (k *Kernel) refresh() {
	metrics.ObserveStats(k.sched.Stats())
	err := k.Flush()
	switch {
	case err == nil:
	case errors.Is(err, healing.ErrOpen):
		k.logger.Debug("trace flush skipped", slog.Int("pending", k.Pending()))
	default:
		k.logger.Warn("trace flush failed",
			slog.Int("pending", k.Pending()),
			slog.String("breaker", k.flush.State().String()),
			slog.String("error", err.Error()))
	}
}

// Stop halts the timer and writes out the rest of the live trace. Threads
// still sleeping stay parked.
func (k *Kernel) Stop() error {
	if k.stopping.Swap(true) {
		return nil
	}
	k.sched.Shutdown()
	st := k.sched.Stats()
	k.logger.Info("live scheduler stopped", slog.String("stats", st.String()))
	if k.trace == nil {
		return nil
	}
	if err := k.trace.Flush(); err != nil {
		return err
	}
	return k.db.FinishRun(k.trace.RunID(), st.Ticks)
}
