// Package replay runs workload scenarios on fresh schedulers and records
// them. Each replay boots its own Scheduler on a dedicated goroutine, which
// becomes that scheduler's initial thread, so callers on any goroutine
// (HTTP handlers, the CLI) can start one.
package replay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tutu-network/threadsched/internal/infra/metrics"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
	"github.com/tutu-network/threadsched/internal/infra/sqlite"
	"github.com/tutu-network/threadsched/internal/workload"
)

// DefaultMaxConcurrent bounds simultaneous replays.
const DefaultMaxConcurrent = 4

// Options adjusts a single replay.
type Options struct {
	MLFQS    *bool              // force the scheduling mode
	Recorder scheduler.Recorder // extra event sink, called under the scheduler lock
}

// Outcome is a finished replay.
type Outcome struct {
	RunID  string           `json:"run_id,omitempty"`
	Result *workload.Result `json:"result"`
}

// Service replays scenarios. With a store, every replay is traced into it.
type Service struct {
	db     *sqlite.DB
	base   scheduler.Config
	logger *slog.Logger
	slots  chan struct{}
}

// NewService creates a replay service. db may be nil to disable tracing.
func NewService(db *sqlite.DB, base scheduler.Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{
		db:     db,
		base:   base,
		logger: logger.With(slog.String("component", "replay")),
		slots:  make(chan struct{}, DefaultMaxConcurrent),
	}
}

// Replay resolves ref (a built-in name or a scenario file) and replays it.
func (s *Service) Replay(ctx context.Context, ref string, opts Options) (*Outcome, error) {
	sc, err := workload.Resolve(ref)
	if err != nil {
		return nil, err
	}
	return s.ReplayScenario(ctx, sc, opts)
}

// ReplayScenario replays sc and waits for it to finish. If ctx ends first
// the replay's scheduler is halted: the replay stops at its next tick or
// switch, frees its slot, and its trace row is dropped.
func (s *Service) ReplayScenario(ctx context.Context, sc *workload.Scenario, opts Options) (*Outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := sc.Config(s.base)
	if opts.MLFQS != nil {
		cfg.MLFQS = *opts.MLFQS
	}
	cfg.Logger = s.logger

	select {
	case s.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	// Buffered so an abandoned replay can still deliver and exit.
	done := make(chan result, 1)
	go func() {
		defer func() { <-s.slots }()
		out, err := s.run(ctx, cfg, sc, opts)
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type result struct {
	out *Outcome
	err error
}

// run boots a scheduler on the calling goroutine and replays sc on it. The
// scheduler is halted when ctx ends.
func (s *Service) run(ctx context.Context, cfg scheduler.Config, sc *workload.Scenario, opts Options) (*Outcome, error) {
	// Counters only: the gauges belong to the live kernel.
	recs := scheduler.Recorders{metrics.Recorder{}}
	var trace *sqlite.TraceRecorder
	if s.db != nil {
		id, err := s.db.BeginRun(sc.Name, cfg.MLFQS)
		if err != nil {
			return nil, err
		}
		trace = s.db.Recorder(id)
		recs = append(recs, trace)
	}
	if opts.Recorder != nil {
		recs = append(recs, opts.Recorder)
	}
	cfg.Recorder = recs

	k, err := scheduler.New(cfg)
	if err != nil {
		return nil, err
	}
	if err := k.Start(); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { k.Halt(context.Cause(ctx)) })
	res, err := workload.Run(k, sc, s.logger)
	stop()
	k.Shutdown()
	if err != nil {
		if trace != nil {
			if derr := s.db.DeleteRun(trace.RunID()); derr != nil {
				s.logger.Warn("drop aborted run", slog.String("run_id", trace.RunID()), slog.Any("error", derr))
			}
		}
		return nil, err
	}

	metrics.ObserveScenario(sc.Name, res.Elapsed)
	out := &Outcome{Result: res}
	if trace == nil {
		return out, nil
	}

	out.RunID = trace.RunID()
	if err := trace.Flush(); err != nil {
		return out, fmt.Errorf("flush trace %s: %w", out.RunID, err)
	}
	if err := s.db.FinishRun(out.RunID, res.Ticks); err != nil {
		return out, fmt.Errorf("finish run %s: %w", out.RunID, err)
	}
	s.logger.Info("replay recorded",
		slog.String("run_id", out.RunID),
		slog.String("scenario", sc.Name),
		slog.Int64("ticks", res.Ticks))
	return out, nil
}
