package workload

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
)

// Result summarizes one scenario replay.
type Result struct {
	Scenario string          `json:"scenario"`
	MLFQS    bool            `json:"mlfqs"`
	Order    []string        `json:"order"` // completion order
	Log      []LogLine       `json:"log,omitempty"`
	Threads  []ThreadResult  `json:"threads"`
	LoadAvg  int             `json:"load_avg"` // hundredths
	Ticks    int64           `json:"ticks"`
	Elapsed  time.Duration   `json:"elapsed"`
	Stats    scheduler.Stats `json:"stats"`
}

// LogLine is one "log" step as it executed.
type LogLine struct {
	Tick     int64  `json:"tick"`
	Thread   string `json:"thread"`
	Msg      string `json:"msg"`
	Priority int    `json:"priority"`
}

// ThreadResult is a thread's state when its steps ran out.
type ThreadResult struct {
	Name       string          `json:"name"`
	ID         domain.ThreadID `json:"id"`
	FinishTick int64           `json:"finish_tick"`
	Priority   int             `json:"priority"`
	Nice       int             `json:"nice"`
	RecentCPU  int             `json:"recent_cpu"` // hundredths
	TicksRun   int             `json:"ticks_run"`
}

// Run replays sc on s. It must be called from s's running thread, normally
// the initial one; it creates every declared thread in order and returns
// once all of them have finished. The caller's priority and niceness are
// left as they were.
//
// If the scheduler halts mid-replay, because Halt was called or a thread
// broke a scheduler invariant, Run returns an error wrapping
// domain.ErrHalted and the cause. The scheduler cannot be used afterwards.
func Run(s *scheduler.Scheduler, sc *Scenario, logger *slog.Logger) (res *Result, err error) {
	if err := sc.Validate(); err != nil {
		return nil, err
	}
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		e, ok := r.(error)
		if !ok || !errors.Is(e, domain.ErrHalted) && !errors.Is(e, domain.ErrInvariant) {
			panic(r)
		}
		s.Halt(e)
		res, err = nil, fmt.Errorf("scenario %q: %w", sc.Name, s.Err())
	}()
	if sc.MLFQS != nil && *sc.MLFQS != s.MLFQS() {
		return nil, fmt.Errorf("%w: %q wants mlfqs=%v", domain.ErrModeMismatch, sc.Name, *sc.MLFQS)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	logger = logger.With(slog.String("component", "workload"), slog.String("scenario", sc.Name))

	r := &runner{
		s:      s,
		sc:     sc,
		locks:  make(map[string]*scheduler.Lock, len(sc.Locks)),
		done:   scheduler.NewSemaphore(s, 0),
		result: &Result{Scenario: sc.Name, MLFQS: s.MLFQS()},
		logger: logger,
	}
	for _, name := range sc.Locks {
		r.locks[name] = scheduler.NewLock(s, name)
	}

	start := time.Now()
	startTick := s.Ticks()
	r.result.Threads = make([]ThreadResult, len(sc.Threads))
	for i := range sc.Threads {
		spec := &sc.Threads[i]
		priority := domain.PriDefault
		if spec.Priority != nil {
			priority = *spec.Priority
		}
		r.result.Threads[i].Name = spec.Name
		id := s.Create(spec.Name, priority, r.body, i)
		r.result.Threads[i].ID = id
		logger.Debug("thread spawned", slog.String("thread", spec.Name), slog.Int("tid", int(id)))
	}
	for range sc.Threads {
		r.done.Down()
	}

	r.result.Ticks = s.Ticks() - startTick
	r.result.LoadAvg = s.GetLoadAvg()
	r.result.Stats = s.Stats()
	r.result.Elapsed = time.Since(start)
	logger.Info("scenario finished",
		slog.Int64("ticks", r.result.Ticks),
		slog.Int64("switches", r.result.Stats.ContextSwitches))
	return r.result, nil
}

type runner struct {
	s      *scheduler.Scheduler
	sc     *Scenario
	locks  map[string]*scheduler.Lock
	done   *scheduler.Semaphore
	result *Result
	logger *slog.Logger
}

// body is every scenario thread's work item; aux is the thread's index.
func (r *runner) body(aux any) {
	i := aux.(int)
	res := &r.result.Threads[i]
	spec := &r.sc.Threads[i]

	if spec.Nice != 0 {
		r.s.SetNice(spec.Nice)
	}
	for _, st := range spec.Steps {
		switch st.Op {
		case OpWork:
			r.s.Work(st.N)
			res.TicksRun += st.N
		case OpSleep:
			r.s.Sleep(int64(st.N))
		case OpYield:
			r.s.Yield()
		case OpAcquire:
			r.locks[st.Lock].Acquire()
		case OpRelease:
			r.locks[st.Lock].Release()
		case OpSetPriority:
			r.s.SetPriority(st.Priority)
		case OpSetNice:
			r.s.SetNice(st.Nice)
		case OpLog:
			r.result.Log = append(r.result.Log, LogLine{
				Tick:     r.s.Ticks(),
				Thread:   spec.Name,
				Msg:      st.Msg,
				Priority: r.s.GetPriority(),
			})
		}
	}

	res.FinishTick = r.s.Ticks()
	res.Priority = r.s.GetPriority()
	res.Nice = r.s.GetNice()
	res.RecentCPU = r.s.GetRecentCPU()
	r.result.Order = append(r.result.Order, spec.Name)
	r.done.Up()
}
