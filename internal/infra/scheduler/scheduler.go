// Package scheduler implements the thread-scheduling core: thread control
// blocks, the ready and sleep queues, priority donation, the MLFQS
// controller, and the driver entry points that decide which thread runs.
//
// Core concepts:
//   - One logical CPU. Every thread runs on its own goroutine, but only the
//     Running thread's goroutine executes; a context switch hands over a baton.
//   - The scheduler mutex plays the role of "interrupts disabled". Methods
//     suffixed Locked require it.
//   - Ticks arrive through Tick (realtime clock) or are delivered on the
//     running thread by Work and by the idle thread (virtual clock).
//   - Preemption: whenever a Ready thread strictly outranks the running one,
//     the running thread yields, immediately in thread context or when the
//     tick handler returns.
package scheduler

import (
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"slices"
	"sync"
	"time"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/fixedpoint"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// ClockMode selects where timer ticks come from.
type ClockMode string

const (
	// ClockVirtual delivers ticks synchronously: Work charges ticks to the
	// running thread and the idle thread advances time while nothing can
	// run. Runs are fully deterministic.
	ClockVirtual ClockMode = "virtual"
	// ClockRealtime drives Tick from a wall-clock ticker goroutine.
	ClockRealtime ClockMode = "realtime"
)

// Config configures a Scheduler.
type Config struct {
	MLFQS     bool      // multi-level feedback queue mode (default false: priority + donation)
	Clock     ClockMode // default ClockVirtual
	TimerFreq int       // ticks per second (default 100)
	TimeSlice int       // ticks a thread runs before round-robin yield (default 4)

	Logger   *slog.Logger // default: discard
	Recorder Recorder     // optional event sink
}

// DefaultConfig returns the classic defaults: priority scheduling, 100 Hz
// timer, 4-tick time slice, virtual clock.
func DefaultConfig() Config {
	return Config{
		Clock:     ClockVirtual,
		TimerFreq: 100,
		TimeSlice: 4,
	}
}

// Validate checks the configuration bounds.
func (c Config) Validate() error {
	switch c.Clock {
	case ClockVirtual, ClockRealtime:
	default:
		return fmt.Errorf("%w: %q", domain.ErrInvalidClock, c.Clock)
	}
	if c.TimerFreq < 19 || c.TimerFreq > 1000 {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidTimerFreq, c.TimerFreq)
	}
	if c.TimeSlice < 1 {
		return fmt.Errorf("%w: got %d", domain.ErrInvalidSlice, c.TimeSlice)
	}
	return nil
}

// ─── Scheduler ──────────────────────────────────────────────────────────────

// Scheduler is the process-wide scheduling context. It is created once at
// boot by New and lives until Shutdown.
type Scheduler struct {
	mu       sync.Mutex
	config   Config
	logger   *slog.Logger
	recorder Recorder

	ready    ReadyQueue
	sleepers SleepQueue
	all      []*Thread // live threads in creation order
	byID     map[domain.ThreadID]*Thread
	nextID   domain.ThreadID

	running *Thread
	initial *Thread
	idle    *Thread

	ticks         int64
	sliceTicks    int
	loadAvg       fixedpoint.Value
	inIntr        bool
	yieldOnReturn bool

	idleWake *sync.Cond // realtime: idle waits here for runnable threads
	tickCond *sync.Cond // realtime: Work waits here for the next tick

	started bool
	stopped bool
	stop    chan struct{}
	timerWG sync.WaitGroup

	halted   chan struct{}
	haltOnce sync.Once
	haltErr  *HaltError

	stats counters
}

type counters struct {
	idleTicks   int64
	kernelTicks int64
	switches    int64
	created     int64
	exited      int64
	donations   int64
}

// New builds a scheduler and turns the calling goroutine into its initial
// thread, "main", running at PriDefault. The idle thread is created but only
// runs once nothing else can.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Clock == "" {
		cfg.Clock = ClockVirtual
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	s := &Scheduler{
		config:   cfg,
		logger:   logger.With(slog.String("component", "scheduler")),
		recorder: cfg.Recorder,
		byID:     make(map[domain.ThreadID]*Thread),
		nextID:   1,
		halted:   make(chan struct{}),
	}
	s.idleWake = sync.NewCond(&s.mu)
	s.tickCond = sync.NewCond(&s.mu)

	s.mu.Lock()
	defer s.mu.Unlock()

	initial := s.allocLocked("main", domain.PriDefault, nil, nil)
	initial.state = domain.Running
	initial.started = true
	if cfg.MLFQS {
		s.recomputeMLFQSLocked(initial)
	}
	s.running = initial
	s.initial = initial

	s.idle = s.allocLocked("idle", domain.PriMin, s.idleLoop, nil)
	s.logger.Debug("scheduler initialized",
		slog.Bool("mlfqs", cfg.MLFQS),
		slog.String("clock", string(cfg.Clock)),
		slog.Int("timer_freq", cfg.TimerFreq))
	return s, nil
}

// Start begins timer delivery. With the realtime clock this starts the
// ticker goroutine; with the virtual clock it only marks the scheduler live.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return domain.ErrSchedulerStarted
	}
	s.started = true
	if s.config.Clock == ClockRealtime {
		s.stop = make(chan struct{})
		s.timerWG.Add(1)
		go s.runTimer(s.stop)
	}
	return nil
}

// Shutdown stops the realtime ticker. Threads blocked forever stay parked.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	stop := s.stop
	s.tickCond.Broadcast()
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		s.timerWG.Wait()
	}
	s.logger.Debug("scheduler stopped", slog.Int64("ticks", s.Ticks()))
}

// Config returns the configuration the scheduler runs with.
func (s *Scheduler) Config() Config { return s.config }

// MLFQS reports whether the multi-level feedback queue mode is active.
func (s *Scheduler) MLFQS() bool { return s.config.MLFQS }

// ─── Thread Lifecycle ───────────────────────────────────────────────────────

// Create makes a new Ready thread that runs fn(aux) once scheduled and exits
// when fn returns. Under MLFQS the new thread inherits the creator's nice and
// recent CPU and its priority argument is ignored. If the new thread outranks
// the caller, the caller yields before Create returns.
func (s *Scheduler) Create(name string, priority int, fn Func, aux any) domain.ThreadID {
	if fn == nil {
		fail("create", "nil work item")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	parent := s.currentLocked("create")
	t := s.allocLocked(name, priority, fn, aux)
	t.nice = parent.nice
	t.recentCPU = parent.recentCPU
	if s.config.MLFQS {
		s.recomputeMLFQSLocked(t)
	}
	s.stats.created++
	s.emitLocked(Event{Kind: EventCreate, Thread: t.id, Other: parent.id, Value: int64(t.priority)})
	s.logger.Debug("thread created",
		slog.Int("tid", int(t.id)),
		slog.String("name", t.name),
		slog.Int("priority", t.priority))

	s.unblockLocked(t)
	id := t.id
	s.preemptLocked()
	return id
}

func (s *Scheduler) allocLocked(name string, priority int, fn Func, aux any) *Thread {
	t := newThread(s.nextID, name, priority, fn, aux)
	s.nextID++
	s.all = append(s.all, t)
	s.byID[t.id] = t
	return t
}

// Block puts the running thread to sleep until another thread calls
// Unblock on it. It must not be called from the tick handler.
func (s *Scheduler) Block() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockLocked()
}

func (s *Scheduler) blockLocked() {
	if s.inIntr {
		fail("block", "cannot block inside the tick handler")
	}
	cur := s.currentLocked("block")
	cur.state = domain.Blocked
	s.emitLocked(Event{Kind: EventBlock, Thread: cur.id})
	s.scheduleLocked()
}

// Unblock makes a Blocked thread Ready. Unblocking a thread in any other
// state is a programming error. Called by the running thread; if t now
// outranks it, the caller yields.
func (s *Scheduler) Unblock(t *Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unblockLocked(t)
	s.preemptLocked()
}

func (s *Scheduler) unblockLocked(t *Thread) {
	t.checkMagic("unblock")
	if t.state != domain.Blocked {
		fail("unblock", fmt.Sprintf("%s is %s, not BLOCKED", t, t.state))
	}
	t.state = domain.Ready
	s.ready.Push(t)
	s.emitLocked(Event{Kind: EventUnblock, Thread: t.id})
	s.idleWake.Signal()
}

// Yield gives up the CPU. The running thread goes to the back of its
// priority level and may be picked again immediately.
func (s *Scheduler) Yield() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.yieldLocked()
}

func (s *Scheduler) yieldLocked() {
	cur := s.currentLocked("yield")
	if cur == s.idle {
		cur.state = domain.Blocked
	} else {
		cur.state = domain.Ready
		s.ready.Push(cur)
	}
	s.scheduleLocked()
}

// Exit destroys the running thread. It never returns. Work items normally
// just return instead; Exit unwinds through deferred calls first.
func (s *Scheduler) Exit() {
	if s.Current() != s.initial {
		// The thread's start routine completes the exit once the
		// goroutine has unwound.
		runtime.Goexit()
	}
	if r := s.exit(s.initial); r != nil {
		panic(r)
	}
	runtime.Goexit()
}

// exit runs exitLocked for t and returns whatever it panicked with, the
// mutex released either way.
func (s *Scheduler) exit(t *Thread) (r any) {
	s.mu.Lock()
	defer func() {
		if r = recover(); r != nil {
			s.mu.Unlock()
		}
	}()
	s.exitLocked(t)
	return nil
}

// exitLocked marks t Dying and switches away. It returns with the mutex
// released and must be the last thing t's goroutine does.
func (s *Scheduler) exitLocked(t *Thread) {
	if s.running != t {
		fail("exit", fmt.Sprintf("%s is not running", t))
	}
	if len(t.held) > 0 {
		fail("exit", fmt.Sprintf("%s exits holding %d lock(s)", t, len(t.held)))
	}
	t.state = domain.Dying
	s.stats.exited++
	s.emitLocked(Event{Kind: EventExit, Thread: t.id})
	s.logger.Debug("thread exiting", slog.Int("tid", int(t.id)), slog.String("name", t.name))
	s.scheduleLocked()
}

// destroyLocked drops a Dying thread from the all-threads list.
func (s *Scheduler) destroyLocked(t *Thread) {
	if i := slices.Index(s.all, t); i >= 0 {
		s.all = slices.Delete(s.all, i, i+1)
	}
	delete(s.byID, t.id)
	t.magic = 0
}

// Sleep blocks the running thread for at least ticks timer ticks. It wakes
// on the first tick at or after now+ticks, saturating at math.MaxInt64;
// there is no early wake-up.
func (s *Scheduler) Sleep(ticks int64) {
	if ticks <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inIntr {
		fail("sleep", "cannot sleep inside the tick handler")
	}
	cur := s.currentLocked("sleep")
	wake := int64(math.MaxInt64)
	if ticks < math.MaxInt64-s.ticks {
		wake = s.ticks + ticks
	}
	s.sleepers.Push(cur, wake)
	cur.state = domain.Blocked
	s.emitLocked(Event{Kind: EventSleep, Thread: cur.id, Value: cur.wakeTick})
	s.scheduleLocked()
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Current returns the running thread.
func (s *Scheduler) Current() *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked("current")
}

func (s *Scheduler) currentLocked(op string) *Thread {
	t := s.running
	t.checkMagic(op)
	if t.state != domain.Running {
		fail(op, fmt.Sprintf("current %s is %s", t, t.state))
	}
	return t
}

// Lookup returns the live thread with the given ID, or nil.
func (s *Scheduler) Lookup(id domain.ThreadID) *Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byID[id]
}

// Idle returns the idle thread.
func (s *Scheduler) Idle() *Thread { return s.idle }

// Initial returns the thread New turned the calling goroutine into.
func (s *Scheduler) Initial() *Thread { return s.initial }

// Ticks returns the number of timer ticks since boot.
func (s *Scheduler) Ticks() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Foreach calls fn for every live thread, idle included, in creation order.
// fn runs inside the critical section and must not call the scheduler.
func (s *Scheduler) Foreach(fn func(t *Thread)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.all {
		fn(t)
	}
}

// ─── Priority & Niceness ────────────────────────────────────────────────────

// SetPriority sets the running thread's base priority, clamped to
// [PriMin, PriMax]. Donated priority still applies on top. Ignored under
// MLFQS. Yields if a Ready thread now outranks the caller.
func (s *Scheduler) SetPriority(p int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.config.MLFQS {
		return
	}
	cur := s.currentLocked("set_priority")
	cur.basePriority = domain.ClampPriority(p)
	s.propagateLocked(cur)
	s.preemptLocked()
}

// GetPriority returns the running thread's effective priority.
func (s *Scheduler) GetPriority() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked("get_priority").priority
}

// SetNice sets the running thread's niceness, clamped to [NiceMin, NiceMax].
// Under MLFQS its priority is recomputed on the spot.
func (s *Scheduler) SetNice(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentLocked("set_nice")
	cur.nice = domain.ClampNice(n)
	s.emitLocked(Event{Kind: EventNice, Thread: cur.id, Value: int64(cur.nice)})
	if s.config.MLFQS {
		s.recomputeMLFQSLocked(cur)
		s.preemptLocked()
	}
}

// GetNice returns the running thread's niceness.
func (s *Scheduler) GetNice() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked("get_nice").nice
}

// GetRecentCPU returns 100 times the running thread's recent CPU, rounded
// to the nearest integer.
func (s *Scheduler) GetRecentCPU() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentLocked("get_recent_cpu").recentCPU.Scaled(100)
}

// GetLoadAvg returns 100 times the system load average, rounded to the
// nearest integer.
func (s *Scheduler) GetLoadAvg() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg.Scaled(100)
}

// LoadAvg returns the raw fixed-point load average.
func (s *Scheduler) LoadAvg() fixedpoint.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadAvg
}

// ─── Timer ──────────────────────────────────────────────────────────────────

// Tick is the timer interrupt handler. The realtime ticker calls it once per
// 1/TimerFreq seconds. It never switches threads itself; a preemption it
// decides on happens when the running thread next enters the scheduler.
// Ticks after a halt are dropped.
func (s *Scheduler) Tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isHalted() {
		return
	}
	s.tickLocked()
}

func (s *Scheduler) tickLocked() {
	s.inIntr = true
	defer func() { s.inIntr = false }()

	s.ticks++
	cur := s.running
	if cur == s.idle {
		s.stats.idleTicks++
		s.emitLocked(Event{Kind: EventTick, Thread: cur.id, Value: 1})
	} else {
		s.stats.kernelTicks++
		s.emitLocked(Event{Kind: EventTick, Thread: cur.id})
	}

	if s.config.MLFQS {
		s.mlfqsTickLocked()
	}

	for _, t := range s.sleepers.WakeDue(s.ticks) {
		s.emitLocked(Event{Kind: EventWake, Thread: t.id})
		s.unblockLocked(t)
	}

	s.sliceTicks++
	if cur != s.idle && s.sliceTicks >= s.config.TimeSlice {
		s.yieldOnReturn = true
	}
	s.preemptLocked()
	s.tickCond.Broadcast()
}

// Work consumes n ticks of CPU on the running thread. With the virtual clock
// each tick is delivered immediately; with the realtime clock Work waits for
// the ticker. Preemption decided by a tick takes effect before the next one.
func (s *Scheduler) Work(n int) {
	for i := 0; i < n; i++ {
		if !s.workTick() {
			return
		}
	}
}

// workTick charges one tick to the running thread. Returns false once the
// scheduler is shut down.
func (s *Scheduler) workTick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkHaltLocked()
	if s.config.Clock == ClockVirtual {
		s.tickLocked()
	} else if !s.awaitTickLocked() {
		return false
	}
	s.intrReturnLocked()
	return true
}

// PreemptPoint yields if a tick requested it or a Ready thread outranks the
// running thread.
func (s *Scheduler) PreemptPoint() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready.TopPriority() > s.running.priority {
		s.yieldOnReturn = true
	}
	s.intrReturnLocked()
}

// awaitTickLocked waits for the realtime ticker to advance. Returns false
// once the scheduler is shut down.
func (s *Scheduler) awaitTickLocked() bool {
	t0 := s.ticks
	for s.ticks == t0 {
		s.checkHaltLocked()
		if s.stopped {
			return false
		}
		s.tickCond.Wait()
	}
	return true
}

// intrReturnLocked honors a pending yield request, as on return from an
// interrupt.
func (s *Scheduler) intrReturnLocked() {
	if s.yieldOnReturn && s.running != s.idle {
		s.yieldLocked()
	}
}

// preemptLocked yields (thread context) or requests a yield (tick context)
// when a Ready thread strictly outranks the running thread.
func (s *Scheduler) preemptLocked() {
	if s.ready.TopPriority() <= s.running.priority {
		return
	}
	if s.inIntr || s.running == s.idle {
		s.yieldOnReturn = true
		return
	}
	s.yieldLocked()
}

func (s *Scheduler) runTimer(stop <-chan struct{}) {
	defer s.timerWG.Done()
	ticker := time.NewTicker(time.Second / time.Duration(s.config.TimerFreq))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !s.timerTick() {
				return
			}
		}
	}
}

// timerTick delivers one realtime tick. It reports false once the scheduler
// has halted, after which the ticker stops.
func (s *Scheduler) timerTick() (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.absorb(r)
			ok = false
		}
	}()
	s.Tick()
	return !s.isHalted()
}

// ─── Stats & Inspection ─────────────────────────────────────────────────────

// Stats holds scheduler statistics.
type Stats struct {
	Ticks           int64           `json:"ticks"`
	IdleTicks       int64           `json:"idle_ticks"`
	KernelTicks     int64           `json:"kernel_ticks"`
	ContextSwitches int64           `json:"context_switches"`
	ThreadsCreated  int64           `json:"threads_created"`
	ThreadsExited   int64           `json:"threads_exited"`
	Donations       int64           `json:"donations"`
	LiveThreads     int             `json:"live_threads"`
	ReadyThreads    int             `json:"ready_threads"`
	Sleepers        int             `json:"sleepers"`
	LoadAvg         int             `json:"load_avg"` // hundredths
	MLFQS           bool            `json:"mlfqs"`
	Running         domain.ThreadID `json:"running"`
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Ticks:           s.ticks,
		IdleTicks:       s.stats.idleTicks,
		KernelTicks:     s.stats.kernelTicks,
		ContextSwitches: s.stats.switches,
		ThreadsCreated:  s.stats.created,
		ThreadsExited:   s.stats.exited,
		Donations:       s.stats.donations,
		LiveThreads:     len(s.all),
		ReadyThreads:    s.ready.Len(),
		Sleepers:        s.sleepers.Len(),
		LoadAvg:         s.loadAvg.Scaled(100),
		MLFQS:           s.config.MLFQS,
		Running:         s.running.id,
	}
}

// String formats the statistics the way boot logs print them.
func (st Stats) String() string {
	return fmt.Sprintf("Thread: %d idle ticks, %d kernel ticks, %d context switches",
		st.IdleTicks, st.KernelTicks, st.ContextSwitches)
}

// ThreadInfo is a point-in-time copy of one thread's scheduling state.
type ThreadInfo struct {
	ID           domain.ThreadID `json:"id"`
	Name         string          `json:"name"`
	State        domain.State    `json:"state"`
	Priority     int             `json:"priority"`
	BasePriority int             `json:"base_priority"`
	Nice         int             `json:"nice"`
	RecentCPU    int             `json:"recent_cpu"` // hundredths
	WakeTick     int64           `json:"wake_tick,omitempty"`
	HeldLocks    int             `json:"held_locks"`
	WaitingFor   domain.ThreadID `json:"waiting_for,omitempty"` // holder of the lock being acquired
}

// Snapshot copies every live thread's state under the scheduler lock.
func (s *Scheduler) Snapshot() []ThreadInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ThreadInfo, 0, len(s.all))
	for _, t := range s.all {
		info := ThreadInfo{
			ID:           t.id,
			Name:         t.name,
			State:        t.state,
			Priority:     t.priority,
			BasePriority: t.basePriority,
			Nice:         t.nice,
			RecentCPU:    t.recentCPU.Scaled(100),
			HeldLocks:    len(t.held),
		}
		if t.sleepIndex >= 0 {
			info.WakeTick = t.wakeTick
		}
		if t.waitingOn != nil {
			if h := t.waitingOn.Holder(); h != nil {
				info.WaitingFor = h.id
			}
		}
		out = append(out, info)
	}
	return out
}
