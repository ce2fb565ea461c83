package scheduler

import (
	"fmt"
	"log/slog"

	"github.com/tutu-network/threadsched/internal/domain"
)

// ─── Context Switching ──────────────────────────────────────────────────────
//
// Each thread owns a goroutine and a one-slot resume channel. Switching from
// prev to next posts to next.resume (or starts next's goroutine) and parks
// prev on its own channel. Because the channel is buffered, a resume posted
// before the target parks is not lost.

// scheduleLocked picks the next thread and switches to it. The running
// thread's state must already have been changed away from Running.
func (s *Scheduler) scheduleLocked() {
	s.checkHaltLocked()
	prev := s.running
	if prev.state == domain.Running {
		fail("schedule", fmt.Sprintf("%s is still RUNNING", prev))
	}
	prev.checkLinks("schedule")

	next := s.ready.Pop()
	if next == nil {
		next = s.idle
	}
	next.checkMagic("schedule")
	next.state = domain.Running
	next.checkLinks("schedule")

	s.running = next
	s.sliceTicks = 0
	s.yieldOnReturn = false
	if next == prev {
		return
	}
	s.stats.switches++
	s.emitLocked(Event{Kind: EventSwitch, Thread: prev.id, Other: next.id})
	s.switchLocked(prev, next)
}

// switchLocked transfers the CPU from prev to next. It returns once prev is
// scheduled again, with the mutex held. A Dying prev is destroyed instead and
// switchLocked returns with the mutex released. A parked prev also wakes
// when the scheduler halts, and unwinds from here.
func (s *Scheduler) switchLocked(prev, next *Thread) {
	if next.started {
		next.resume <- struct{}{}
	} else {
		next.started = true
		go s.start(next)
	}

	if prev.state == domain.Dying {
		s.destroyLocked(prev)
		s.mu.Unlock()
		return
	}

	s.mu.Unlock()
	select {
	case <-prev.resume:
	case <-s.halted:
	}
	s.mu.Lock()
	s.checkHaltLocked()
	prev.checkMagic("resume")
}

// start is the first code a new thread's goroutine runs.
func (s *Scheduler) start(t *Thread) {
	defer s.finish(t)

	// The switching thread still holds the mutex; wait for it to park.
	func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		t.checkMagic("start")
	}()
	t.fn(t.aux)
}

// finish exits t after its work item returned or called Exit. A thread that
// unwound with a halt or an invariant violation is not exited; the
// scheduler halts instead and the goroutine ends. Any other panic keeps
// unwinding and takes the process down.
func (s *Scheduler) finish(t *Thread) {
	r := recover()
	if r == nil {
		r = s.exit(t)
	}
	if r != nil {
		s.absorb(r)
	}
}

// ─── Idle Thread ────────────────────────────────────────────────────────────

// idleLoop runs whenever no other thread is Ready. With the virtual clock it
// advances time one tick at a time; with the realtime clock it waits for the
// ticker (or an unblock) to make something runnable.
func (s *Scheduler) idleLoop(any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		for s.ready.Len() == 0 {
			s.checkHaltLocked()
			if s.config.Clock == ClockRealtime {
				s.idleWake.Wait()
				continue
			}
			if s.sleepers.Len() == 0 {
				s.logger.Error("deadlock: no runnable or sleeping threads",
					slog.Int64("tick", s.ticks),
					slog.Int("live", len(s.all)))
				fail("idle", "deadlock: every thread is blocked with no timed wake-up pending")
			}
			s.tickLocked()
		}
		s.yieldLocked()
	}
}
