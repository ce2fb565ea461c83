package scheduler

import (
	"fmt"
	"log/slog"
	"slices"
)

// ─── Priority Donation ──────────────────────────────────────────────────────
//
// A thread's effective priority is the maximum of its base priority and the
// effective priorities of every thread waiting on any lock it holds. Waiters
// may themselves hold donated priority, so the maximum is transitive along
// the chain waiter → waitingOn → holder → waitingOn → ...
//
// Donation is never stored as a scalar: the effective priority is recomputed
// from the held-lock set, which is what makes releasing one of several held
// locks restore the right value.

// Waitable is the view of a lock the donation engine works with: who holds
// it and the highest effective priority among its waiters.
type Waitable interface {
	// Holder returns the owning thread, or nil.
	Holder() *Thread
	// MaxWaiterPriority returns the highest waiter priority, or -1 when
	// nobody waits.
	MaxWaiterPriority() int
}

// donateLocked records that donor is about to block on l and pushes donor's
// priority down the holder chain. Ignored under MLFQS.
func (s *Scheduler) donateLocked(donor *Thread, l Waitable) {
	if s.config.MLFQS {
		return
	}
	donor.waitingOn = l
	holder := l.Holder()
	if holder == nil {
		return
	}
	for h, steps := holder, 0; h != nil; h, steps = h.waitingOn.Holder(), steps+1 {
		if h == donor || steps > len(s.all) {
			fail("donate", fmt.Sprintf("%s would wait on a lock it transitively holds", donor))
		}
		if h.waitingOn == nil {
			break
		}
	}
	if donor.priority > holder.priority {
		s.stats.donations++
		s.emitLocked(Event{Kind: EventDonate, Thread: donor.id, Other: holder.id, Value: int64(donor.priority)})
		s.logger.Debug("priority donated",
			slog.Int("donor", int(donor.id)),
			slog.Int("holder", int(holder.id)),
			slog.Int("priority", donor.priority))
	}
	s.propagateLocked(holder)
}

// acquiredLocked records that t now owns l. The remaining waiters of l start
// donating to t.
// Ownership is tracked in every mode; only the priority recomputation is
// skipped under MLFQS.
func (s *Scheduler) acquiredLocked(t *Thread, l Waitable) {
	t.waitingOn = nil
	if !slices.Contains(t.held, l) {
		t.held = append(t.held, l)
	}
	if !s.config.MLFQS {
		s.propagateLocked(t)
	}
}

// releasedLocked records that t gave up l and drops any priority that was
// donated only through l.
func (s *Scheduler) releasedLocked(t *Thread, l Waitable) {
	i := slices.Index(t.held, l)
	if i < 0 {
		return
	}
	t.held = slices.Delete(t.held, i, i+1)
	if !s.config.MLFQS {
		s.propagateLocked(t)
	}
}

// donatedPriority computes t's effective priority from its base priority and
// held locks.
func donatedPriority(t *Thread) int {
	p := t.basePriority
	for _, l := range t.held {
		if w := l.MaxWaiterPriority(); w > p {
			p = w
		}
	}
	return p
}

// propagateLocked recomputes t's effective priority and walks the chain of
// locks t (and each successive holder) is blocked on while values keep
// changing. The holder graph is acyclic; a walk longer than the number of
// live threads means it is not.
func (s *Scheduler) propagateLocked(t *Thread) {
	for steps := 0; t != nil; steps++ {
		if steps > len(s.all) {
			fail("donate", "cyclic lock holder chain")
		}
		p := donatedPriority(t)
		if p == t.priority {
			return
		}
		s.setEffectiveLocked(t, p)
		if t.waitingOn == nil {
			return
		}
		next := t.waitingOn.Holder()
		if next == t {
			fail("donate", fmt.Sprintf("%s waits on a lock it holds", t))
		}
		t = next
	}
}

// setEffectiveLocked stores a new effective priority and keeps the ready
// queue ordered.
func (s *Scheduler) setEffectiveLocked(t *Thread, p int) {
	if t.priority == p {
		return
	}
	t.priority = p
	s.ready.Fix(t)
	s.emitLocked(Event{Kind: EventPriority, Thread: t.id, Value: int64(p)})
}
