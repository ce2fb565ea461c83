package scheduler

import (
	"fmt"
	"log/slog"
	"slices"
)

// ─── Semaphore ──────────────────────────────────────────────────────────────

// Semaphore is a counting semaphore. Up wakes the highest-priority waiter,
// earliest-blocked among equals.
type Semaphore struct {
	s       *Scheduler
	value   int
	waiters []*Thread // blocking order
}

// NewSemaphore returns a semaphore with the given initial value.
func NewSemaphore(s *Scheduler, value int) *Semaphore {
	if value < 0 {
		fail("sema_init", fmt.Sprintf("negative initial value %d", value))
	}
	return &Semaphore{s: s, value: value}
}

// Down waits until the value is positive, then decrements it.
func (m *Semaphore) Down() {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.downLocked()
}

func (m *Semaphore) downLocked() {
	cur := m.s.currentLocked("sema_down")
	for m.value == 0 {
		m.waitLocked(cur)
	}
	m.value--
}

// waitLocked blocks cur on m once. The caller re-checks the value.
func (m *Semaphore) waitLocked(cur *Thread) {
	m.enqueueLocked(cur)
	m.s.blockLocked()
}

func (m *Semaphore) enqueueLocked(cur *Thread) {
	cur.checkUnlinked("sema_down")
	cur.waitQueue = m
	m.waiters = append(m.waiters, cur)
}

// TryDown decrements the value if it is positive and reports whether it did.
func (m *Semaphore) TryDown() bool {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if m.value == 0 {
		return false
	}
	m.value--
	return true
}

// Up increments the value and wakes one waiter. The caller yields if the
// woken thread outranks it.
func (m *Semaphore) Up() {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.upLocked()
	m.s.preemptLocked()
}

func (m *Semaphore) upLocked() {
	if i := m.topWaiter(); i >= 0 {
		t := m.waiters[i]
		m.waiters = slices.Delete(m.waiters, i, i+1)
		t.waitQueue = nil
		m.s.unblockLocked(t)
	}
	m.value++
}

// Value returns the current count.
func (m *Semaphore) Value() int {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	return m.value
}

// topWaiter returns the index of the waiter Up would wake, or -1.
func (m *Semaphore) topWaiter() int {
	best := -1
	for i, t := range m.waiters {
		if best < 0 || t.priority > m.waiters[best].priority {
			best = i
		}
	}
	return best
}

func (m *Semaphore) maxWaiterPriority() int {
	if i := m.topWaiter(); i >= 0 {
		return m.waiters[i].priority
	}
	return -1
}

// ─── Lock ───────────────────────────────────────────────────────────────────

// Lock is a non-recursive mutual-exclusion lock with priority donation.
type Lock struct {
	name   string
	holder *Thread
	sema   *Semaphore
}

// NewLock returns an unheld lock.
func NewLock(s *Scheduler, name string) *Lock {
	return &Lock{name: name, sema: NewSemaphore(s, 1)}
}

// Name returns the lock's label.
func (l *Lock) Name() string { return l.name }

// Holder returns the owning thread, or nil. Implements Waitable.
func (l *Lock) Holder() *Thread { return l.holder }

// MaxWaiterPriority returns the highest effective priority among threads
// blocked acquiring l, or -1. Implements Waitable.
func (l *Lock) MaxWaiterPriority() int { return l.sema.maxWaiterPriority() }

// Acquire takes the lock, donating the caller's priority to the holder while
// it waits.
func (l *Lock) Acquire() {
	s := l.sema.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acquireLocked(l)
}

func (s *Scheduler) acquireLocked(l *Lock) {
	cur := s.currentLocked("lock_acquire")
	if l.holder == cur {
		fail("lock_acquire", fmt.Sprintf("%s already holds lock %q", cur, l.name))
	}
	for l.sema.value == 0 {
		l.sema.enqueueLocked(cur)
		s.donateLocked(cur, l)
		s.blockLocked()
	}
	l.sema.value--
	l.holder = cur
	s.acquiredLocked(cur, l)
	s.logger.Debug("lock acquired", slog.String("lock", l.name), slog.Int("tid", int(cur.id)))
}

// TryAcquire takes the lock if it is free and reports whether it did. It
// never donates.
func (l *Lock) TryAcquire() bool {
	s := l.sema.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentLocked("lock_try_acquire")
	if l.holder == cur {
		fail("lock_try_acquire", fmt.Sprintf("%s already holds lock %q", cur, l.name))
	}
	if l.sema.value == 0 {
		return false
	}
	l.sema.value--
	l.holder = cur
	s.acquiredLocked(cur, l)
	return true
}

// Release gives the lock up. Priority donated through it is dropped and the
// highest-priority waiter is woken; the caller yields if that waiter now
// outranks it.
func (l *Lock) Release() {
	s := l.sema.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(l)
	s.preemptLocked()
}

func (s *Scheduler) releaseLocked(l *Lock) {
	cur := s.currentLocked("lock_release")
	if l.holder != cur {
		fail("lock_release", fmt.Sprintf("%s releases lock %q it does not hold", cur, l.name))
	}
	l.holder = nil
	s.releasedLocked(cur, l)
	l.sema.upLocked()
	s.logger.Debug("lock released", slog.String("lock", l.name), slog.Int("tid", int(cur.id)))
}

// HeldByCurrent reports whether the running thread owns l.
func (l *Lock) HeldByCurrent() bool {
	s := l.sema.s
	s.mu.Lock()
	defer s.mu.Unlock()
	return l.holder != nil && l.holder == s.running
}

// ─── Condition Variable ─────────────────────────────────────────────────────

type condWaiter struct {
	sema   *Semaphore
	thread *Thread
}

// Cond is a condition variable used together with a Lock (Mesa semantics).
type Cond struct {
	s       *Scheduler
	waiters []condWaiter
}

// NewCond returns a condition variable with no waiters.
func NewCond(s *Scheduler) *Cond { return &Cond{s: s} }

// Wait atomically releases l and waits to be signaled, then re-acquires l.
// The caller must hold l.
func (c *Cond) Wait(l *Lock) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.currentLocked("cond_wait")
	if l.holder != cur {
		fail("cond_wait", fmt.Sprintf("%s waits without holding lock %q", cur, l.name))
	}
	w := condWaiter{sema: NewSemaphore(s, 0), thread: cur}
	c.waiters = append(c.waiters, w)
	s.releaseLocked(l)
	w.sema.downLocked()
	s.acquireLocked(l)
}

// Signal wakes the highest-priority thread waiting on c, if any. The caller
// must hold l.
func (c *Cond) Signal(l *Lock) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c.checkHolder("cond_signal", l)
	c.signalLocked()
	s.preemptLocked()
}

// Broadcast wakes every thread waiting on c. The caller must hold l.
func (c *Cond) Broadcast(l *Lock) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c.checkHolder("cond_broadcast", l)
	for len(c.waiters) > 0 {
		c.signalLocked()
	}
	s.preemptLocked()
}

// Waiters returns the number of threads waiting on c.
func (c *Cond) Waiters() int {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	return len(c.waiters)
}

func (c *Cond) checkHolder(op string, l *Lock) {
	cur := c.s.currentLocked(op)
	if l.holder != cur {
		fail(op, fmt.Sprintf("%s does not hold lock %q", cur, l.name))
	}
}

func (c *Cond) signalLocked() {
	best := -1
	for i, w := range c.waiters {
		if best < 0 || w.thread.priority > c.waiters[best].thread.priority {
			best = i
		}
	}
	if best < 0 {
		return
	}
	w := c.waiters[best]
	c.waiters = slices.Delete(c.waiters, best, best+1)
	w.sema.upLocked()
}
