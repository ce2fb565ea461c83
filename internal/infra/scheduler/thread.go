package scheduler

import (
	"fmt"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/fixedpoint"
)

// threadMagic guards every Thread record. A mismatch means the record was
// overwritten and is reported as a fatal invariant violation.
const threadMagic = 0xcd6abf4b

// Func is a thread's work item. aux is the opaque argument given to Create.
type Func func(aux any)

// Thread is a thread control block.
//
// A thread sits in at most one of the ready queue, the sleep queue, or a
// synchronization wait queue. Each membership has its own slot and the
// scheduler checks that no two are populated at once.
type Thread struct {
	id    domain.ThreadID
	name  string
	state domain.State

	basePriority int // set at creation or by SetPriority, never by donation
	priority     int // effective priority

	held      []Waitable // locks owned, in acquisition order
	waitingOn Waitable   // lock this thread is blocked acquiring

	nice      int
	recentCPU fixedpoint.Value
	wakeTick  int64

	// Queue slots.
	readyIndex int    // heap index in the ready queue, -1 when absent
	readySeq   uint64 // insertion sequence, breaks priority ties FIFO
	sleepIndex int    // heap index in the sleep queue, -1 when absent
	waitQueue  any    // semaphore or condition the thread waits on, nil when absent

	fn      Func
	aux     any
	started bool
	resume  chan struct{}

	magic uint32
}

func newThread(id domain.ThreadID, name string, priority int, fn Func, aux any) *Thread {
	p := domain.ClampPriority(priority)
	return &Thread{
		id:           id,
		name:         domain.TruncateName(name),
		state:        domain.Blocked,
		basePriority: p,
		priority:     p,
		nice:         domain.NiceDefault,
		readyIndex:   -1,
		sleepIndex:   -1,
		fn:           fn,
		aux:          aux,
		resume:       make(chan struct{}, 1),
		magic:        threadMagic,
	}
}

// ID returns the thread identifier.
func (t *Thread) ID() domain.ThreadID { return t.id }

// Name returns the (possibly truncated) display name.
func (t *Thread) Name() string { return t.name }

// State returns the life-cycle state.
func (t *Thread) State() domain.State { return t.state }

// Priority returns the effective priority.
func (t *Thread) Priority() int { return t.priority }

// BasePriority returns the priority the thread was created with or last set
// to, ignoring donations.
func (t *Thread) BasePriority() int { return t.basePriority }

// Nice returns the MLFQS niceness.
func (t *Thread) Nice() int { return t.nice }

// RecentCPU returns the raw fixed-point recent CPU estimate.
func (t *Thread) RecentCPU() fixedpoint.Value { return t.recentCPU }

// WakeTick returns the tick a sleeping thread becomes runnable at.
func (t *Thread) WakeTick() int64 { return t.wakeTick }

// HeldLocks returns the number of locks the thread currently owns.
func (t *Thread) HeldLocks() int { return len(t.held) }

// WaitingOn returns the lock the thread is blocked acquiring, or nil.
func (t *Thread) WaitingOn() Waitable { return t.waitingOn }

func (t *Thread) String() string {
	return fmt.Sprintf("thread %d (%s)", t.id, t.name)
}

// ─── Invariant Checks ───────────────────────────────────────────────────────

// checkMagic panics if the record's guard value was overwritten.
func (t *Thread) checkMagic(op string) {
	if t == nil || t.magic != threadMagic {
		fail(op, "thread record corrupted (bad magic)")
	}
}

// linkCount returns how many queue slots are populated.
func (t *Thread) linkCount() int {
	n := 0
	if t.readyIndex >= 0 {
		n++
	}
	if t.sleepIndex >= 0 {
		n++
	}
	if t.waitQueue != nil {
		n++
	}
	return n
}

// checkUnlinked panics unless t occupies no queue slot.
func (t *Thread) checkUnlinked(op string) {
	if n := t.linkCount(); n != 0 {
		fail(op, fmt.Sprintf("%s already linked into %d queue(s)", t, n))
	}
}

// checkLinks verifies the state/queue-membership invariant.
func (t *Thread) checkLinks(op string) {
	n := t.linkCount()
	if n > 1 {
		fail(op, fmt.Sprintf("%s linked into %d queues", t, n))
	}
	switch t.state {
	case domain.Ready:
		if t.readyIndex < 0 || n != 1 {
			fail(op, fmt.Sprintf("%s is READY but not on the ready queue", t))
		}
	case domain.Running, domain.Dying:
		if n != 0 {
			fail(op, fmt.Sprintf("%s is %s but still queued", t, t.state))
		}
	case domain.Blocked:
		if t.readyIndex >= 0 {
			fail(op, fmt.Sprintf("%s is BLOCKED but on the ready queue", t))
		}
	}
}

// fail raises a fatal invariant violation.
func fail(op, msg string) {
	panic(&domain.InvariantError{Op: op, Msg: msg})
}
