package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure: no infrastructure dependency.

var (
	// Scheduler lifecycle
	ErrSchedulerStarted = errors.New("scheduler already started")
	ErrInvalidClock     = errors.New("unknown clock mode")
	ErrInvalidTimerFreq = errors.New("timer frequency must be between 19 and 1000 Hz")
	ErrInvalidSlice     = errors.New("time slice must be at least one tick")
	ErrHalted           = errors.New("scheduler halted")

	// Workload errors
	ErrUnknownOp        = errors.New("unknown workload step")
	ErrUnknownLock      = errors.New("step references an undeclared lock")
	ErrUnbalancedLock   = errors.New("lock released without a matching acquire")
	ErrDuplicateThread  = errors.New("duplicate thread name in workload")
	ErrEmptyWorkload    = errors.New("workload declares no threads")
	ErrScenarioUnknown  = errors.New("built-in scenario not found")
	ErrModeMismatch     = errors.New("scenario requires the other scheduling mode")
	ErrLockCycle        = errors.New("threads acquire locks in conflicting orders")
	ErrWorkloadTooLarge = errors.New("workload exceeds the tick budget")

	// Trace store errors
	ErrRunNotFound = errors.New("trace run not found")

	// ErrInvariant is wrapped by every InvariantError.
	ErrInvariant = errors.New("scheduler invariant violated")
)

// InvariantError reports a programming defect detected inside the scheduler:
// a corrupted thread record, a thread linked into two queues, a cyclic lock
// chain, a deadlock. It is raised with panic, never returned.
type InvariantError struct {
	Op  string // operation that detected the violation
	Msg string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariant, e.Op, e.Msg)
}

// Unwrap makes errors.Is(err, ErrInvariant) hold.
func (e *InvariantError) Unwrap() error { return ErrInvariant }
