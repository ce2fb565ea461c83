package scheduler

import (
	"context"
	"errors"
	"log/slog"

	"github.com/tutu-network/threadsched/internal/domain"
)

// ─── Halting ────────────────────────────────────────────────────────────────
//
// A halted scheduler runs nothing more. Every thread goroutine unwinds at
// its next entry into the scheduler by panicking with a *HaltError; thread
// goroutines absorb it in finish, and on the initial thread it reaches the
// caller (workload.Run recovers it into an error). Every entry point
// releases the mutex with defer, so the unwinding leaves it unlocked.

// HaltError is the panic value raised on threads of a halted scheduler.
type HaltError struct {
	Err error // first cause passed to Halt
}

func (e *HaltError) Error() string { return domain.ErrHalted.Error() + ": " + e.Err.Error() }

// Unwrap makes errors.Is hold for both ErrHalted and the cause.
func (e *HaltError) Unwrap() []error { return []error{domain.ErrHalted, e.Err} }

// Halt stops the scheduler for good. Safe to call from any goroutine, the
// recorder included; only the first cause is kept.
func (s *Scheduler) Halt(cause error) {
	if cause == nil {
		cause = errors.New("halt requested")
	}
	s.haltOnce.Do(func() {
		s.haltErr = &HaltError{Err: cause}
		close(s.halted)
		level := slog.LevelWarn
		if errors.Is(cause, domain.ErrInvariant) {
			level = slog.LevelError
		}
		s.logger.Log(context.Background(), level, "scheduler halted", slog.Any("error", cause))

		// Realtime waiters sleep on condition variables; the caller may
		// hold the mutex.
		go func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.idleWake.Broadcast()
			s.tickCond.Broadcast()
		}()
	})
}

// Done is closed once the scheduler halts.
func (s *Scheduler) Done() <-chan struct{} { return s.halted }

// Err returns the *HaltError the scheduler halted with, or nil.
func (s *Scheduler) Err() error {
	select {
	case <-s.halted:
		return s.haltErr
	default:
		return nil
	}
}

func (s *Scheduler) isHalted() bool {
	select {
	case <-s.halted:
		return true
	default:
		return false
	}
}

// checkHaltLocked unwinds the calling thread if the scheduler has halted.
func (s *Scheduler) checkHaltLocked() {
	if s.isHalted() {
		panic(s.haltErr)
	}
}

// absorb ends a thread goroutine that unwound with r. A halt is swallowed
// and an invariant violation halts the scheduler; any other panic is a bug
// in the work item and keeps unwinding.
func (s *Scheduler) absorb(r any) {
	if _, ok := r.(*HaltError); ok {
		return
	}
	if err, ok := r.(error); ok && errors.Is(err, domain.ErrInvariant) {
		s.Halt(err)
		return
	}
	panic(r)
}
