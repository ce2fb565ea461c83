// Package health runs periodic self-checks for the daemon: the trace store
// answers, the live scheduler's timer keeps advancing, and trace flushes are
// getting through.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tutu-network/threadsched/internal/infra/healing"
)

// DefaultInterval is the time between check rounds.
const DefaultInterval = 10 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is satisfied by the trace store.
type Pinger interface {
	Ping() error
}

// Clock is satisfied by a scheduler.
type Clock interface {
	Ticks() int64
}

// Backlog is satisfied by a trace recorder.
type Backlog interface {
	Pending() int
	Flush() error
}

// Circuit is satisfied by a circuit breaker.
type Circuit interface {
	Name() string
	State() healing.State
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates an empty checker; add checks with Add or the With
// helpers.
func NewChecker() *Checker {
	return &Checker{interval: DefaultInterval}
}

// Add registers a check.
func (c *Checker) Add(check Check) *Checker {
	c.checks = append(c.checks, check)
	return c
}

// WithStore checks that the trace store answers pings.
func (c *Checker) WithStore(p Pinger) *Checker {
	return c.Add(Check{
		Name:    "sqlite",
		CheckFn: func(context.Context) error { return p.Ping() },
	})
}

// WithTimer checks that clk advanced since the previous round.
func (c *Checker) WithTimer(clk Clock) *Checker {
	last := int64(-1)
	return c.Add(Check{
		Name: "timer",
		CheckFn: func(context.Context) error {
			now := clk.Ticks()
			prev := last
			last = now
			if prev >= 0 && now == prev {
				return fmt.Errorf("timer stalled at tick %d", now)
			}
			return nil
		},
	})
}

// WithBacklog checks that fewer than limit trace events await a flush,
// flushing as recovery.
func (c *Checker) WithBacklog(b Backlog, limit int) *Checker {
	return c.Add(Check{
		Name: "trace_backlog",
		CheckFn: func(context.Context) error {
			if n := b.Pending(); n >= limit {
				return fmt.Errorf("%d trace events pending (limit %d)", n, limit)
			}
			return nil
		},
		RecoverFn: func(context.Context) error { return b.Flush() },
	})
}

// WithCircuit reports unhealthy while cb is not closed.
func (c *Checker) WithCircuit(cb Circuit) *Checker {
	return c.Add(Check{
		Name: cb.Name(),
		CheckFn: func(context.Context) error {
			if st := cb.State(); st != healing.Closed {
				return fmt.Errorf("circuit %s", st)
			}
			return nil
		},
	})
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

// RunOnce runs every check a single time.
func (c *Checker) RunOnce(ctx context.Context) { c.runAll(ctx) }

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Error = err.Error()
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
		}
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}
