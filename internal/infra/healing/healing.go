// Package healing implements a circuit breaker for the daemon's background
// writers. The live kernel flushes its trace through one so that a store
// that keeps failing is left alone for a while instead of being retried
// every second.
//
// States:
//   - CLOSED    (normal) → failures reach threshold → OPEN
//   - OPEN      (skipping) → after cooldown → HALF_OPEN
//   - HALF_OPEN (probing) → enough probes succeed → CLOSED, a probe fails → OPEN
package healing

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// State is a breaker state.
type State int

const (
	Closed   State = iota // calls pass through
	Open                  // calls rejected until the cooldown ends
	HalfOpen              // calls pass through as probes
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ErrOpen is returned by Allow and Do while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Config configures a Breaker.
type Config struct {
	Threshold int           // consecutive failures that trip the breaker
	Cooldown  time.Duration // time spent OPEN before probing
	Probes    int           // successful probes needed to close again
}

// DefaultConfig returns the daemon's defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 3,
		Cooldown:  10 * time.Second,
		Probes:    1,
	}
}

// Breaker is a circuit breaker. Safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	name      string
	cfg       Config
	state     State
	failures  int
	probes    int
	trippedAt time.Time
	trips     int
	rejected  int
	lastErr   error
	now       func() time.Time
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.Probes <= 0 {
		cfg.Probes = def.Probes
	}
	return &Breaker{name: name, cfg: cfg, now: time.Now}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// coolLocked moves OPEN to HALF_OPEN once the cooldown has passed.
func (b *Breaker) coolLocked() {
	if b.state == Open && b.now().Sub(b.trippedAt) >= b.cfg.Cooldown {
		b.state = HalfOpen
		b.probes = 0
	}
}

func (b *Breaker) tripLocked() {
	b.state = Open
	b.trippedAt = b.now()
	b.trips++
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolLocked()
	if b.state == Open {
		b.rejected++
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	return nil
}

// Success records a call that worked.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.probes++
		if b.probes >= b.cfg.Probes {
			b.state = Closed
			b.failures = 0
			b.probes = 0
		}
	}
}

// Failure records a call that failed and may trip the breaker.
func (b *Breaker) Failure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastErr = err
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.tripLocked()
		}
	case HalfOpen:
		b.tripLocked()
	}
}

// Do runs fn unless the breaker is open, and records its outcome.
func (b *Breaker) Do(fn func() error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	if err := fn(); err != nil {
		b.Failure(err)
		return err
	}
	b.Success()
	return nil
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolLocked()
	return b.state
}

// Snapshot is a point-in-time view of a breaker.
type Snapshot struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	Failures  int       `json:"failures"`
	Trips     int       `json:"trips"`
	Rejected  int       `json:"rejected"`
	TrippedAt time.Time `json:"tripped_at,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Snapshot returns the breaker's current counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.coolLocked()
	snap := Snapshot{
		Name:      b.name,
		State:     b.state,
		Failures:  b.failures,
		Trips:     b.trips,
		Rejected:  b.rejected,
		TrippedAt: b.trippedAt,
	}
	if b.lastErr != nil {
		snap.LastError = b.lastErr.Error()
	}
	return snap
}

// Reset closes the breaker and clears its failure count.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probes = 0
}
