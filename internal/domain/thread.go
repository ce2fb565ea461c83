// Package domain holds the pure scheduling vocabulary: thread identity and
// life-cycle states, priority and niceness bounds, and the error values shared
// by the scheduler and its collaborators. It has no infrastructure dependency.
package domain

import "strconv"

// ThreadID identifies a thread for its whole lifetime. IDs are handed out in
// increasing order and never reused.
type ThreadID int

// NoThread is the zero ThreadID; no live thread carries it.
const NoThread ThreadID = 0

// String returns the decimal form of the ID.
func (id ThreadID) String() string { return strconv.Itoa(int(id)) }

// State is a thread's position in its life cycle.
type State int

const (
	Running State = iota // currently owns the CPU
	Ready                // runnable, waiting on the ready queue
	Blocked              // waiting for a wake-up, a lock, or an explicit unblock
	Dying                // exited, about to be destroyed
)

// String returns the canonical upper-case state name.
func (s State) String() string {
	switch s {
	case Running:
		return "RUNNING"
	case Ready:
		return "READY"
	case Blocked:
		return "BLOCKED"
	case Dying:
		return "DYING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets states render by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// ─── Priority & Niceness Bounds ─────────────────────────────────────────────

const (
	PriMin     = 0  // lowest priority
	PriDefault = 31 // priority of the initial thread
	PriMax     = 63 // highest priority

	NiceMin     = -20
	NiceDefault = 0
	NiceMax     = 20

	// MaxNameLen bounds thread display names. Longer names are truncated.
	MaxNameLen = 15
)

// ClampPriority forces p into [PriMin, PriMax].
func ClampPriority(p int) int {
	return min(max(p, PriMin), PriMax)
}

// ClampNice forces n into [NiceMin, NiceMax].
func ClampNice(n int) int {
	return min(max(n, NiceMin), NiceMax)
}

// TruncateName bounds a display name to MaxNameLen bytes.
func TruncateName(name string) string {
	if len(name) > MaxNameLen {
		return name[:MaxNameLen]
	}
	return name
}
