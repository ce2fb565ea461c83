package scheduler

import "github.com/tutu-network/threadsched/internal/domain"

// EventKind classifies scheduler trace events.
type EventKind string

const (
	EventCreate   EventKind = "create"   // Thread created with priority Value
	EventSwitch   EventKind = "switch"   // CPU passed from Thread to Other
	EventBlock    EventKind = "block"    // Thread blocked
	EventUnblock  EventKind = "unblock"  // Thread made ready
	EventSleep    EventKind = "sleep"    // Thread sleeps until tick Value
	EventWake     EventKind = "wake"     // Thread woken by the timer
	EventExit     EventKind = "exit"     // Thread exited
	EventDonate   EventKind = "donate"   // Thread donated priority Value to Other
	EventPriority EventKind = "priority" // Thread's effective priority became Value
	EventNice     EventKind = "nice"     // Thread's nice became Value
	EventLoadAvg  EventKind = "load_avg" // load average became Value (raw 17.14)
	EventTick     EventKind = "tick"     // Thread was charged a tick; Value is 1 if idle
)

// Event is one entry in the scheduler's trace.
type Event struct {
	Tick   int64           `json:"tick"`
	Kind   EventKind       `json:"kind"`
	Thread domain.ThreadID `json:"thread,omitempty"`
	Other  domain.ThreadID `json:"other,omitempty"`
	Value  int64           `json:"value"`
}

// Recorder receives scheduler events. Record is called with the scheduler's
// critical section held and must not call back into the scheduler.
type Recorder interface {
	Record(ev Event)
}

// Recorders fans one event stream out to several recorders.
type Recorders []Recorder

// Record forwards ev to every recorder in order.
func (rs Recorders) Record(ev Event) {
	for _, r := range rs {
		r.Record(ev)
	}
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(Event)

// Record calls f(ev).
func (f RecorderFunc) Record(ev Event) { f(ev) }

// emitLocked stamps ev with the current tick and hands it to the recorder.
func (s *Scheduler) emitLocked(ev Event) {
	if s.recorder == nil {
		return
	}
	ev.Tick = s.ticks
	s.recorder.Record(ev)
}
