package sqlite

import (
	"fmt"
	"sync"

	"github.com/tutu-network/threadsched/internal/domain"
	"github.com/tutu-network/threadsched/internal/fixedpoint"
	"github.com/tutu-network/threadsched/internal/infra/scheduler"
)

// ─── Trace Recorder ─────────────────────────────────────────────────────────

// LoadSample is the load average at a once-per-second boundary.
type LoadSample struct {
	Tick    int64 `json:"tick"`
	LoadAvg int   `json:"load_avg"` // hundredths
}

// TraceRecorder buffers one run's scheduler events in memory. Record runs
// inside the scheduler's critical section, so it never touches the database
// and never waits for a Flush in progress; Flush writes the buffer out.
type TraceRecorder struct {
	db    *DB
	runID string

	flushMu sync.Mutex // serializes Flush
	seq     int64      // guarded by flushMu

	mu      sync.Mutex // guards the buffer
	events  []scheduler.Event
	samples []LoadSample
}

// Recorder returns a scheduler recorder that traces into run runID.
func (d *DB) Recorder(runID string) *TraceRecorder {
	return &TraceRecorder{db: d, runID: runID}
}

// RunID returns the run this recorder writes to.
func (r *TraceRecorder) RunID() string { return r.runID }

// Record buffers ev. Implements scheduler.Recorder.
func (r *TraceRecorder) Record(ev scheduler.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	if ev.Kind == scheduler.EventLoadAvg {
		r.samples = append(r.samples, LoadSample{
			Tick:    ev.Tick,
			LoadAvg: fixedpoint.Value(ev.Value).Scaled(100),
		})
	}
}

// Pending returns the number of buffered events not yet taken by a Flush.
func (r *TraceRecorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Flush writes every buffered event and load sample in one transaction and
// empties the buffer. The buffer is swapped out first, so Record keeps
// appending while the transaction runs; on error the taken entries are put
// back in front for a later retry. Sequence numbers continue across flushes.
func (r *TraceRecorder) Flush() error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	events, samples := r.events, r.samples
	r.events, r.samples = nil, nil
	r.mu.Unlock()
	if len(events) == 0 && len(samples) == 0 {
		return nil
	}

	if err := r.write(events, samples); err != nil {
		r.mu.Lock()
		r.events = append(events, r.events...)
		r.samples = append(samples, r.samples...)
		r.mu.Unlock()
		return err
	}
	return nil
}

func (r *TraceRecorder) write(events []scheduler.Event, samples []LoadSample) error {
	seq := r.seq

	tx, err := r.db.db.Begin()
	if err != nil {
		return fmt.Errorf("begin flush: %w", err)
	}
	defer tx.Rollback()

	evStmt, err := tx.Prepare(
		`INSERT INTO events (run_id, seq, tick, kind, thread, other, value) VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer evStmt.Close()
	for _, ev := range events {
		seq++
		if _, err := evStmt.Exec(r.runID, seq, ev.Tick, string(ev.Kind), int(ev.Thread), int(ev.Other), ev.Value); err != nil {
			return fmt.Errorf("insert event %d: %w", seq, err)
		}
	}

	sampleStmt, err := tx.Prepare(
		`INSERT OR REPLACE INTO load_samples (run_id, tick, load_avg) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer sampleStmt.Close()
	for _, s := range samples {
		if _, err := sampleStmt.Exec(r.runID, s.Tick, s.LoadAvg); err != nil {
			return fmt.Errorf("insert load sample: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit flush: %w", err)
	}
	r.seq = seq
	return nil
}

// ─── Trace Queries ──────────────────────────────────────────────────────────

// Events returns a run's events in emission order. An empty kind selects
// every kind.
func (d *DB) Events(runID string, kind scheduler.EventKind) ([]scheduler.Event, error) {
	if _, err := d.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := d.db.Query(
		`SELECT tick, kind, thread, other, value FROM events
		 WHERE run_id = ? AND (? = '' OR kind = ?) ORDER BY seq`,
		runID, string(kind), string(kind),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []scheduler.Event
	for rows.Next() {
		var ev scheduler.Event
		var k string
		var thread, other int
		if err := rows.Scan(&ev.Tick, &k, &thread, &other, &ev.Value); err != nil {
			return nil, err
		}
		ev.Kind = scheduler.EventKind(k)
		ev.Thread = domain.ThreadID(thread)
		ev.Other = domain.ThreadID(other)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LoadSamples returns a run's load average samples in tick order.
func (d *DB) LoadSamples(runID string) ([]LoadSample, error) {
	if _, err := d.GetRun(runID); err != nil {
		return nil, err
	}
	rows, err := d.db.Query(
		`SELECT tick, load_avg FROM load_samples WHERE run_id = ? ORDER BY tick`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []LoadSample
	for rows.Next() {
		var s LoadSample
		if err := rows.Scan(&s.Tick, &s.LoadAvg); err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
